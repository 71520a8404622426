//go:build integration

package registry

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testFirestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	testFirestoreEmulatorPort  = "8080/tcp"
	testFirestoreProjectID     = "test-sensorhub-project"
)

// setupFirestoreEmulator starts a Firestore emulator and points the client
// library at it through FIRESTORE_EMULATOR_HOST.
func setupFirestoreEmulator(t *testing.T, ctx context.Context) func() {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        testFirestoreEmulatorImage,
		ExposedPorts: []string{testFirestoreEmulatorPort},
		Cmd:          []string{"gcloud", "beta", "emulators", "firestore", "start", fmt.Sprintf("--project=%s", testFirestoreProjectID), fmt.Sprintf("--host-port=0.0.0.0:%s", strings.Split(testFirestoreEmulatorPort, "/")[0])},
		WaitingFor:   wait.ForLog("Dev App Server is now running").WithStartupTimeout(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err, "Failed to start Firestore emulator")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, testFirestoreEmulatorPort)
	require.NoError(t, err)
	emulatorHost := fmt.Sprintf("%s:%s", host, port.Port())
	t.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)
	t.Logf("Firestore emulator started, host: %s", emulatorHost)

	return func() {
		require.NoError(t, container.Terminate(ctx), "Failed to terminate Firestore emulator")
	}
}

func TestFirestoreRegistry_Lifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	cleanup := setupFirestoreEmulator(t, ctx)
	defer cleanup()

	r, err := NewFirestoreRegistry(ctx, FirestoreConfig{
		ProjectID:      testFirestoreProjectID,
		CollectionName: "nodes-test",
		BaseTopic:      "gateway1/node",
	}, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first, err := r.Register(ctx, "BB")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "gateway1/node/BB", first.NodeID)

	again, err := r.Register(ctx, "BB")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.NodeID, again.NodeID)

	_, err = r.Register(ctx, "AA")
	require.NoError(t, err)

	nodes, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "BB", nodes[0].MacID, "list is ordered by creation time")
	assert.Equal(t, "AA", nodes[1].MacID)

	entry, err := r.Lookup(ctx, "gateway1/node/AA")
	require.NoError(t, err)
	assert.Equal(t, "AA", entry.MacID)

	res, err := r.Deregister(ctx, "BB")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "gateway1/node/BB", res.NodeID)

	res, err = r.Deregister(ctx, "BB")
	require.NoError(t, err)
	assert.False(t, res.Found)

	_, err = r.Lookup(ctx, "gateway1/node/BB")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}
