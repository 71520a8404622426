//go:build integration

package bqstore_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/illmade-knight/sensorhub/pkg/bqstore"
	"github.com/illmade-knight/sensorhub/pkg/types"
)

const (
	testProjectID = "test-sensorhub-project"

	testBigQueryEmulatorImage = "ghcr.io/goccy/bigquery-emulator:0.6.6"
	testBigQueryGRPCPortStr   = "9060"
	testBigQueryRestPortStr   = "9050"
	testBigQueryGRPCPort      = testBigQueryGRPCPortStr + "/tcp"
	testBigQueryRestPort      = testBigQueryRestPortStr + "/tcp"
	testBigQueryDatasetID     = "sensorhub_dataset"
	testBigQueryTableID       = "readings"
)

func newEmulatorBigQueryClient(ctx context.Context, t *testing.T, projectID string) *bigquery.Client {
	t.Helper()
	emulatorHost := os.Getenv("BIGQUERY_API_ENDPOINT")
	require.NotEmpty(t, emulatorHost, "BIGQUERY_API_ENDPOINT env var must be set")

	client, err := bigquery.NewClient(ctx, projectID,
		option.WithEndpoint(emulatorHost),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{}),
	)
	require.NoError(t, err, "Failed to create BigQuery client for emulator at %s", emulatorHost)
	return client
}

func setupBigQueryEmulator(t *testing.T, ctx context.Context) func() {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        testBigQueryEmulatorImage,
		ExposedPorts: []string{testBigQueryGRPCPort, testBigQueryRestPort},
		Cmd: []string{
			"--project=" + testProjectID,
			"--port=" + testBigQueryRestPortStr,
			"--grpc-port=" + testBigQueryGRPCPortStr,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(testBigQueryGRPCPort).WithStartupTimeout(60*time.Second),
			wait.ForListeningPort(testBigQueryRestPort).WithStartupTimeout(60*time.Second),
		),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err, "Failed to start BigQuery emulator container.")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	restPort, err := container.MappedPort(ctx, testBigQueryRestPort)
	require.NoError(t, err)
	t.Setenv("BIGQUERY_API_ENDPOINT", fmt.Sprintf("http://%s:%s", host, restPort.Port()))

	admin := newEmulatorBigQueryClient(ctx, t, testProjectID)
	defer admin.Close()

	dataset := admin.Dataset(testBigQueryDatasetID)
	err = dataset.Create(ctx, &bigquery.DatasetMetadata{Name: testBigQueryDatasetID})
	if err != nil && !strings.Contains(err.Error(), "Already Exists") {
		require.NoError(t, err, "Failed to create dataset on BQ emulator")
	}
	schema, err := bigquery.InferSchema(bqstore.ReadingRow{})
	require.NoError(t, err)
	err = dataset.Table(testBigQueryTableID).Create(ctx, &bigquery.TableMetadata{Name: testBigQueryTableID, Schema: schema})
	if err != nil && !strings.Contains(err.Error(), "Already Exists") {
		require.NoError(t, err, "Failed to create table on BQ emulator")
	}

	return func() {
		require.NoError(t, container.Terminate(ctx))
	}
}

func TestBigQueryInserter_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	cleanup := setupBigQueryEmulator(t, ctx)
	defer cleanup()

	client := newEmulatorBigQueryClient(ctx, t, testProjectID)
	defer client.Close()

	logger := zerolog.Nop()
	bqInserter, err := bqstore.NewBigQueryInserter(ctx, client, &bqstore.BigQueryInserterConfig{
		ProjectID: testProjectID,
		DatasetID: testBigQueryDatasetID,
		TableID:   testBigQueryTableID,
	}, logger)
	require.NoError(t, err)

	batcher := bqstore.NewBatchInserter[types.PayloadDocument](&bqstore.BatchInserterConfig{BatchSize: 5, FlushTimeout: time.Second}, bqInserter, logger)
	batcher.Start()

	temp := 21.5
	const docCount = 3
	for i := 0; i < docCount; i++ {
		batcher.Input() <- &types.BatchedMessage[types.PayloadDocument]{
			OriginalMessage: types.ConsumedMessage{Ack: func() {}, Nack: func() {}},
			Payload: &types.PayloadDocument{
				NodeID:     "gateway1/node/AA",
				Topic:      "gateway1/node/AA",
				MessageID:  fmt.Sprintf("m-%d", i),
				ReceivedAt: time.Now().UTC(),
				Readings: []types.Reading{{
					NodeID:    "gateway1/node/AA",
					MacID:     "AA",
					Topic:     "gateway1/node/AA",
					Timestamp: time.Now().Unix(),
					Fields:    map[string]*float64{"temperature": &temp},
				}},
			},
		}
	}
	batcher.Stop()

	query := client.Query(fmt.Sprintf("SELECT * FROM `%s.%s` WHERE mac_id = @mac", testBigQueryDatasetID, testBigQueryTableID))
	query.Parameters = []bigquery.QueryParameter{{Name: "mac", Value: "AA"}}
	it, err := query.Read(ctx)
	require.NoError(t, err)

	var rows []bqstore.ReadingRow
	for {
		var row bqstore.ReadingRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.Len(t, rows, docCount)
	assert.Equal(t, "gateway1/node/AA", rows[0].NodeID)
	assert.JSONEq(t, `{"temperature":21.5}`, rows[0].Fields)
}
