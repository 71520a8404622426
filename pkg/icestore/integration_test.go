//go:build integration

package icestore_test

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/illmade-knight/sensorhub/pkg/icestore"
	"github.com/illmade-knight/sensorhub/pkg/types"
)

const (
	testProjectID  = "icestore-test-project"
	testBucketName = "icestore-test-bucket"
)

func TestArchiveProcessor_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	gcsCleanup := setupGCSEmulator(t, ctx)
	defer gcsCleanup()

	gcsClient, err := storage.NewClient(ctx, option.WithoutAuthentication(), option.WithEndpoint(os.Getenv("STORAGE_EMULATOR_HOST")+"/storage/v1/"))
	require.NoError(t, err)
	defer gcsClient.Close()
	require.NoError(t, gcsClient.Bucket(testBucketName).Create(ctx, testProjectID, nil))

	batcher, err := icestore.NewArchiveProcessor(icestore.NewGCSClientAdapter(gcsClient), icestore.ArchiveConfig{
		Batcher:  icestore.BatcherConfig{BatchSize: 3, FlushTimeout: 2 * time.Second},
		Uploader: icestore.GCSBatchUploaderConfig{BucketName: testBucketName, ObjectPrefix: "payloads"},
	}, log.Logger)
	require.NoError(t, err)
	batcher.Start()

	day := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	docs := []*types.PayloadDocument{
		{NodeID: "gateway1/node/AA", Topic: "gateway1/node/AA", ReceivedAt: day, Raw: json.RawMessage(`{"seq":1}`)},
		{NodeID: "gateway1/node/BB", Topic: "gateway1/node/BB", ReceivedAt: day, Raw: json.RawMessage(`{"seq":2}`)},
		{NodeID: "gateway1/node/AA", Topic: "gateway1/node/AA", ReceivedAt: day, Raw: json.RawMessage(`{"seq":3}`)},
		{NodeID: "gateway1/node/AA", Topic: "gateway1/node/AA", ReceivedAt: day, RawText: "not json"},
	}
	acked := make(chan struct{}, len(docs))
	for _, d := range docs {
		batcher.Input() <- &types.BatchedMessage[types.PayloadDocument]{
			OriginalMessage: types.ConsumedMessage{Ack: func() { acked <- struct{}{} }, Nack: func() {}},
			Payload:         d,
		}
	}
	batcher.Stop()
	assert.Len(t, acked, len(docs), "every archived document is acked")

	objects, err := listGCSObjects(ctx, gcsClient.Bucket(testBucketName))
	require.NoError(t, err)

	var countAA, countBB int
	for name, content := range objects {
		records, err := decompressAndScan(content)
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(name, "payloads/gateway1/node/AA/2026/10/18/"):
			countAA += len(records)
		case strings.HasPrefix(name, "payloads/gateway1/node/BB/2026/10/18/"):
			countBB += len(records)
		default:
			t.Errorf("unexpected object %s", name)
		}
	}
	assert.Equal(t, 3, countAA)
	assert.Equal(t, 1, countBB)
}

func setupGCSEmulator(t *testing.T, ctx context.Context) func() {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "fsouza/fake-gcs-server:latest",
		ExposedPorts: []string{"4443/tcp"},
		Cmd:          []string{"-scheme", "http"},
		WaitingFor:   wait.ForHTTP("/storage/v1/b").WithPort("4443/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "http")
	require.NoError(t, err)
	t.Setenv("STORAGE_EMULATOR_HOST", endpoint)

	return func() {
		require.NoError(t, container.Terminate(ctx))
	}
}

func listGCSObjects(ctx context.Context, bucket *storage.BucketHandle) (map[string][]byte, error) {
	objects := make(map[string][]byte)
	it := bucket.Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		rc, err := bucket.Object(attrs.Name).NewReader(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create reader for object %s: %w", attrs.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read object %s: %w", attrs.Name, err)
		}
		objects[attrs.Name] = content
	}
	return objects, nil
}

func decompressAndScan(data []byte) ([]types.PayloadDocument, error) {
	gzReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gzReader.Close()
	var records []types.PayloadDocument
	scanner := bufio.NewScanner(gzReader)
	for scanner.Scan() {
		var record types.PayloadDocument
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}
