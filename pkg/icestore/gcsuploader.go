package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GCSBatchUploaderConfig holds configuration specific to the GCS uploader.
type GCSBatchUploaderConfig struct {
	BucketName   string
	ObjectPrefix string // e.g., "sensorhub/payloads"
}

// GCSBatchUploader writes batches as gzip-compressed JSON lines objects, one
// object per distinct batch key, under
// {ObjectPrefix}/{batch key}/{uuid}.jsonl.gz.
type GCSBatchUploader[T Batchable] struct {
	client GCSClient
	config GCSBatchUploaderConfig
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewGCSBatchUploader creates an uploader for bucket config.BucketName.
func NewGCSBatchUploader[T Batchable](
	gcsClient GCSClient,
	config GCSBatchUploaderConfig,
	logger zerolog.Logger,
) (*GCSBatchUploader[T], error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSBatchUploader[T]{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSBatchUploader").Logger(),
	}, nil
}

// UploadBatch groups items by batch key and uploads the groups concurrently.
// Items with an empty key are skipped. All group errors are joined.
func (u *GCSBatchUploader[T]) UploadBatch(ctx context.Context, items []*T) error {
	groups := make(map[string][]*T)
	for _, item := range items {
		if item == nil {
			continue
		}
		key := (*item).GetBatchKey()
		if key == "" {
			u.logger.Warn().Msg("item has an empty BatchKey, skipping.")
			continue
		}
		groups[key] = append(groups[key], item)
	}
	if len(groups) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
		gwg  sync.WaitGroup
	)
	for key, group := range groups {
		gwg.Add(1)
		u.wg.Add(1)
		go func(key string, group []*T) {
			defer gwg.Done()
			defer u.wg.Done()
			if err := u.uploadGroup(ctx, key, group); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(key, group)
	}
	gwg.Wait()
	return errors.Join(errs...)
}

// uploadGroup streams one group through gzip into a GCS object writer. The
// producer goroutine closes the pipe with its error, which io.Copy returns.
func (u *GCSBatchUploader[T]) uploadGroup(ctx context.Context, batchKey string, group []*T) error {
	objectName := path.Join(u.config.ObjectPrefix, batchKey, uuid.NewString()+".jsonl.gz")
	u.logger.Debug().Str("object_name", objectName).Int("record_count", len(group)).Msg("Uploading archive object")

	gcsWriter := u.client.Bucket(u.config.BucketName).Object(objectName).NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()

		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, rec := range group {
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
		if err = gz.Close(); err != nil {
			err = fmt.Errorf("gzip writer close failed for %s: %w", objectName, err)
		}
	}()

	written, copyErr := io.Copy(gcsWriter, pr)
	// Close finalizes or aborts the upload and must always be called.
	closeErr := gcsWriter.Close()
	if copyErr != nil {
		// Unblock the producer if the writer failed first.
		_ = pr.CloseWithError(copyErr)
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	u.logger.Info().
		Str("object_name", objectName).
		Int64("bytes_written", written).
		Int("record_count", len(group)).
		Msg("Uploaded archive object to GCS")
	return nil
}

// Close waits for in-flight group uploads.
func (u *GCSBatchUploader[T]) Close() error {
	u.wg.Wait()
	return nil
}
