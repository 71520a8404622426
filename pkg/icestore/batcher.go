package icestore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// BatcherConfig holds configuration for the Batcher.
type BatcherConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	// UploadTimeout bounds a single UploadBatch call. Zero means two minutes.
	UploadTimeout time.Duration
}

// Batcher collects payloads into batches and flushes them to a DataUploader
// when the batch is full, when FlushTimeout passes, or on Stop. It implements
// consumers.MessageProcessor[T].
type Batcher[T any] struct {
	config    *BatcherConfig
	uploader  DataUploader[T]
	logger    zerolog.Logger
	inputChan chan *types.BatchedMessage[T]
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewBatcher creates a Batcher for items of type T.
func NewBatcher[T any](config *BatcherConfig, uploader DataUploader[T], logger zerolog.Logger) *Batcher[T] {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = time.Minute
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 2 * time.Minute
	}
	return &Batcher[T]{
		config:    config,
		uploader:  uploader,
		logger:    logger.With().Str("component", "IceStoreBatcher").Logger(),
		inputChan: make(chan *types.BatchedMessage[T], config.BatchSize*2),
	}
}

// Start begins the batching worker goroutine.
func (b *Batcher[T]) Start() {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_timeout", b.config.FlushTimeout).
		Msg("Starting icestore Batcher worker...")
	b.wg.Add(1)
	go b.worker()
}

// Stop closes the input, waits for the final flush and closes the uploader.
// Nothing may be sent on Input after Stop.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() {
		b.logger.Info().Msg("Stopping icestore Batcher...")
		close(b.inputChan)
		b.wg.Wait()
		if err := b.uploader.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Error closing underlying data uploader")
		}
		b.logger.Info().Msg("IceStore Batcher stopped.")
	})
}

// Input returns the channel batched messages are sent on.
func (b *Batcher[T]) Input() chan<- *types.BatchedMessage[T] {
	return b.inputChan
}

func (b *Batcher[T]) worker() {
	defer b.wg.Done()
	batch := make([]*types.BatchedMessage[T], 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushTimeout)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-b.inputChan:
			if !ok {
				b.flush(batch)
				return
			}
			batch = append(batch, msg)
			if len(batch) >= b.config.BatchSize {
				b.flush(batch)
				batch = make([]*types.BatchedMessage[T], 0, b.config.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = make([]*types.BatchedMessage[T], 0, b.config.BatchSize)
			}
		}
	}
}

// flush uploads one batch and reports the outcome on every message in it.
func (b *Batcher[T]) flush(batch []*types.BatchedMessage[T]) {
	if len(batch) == 0 {
		return
	}

	payloads := make([]*T, len(batch))
	for i, msg := range batch {
		payloads[i] = msg.Payload
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.UploadTimeout)
	defer cancel()

	if err := b.uploader.UploadBatch(ctx, payloads); err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to upload batch, Nacking messages.")
		for _, msg := range batch {
			if msg.OriginalMessage.Nack != nil {
				msg.OriginalMessage.Nack()
			}
		}
		return
	}
	b.logger.Debug().Int("batch_size", len(batch)).Msg("Uploaded batch, Acking messages.")
	for _, msg := range batch {
		if msg.OriginalMessage.Ack != nil {
			msg.OriginalMessage.Ack()
		}
	}
}
