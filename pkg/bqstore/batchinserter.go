package bqstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// DataBatchInserter inserts a batch of items into a table-like store.
type DataBatchInserter[T any] interface {
	InsertBatch(ctx context.Context, items []*T) error
	Close() error
}

// BatchInserterConfig holds configuration for the BatchInserter.
type BatchInserterConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	// InsertTimeout bounds a single InsertBatch call. Zero means 30 seconds.
	InsertTimeout time.Duration
}

// BatchInserter buffers payloads and inserts them in batches through a
// DataBatchInserter. It implements consumers.MessageProcessor[T].
type BatchInserter[T any] struct {
	config    *BatchInserterConfig
	inserter  DataBatchInserter[T]
	logger    zerolog.Logger
	inputChan chan *types.BatchedMessage[T]
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewBatchInserter creates a BatchInserter for items of type T.
func NewBatchInserter[T any](config *BatchInserterConfig, inserter DataBatchInserter[T], logger zerolog.Logger) *BatchInserter[T] {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 5 * time.Second
	}
	if config.InsertTimeout <= 0 {
		config.InsertTimeout = 30 * time.Second
	}
	return &BatchInserter[T]{
		config:    config,
		inserter:  inserter,
		logger:    logger.With().Str("component", "BatchInserter").Logger(),
		inputChan: make(chan *types.BatchedMessage[T], config.BatchSize*2),
	}
}

// Start begins the batching worker.
func (b *BatchInserter[T]) Start() {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_timeout", b.config.FlushTimeout).
		Msg("Starting BatchInserter worker...")
	b.wg.Add(1)
	go b.worker()
}

// Stop closes the input, waits for the final flush and closes the inserter.
func (b *BatchInserter[T]) Stop() {
	b.stopOnce.Do(func() {
		b.logger.Info().Msg("Stopping BatchInserter...")
		close(b.inputChan)
		b.wg.Wait()
		if err := b.inserter.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Error closing data inserter")
		}
		b.logger.Info().Msg("BatchInserter stopped.")
	})
}

// Input returns the channel payloads are sent on.
func (b *BatchInserter[T]) Input() chan<- *types.BatchedMessage[T] {
	return b.inputChan
}

func (b *BatchInserter[T]) worker() {
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
				b.logger.Debug().Int("current_batch_size", len(batch)).Msg("Batch size reached. Flushing batch.")
				b.flush(batch)
				batch = make([]*types.BatchedMessage[T], 0, b.config.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.logger.Debug().Int("current_batch_size", len(batch)).Msg("Flush timeout reached. Flushing batch.")
				b.flush(batch)
				batch = make([]*types.BatchedMessage[T], 0, b.config.BatchSize)
			}
		}
	}
}

func (b *BatchInserter[T]) flush(batch []*types.BatchedMessage[T]) {
	if len(batch) == 0 {
		return
	}

	payloads := make([]*T, len(batch))
	for i, msg := range batch {
		payloads[i] = msg.Payload
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.InsertTimeout)
	defer cancel()

	if err := b.inserter.InsertBatch(ctx, payloads); err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert batch, Nacking messages.")
		for _, msg := range batch {
			if msg.OriginalMessage.Nack != nil {
				msg.OriginalMessage.Nack()
			}
		}
		return
	}
	b.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed batch, Acking messages.")
	for _, msg := range batch {
		if msg.OriginalMessage.Ack != nil {
			msg.OriginalMessage.Ack()
		}
	}
}
