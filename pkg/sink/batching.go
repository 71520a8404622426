package sink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/consumers"
	"github.com/illmade-knight/sensorhub/pkg/types"
)

// Converter maps a payload document to the item type a batching backend
// stores. Returning nil skips the document.
type Converter[T any] func(doc *types.PayloadDocument) (*T, error)

// BatchingSink feeds documents into a batching processor such as
// icestore.Batcher or bqstore.BatchInserter. The processor acks or nacks each
// message once its batch is flushed; those outcomes are what the recorder sees.
type BatchingSink[T any] struct {
	backend   string
	processor consumers.MessageProcessor[T]
	convert   Converter[T]
	recorder  Recorder
	logger    zerolog.Logger
}

// NewBatchingSink starts processor and returns a Sink in front of it.
func NewBatchingSink[T any](
	backend string,
	processor consumers.MessageProcessor[T],
	convert Converter[T],
	recorder Recorder,
	logger zerolog.Logger,
) *BatchingSink[T] {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	processor.Start()
	return &BatchingSink[T]{
		backend:   backend,
		processor: processor,
		convert:   convert,
		recorder:  recorder,
		logger:    logger.With().Str("component", "BatchingSink").Str("backend", backend).Logger(),
	}
}

// Write hands doc to the processor, waiting for room in its input channel
// until ctx expires.
func (s *BatchingSink[T]) Write(ctx context.Context, doc *types.PayloadDocument) error {
	item, err := s.convert(doc)
	if err != nil {
		return fmt.Errorf("%w: %s convert: %w", ErrWriteFailed, s.backend, err)
	}
	if item == nil {
		return nil
	}

	nodeID := doc.NodeID
	msg := &types.BatchedMessage[T]{
		OriginalMessage: types.ConsumedMessage{
			ID:          doc.MessageID,
			Topic:       doc.Topic,
			PublishTime: doc.ReceivedAt,
			Ack: func() {
				s.recorder.SinkWrite(s.backend, true)
			},
			Nack: func() {
				s.recorder.SinkWrite(s.backend, false)
				s.logger.Warn().Str("node_id", nodeID).Msg("Batch flush failed, payload not persisted")
			},
		},
		Payload: item,
	}

	select {
	case s.processor.Input() <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s enqueue: %w", ErrWriteFailed, s.backend, ctx.Err())
	}
}

// Close stops the processor, flushing whatever it still holds.
func (s *BatchingSink[T]) Close() error {
	s.processor.Stop()
	return nil
}
