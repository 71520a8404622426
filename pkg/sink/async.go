package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// AsyncWriterConfig holds configuration for the AsyncWriter.
type AsyncWriterConfig struct {
	QueueCapacity int
	Workers       int
	WriteTimeout  time.Duration
}

// DefaultAsyncWriterConfig returns the values used when nothing is configured.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		QueueCapacity: 1000,
		Workers:       2,
		WriteTimeout:  10 * time.Second,
	}
}

// AsyncWriter decouples ingestion from durable writes.
type AsyncWriter struct {
	config   AsyncWriterConfig
	sink     Sink
	backend  string
	recorder Recorder
	logger   zerolog.Logger

	queue        chan *types.PayloadDocument
	mu           sync.RWMutex
	closed       bool
	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
	stopOnce     sync.Once
}

// NewAsyncWriter creates a writer in front of sink. backend names the sink in
// logs and metrics. A nil recorder disables write accounting.
func NewAsyncWriter(cfg AsyncWriterConfig, sink Sink, backend string, recorder Recorder, logger zerolog.Logger) *AsyncWriter {
	def := DefaultAsyncWriterConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	return &AsyncWriter{
		config:       cfg,
		sink:         sink,
		backend:      backend,
		recorder:     recorder,
		logger:       logger.With().Str("component", "AsyncWriter").Str("backend", backend).Logger(),
		queue:        make(chan *types.PayloadDocument, cfg.QueueCapacity),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
}

// Start launches the worker pool.
func (w *AsyncWriter) Start() {
	w.logger.Info().
		Int("workers", w.config.Workers).
		Int("queue_capacity", w.config.QueueCapacity).
		Dur("write_timeout", w.config.WriteTimeout).
		Msg("Starting durable sink workers")
	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
}

// Submit enqueues doc without blocking. When the queue is full the document
// is dropped and ErrQueueFull returned; callers log and carry on.
func (w *AsyncWriter) Submit(doc *types.PayloadDocument) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- doc:
		return nil
	default:
		w.recorder.SinkDropped()
		w.logger.Warn().Str("node_id", doc.NodeID).Msg("Sink queue full, dropping payload document")
		return ErrQueueFull
	}
}

func (w *AsyncWriter) worker(id int) {
	defer w.wg.Done()
	for doc := range w.queue {
		w.write(id, doc)
	}
}

func (w *AsyncWriter) write(workerID int, doc *types.PayloadDocument) {
	ctx, cancel := context.WithTimeout(w.shutdownCtx, w.config.WriteTimeout)
	defer cancel()

	err := w.sink.Write(ctx, doc)
	w.recorder.SinkWrite(w.backend, err == nil)
	if err == nil {
		return
	}
	event := w.logger.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		event = w.logger.Warn()
	}
	event.Err(err).
		Int("worker_id", workerID).
		Str("node_id", doc.NodeID).
		Str("topic", doc.Topic).
		Msg("Durable write failed, payload not persisted")
}

// Stop drains the queue, waits for in-flight writes and closes the sink.
// Documents still queued are written with the normal timeout; a second call
// is a no-op.
func (w *AsyncWriter) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info().Msg("Stopping durable sink workers...")
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()

		w.wg.Wait()
		w.shutdownFunc()
		if err := w.sink.Close(); err != nil {
			w.logger.Error().Err(err).Msg("Error closing durable sink")
		}
		w.logger.Info().Msg("Durable sink workers stopped.")
	})
}

// Pending reports how many documents are waiting in the queue.
func (w *AsyncWriter) Pending() int {
	return len(w.queue)
}
