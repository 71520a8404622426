package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// NamedSink pairs a backend with the name it is reported under.
type NamedSink struct {
	Name string
	Sink Sink
}

// MultiSink fans each document out to every backend. A failing backend does
// not stop the others; all failures are joined into the returned error.
type MultiSink struct {
	sinks []NamedSink
}

// NewMultiSink creates a fan-out over sinks.
func NewMultiSink(sinks ...NamedSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Write(ctx context.Context, doc *types.PayloadDocument) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Write(ctx, doc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of backends.
func (m *MultiSink) Len() int { return len(m.sinks) }

// Discard accepts and forgets every document. It is used when no durable
// backend is configured.
type Discard struct{}

func (Discard) Write(context.Context, *types.PayloadDocument) error { return nil }
func (Discard) Close() error                                         { return nil }
