// Package sink persists received payloads to durable backends without ever
// blocking or failing the ingestion path.
//
// The AsyncWriter owns a bounded queue and a small worker pool. Each worker
// hands documents to a Sink with a per-write timeout. A full queue drops the
// document, and a failed write is logged and counted. Neither touches the
// reading that was already appended to the node's ring buffer.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

var (
	// ErrQueueFull is returned by Submit when the write queue has no room.
	ErrQueueFull = errors.New("sink queue full")
	// ErrWriteFailed wraps backend failures.
	ErrWriteFailed = errors.New("sink write failed")
	// ErrClosed is returned by Submit after Stop.
	ErrClosed = errors.New("sink closed")
)

// Sink is a durable destination for payload documents.
type Sink interface {
	Write(ctx context.Context, doc *types.PayloadDocument) error
	Close() error
}

// Recorder receives write outcomes. *metrics.Collector implements it.
type Recorder interface {
	SinkWrite(backend string, ok bool)
	SinkDropped()
}

type nopRecorder struct{}

func (nopRecorder) SinkWrite(string, bool) {}
func (nopRecorder) SinkDropped()           {}

// NewDocument builds the durable unit for one received payload. raw is kept
// as JSON when it is valid and as text otherwise, so malformed payloads are
// still archived.
func NewDocument(nodeID, topic, messageID string, raw []byte, readings []types.Reading, receivedAt time.Time) *types.PayloadDocument {
	doc := &types.PayloadDocument{
		NodeID:     nodeID,
		Topic:      topic,
		MessageID:  messageID,
		ReceivedAt: receivedAt.UTC(),
		Readings:   readings,
	}
	for _, r := range readings {
		if r.MacID != "" {
			doc.MacID = r.MacID
			break
		}
	}
	if json.Valid(raw) {
		doc.Raw = append(json.RawMessage(nil), raw...)
	} else {
		doc.RawText = string(raw)
	}
	return doc
}
