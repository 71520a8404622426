// Package consumers defines the contract between the hub and its batching
// persistence backends.
package consumers

import (
	"github.com/illmade-knight/sensorhub/pkg/types"
)

// MessageProcessor receives decoded payloads and persists them in batches.
// icestore.Batcher and bqstore.BatchInserter both implement it.
//
// Each message's Ack or Nack is called exactly once, after the batch holding
// it has been written or has failed.
type MessageProcessor[T any] interface {
	// Input returns the channel payloads are sent on. It is closed by Stop.
	Input() chan<- *types.BatchedMessage[T]
	// Start launches the batching worker.
	Start()
	// Stop flushes anything still buffered and releases the backend.
	Stop()
}
