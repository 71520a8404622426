package types

import "time"

// ConsumedMessage is a message as it was received from the broker. It carries
// the raw, unprocessed payload together with the callbacks a downstream
// processor uses to report the outcome of persisting it.
type ConsumedMessage struct {
	// ID is the identifier assigned on receipt.
	ID string
	// Topic is the MQTT topic the message arrived on.
	Topic string
	// Payload is the raw byte content of the message.
	Payload []byte
	// PublishTime is when the message was received by the hub.
	PublishTime time.Time
	// Ack is called once the message has been durably written.
	Ack func()
	// Nack is called when the durable write failed.
	Nack func()
}

// BatchedMessage pairs the original consumed message with its decoded payload
// so that ack/nack can be reported after a batch write completes.
type BatchedMessage[T any] struct {
	OriginalMessage ConsumedMessage
	Payload         *T
}
