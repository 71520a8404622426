package types

import (
	"encoding/json"
	"path"
	"time"
)

// Reading is the canonical, transport-agnostic form of one sensor measurement
// event. Fields is an open mapping: a key is absent when the sensor did not
// report it, and present with a nil value when the payload carried an
// explicit null.
type Reading struct {
	NodeID    string              `json:"node_id"`
	MacID     string              `json:"mac_id,omitempty"`
	GatewayID string              `json:"gateway_id,omitempty"`
	DeviceID  string              `json:"device_id,omitempty"`
	Fields    map[string]*float64 `json:"fields"`
	Timestamp int64               `json:"timestamp"`
	Topic     string              `json:"topic"`
}

// Value returns the numeric value of a field and whether it was reported with
// a non-null value.
func (r Reading) Value(name string) (float64, bool) {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Time returns the reading timestamp as a time.Time in UTC.
func (r Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// NodeEntry is one registered sensor node.
type NodeEntry struct {
	MacID     string `json:"mac_id" firestore:"mac_id"`
	NodeID    string `json:"node_id" firestore:"node_id"`
	CreatedAt int64  `json:"created_at" firestore:"created_at"`
}

// PayloadDocument is the unit written to durable sinks: one document per
// received payload, carrying the normalized readings alongside the raw body.
type PayloadDocument struct {
	NodeID     string          `json:"node_id"`
	Topic      string          `json:"topic"`
	MacID      string          `json:"mac_id,omitempty"`
	MessageID  string          `json:"message_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Readings   []Reading       `json:"readings"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	RawText    string          `json:"raw_text,omitempty"`
}

// GetBatchKey groups archived documents by node and day, e.g.
// "gateway1/node/AA/2025/06/13".
func (d PayloadDocument) GetBatchKey() string {
	ts := d.ReceivedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return path.Join(d.NodeID, ts.UTC().Format("2006/01/02"))
}
