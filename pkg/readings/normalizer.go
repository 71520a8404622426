package readings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// ErrMalformedPayload is returned when a payload is not a JSON object.
var ErrMalformedPayload = errors.New("malformed sensor payload")

// DefaultLegacyDHTTopic is the fixed topic used by the standalone ESP32 DHT11
// sensor, which publishes a flat object without a data envelope.
const DefaultLegacyDHTTopic = "esp32/dht11"

const (
	legacyDHTGateway = "esp32"
	legacyDHTDevice  = "dht11"
)

// Shape identifies which known payload layout a message uses.
type Shape int

const (
	// ShapeEnvelope is the gateway-relayed node format:
	// {"type":"UART","MAC_Id":"..","data":{..}|[{..},..]}.
	ShapeEnvelope Shape = iota
	// ShapeLegacyDHT is the flat object published on the fixed DHT topic.
	ShapeLegacyDHT
	// ShapeLegacyFlat is a flat object that carries its own gateway_id/node_id.
	ShapeLegacyFlat
)

func (s Shape) String() string {
	switch s {
	case ShapeEnvelope:
		return "envelope"
	case ShapeLegacyDHT:
		return "legacy_dht"
	case ShapeLegacyFlat:
		return "legacy_flat"
	default:
		return "unknown"
	}
}

// reservedKeys are identity/metadata keys that never become measurement fields.
var reservedKeys = map[string]struct{}{
	"timestamp":  {},
	"MAC_Id":     {},
	"mac_id":     {},
	"type":       {},
	"gateway_id": {},
	"node_id":    {},
}

// Normalizer turns raw MQTT payloads into canonical readings.
type Normalizer struct {
	legacyDHTTopic string
	now            func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLegacyDHTTopic overrides the topic treated as the flat DHT format.
func WithLegacyDHTTopic(topic string) Option {
	return func(n *Normalizer) {
		if topic != "" {
			n.legacyDHTTopic = topic
		}
	}
}

// WithClock sets the ingestion clock used when a payload has no timestamp.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// NewNormalizer creates a Normalizer with the given options.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		legacyDHTTopic: DefaultLegacyDHTTopic,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// payload is the decoded top-level object. Values stay raw so each shape's
// parse function decides how to read them.
type payload map[string]json.RawMessage

// classify reports which shape a decoded payload has on the given topic.
func (n *Normalizer) classify(topic string, p payload) Shape {
	if topic == n.legacyDHTTopic {
		return ShapeLegacyDHT
	}
	if _, ok := p["data"]; ok {
		return ShapeEnvelope
	}
	return ShapeLegacyFlat
}

// Normalize parses a payload received on topic into zero or more readings.
// A payload that is not a JSON object yields no readings and an error wrapping
// ErrMalformedPayload.
func (n *Normalizer) Normalize(topic string, raw []byte) ([]types.Reading, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrMalformedPayload)
	}

	ingestedAt := n.now().Unix()
	switch n.classify(topic, p) {
	case ShapeLegacyDHT:
		return []types.Reading{parseLegacyDHT(topic, p, ingestedAt)}, nil
	case ShapeLegacyFlat:
		return []types.Reading{parseLegacyFlat(topic, p, ingestedAt)}, nil
	default:
		return parseEnvelope(topic, p, ingestedAt)
	}
}

// parseEnvelope reads the data field, which is either one object or an array
// of objects. Array elements that are not objects are skipped.
func parseEnvelope(topic string, p payload, ingestedAt int64) ([]types.Reading, error) {
	macID := macIDOf(p)
	data := bytes.TrimSpace(p["data"])

	var elements []payload
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil, nil
	case data[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: data array: %v", ErrMalformedPayload, err)
		}
		for _, item := range items {
			var el payload
			if err := json.Unmarshal(item, &el); err != nil || el == nil {
				continue
			}
			elements = append(elements, el)
		}
	case data[0] == '{':
		var el payload
		if err := json.Unmarshal(data, &el); err != nil {
			return nil, fmt.Errorf("%w: data object: %v", ErrMalformedPayload, err)
		}
		elements = append(elements, el)
	default:
		return nil, fmt.Errorf("%w: data is neither object nor array", ErrMalformedPayload)
	}

	out := make([]types.Reading, 0, len(elements))
	for _, el := range elements {
		r := newReading(topic, el, ingestedAt)
		r.MacID = macID
		out = append(out, r)
	}
	return out, nil
}

func parseLegacyDHT(topic string, p payload, ingestedAt int64) types.Reading {
	r := newReading(topic, p, ingestedAt)
	r.GatewayID = legacyDHTGateway
	r.DeviceID = legacyDHTDevice
	return r
}

func parseLegacyFlat(topic string, p payload, ingestedAt int64) types.Reading {
	r := newReading(topic, p, ingestedAt)
	r.MacID = macIDOf(p)
	r.GatewayID = stringOf(p["gateway_id"])
	r.DeviceID = stringOf(p["node_id"])
	return r
}

// newReading copies every numeric, non-reserved key of el into Fields.
func newReading(topic string, el payload, ingestedAt int64) types.Reading {
	r := types.Reading{
		NodeID:    topic,
		Topic:     topic,
		Fields:    make(map[string]*float64, len(el)),
		Timestamp: ingestedAt,
	}
	for key, value := range el {
		if _, reserved := reservedKeys[key]; reserved {
			continue
		}
		v := bytes.TrimSpace(value)
		if bytes.Equal(v, []byte("null")) {
			r.Fields[key] = nil
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			continue
		}
		r.Fields[key] = &f
	}
	if ts, ok := timestampOf(el["timestamp"]); ok {
		r.Timestamp = ts
	}
	return r
}

// MaxTimestamp is the last second of year 9999 UTC. Larger values, such as
// millisecond timestamps, are not Unix seconds and fall back to the
// ingestion clock.
const MaxTimestamp int64 = 253402300799

// timestampOf accepts a positive integral JSON number up to MaxTimestamp.
func timestampOf(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if f <= 0 || f != math.Trunc(f) || f > float64(MaxTimestamp) {
		return 0, false
	}
	return int64(f), true
}

func macIDOf(p payload) string {
	if id := stringOf(p["MAC_Id"]); id != "" {
		return id
	}
	return stringOf(p["mac_id"])
}

func stringOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
