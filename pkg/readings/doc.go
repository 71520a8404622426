// Package readings normalizes sensor payloads into canonical readings.
//
// Three payload layouts are understood, each with its own parse function:
// the gateway envelope ({"MAC_Id":..,"data":object|array}), the flat object
// published by the standalone DHT11 sensor on a fixed topic, and the flat
// warehouse format carrying gateway_id/node_id at the top level.
//
// Measurement fields are an open set: any numeric key that is not an identity
// key becomes a field. Missing sensors are left out rather than reported as 0.
package readings
