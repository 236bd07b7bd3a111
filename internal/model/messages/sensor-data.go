package messages

import (
	"bytes"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
)

// ReceivedAtField is the server-side receipt timestamp added to every reading.
const ReceivedAtField = "server_received_at"

// SensorReading is one telemetry message: whatever the device sent
// (sensor id -> number/bool) plus the time the bridge received it.
type SensorReading struct {
	Fields     map[string]any
	ReceivedAt time.Time
}

// ParseSensorReading decodes a telemetry payload. Only JSON objects are accepted;
// anything else is a malformed payload.
func ParseSensorReading(payload []byte, receivedAt time.Time) (SensorReading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return SensorReading{}, bridgeerr.NewMalformedPayloadError("sensor payload is not a JSON object", nil)
	}
	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return SensorReading{}, bridgeerr.NewMalformedPayloadError("invalid sensor JSON", err)
	}
	return SensorReading{Fields: fields, ReceivedAt: receivedAt.UTC()}, nil
}

// Document is the BSON document inserted in the sensor collection.
// server_received_at always carries the bridge's clock, even if the device sent one.
func (r SensorReading) Document() bson.M {
	doc := make(bson.M, len(r.Fields)+1)
	for k, v := range r.Fields {
		doc[k] = v
	}
	doc[ReceivedAtField] = r.ReceivedAt
	return doc
}
