package audit

import (
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/messages"
)

const (
	measurementReading = "sensor_reading"
	measurementEvent   = "bridge_event"
	eventCommand       = "irrigation.command"
	sourceService      = "irrigation-bridge"
)

// ReadingToPoint keeps only numeric and boolean telemetry fields; nil if none is left.
func ReadingToPoint(r messages.SensorReading) *write.Point {
	fields := map[string]interface{}{}
	for k, raw := range r.Fields {
		switch v := raw.(type) {
		case float64, bool:
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	tags := map[string]string{"source_service": sourceService}
	return influxdb2.NewPoint(measurementReading, tags, fields, r.ReceivedAt)
}

// CommandToPoint normalizza un ControlCommand in un evento "bridge_event".
func CommandToPoint(cmd messages.ControlCommand, predictionID string) *write.Point {
	tags := map[string]string{
		"event_type":     eventCommand,
		"source_service": sourceService,
		"severity":       "info",
	}
	fields := map[string]interface{}{
		"duration":      cmd.Duration,
		"liters_total":  cmd.LitersTotal,
		"area_m2":       cmd.AreaM2,
		"pump_flow_lpm": cmd.PumpFlowLpm,
		"count":         int64(1),
	}
	if predictionID != "" {
		fields["prediction_id"] = predictionID
	}
	return influxdb2.NewPoint(measurementEvent, tags, fields, cmd.Timestamp)
}
