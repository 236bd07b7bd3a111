package messages

import (
	"time"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/entities"
)

// ControlCommand is the message published on the control topic for the field device.
type ControlCommand struct {
	IrrigationNeeded bool      `json:"irrigation_needed"`
	Duration         int64     `json:"duration"`      // secondi di accensione pompa
	AreaM2           float64   `json:"area_m2"`       // echo of the configured field area
	PumpFlowLpm      float64   `json:"pump_flow_lpm"` // echo of the configured pump flow
	LitersTotal      int64     `json:"liters_total"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewControlCommand converts an actionable decision into a command.
// The timestamp comes from the decision so that the same prediction always yields the same command.
func NewControlCommand(d Decision, field entities.FieldParameters) (ControlCommand, error) {
	act, err := field.Convert(d.Rate)
	if err != nil {
		return ControlCommand{}, err
	}
	return ControlCommand{
		IrrigationNeeded: true,
		Duration:         act.DurationSeconds,
		AreaM2:           field.AreaM2,
		PumpFlowLpm:      field.PumpFlowLpm,
		LitersTotal:      act.LitersTotal,
		Timestamp:        d.Timestamp.UTC(),
	}, nil
}
