package entities

import (
	"fmt"
	"math"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
)

// FieldParameters describes the irrigated field and its pump.
// Loaded once at startup; changing them requires a restart.
type FieldParameters struct {
	AreaM2      float64 `json:"area_m2" mapstructure:"area_m2"`             // superficie irrigata [m^2]
	PumpFlowLpm float64 `json:"pump_flow_lpm" mapstructure:"pump_flow_lpm"` // portata pompa [litri/min]
}

// Actuation is what the pump has to do to deliver an application rate on the field.
type Actuation struct {
	DurationSeconds int64
	LitersTotal     int64
}

// Validate checks that both parameters are finite and strictly positive.
func (f FieldParameters) Validate() error {
	if !positiveFinite(f.AreaM2) {
		return bridgeerr.NewConfigurationError(fmt.Sprintf("area_m2 must be a finite value > 0, got %v", f.AreaM2), nil)
	}
	if !positiveFinite(f.PumpFlowLpm) {
		return bridgeerr.NewConfigurationError(fmt.Sprintf("pump_flow_lpm must be a finite value > 0, got %v", f.PumpFlowLpm), nil)
	}
	return nil
}

// Convert translates a rate (L/m^2) into pump run time for this field.
func (f FieldParameters) Convert(rateLitersPerM2 float64) (Actuation, error) {
	return Convert(rateLitersPerM2, f.AreaM2, f.PumpFlowLpm)
}

// Convert computes
//
//	duration_seconds = round(rate * area / flow * 60)
//	liters_total     = round(rate * area)
//
// A rate that is not finite and > 0 yields an InvalidRate error, never a zero duration.
func Convert(rateLitersPerM2, areaM2, pumpFlowLpm float64) (Actuation, error) {
	if !positiveFinite(rateLitersPerM2) {
		return Actuation{}, bridgeerr.NewInvalidRateError(fmt.Sprintf("rate must be a finite value > 0, got %v", rateLitersPerM2))
	}
	if err := (FieldParameters{AreaM2: areaM2, PumpFlowLpm: pumpFlowLpm}).Validate(); err != nil {
		return Actuation{}, err
	}

	totalLiters := rateLitersPerM2 * areaM2
	seconds := math.Round(totalLiters / pumpFlowLpm * 60)
	liters := math.Round(totalLiters)
	// float64(MaxInt64) is 2^63, already out of range for int64
	if seconds >= math.MaxInt64 || liters >= math.MaxInt64 {
		return Actuation{}, bridgeerr.NewInvalidRateError(fmt.Sprintf("rate %v overflows actuation duration", rateLitersPerM2))
	}

	return Actuation{
		DurationSeconds: int64(seconds),
		LitersTotal:     int64(liters),
	}, nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
