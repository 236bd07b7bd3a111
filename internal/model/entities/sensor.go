package entities

// SensorState indicates whether the irrigation relay is on or off.
type SensorState string

const (
	StateOff SensorState = "off"
	StateOn  SensorState = "on"
)

// Sensor represents a field node: soil probes plus the pump relay it drives.
type Sensor struct {
	ID    string      `json:"id"` // unique device identifier
	State SensorState `json:"state"`
}
