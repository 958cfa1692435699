// pkg/core/step.go
package core

import "fmt"

// EngineData holds the engine signals of a driving step.
type EngineData struct {
	RPM           uint16 `json:"rpm"`
	CoolantTemp   int16  `json:"coolant_temp"`  // °C, -40..215 representable
	ThrottlePos   uint8  `json:"throttle_pos"`  // percent
	EngineLoad    uint8  `json:"engine_load"`   // percent
	IntakeTemp    int16  `json:"intake_temp"`   // °C
	FuelPressure  uint16 `json:"fuel_pressure"` // kPa, 10 kPa on the wire
	EngineRunning bool   `json:"engine_running"`
}

// VehicleSpeedData holds speed and transmission signals.
// WheelSpeeds are ordered FL, FR, RL, RR.
type VehicleSpeedData struct {
	VehicleSpeed    float32    `json:"vehicle_speed"` // km/h
	GearPosition    uint8      `json:"gear_position"`
	WheelSpeeds     [4]float32 `json:"wheel_speeds"`
	ABSActive       bool       `json:"abs_active"`
	TractionControl bool       `json:"traction_control"`
	CruiseControl   bool       `json:"cruise_control"`
}

// ClimateData holds cabin climate signals.
type ClimateData struct {
	CabinTemp        int16 `json:"cabin_temp"`
	TargetTemp       int16 `json:"target_temp"`
	OutsideTemp      int16 `json:"outside_temp"`
	FanSpeed         uint8 `json:"fan_speed"`
	ACCompressor     bool  `json:"ac_compressor"`
	Heater           bool  `json:"heater"`
	Defrost          bool  `json:"defrost"`
	AutoMode         bool  `json:"auto_mode"`
	AirRecirculation bool  `json:"air_recirculation"`
}

// DrivingStep is a complete vehicle-state snapshot.
// StepName travels out of band and is never part of a frame payload.
type DrivingStep struct {
	StepName   string           `json:"step_name"`
	Engine     EngineData       `json:"engine"`
	Speed      VehicleSpeedData `json:"speed"`
	Climate    ClimateData      `json:"climate"`
	DurationMs uint64           `json:"duration_ms"`
}

// Gear positions with a fixed meaning.
const (
	GearPark    uint8 = 0
	GearReverse uint8 = 15
)

// GearLabel renders a gear position for display.
func GearLabel(gear uint8) string {
	switch {
	case gear == GearPark:
		return "P"
	case gear >= 1 && gear <= 6:
		return fmt.Sprintf("%d", gear)
	case gear == GearReverse:
		return "R"
	default:
		return "?"
	}
}
