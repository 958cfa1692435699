package codec

import (
	"math"
	"time"

	"github.com/stepbus/stepbus/pkg/core"
)

// Wire conversion constants.
const (
	tempOffset         = 40
	fuelPressureScale  = 10
	vehicleSpeedScale  = 10
	maxVehicleSpeedRaw = math.MaxUint16 // 6553.5 km/h
	maxWheelSpeedRaw   = math.MaxUint8
)

// Encode converts a driving step to its seven frames, in catalogue order.
// Out-of-range values saturate; Encode never fails. The returned frames
// carry no order key or timestamp, see StampFrames.
func Encode(step core.DrivingStep, order core.ByteOrder) []core.Frame {
	signals := stepSignals(step)

	frames := make([]core.Frame, 0, FrameCount)
	for _, spec := range schema {
		f := core.Frame{ID: spec.ID, DLC: spec.DLC}
		for _, field := range spec.Fields {
			putField(f.Data[:], field, signals[field.Name], order)
		}
		frames = append(frames, f)
	}
	return frames
}

// StampFrames sets the order key and timestamp on every frame in place
// and returns the slice for chaining.
func StampFrames(frames []core.Frame, key uint64, ts time.Time) []core.Frame {
	for i := range frames {
		frames[i].OrderKey = key
		frames[i].Timestamp = ts
	}
	return frames
}

func stepSignals(step core.DrivingStep) map[string]uint64 {
	e, s, c := step.Engine, step.Speed, step.Climate

	return map[string]uint64{
		sigRPM:           uint64(e.RPM),
		sigFuelPressure:  uint64(e.FuelPressure / fuelPressureScale),
		sigEngineRunning: boolBit(e.EngineRunning),
		sigCoolantTemp:   tempToWire(e.CoolantTemp),
		sigIntakeTemp:    tempToWire(e.IntakeTemp),
		sigThrottlePos:   uint64(e.ThrottlePos),
		sigEngineLoad:    uint64(e.EngineLoad),

		sigVehicleSpeed: scaleToWire(s.VehicleSpeed, vehicleSpeedScale, maxVehicleSpeedRaw),
		sigGearPosition: uint64(s.GearPosition),
		sigWheelFL:      truncToWire(s.WheelSpeeds[0], maxWheelSpeedRaw),
		sigWheelFR:      truncToWire(s.WheelSpeeds[1], maxWheelSpeedRaw),
		sigWheelRL:      truncToWire(s.WheelSpeeds[2], maxWheelSpeedRaw),
		sigWheelRR:      truncToWire(s.WheelSpeeds[3], maxWheelSpeedRaw),
		sigABS:          boolBit(s.ABSActive),
		sigTraction:     boolBit(s.TractionControl),
		sigCruise:       boolBit(s.CruiseControl),

		sigCabinTemp:     tempToWire(c.CabinTemp),
		sigTargetTemp:    tempToWire(c.TargetTemp),
		sigOutsideTemp:   tempToWire(c.OutsideTemp),
		sigFanSpeed:      uint64(c.FanSpeed),
		sigACCompressor:  boolBit(c.ACCompressor),
		sigHeater:        boolBit(c.Heater),
		sigDefrost:       boolBit(c.Defrost),
		sigAutoMode:      boolBit(c.AutoMode),
		sigRecirculation: boolBit(c.AirRecirculation),

		sigDurationMs: uint64(uint32(step.DurationMs)),
	}
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// tempToWire offsets by +40 and saturates to one byte.
func tempToWire(t int16) uint64 {
	v := int(t) + tempOffset
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint8:
		return math.MaxUint8
	}
	return uint64(v)
}

// scaleToWire multiplies by a fractional-resolution scale, saturates to
// [0, limit] and truncates. A product within float32 rounding noise of an
// integer snaps to it, so 90.1 km/h encodes as 901 rather than 900.
func scaleToWire(v float32, scale float64, limit uint64) uint64 {
	x := float64(v) * scale
	if math.IsNaN(x) || x <= 0 {
		return 0
	}
	if x >= float64(limit) {
		return limit
	}

	if r := math.Round(x); math.Abs(x-r) <= 4*float32Epsilon*x {
		return uint64(r)
	}
	return uint64(math.Floor(x))
}

// truncToWire saturates to [0, limit] and drops the fraction.
func truncToWire(v float32, limit uint64) uint64 {
	x := float64(v)
	if math.IsNaN(x) || x <= 0 {
		return 0
	}
	if x >= float64(limit) {
		return limit
	}
	return uint64(x)
}

const float32Epsilon = 1.0 / (1 << 23)
