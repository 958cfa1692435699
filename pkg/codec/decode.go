package codec

import "github.com/stepbus/stepbus/pkg/core"

// Decode reconstructs a driving step from the frames of one group.
//
// Frames with an unknown ID are ignored. A frame whose DLC is below the
// catalogue length for its ID counts as absent. When several usable frames
// share an ID the first one in the slice wins. If any block is absent the
// result is a *MissingFieldError naming all of them. frames is not
// modified.
func Decode(frames []core.Frame, order core.ByteOrder, stepName string) (core.DrivingStep, error) {
	var picked [FrameCount]*core.Frame

	for i := range frames {
		f := &frames[i]
		for slot, spec := range schema {
			if spec.ID != f.ID {
				continue
			}
			if f.DLC >= spec.DLC && picked[slot] == nil {
				picked[slot] = f
			}
			break
		}
	}

	var missing []Block
	signals := make(map[string]uint64, 32)
	for slot, spec := range schema {
		f := picked[slot]
		if f == nil {
			missing = append(missing, spec.Block)
			continue
		}
		for _, field := range spec.Fields {
			signals[field.Name] = getField(f.Data[:], field, order)
		}
	}
	if len(missing) > 0 {
		return core.DrivingStep{}, &MissingFieldError{Blocks: missing}
	}

	return stepFromSignals(signals, stepName), nil
}

func stepFromSignals(v map[string]uint64, stepName string) core.DrivingStep {
	return core.DrivingStep{
		StepName: stepName,
		Engine: core.EngineData{
			RPM:           uint16(v[sigRPM]),
			CoolantTemp:   tempFromWire(v[sigCoolantTemp]),
			ThrottlePos:   uint8(v[sigThrottlePos]),
			EngineLoad:    uint8(v[sigEngineLoad]),
			IntakeTemp:    tempFromWire(v[sigIntakeTemp]),
			FuelPressure:  uint16(v[sigFuelPressure]) * fuelPressureScale,
			EngineRunning: v[sigEngineRunning] != 0,
		},
		Speed: core.VehicleSpeedData{
			VehicleSpeed: float32(v[sigVehicleSpeed]) / vehicleSpeedScale,
			GearPosition: uint8(v[sigGearPosition]),
			WheelSpeeds: [4]float32{
				float32(v[sigWheelFL]),
				float32(v[sigWheelFR]),
				float32(v[sigWheelRL]),
				float32(v[sigWheelRR]),
			},
			ABSActive:       v[sigABS] != 0,
			TractionControl: v[sigTraction] != 0,
			CruiseControl:   v[sigCruise] != 0,
		},
		Climate: core.ClimateData{
			CabinTemp:        tempFromWire(v[sigCabinTemp]),
			TargetTemp:       tempFromWire(v[sigTargetTemp]),
			OutsideTemp:      tempFromWire(v[sigOutsideTemp]),
			FanSpeed:         uint8(v[sigFanSpeed]),
			ACCompressor:     v[sigACCompressor] != 0,
			Heater:           v[sigHeater] != 0,
			Defrost:          v[sigDefrost] != 0,
			AutoMode:         v[sigAutoMode] != 0,
			AirRecirculation: v[sigRecirculation] != 0,
		},
		DurationMs: v[sigDurationMs],
	}
}

func tempFromWire(raw uint64) int16 {
	return int16(raw&0xFF) - tempOffset
}
