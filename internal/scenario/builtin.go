package scenario

import "github.com/stepbus/stepbus/pkg/core"

// Builtin returns the six-step drive from ignition to stop.
func Builtin() Scenario {
	return Scenario{
		Name: "complete-drive",
		Steps: []core.DrivingStep{
			{
				StepName: "Vehicle Start",
				Engine: core.EngineData{RPM: 800, CoolantTemp: 20, ThrottlePos: 0, EngineLoad: 15,
					IntakeTemp: 25, FuelPressure: 300, EngineRunning: true},
				Speed: core.VehicleSpeedData{GearPosition: core.GearPark, TractionControl: true},
				Climate: core.ClimateData{CabinTemp: 18, TargetTemp: 20, OutsideTemp: 15, FanSpeed: 50,
					Heater: true, AutoMode: true},
				DurationMs: 2000,
			},
			{
				StepName: "First Gear Engagement",
				Engine: core.EngineData{RPM: 1200, CoolantTemp: 25, ThrottlePos: 15, EngineLoad: 25,
					IntakeTemp: 30, FuelPressure: 320, EngineRunning: true},
				Speed: core.VehicleSpeedData{GearPosition: 1, TractionControl: true},
				Climate: core.ClimateData{CabinTemp: 19, TargetTemp: 20, OutsideTemp: 15, FanSpeed: 60,
					Heater: true, AutoMode: true},
				DurationMs: 1500,
			},
			{
				StepName: "Acceleration",
				Engine: core.EngineData{RPM: 2500, CoolantTemp: 45, ThrottlePos: 45, EngineLoad: 60,
					IntakeTemp: 35, FuelPressure: 380, EngineRunning: true},
				Speed: core.VehicleSpeedData{VehicleSpeed: 25, GearPosition: 2,
					WheelSpeeds: [4]float32{25.2, 25.0, 24.8, 25.1}, TractionControl: true},
				Climate: core.ClimateData{CabinTemp: 20, TargetTemp: 20, OutsideTemp: 15, FanSpeed: 40,
					AutoMode: true},
				DurationMs: 3000,
			},
			{
				StepName: "Highway Cruise",
				Engine: core.EngineData{RPM: 2000, CoolantTemp: 75, ThrottlePos: 25, EngineLoad: 35,
					IntakeTemp: 40, FuelPressure: 350, EngineRunning: true},
				Speed: core.VehicleSpeedData{VehicleSpeed: 90, GearPosition: 5,
					WheelSpeeds: [4]float32{90.1, 89.9, 90.0, 90.2}, TractionControl: true, CruiseControl: true},
				Climate: core.ClimateData{CabinTemp: 21, TargetTemp: 21, OutsideTemp: 18, FanSpeed: 30,
					ACCompressor: true, AutoMode: true, AirRecirculation: true},
				DurationMs: 5000,
			},
			{
				StepName: "Emergency Braking",
				Engine: core.EngineData{RPM: 1500, CoolantTemp: 78, ThrottlePos: 0, EngineLoad: 10,
					IntakeTemp: 42, FuelPressure: 300, EngineRunning: true},
				Speed: core.VehicleSpeedData{VehicleSpeed: 45, GearPosition: 3,
					WheelSpeeds: [4]float32{44.5, 45.2, 44.8, 45.1}, ABSActive: true, TractionControl: true},
				Climate: core.ClimateData{CabinTemp: 21, TargetTemp: 21, OutsideTemp: 18, FanSpeed: 30,
					ACCompressor: true, AutoMode: true, AirRecirculation: true},
				DurationMs: 2000,
			},
			{
				StepName: "Vehicle Stop",
				Engine: core.EngineData{RPM: 800, CoolantTemp: 80, ThrottlePos: 0, EngineLoad: 15,
					IntakeTemp: 45, FuelPressure: 300, EngineRunning: true},
				Speed: core.VehicleSpeedData{GearPosition: core.GearPark, TractionControl: true},
				Climate: core.ClimateData{CabinTemp: 21, TargetTemp: 21, OutsideTemp: 18, FanSpeed: 25,
					AutoMode: true, AirRecirculation: true},
				DurationMs: 1000,
			},
		},
	}
}
