package codec

import "github.com/stepbus/stepbus/pkg/core"

// Frame identifiers of the step catalogue.
const (
	IDEngineRPM    uint16 = 0x100
	IDEngineTemps  uint16 = 0x101
	IDSpeed        uint16 = 0x200
	IDSpeedFlags   uint16 = 0x201
	IDClimateTemps uint16 = 0x300
	IDClimateFan   uint16 = 0x301
	IDStepInfo     uint16 = 0x400
)

// FrameCount is the number of frames one driving step encodes to.
const FrameCount = 7

// Block names the logical group of signals carried by one frame.
type Block uint8

const (
	BlockEngineRPM Block = iota
	BlockEngineTemps
	BlockSpeed
	BlockSpeedFlags
	BlockClimateTemps
	BlockClimateFan
	BlockStepInfo
)

var blockNames = [...]string{
	BlockEngineRPM:    "engine RPM",
	BlockEngineTemps:  "engine temperature",
	BlockSpeed:        "speed",
	BlockSpeedFlags:   "speed flags",
	BlockClimateTemps: "climate temperature",
	BlockClimateFan:   "climate fan",
	BlockStepInfo:     "step info",
}

func (b Block) String() string {
	if int(b) < len(blockNames) {
		return blockNames[b]
	}
	return "unknown"
}

// Signal names shared by encoder and decoder.
const (
	sigRPM           = "rpm"
	sigFuelPressure  = "fuel_pressure"
	sigEngineRunning = "engine_running"
	sigCoolantTemp   = "coolant_temp"
	sigIntakeTemp    = "intake_temp"
	sigThrottlePos   = "throttle_pos"
	sigEngineLoad    = "engine_load"
	sigVehicleSpeed  = "vehicle_speed"
	sigGearPosition  = "gear_position"
	sigWheelFL       = "wheel_speed_fl"
	sigWheelFR       = "wheel_speed_fr"
	sigWheelRL       = "wheel_speed_rl"
	sigWheelRR       = "wheel_speed_rr"
	sigABS           = "abs_active"
	sigTraction      = "traction_control"
	sigCruise        = "cruise_control"
	sigCabinTemp     = "cabin_temp"
	sigTargetTemp    = "target_temp"
	sigOutsideTemp   = "outside_temp"
	sigFanSpeed      = "fan_speed"
	sigACCompressor  = "ac_compressor"
	sigHeater        = "heater"
	sigDefrost       = "defrost"
	sigAutoMode      = "auto_mode"
	sigRecirculation = "air_recirculation"
	sigDurationMs    = "duration_ms"
)

// FieldSpec locates one signal inside a frame payload.
type FieldSpec struct {
	Name     string
	StartBit int
	Bits     int
}

// ordered reports whether the field is subject to byte order: it must be
// byte-aligned and span more than one whole byte.
func (f FieldSpec) ordered() bool {
	return f.Bits > 8 && f.StartBit%8 == 0 && f.Bits%8 == 0
}

// FrameSpec describes the payload layout of one frame identifier.
// DLC is both the length the encoder emits and the minimum the decoder
// accepts.
type FrameSpec struct {
	ID      uint16
	Block   Block
	DLC     uint8
	Purpose string
	Fields  []FieldSpec
}

var schema = [FrameCount]FrameSpec{
	{
		ID: IDEngineRPM, Block: BlockEngineRPM, DLC: 5,
		Purpose: "Engine RPM + Fuel Pressure + Running status",
		Fields: []FieldSpec{
			{sigRPM, 0, 16},
			{sigFuelPressure, 16, 16},
			{sigEngineRunning, 32, 8},
		},
	},
	{
		ID: IDEngineTemps, Block: BlockEngineTemps, DLC: 4,
		Purpose: "Engine temperatures + Throttle + Load",
		Fields: []FieldSpec{
			{sigCoolantTemp, 0, 8},
			{sigIntakeTemp, 8, 8},
			{sigThrottlePos, 16, 8},
			{sigEngineLoad, 24, 8},
		},
	},
	{
		ID: IDSpeed, Block: BlockSpeed, DLC: 7,
		Purpose: "Vehicle speed + Gear + Wheel speeds",
		Fields: []FieldSpec{
			{sigVehicleSpeed, 0, 16},
			{sigGearPosition, 16, 8},
			{sigWheelFL, 24, 8},
			{sigWheelFR, 32, 8},
			{sigWheelRL, 40, 8},
			{sigWheelRR, 48, 8},
		},
	},
	{
		ID: IDSpeedFlags, Block: BlockSpeedFlags, DLC: 1,
		Purpose: "Speed flags (ABS, Traction, Cruise)",
		Fields: []FieldSpec{
			{sigABS, 0, 1},
			{sigTraction, 1, 1},
			{sigCruise, 2, 1},
		},
	},
	{
		ID: IDClimateTemps, Block: BlockClimateTemps, DLC: 3,
		Purpose: "Climate temperatures",
		Fields: []FieldSpec{
			{sigCabinTemp, 0, 8},
			{sigTargetTemp, 8, 8},
			{sigOutsideTemp, 16, 8},
		},
	},
	{
		ID: IDClimateFan, Block: BlockClimateFan, DLC: 2,
		Purpose: "Climate fan + flags",
		Fields: []FieldSpec{
			{sigFanSpeed, 0, 8},
			{sigACCompressor, 8, 1},
			{sigHeater, 9, 1},
			{sigDefrost, 10, 1},
			{sigAutoMode, 11, 1},
			{sigRecirculation, 12, 1},
		},
	},
	{
		ID: IDStepInfo, Block: BlockStepInfo, DLC: 4,
		Purpose: "Step info (duration)",
		Fields: []FieldSpec{
			{sigDurationMs, 0, 32},
		},
	},
}

// Schema returns the frame catalogue in encoding order.
func Schema() []FrameSpec {
	out := make([]FrameSpec, len(schema))
	copy(out, schema[:])
	return out
}

// Lookup returns the layout for id.
func Lookup(id uint16) (FrameSpec, bool) {
	for _, spec := range schema {
		if spec.ID == id {
			return spec, true
		}
	}
	return FrameSpec{}, false
}

// Purpose describes what a frame carries, or "Unknown".
func Purpose(id uint16) string {
	if spec, ok := Lookup(id); ok {
		return spec.Purpose
	}
	return "Unknown"
}

// putField writes one signal. Big-endian multi-byte fields go out most
// significant byte first, one SetBits call per byte.
func putField(data []byte, f FieldSpec, value uint64, order core.ByteOrder) {
	if order == core.BigEndian && f.ordered() {
		n := f.Bits / 8
		for i := 0; i < n; i++ {
			SetBits(data, f.StartBit+8*i, 8, value>>(8*(n-1-i)))
		}
		return
	}
	SetBits(data, f.StartBit, f.Bits, value)
}

func getField(data []byte, f FieldSpec, order core.ByteOrder) uint64 {
	if order == core.BigEndian && f.ordered() {
		n := f.Bits / 8
		var value uint64
		for i := 0; i < n; i++ {
			value = value<<8 | ExtractBits(data, f.StartBit+8*i, 8)
		}
		return value
	}
	return ExtractBits(data, f.StartBit, f.Bits)
}
