package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stepbus/stepbus/pkg/core"
)

// ErrInvalidStep is wrapped by every DrivingStep validation failure.
var ErrInvalidStep = errors.New("invalid driving step")

// ErrInvalidEvent is wrapped by every event validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Parser turns inbound bodies (WebSocket text, HTTP bodies, broker
// deliveries) into core types. It holds no state beyond its defaults.
type Parser struct {
	logger       *slog.Logger
	defaultOrder core.ByteOrder
}

// NewParser creates a parser. defaultOrder applies to notices that do not
// carry a byte order.
func NewParser(logger *slog.Logger, defaultOrder core.ByteOrder) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger, defaultOrder: defaultOrder}
}

// DefaultOrder returns the byte order used when none is given.
func (p *Parser) DefaultOrder() core.ByteOrder {
	return p.defaultOrder
}

// rawStep mirrors DrivingStep with pointers so absent blocks are detected.
type rawStep struct {
	StepName   *string                `json:"step_name"`
	Engine     *core.EngineData       `json:"engine"`
	Speed      *core.VehicleSpeedData `json:"speed"`
	Climate    *core.ClimateData      `json:"climate"`
	DurationMs *uint64                `json:"duration_ms"`
}

// ParseStep decodes a DrivingStep JSON object. Every top-level field is
// required; unknown fields are ignored. Values outside a field's Go type
// range are rejected here, while values inside it but outside the wire
// range saturate later in the encoder.
func (p *Parser) ParseStep(data []byte) (core.DrivingStep, error) {
	var raw rawStep
	if err := json.Unmarshal(data, &raw); err != nil {
		return core.DrivingStep{}, fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}

	var missing []string
	if raw.StepName == nil {
		missing = append(missing, "step_name")
	}
	if raw.Engine == nil {
		missing = append(missing, "engine")
	}
	if raw.Speed == nil {
		missing = append(missing, "speed")
	}
	if raw.Climate == nil {
		missing = append(missing, "climate")
	}
	if raw.DurationMs == nil {
		missing = append(missing, "duration_ms")
	}
	if len(missing) > 0 {
		return core.DrivingStep{}, fmt.Errorf("%w: missing %s", ErrInvalidStep, strings.Join(missing, ", "))
	}

	step := core.DrivingStep{
		StepName:   *raw.StepName,
		Engine:     *raw.Engine,
		Speed:      *raw.Speed,
		Climate:    *raw.Climate,
		DurationMs: *raw.DurationMs,
	}

	p.logger.Debug("Parsed driving step", "step", step.StepName)
	return step, nil
}

// ParseNotice decodes a step notice. A bare JSON string is accepted as a
// step name with the default byte order and order key 0, which consumers
// read as "the latest stored step".
func (p *Parser) ParseNotice(data []byte) (core.StepNotice, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return core.StepNotice{}, errors.New("empty notice")
	}

	if trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return core.StepNotice{}, fmt.Errorf("error unmarshalling legacy notice: %w", err)
		}
		return core.StepNotice{StepName: name, ByteOrder: p.defaultOrder}, nil
	}

	// absent endian keeps the default
	notice := core.StepNotice{ByteOrder: p.defaultOrder}
	if err := json.Unmarshal(trimmed, &notice); err != nil {
		return core.StepNotice{}, fmt.Errorf("error unmarshalling notice: %w", err)
	}
	return notice, nil
}

// ParseEvent decodes {"message": "..."} into a new Event.
func (p *Parser) ParseEvent(data []byte) (core.Event, error) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return core.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(body.Message) == "" {
		return core.Event{}, fmt.Errorf("%w: message is empty", ErrInvalidEvent)
	}
	return core.NewEvent(body.Message), nil
}

// ParseByteOrder reads an optional byte order parameter, falling back to
// the default when s is empty.
func (p *Parser) ParseByteOrder(s string) (core.ByteOrder, error) {
	if strings.TrimSpace(s) == "" {
		return p.defaultOrder, nil
	}
	return core.ParseByteOrder(s)
}
