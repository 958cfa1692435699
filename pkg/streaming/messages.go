// Package streaming defines the envelopes pushed to WebSocket and SSE
// subscribers.
package streaming

import (
	"encoding/json"

	"github.com/stepbus/stepbus/pkg/core"
)

// Message type constants of the streaming protocol.
const (
	TypeStep  = "step"
	TypeEvent = "event"
	TypeAck   = "ack"
)

// InvalidStepMessage is sent verbatim when inbound WebSocket text is not a
// DrivingStep.
const InvalidStepMessage = `{"error":"Invalid format, expected DrivingStep JSON"}`

// Envelope wraps all messages sent to subscribers.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage acknowledges an ingested step with the key it was stored under.
type AckMessage struct {
	Type     string `json:"type"` // always "ack"
	For      string `json:"for"`  // the step name being acknowledged
	OrderKey uint64 `json:"order_key"`
}

// ErrorMessage is the body of a rejected inbound message.
type ErrorMessage struct {
	Error string `json:"error"`
}

// NewEnvelope marshals payload under the given type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// StepEnvelope wraps a reconstructed step.
func StepEnvelope(step core.ReconstructedStep) (Envelope, error) {
	return NewEnvelope(TypeStep, step)
}

// EventEnvelope wraps a recorded event.
func EventEnvelope(e core.Event) (Envelope, error) {
	return NewEnvelope(TypeEvent, e)
}

// NewAck builds the acknowledgement for a stored notice.
func NewAck(n core.StepNotice) AckMessage {
	return AckMessage{Type: TypeAck, For: n.StepName, OrderKey: n.OrderKey}
}
