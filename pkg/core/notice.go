// pkg/core/notice.go
package core

import (
	"time"

	"github.com/google/uuid"
)

// StepNotice announces that the frames of a step have been stored.
// It carries the out-of-band label and the byte order used to encode.
type StepNotice struct {
	StepName  string    `json:"step_name"`
	ByteOrder ByteOrder `json:"endian"`
	OrderKey  uint64    `json:"order_key"`
	StoredAt  time.Time `json:"stored_at"`
}

// Event is a free-form log entry kept alongside the frames.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Message string    `json:"message"`
}

// NewEvent creates an Event with a random ID.
func NewEvent(message string) Event {
	return Event{ID: uuid.New(), Message: message}
}

// ReconstructedStep is a decoded step with the key and byte order it was
// decoded from.
type ReconstructedStep struct {
	OrderKey  uint64      `json:"order_key"`
	ByteOrder ByteOrder   `json:"endian"`
	Step      DrivingStep `json:"step"`
}
