// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stepbus/stepbus/internal/model"
	"github.com/stepbus/stepbus/pkg/core"
	"gorm.io/datatypes"
)

// payloadToJSON stores the first DLC bytes as a JSON number array, the
// column format of can_messages.data.
func payloadToJSON(f core.Frame) datatypes.JSON {
	payload := f.Payload()
	ints := make([]int, len(payload))
	for i, b := range payload {
		ints[i] = int(b)
	}
	data, _ := json.Marshal(ints)
	return datatypes.JSON(data)
}

// CoreToFrameRecord converts a frame stored under notice's byte order.
func CoreToFrameRecord(f core.Frame, order core.ByteOrder) model.FrameRecord {
	return model.FrameRecord{
		OrderKey:  f.OrderKey,
		CanID:     f.ID,
		DLC:       f.DLC,
		Data:      payloadToJSON(f),
		Endian:    order.String(),
		Timestamp: f.Timestamp.UTC(),
	}
}

// CoreToStepRecord converts a notice to its row.
func CoreToStepRecord(n core.StepNotice) model.StepRecord {
	storedAt := n.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	return model.StepRecord{
		OrderKey: n.OrderKey,
		StepName: n.StepName,
		Endian:   n.ByteOrder.String(),
		StoredAt: storedAt.UTC(),
	}
}

// CoreToEventRecord converts an event to its row.
func CoreToEventRecord(e core.Event) model.EventRecord {
	return model.EventRecord{
		ID:        e.ID.String(),
		Message:   e.Message,
		CreatedAt: time.Now().UTC(),
	}
}

// CoreToReconstruction serializes a decoded step.
func CoreToReconstruction(key uint64, step core.DrivingStep) (model.Reconstruction, error) {
	data, err := json.Marshal(step)
	if err != nil {
		return model.Reconstruction{}, fmt.Errorf("marshal step %d: %w", key, err)
	}
	return model.Reconstruction{
		OrderKey:        key,
		StepName:        step.StepName,
		Step:            datatypes.JSON(data),
		ReconstructedAt: time.Now().UTC(),
	}, nil
}
