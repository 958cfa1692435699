package convert

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/stepbus/stepbus/internal/model"
	"github.com/stepbus/stepbus/pkg/core"
)

// FrameRecordToCore converts a row back to a frame. Bytes past DLC and
// past the eight-byte payload are dropped.
func FrameRecordToCore(r model.FrameRecord) (core.Frame, error) {
	f := core.Frame{
		ID:        r.CanID,
		DLC:       r.DLC,
		OrderKey:  r.OrderKey,
		Timestamp: r.Timestamp.UTC(),
	}

	var ints []int
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &ints); err != nil {
			return core.Frame{}, fmt.Errorf("frame %d data: %w", r.ID, err)
		}
	}
	for i := 0; i < len(ints) && i < int(r.DLC) && i < core.MaxDataLength; i++ {
		f.Data[i] = byte(ints[i])
	}
	return f, nil
}

// FrameRecordsToCore converts rows in order, stopping at the first
// malformed one.
func FrameRecordsToCore(rows []model.FrameRecord) ([]core.Frame, error) {
	frames := make([]core.Frame, 0, len(rows))
	for _, r := range rows {
		f, err := FrameRecordToCore(r)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// StepRecordToCore converts a step row back to its notice.
func StepRecordToCore(r model.StepRecord) (core.StepNotice, error) {
	order, err := core.ParseByteOrder(r.Endian)
	if err != nil {
		return core.StepNotice{}, fmt.Errorf("step %d: %w", r.OrderKey, err)
	}
	return core.StepNotice{
		StepName:  r.StepName,
		ByteOrder: order,
		OrderKey:  r.OrderKey,
		StoredAt:  r.StoredAt.UTC(),
	}, nil
}

// EventRecordToCore converts an event row.
func EventRecordToCore(r model.EventRecord) (core.Event, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return core.Event{}, fmt.Errorf("event id %q: %w", r.ID, err)
	}
	return core.Event{ID: id, Message: r.Message}, nil
}

// ReconstructionToCore decodes the stored step JSON.
func ReconstructionToCore(r model.Reconstruction) (core.DrivingStep, error) {
	var step core.DrivingStep
	if err := json.Unmarshal(r.Step, &step); err != nil {
		return core.DrivingStep{}, fmt.Errorf("reconstruction %d: %w", r.OrderKey, err)
	}
	return step, nil
}
