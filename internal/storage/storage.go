// internal/storage/storage.go
package storage

import (
	"context"
	"errors"

	"github.com/stepbus/stepbus/pkg/core"
)

// ErrNotFound is returned when a key, step or record does not exist.
var ErrNotFound = errors.New("not found")

// Backend is the interface all storage implementations must satisfy.
//
// Frames of one step share an order key and are returned in insertion
// order within that key. Backends never reorder or rewrite stored bytes.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// StoreStep stores the notice and its frames atomically.
	StoreStep(ctx context.Context, notice core.StepNotice, frames []core.Frame) error

	// Frame queries
	FramesByKey(ctx context.Context, key uint64) ([]core.Frame, error)
	// RecentFrames returns the frames of the nKeys highest order keys,
	// ascending by key. nKeys <= 0 returns everything.
	RecentFrames(ctx context.Context, nKeys int) ([]core.Frame, error)
	// ListFrames returns up to limit frames, newest first.
	ListFrames(ctx context.Context, limit int) ([]core.Frame, error)
	// LatestKey returns the highest order key with frames, or ErrNotFound.
	LatestKey(ctx context.Context) (uint64, error)
	// MaxOrderKey returns the highest order key ever used, 0 when empty.
	MaxOrderKey(ctx context.Context) (uint64, error)

	// Step returns the stored notice for key, or ErrNotFound.
	Step(ctx context.Context, key uint64) (core.StepNotice, error)
	SaveReconstruction(ctx context.Context, key uint64, step core.DrivingStep) error

	// Events
	RecordEvent(ctx context.Context, e core.Event) error
	// ListEvents returns events newest first.
	ListEvents(ctx context.Context) ([]core.Event, error)
}

// Stats is a snapshot of stored volume.
type Stats struct {
	Frames          int64 `json:"frames"`
	Steps           int64 `json:"steps"`
	Reconstructions int64 `json:"reconstructions"`
	Events          int64 `json:"events"`
	PendingWrites   int   `json:"pendingWrites"`
}

// StatsProvider is an optional interface for backends that can report
// their volume to the status monitor.
type StatsProvider interface {
	Stats(ctx context.Context) (Stats, error)
}

// ReconstructionReader is an optional interface for backends that can read
// back persisted reconstructions.
type ReconstructionReader interface {
	Reconstruction(ctx context.Context, key uint64) (core.DrivingStep, error)
}
