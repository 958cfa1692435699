// internal/storage/memory/memory.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stepbus/stepbus/internal/storage"
	"github.com/stepbus/stepbus/pkg/core"
)

// stepRecord groups a notice with its frames and decoded step.
type stepRecord struct {
	Notice        core.StepNotice
	Frames        []core.Frame
	Reconstructed *core.DrivingStep
}

// Backend keeps frames, notices and events in process memory. Nothing
// survives a restart.
type Backend struct {
	steps  map[uint64]*stepRecord
	frames []core.Frame // every stored frame, insertion order
	events []core.Event

	mu sync.RWMutex
}

var _ storage.Backend = (*Backend)(nil)
var _ storage.StatsProvider = (*Backend)(nil)
var _ storage.ReconstructionReader = (*Backend)(nil)

// New creates a new memory backend
func New() *Backend {
	return &Backend{
		steps: make(map[uint64]*stepRecord),
	}
}

func (b *Backend) Init() error {
	return nil
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) StoreStep(_ context.Context, notice core.StepNotice, frames []core.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.steps[notice.OrderKey]; exists {
		return fmt.Errorf("store step %d: key already used", notice.OrderKey)
	}

	own := make([]core.Frame, len(frames))
	copy(own, frames)
	b.steps[notice.OrderKey] = &stepRecord{Notice: notice, Frames: own}
	b.frames = append(b.frames, own...)
	return nil
}

func (b *Backend) FramesByKey(_ context.Context, key uint64) ([]core.Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.steps[key]
	if !ok {
		return nil, nil
	}
	out := make([]core.Frame, len(rec.Frames))
	copy(out, rec.Frames)
	return out, nil
}

// sortedKeys returns keys that have at least one frame, ascending.
func (b *Backend) sortedKeys() []uint64 {
	keys := make([]uint64, 0, len(b.steps))
	for k, rec := range b.steps {
		if len(rec.Frames) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (b *Backend) RecentFrames(_ context.Context, nKeys int) ([]core.Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := b.sortedKeys()
	if nKeys > 0 && len(keys) > nKeys {
		keys = keys[len(keys)-nKeys:]
	}

	var out []core.Frame
	for _, k := range keys {
		out = append(out, b.steps[k].Frames...)
	}
	return out, nil
}

func (b *Backend) ListFrames(_ context.Context, limit int) ([]core.Frame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.frames)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.Frame, 0, n)
	for i := len(b.frames) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, b.frames[i])
	}
	return out, nil
}

func (b *Backend) LatestKey(_ context.Context) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := b.sortedKeys()
	if len(keys) == 0 {
		return 0, storage.ErrNotFound
	}
	return keys[len(keys)-1], nil
}

func (b *Backend) MaxOrderKey(_ context.Context) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var highest uint64
	for k := range b.steps {
		if k > highest {
			highest = k
		}
	}
	return highest, nil
}

func (b *Backend) Step(_ context.Context, key uint64) (core.StepNotice, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.steps[key]
	if !ok {
		return core.StepNotice{}, fmt.Errorf("step %d: %w", key, storage.ErrNotFound)
	}
	return rec.Notice, nil
}

func (b *Backend) SaveReconstruction(_ context.Context, key uint64, step core.DrivingStep) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.steps[key]
	if !ok {
		return fmt.Errorf("reconstruction %d: %w", key, storage.ErrNotFound)
	}
	rec.Reconstructed = &step
	return nil
}

// Reconstruction returns the saved decoded step for key.
func (b *Backend) Reconstruction(_ context.Context, key uint64) (core.DrivingStep, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.steps[key]
	if !ok || rec.Reconstructed == nil {
		return core.DrivingStep{}, fmt.Errorf("reconstruction %d: %w", key, storage.ErrNotFound)
	}
	return *rec.Reconstructed, nil
}

func (b *Backend) RecordEvent(_ context.Context, e core.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *Backend) ListEvents(_ context.Context) ([]core.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]core.Event, 0, len(b.events))
	for i := len(b.events) - 1; i >= 0; i-- {
		out = append(out, b.events[i])
	}
	return out, nil
}

func (b *Backend) Stats(_ context.Context) (storage.Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := storage.Stats{
		Frames: int64(len(b.frames)),
		Steps:  int64(len(b.steps)),
		Events: int64(len(b.events)),
	}
	for _, rec := range b.steps {
		if rec.Reconstructed != nil {
			s.Reconstructions++
		}
	}
	return s, nil
}
