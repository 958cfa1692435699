package reconstruct

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stepbus/stepbus/internal/storage"
	"github.com/stepbus/stepbus/internal/storage/memory"
	"github.com/stepbus/stepbus/pkg/codec"
	"github.com/stepbus/stepbus/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, queue string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = make(map[string][]any)
	}
	p.messages[queue] = append(p.messages[queue], v)
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	steps  []core.ReconstructedStep
	events []core.Event
}

func (h *fakeHub) BroadcastStep(s core.ReconstructedStep) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, s)
}

func (h *fakeHub) BroadcastEvent(e core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

type fakeSink struct {
	written []core.ReconstructedStep
}

func (s *fakeSink) WriteStep(_ context.Context, step core.ReconstructedStep, _ time.Time) error {
	s.written = append(s.written, step)
	return nil
}

func braking() core.DrivingStep {
	return core.DrivingStep{
		StepName: "Braking",
		Engine: core.EngineData{
			RPM: 1200, CoolantTemp: 90, ThrottlePos: 0, EngineLoad: 10,
			IntakeTemp: 30, FuelPressure: 320, EngineRunning: true,
		},
		Speed: core.VehicleSpeedData{
			VehicleSpeed: 40, GearPosition: 3, WheelSpeeds: [4]float32{40, 40, 39, 39},
			ABSActive: true, TractionControl: true,
		},
		Climate: core.ClimateData{
			CabinTemp: 22, TargetTemp: 22, OutsideTemp: 18, FanSpeed: 2, AutoMode: true,
		},
		DurationMs: 4000,
	}
}

func newTestService(t *testing.T, pub Publisher) (*Service, *memory.Backend, *fakeHub) {
	t.Helper()
	backend := memory.New()
	hub := &fakeHub{}
	svc := New(Dependencies{
		Backend:   backend,
		Publisher: pub,
		Hub:       hub,
	})
	return svc, backend, hub
}

// storePartial stores the frames of step under key minus the given ids.
func storePartial(t *testing.T, b storage.Backend, key uint64, step core.DrivingStep, order core.ByteOrder, drop ...uint16) {
	t.Helper()
	frames := codec.StampFrames(codec.Encode(step, order), key, time.Now())
	kept := frames[:0]
	for _, f := range frames {
		skip := false
		for _, id := range drop {
			if f.ID == id {
				skip = true
			}
		}
		if !skip {
			kept = append(kept, f)
		}
	}
	notice := core.StepNotice{StepName: step.StepName, ByteOrder: order, OrderKey: key}
	require.NoError(t, b.StoreStep(context.Background(), notice, kept))
}

func TestIngest_WithoutPublisherReconstructsInline(t *testing.T) {
	svc, _, hub := newTestService(t, nil)
	ctx := context.Background()

	notice, err := svc.Ingest(ctx, braking(), core.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), notice.OrderKey)
	assert.Equal(t, core.BigEndian, notice.ByteOrder)

	require.Len(t, hub.steps, 1)
	assert.Equal(t, braking(), hub.steps[0].Step)
	assert.Equal(t, core.BigEndian, hub.steps[0].ByteOrder)

	stats := svc.Stats()
	assert.Equal(t, uint64(1), stats.Ingested)
	assert.Equal(t, uint64(1), stats.Reconstructed)
	assert.Equal(t, 1, stats.CachedSteps)
	assert.Equal(t, 1, stats.CachedNotices)
	assert.Equal(t, uint64(1), stats.LatestCached)
}

func TestIngest_PublishesNotice(t *testing.T) {
	pub := &fakePublisher{}
	svc, _, hub := newTestService(t, pub)

	notice, err := svc.Ingest(context.Background(), braking(), core.LittleEndian)
	require.NoError(t, err)

	require.Len(t, pub.messages[DefaultNoticeQueue], 1)
	assert.Equal(t, notice, pub.messages[DefaultNoticeQueue][0])
	assert.Empty(t, hub.steps, "reconstruction waits for the consumer")
}

func TestIngest_PublishFailureReconstructsInline(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	svc, backend, hub := newTestService(t, pub)
	ctx := context.Background()

	notice, err := svc.Ingest(ctx, braking(), core.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), notice.OrderKey)

	frames, err := backend.FramesByKey(ctx, notice.OrderKey)
	require.NoError(t, err)
	assert.Len(t, frames, codec.FrameCount)

	require.Len(t, hub.steps, 1)
	assert.Equal(t, notice.OrderKey, hub.steps[0].OrderKey)
	assert.Equal(t, braking(), hub.steps[0].Step)

	stats := svc.Stats()
	assert.Equal(t, uint64(1), stats.PublishFailed)
	assert.Equal(t, uint64(1), stats.Reconstructed)
	assert.Equal(t, 1, stats.CachedSteps)

	// a later ingest gets the next key; nothing was stored twice
	next, err := svc.Ingest(ctx, braking(), core.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.OrderKey)
	assert.Len(t, hub.steps, 2)
}

func TestIngest_KeysContinueAfterStoredOnes(t *testing.T) {
	svc, backend, _ := newTestService(t, nil)
	storePartial(t, backend, 41, braking(), core.LittleEndian)

	notice, err := svc.Ingest(context.Background(), braking(), core.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), notice.OrderKey)
}

func TestIngest_ConcurrentKeysAreUnique(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	var wg sync.WaitGroup
	keys := make(chan uint64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := svc.Ingest(context.Background(), braking(), core.LittleEndian)
			if err == nil {
				keys <- n.OrderKey
			}
		}()
	}
	wg.Wait()
	close(keys)

	seen := make(map[uint64]bool)
	for k := range keys {
		assert.False(t, seen[k], "duplicate key %d", k)
		seen[k] = true
	}
	assert.Len(t, seen, 20)
}

func TestReconstruct_UsesStoredByteOrder(t *testing.T) {
	svc, backend, hub := newTestService(t, &fakePublisher{})
	storePartial(t, backend, 5, braking(), core.BigEndian)

	// the notice claims little endian; the stored notice wins
	got, err := svc.Reconstruct(context.Background(), core.StepNotice{OrderKey: 5, ByteOrder: core.LittleEndian})
	require.NoError(t, err)
	assert.Equal(t, braking(), got.Step)
	assert.Equal(t, core.BigEndian, got.ByteOrder)
	assert.Len(t, hub.steps, 1)
}

func TestReconstruct_IncompleteIsNotYetAvailable(t *testing.T) {
	svc, backend, hub := newTestService(t, &fakePublisher{})
	storePartial(t, backend, 1, braking(), core.LittleEndian, 0x201)

	_, err := svc.Reconstruct(context.Background(), core.StepNotice{OrderKey: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotYetAvailable)
	assert.ErrorIs(t, err, codec.ErrIncomplete)

	var missing *codec.MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.True(t, missing.Missing(codec.BlockSpeedFlags))
	assert.False(t, missing.Missing(codec.BlockSpeed))

	assert.Empty(t, hub.steps)
	assert.Equal(t, uint64(1), svc.Stats().NotYet)
}

func TestReconstruct_RedeliveryServedFromCache(t *testing.T) {
	svc, backend, hub := newTestService(t, &fakePublisher{})
	storePartial(t, backend, 2, braking(), core.LittleEndian)

	for i := 0; i < 3; i++ {
		_, err := svc.Reconstruct(context.Background(), core.StepNotice{OrderKey: 2})
		require.NoError(t, err)
	}
	assert.Len(t, hub.steps, 1)

	saved, err := backend.Reconstruction(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, braking(), saved)
}

func TestReconstruct_LegacyNoticeUsesLatestKey(t *testing.T) {
	svc, backend, _ := newTestService(t, &fakePublisher{})
	storePartial(t, backend, 1, braking(), core.LittleEndian)
	later := braking()
	later.StepName = "Turning"
	storePartial(t, backend, 2, later, core.BigEndian)

	got, err := svc.Reconstruct(context.Background(), core.StepNotice{StepName: "Turning"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.OrderKey)
	assert.Equal(t, "Turning", got.Step.StepName)
}

func TestReconstruct_WritesToSink(t *testing.T) {
	sink := &fakeSink{}
	backend := memory.New()
	svc := New(Dependencies{Backend: backend, Sink: sink})

	_, err := svc.Ingest(context.Background(), braking(), core.LittleEndian)
	require.NoError(t, err)
	require.Len(t, sink.written, 1)
	assert.Equal(t, "Braking", sink.written[0].Step.StepName)
}

func TestList_SkipsPendingAndIncomplete(t *testing.T) {
	svc, backend, _ := newTestService(t, &fakePublisher{})
	storePartial(t, backend, 1, braking(), core.LittleEndian)
	// pending: fewer than FrameCount frames
	storePartial(t, backend, 2, braking(), core.LittleEndian, 0x300)
	storePartial(t, backend, 3, braking(), core.BigEndian)

	steps, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, uint64(1), steps[0].OrderKey)
	assert.Equal(t, uint64(3), steps[1].OrderKey)
	assert.Equal(t, core.BigEndian, steps[1].ByteOrder)
	assert.Equal(t, braking(), steps[1].Step)
}

func TestList_RecentStepsBound(t *testing.T) {
	backend := memory.New()
	svc := New(Dependencies{Backend: backend, Publisher: &fakePublisher{}, RecentSteps: 2})
	for k := uint64(1); k <= 4; k++ {
		storePartial(t, backend, k, braking(), core.LittleEndian)
	}

	steps, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, uint64(3), steps[0].OrderKey)
	assert.Equal(t, uint64(4), steps[1].OrderKey)
}

func TestLatest(t *testing.T) {
	svc, backend, _ := newTestService(t, &fakePublisher{})

	_, err := svc.Latest(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	storePartial(t, backend, 1, braking(), core.LittleEndian)
	got, err := svc.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.OrderKey)

	storePartial(t, backend, 2, braking(), core.LittleEndian, 0x100, 0x400)
	_, err = svc.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotYetAvailable)
}

func TestStep(t *testing.T) {
	svc, backend, _ := newTestService(t, &fakePublisher{})
	storePartial(t, backend, 7, braking(), core.LittleEndian)

	got, err := svc.Step(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Braking", got.Step.StepName)

	_, err = svc.Step(context.Background(), 8)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = svc.Step(context.Background(), 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordEvent(t *testing.T) {
	pub := &fakePublisher{}
	svc, _, hub := newTestService(t, pub)
	ctx := context.Background()

	first := core.NewEvent("engine warm")
	second := core.NewEvent("cruise engaged")
	require.NoError(t, svc.RecordEvent(ctx, first))
	require.NoError(t, svc.RecordEvent(ctx, second))

	assert.Len(t, pub.messages["events"], 2)
	assert.Len(t, hub.events, 2)

	events, err := svc.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, second.ID, events[0].ID)
}

func TestFrames(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.Ingest(context.Background(), braking(), core.LittleEndian)
	require.NoError(t, err)

	frames, err := svc.Frames(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	// newest first: the step-info frame was stored last
	assert.Equal(t, uint16(0x400), frames[0].ID)
}
