// Package reconstruct turns stored frame groups back into driving steps
// and allocates order keys for new ones.
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stepbus/stepbus/internal/broker"
	"github.com/stepbus/stepbus/internal/cache"
	"github.com/stepbus/stepbus/internal/logging"
	"github.com/stepbus/stepbus/internal/storage"
	"github.com/stepbus/stepbus/pkg/codec"
	"github.com/stepbus/stepbus/pkg/core"
)

// ErrNotYetAvailable means the frames of a step have not all arrived. The
// codec error naming the missing blocks is wrapped alongside it.
var ErrNotYetAvailable = errors.New("step not yet available")

// DefaultNoticeQueue is the broker queue step notices travel on.
const DefaultNoticeQueue = "step_names"

// Publisher sends JSON messages to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// Broadcaster pushes results to live subscribers.
type Broadcaster interface {
	BroadcastStep(step core.ReconstructedStep)
	BroadcastEvent(e core.Event)
}

// StepSink receives every reconstructed step, e.g. a time-series store.
type StepSink interface {
	WriteStep(ctx context.Context, step core.ReconstructedStep, ts time.Time) error
}

// Dependencies holds everything the service talks to. Only Backend is
// required. Without a Publisher, Ingest reconstructs inline.
type Dependencies struct {
	Backend      storage.Backend
	Publisher    Publisher
	Hub          Broadcaster
	Sink         StepSink
	Steps        *cache.StepCache
	Notices      *cache.NoticeCache
	LogManager   *logging.SlogManager
	NoticeQueue  string
	DefaultOrder core.ByteOrder
	// RecentSteps bounds List; <= 0 lists every stored key.
	RecentSteps int
}

// Service coordinates codec, storage, broker and hub.
type Service struct {
	deps   Dependencies
	logger *slog.Logger

	seedOnce sync.Once
	seedErr  error
	seq      atomic.Uint64

	ingested      atomic.Uint64
	reconstructed atomic.Uint64
	notYet        atomic.Uint64
	publishFailed atomic.Uint64
}

// Stats counts service activity since start.
type Stats struct {
	Ingested      uint64 `json:"ingested"`
	Reconstructed uint64 `json:"reconstructed"`
	NotYet        uint64 `json:"notYetAvailable"`
	PublishFailed uint64 `json:"publishFailed"`
	CachedSteps   int    `json:"cachedSteps"`
	CachedNotices int    `json:"cachedNotices"`
	// LatestCached is the highest reconstructed key still in cache.
	LatestCached uint64 `json:"latestCached"`
}

// New creates the service. Storage is not touched until first use.
func New(deps Dependencies) *Service {
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	if deps.Steps == nil {
		deps.Steps = cache.NewStepCache(0)
	}
	if deps.Notices == nil {
		deps.Notices = cache.NewNoticeCache()
	}
	if deps.NoticeQueue == "" {
		deps.NoticeQueue = DefaultNoticeQueue
	}
	return &Service{
		deps:   deps,
		logger: deps.LogManager.Logger().With("component", "reconstruct"),
	}
}

// seed continues the key sequence after the highest stored key.
func (s *Service) seed(ctx context.Context) error {
	s.seedOnce.Do(func() {
		highest, err := s.deps.Backend.MaxOrderKey(ctx)
		if err != nil {
			s.seedErr = fmt.Errorf("read highest order key: %w", err)
			return
		}
		s.seq.Store(highest)
		s.logger.Debug("Order key sequence seeded", "next", highest+1)
	})
	return s.seedErr
}

// Ingest encodes step, stores its frames under a fresh order key and
// announces the notice. Keys are strictly increasing across calls. When
// there is no publisher, or publishing fails after the frames are stored,
// the step is reconstructed inline.
func (s *Service) Ingest(ctx context.Context, step core.DrivingStep, order core.ByteOrder) (core.StepNotice, error) {
	if err := s.seed(ctx); err != nil {
		return core.StepNotice{}, err
	}

	now := time.Now().UTC()
	key := s.seq.Add(1)
	frames := codec.StampFrames(codec.Encode(step, order), key, now)
	notice := core.StepNotice{
		StepName:  step.StepName,
		ByteOrder: order,
		OrderKey:  key,
		StoredAt:  now,
	}

	if err := s.deps.Backend.StoreStep(ctx, notice, frames); err != nil {
		return core.StepNotice{}, fmt.Errorf("store step %d: %w", key, err)
	}
	s.deps.Notices.Set(notice)
	s.ingested.Add(1)

	s.logger.Info("Stored step", "step", step.StepName, "key", key, "endian", order.String(), "frames", len(frames))

	if s.deps.Publisher != nil {
		err := s.deps.Publisher.Publish(ctx, s.deps.NoticeQueue, notice)
		if err == nil {
			return notice, nil
		}
		s.publishFailed.Add(1)
		s.logger.Warn("Failed to publish notice, reconstructing inline", "key", key, "error", err)
	}
	if _, err := s.Reconstruct(ctx, notice); err != nil {
		return notice, err
	}
	return notice, nil
}

// resolveNotice fills in the key and byte order of a notice. A zero order
// key means the latest stored step; the stored byte order always wins.
func (s *Service) resolveNotice(ctx context.Context, notice core.StepNotice) (core.StepNotice, error) {
	if notice.OrderKey == 0 {
		key, err := s.deps.Backend.LatestKey(ctx)
		if err != nil {
			return notice, fmt.Errorf("latest key: %w", err)
		}
		notice.OrderKey = key
	}

	stored, ok := s.deps.Notices.Get(notice.OrderKey)
	if !ok {
		var err error
		stored, err = s.deps.Backend.Step(ctx, notice.OrderKey)
		if errors.Is(err, storage.ErrNotFound) {
			return notice, nil
		}
		if err != nil {
			return notice, err
		}
		s.deps.Notices.Set(stored)
	}

	notice.ByteOrder = stored.ByteOrder
	if notice.StepName == "" {
		notice.StepName = stored.StepName
	}
	if notice.StoredAt.IsZero() {
		notice.StoredAt = stored.StoredAt
	}
	return notice, nil
}

// Reconstruct decodes the frames stored under the notice's key, then
// caches, persists and broadcasts the step. An already reconstructed key
// is served from cache without broadcasting again.
func (s *Service) Reconstruct(ctx context.Context, notice core.StepNotice) (core.ReconstructedStep, error) {
	notice, err := s.resolveNotice(ctx, notice)
	if err != nil {
		return core.ReconstructedStep{}, err
	}
	key := notice.OrderKey

	if step, ok := s.deps.Steps.Get(key); ok {
		return core.ReconstructedStep{OrderKey: key, ByteOrder: notice.ByteOrder, Step: step}, nil
	}

	frames, err := s.deps.Backend.FramesByKey(ctx, key)
	if err != nil {
		return core.ReconstructedStep{}, fmt.Errorf("load frames %d: %w", key, err)
	}

	step, err := codec.Decode(frames, notice.ByteOrder, notice.StepName)
	if err != nil {
		s.notYet.Add(1)
		s.logger.Warn("Step not yet available", "key", key, "frames", len(frames), "error", err)
		return core.ReconstructedStep{}, fmt.Errorf("%w: key %d: %w", ErrNotYetAvailable, key, err)
	}

	result := core.ReconstructedStep{OrderKey: key, ByteOrder: notice.ByteOrder, Step: step}
	s.deps.Steps.Add(key, step)
	s.reconstructed.Add(1)

	if err := s.deps.Backend.SaveReconstruction(ctx, key, step); err != nil {
		s.logger.Error("Failed to save reconstruction", "key", key, "error", err)
	}
	if s.deps.Hub != nil {
		s.deps.Hub.BroadcastStep(result)
	}
	if s.deps.Sink != nil {
		ts := notice.StoredAt
		if ts.IsZero() {
			ts = time.Now()
		}
		if err := s.deps.Sink.WriteStep(ctx, result, ts); err != nil {
			s.logger.Error("Failed to write step to sink", "key", key, "error", err)
		}
	}

	s.logger.Info("Reconstructed step", "step", step.StepName, "key", key, "endian", notice.ByteOrder.String())
	return result, nil
}

// Step returns the reconstruction of one key, decoding it if needed.
func (s *Service) Step(ctx context.Context, key uint64) (core.ReconstructedStep, error) {
	if key == 0 {
		return core.ReconstructedStep{}, fmt.Errorf("order key 0: %w", storage.ErrNotFound)
	}
	if _, err := s.deps.Backend.Step(ctx, key); err != nil {
		if _, ok := s.deps.Notices.Get(key); !ok {
			return core.ReconstructedStep{}, fmt.Errorf("step %d: %w", key, err)
		}
	}
	return s.Reconstruct(ctx, core.StepNotice{OrderKey: key})
}

// resolver looks up byte order and label per key for codec.Group.
func (s *Service) resolver(ctx context.Context) codec.Resolver {
	return func(key uint64) (core.ByteOrder, string) {
		if n, ok := s.deps.Notices.Get(key); ok {
			return n.ByteOrder, n.StepName
		}
		n, err := s.deps.Backend.Step(ctx, key)
		if err != nil {
			s.logger.Warn("No notice for key, using default byte order", "key", key, "error", err)
			return s.deps.DefaultOrder, ""
		}
		s.deps.Notices.Set(n)
		return n.ByteOrder, n.StepName
	}
}

// List decodes the most recent groups in ascending key order. Pending and
// incomplete groups are logged and left out.
func (s *Service) List(ctx context.Context) ([]core.ReconstructedStep, error) {
	frames, err := s.deps.Backend.RecentFrames(ctx, s.deps.RecentSteps)
	if err != nil {
		return nil, fmt.Errorf("load recent frames: %w", err)
	}

	results := codec.Group(frames, s.resolver(ctx))
	steps := make([]core.ReconstructedStep, 0, len(results))
	for _, r := range results {
		switch r.Outcome {
		case codec.OutcomeComplete:
			order, _ := s.resolver(ctx)(r.OrderKey)
			steps = append(steps, core.ReconstructedStep{OrderKey: r.OrderKey, ByteOrder: order, Step: r.Step})
			s.deps.Steps.Add(r.OrderKey, r.Step)
		case codec.OutcomePending:
			s.logger.Warn("Skipping pending step", "key", r.OrderKey, "frames", r.Frames, "error", r.Err)
		default:
			s.logger.Warn("Skipping incomplete step", "key", r.OrderKey, "frames", r.Frames, "error", r.Err)
		}
	}
	return steps, nil
}

// Latest returns the newest stored step. ErrNotYetAvailable is returned
// when its group is not complete, storage.ErrNotFound when nothing is
// stored.
func (s *Service) Latest(ctx context.Context) (core.ReconstructedStep, error) {
	key, err := s.deps.Backend.LatestKey(ctx)
	if err != nil {
		return core.ReconstructedStep{}, err
	}
	return s.Reconstruct(ctx, core.StepNotice{OrderKey: key})
}

// RecordEvent stores an event, forwards it to the events queue and
// broadcasts it.
func (s *Service) RecordEvent(ctx context.Context, e core.Event) error {
	if err := s.deps.Backend.RecordEvent(ctx, e); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.Publish(ctx, broker.QueueEvents, e); err != nil {
			s.logger.Error("Failed to publish event", "id", e.ID, "error", err)
		}
	}
	if s.deps.Hub != nil {
		s.deps.Hub.BroadcastEvent(e)
	}
	return nil
}

// Events lists recorded events, newest first.
func (s *Service) Events(ctx context.Context) ([]core.Event, error) {
	return s.deps.Backend.ListEvents(ctx)
}

// Frames lists stored frames, newest first.
func (s *Service) Frames(ctx context.Context, limit int) ([]core.Frame, error) {
	return s.deps.Backend.ListFrames(ctx, limit)
}

// Stats returns activity counters.
func (s *Service) Stats() Stats {
	latest, _, _ := s.deps.Steps.Latest()
	return Stats{
		Ingested:      s.ingested.Load(),
		Reconstructed: s.reconstructed.Load(),
		NotYet:        s.notYet.Load(),
		PublishFailed: s.publishFailed.Load(),
		CachedSteps:   s.deps.Steps.Len(),
		CachedNotices: s.deps.Notices.Len(),
		LatestCached:  latest,
	}
}
