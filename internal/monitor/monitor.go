package monitor

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/stepbus/stepbus/internal/influx"
	"github.com/stepbus/stepbus/internal/logging"
	"github.com/stepbus/stepbus/internal/reconstruct"
	"github.com/stepbus/stepbus/internal/storage"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
)

// ServiceStats reports reconstruction counters.
type ServiceStats interface {
	Stats() reconstruct.Stats
}

// HubStats reports broadcast fan-out state.
type HubStats interface {
	Subscribers() int
	Stats() (published, dropped uint64)
}

// PointWriter receives status points, normally the InfluxDB manager.
type PointWriter interface {
	WritePoint(ctx context.Context, bucket string, point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Backend    storage.Backend
	Service    ServiceStats
	Hub        HubStats
	BrokerMode string
	// QueueLengths reports dispatcher queue depths per command.
	QueueLengths func() map[string]int
	Influx       PointWriter
	LogManager   *logging.SlogManager
	// StatusFile, when set, is rewritten with the JSON status on every tick.
	StatusFile string
}

// Status is one snapshot of the running service.
type Status struct {
	Time           time.Time         `json:"time"`
	BrokerMode     string            `json:"brokerMode"`
	Storage        storage.Stats     `json:"storage"`
	PendingSteps   int64             `json:"pendingSteps"`
	Service        reconstruct.Stats `json:"service"`
	HubSubscribers int               `json:"hubSubscribers"`
	HubPublished   uint64            `json:"hubPublished"`
	HubDropped     uint64            `json:"hubDropped"`
	Queues         map[string]int    `json:"queues"`
}

// Fields flattens the snapshot into integer gauges.
func (st Status) Fields() map[string]int64 {
	fields := map[string]int64{
		"frames":          st.Storage.Frames,
		"steps":           st.Storage.Steps,
		"reconstructions": st.Storage.Reconstructions,
		"events":          st.Storage.Events,
		"pending_steps":   st.PendingSteps,
		"ingested":        int64(st.Service.Ingested),
		"not_yet":         int64(st.Service.NotYet),
		"publish_failed":  int64(st.Service.PublishFailed),
		"cached_steps":    int64(st.Service.CachedSteps),
		"latest_cached":   int64(st.Service.LatestCached),
		"hub_subscribers": int64(st.HubSubscribers),
		"hub_dropped":     int64(st.HubDropped),
	}
	var queued int64
	for _, n := range st.Queues {
		queued += int64(n)
	}
	fields["queued"] = queued
	return fields
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Snapshot collects the current status. Missing collaborators leave their
// fields zero.
func (s *Service) Snapshot(ctx context.Context) Status {
	st := Status{
		Time:       time.Now(),
		BrokerMode: s.deps.BrokerMode,
		Queues:     map[string]int{},
	}

	if sp, ok := s.deps.Backend.(storage.StatsProvider); ok {
		stats, err := sp.Stats(ctx)
		if err != nil {
			s.deps.LogManager.Logger().Warn("Failed to read storage stats", "error", err)
		} else {
			st.Storage = stats
			st.PendingSteps = max(stats.Steps-stats.Reconstructions, 0)
		}
	}
	if s.deps.Service != nil {
		st.Service = s.deps.Service.Stats()
	}
	if s.deps.Hub != nil {
		st.HubSubscribers = s.deps.Hub.Subscribers()
		st.HubPublished, st.HubDropped = s.deps.Hub.Stats()
	}
	if s.deps.QueueLengths != nil {
		st.Queues = s.deps.QueueLengths()
	}
	return st
}

// Start runs the monitor every interval until Stop.
func (s *Service) Start(interval time.Duration) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)

		logger := s.deps.LogManager.Logger()
		logger.Debug("Starting status monitor goroutine", "interval", interval)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()

	return nil
}

func (s *Service) tick(ctx context.Context) {
	logger := s.deps.LogManager.Logger()
	st := s.Snapshot(ctx)

	logger.Debug("Status",
		"frames", st.Storage.Frames,
		"steps", st.Storage.Steps,
		"pending", st.PendingSteps,
		"subscribers", st.HubSubscribers,
		"broker", st.BrokerMode)

	if s.deps.StatusFile != "" {
		if err := writeStatusFile(s.deps.StatusFile, st); err != nil {
			logger.Error("Error writing status file", "error", err)
		}
	}

	if s.deps.Influx != nil {
		point := influx.StatusPoint(st.Fields(), st.Time)
		if err := s.deps.Influx.WritePoint(ctx, influx.PerformanceBucket, point); err != nil {
			logger.Error("Error writing status point", "error", err)
		}
	}
}

func writeStatusFile(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Stop stops the status monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
