// Package gormstorage implements the storage.Backend interface on top of
// GORM. Frames and step notices are written synchronously; events and
// reconstructions go through internal queues drained by a background
// writer goroutine.
package gormstorage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stepbus/stepbus/internal/logging"
	"github.com/stepbus/stepbus/internal/model"
	"github.com/stepbus/stepbus/internal/model/convert"
	"github.com/stepbus/stepbus/internal/queue"
	"github.com/stepbus/stepbus/internal/storage"
	"github.com/stepbus/stepbus/pkg/core"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultFlushInterval = 2 * time.Second
	defaultQueueLimit    = 100000
	// writeBatch bounds the rows of one insert transaction.
	writeBatch = 1000
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	LogManager    *logging.SlogManager
	FlushInterval time.Duration
	// QueueLimit caps each write-behind queue; the oldest rows go first.
	QueueLimit int
}

// queues holds the write-behind queues.
type queues struct {
	Events          *queue.Queue[model.EventRecord]
	Reconstructions *queue.Queue[model.Reconstruction]
}

func newQueues(limit int) *queues {
	return &queues{
		Events:          queue.New[model.EventRecord](limit),
		Reconstructions: queue.New[model.Reconstruction](limit),
	}
}

// Backend implements storage.Backend using GORM.
type Backend struct {
	deps     Dependencies
	queues   *queues
	flushMu  sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

var _ storage.Backend = (*Backend)(nil)
var _ storage.StatsProvider = (*Backend)(nil)
var _ storage.ReconstructionReader = (*Backend)(nil)

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = defaultFlushInterval
	}
	if deps.QueueLimit <= 0 {
		deps.QueueLimit = defaultQueueLimit
	}
	return &Backend{
		deps:   deps,
		queues: newQueues(deps.QueueLimit),
	}
}

// DB exposes the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init migrates the schema and starts the writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return fmt.Errorf("gorm backend: no database")
	}

	b.deps.LogManager.WriteLog("storage", "Migrating schema", "DEBUG")
	if err := b.deps.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.writerLoop()
	return nil
}

// Close stops the writer goroutine and flushes what is left.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	close(b.stopChan)
	<-b.done
	b.stopChan = nil
	return b.Flush()
}

// StoreStep writes the notice and frames in one transaction, preserving
// frame order.
func (b *Backend) StoreStep(ctx context.Context, notice core.StepNotice, frames []core.Frame) error {
	step := convert.CoreToStepRecord(notice)
	rows := make([]model.FrameRecord, 0, len(frames))
	for _, f := range frames {
		rows = append(rows, convert.CoreToFrameRecord(f, notice.ByteOrder))
	}

	return b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&step).Error; err != nil {
			return fmt.Errorf("store step %d: %w", notice.OrderKey, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("store frames of step %d: %w", notice.OrderKey, err)
		}
		return nil
	})
}

// FramesByKey returns the frames of one order key in insertion order.
func (b *Backend) FramesByKey(ctx context.Context, key uint64) ([]core.Frame, error) {
	var rows []model.FrameRecord
	err := b.deps.DB.WithContext(ctx).
		Where("order_key = ?", key).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("frames of key %d: %w", key, err)
	}
	return convert.FrameRecordsToCore(rows)
}

func (b *Backend) RecentFrames(ctx context.Context, nKeys int) ([]core.Frame, error) {
	db := b.deps.DB.WithContext(ctx)

	query := db.Model(&model.FrameRecord{}).Order("order_key ASC, id ASC")
	if nKeys > 0 {
		var keys []uint64
		err := db.Model(&model.FrameRecord{}).
			Distinct("order_key").
			Order("order_key DESC").
			Limit(nKeys).
			Pluck("order_key", &keys).Error
		if err != nil {
			return nil, fmt.Errorf("recent keys: %w", err)
		}
		if len(keys) == 0 {
			return nil, nil
		}
		query = query.Where("order_key IN ?", keys)
	}

	var rows []model.FrameRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent frames: %w", err)
	}
	return convert.FrameRecordsToCore(rows)
}

func (b *Backend) ListFrames(ctx context.Context, limit int) ([]core.Frame, error) {
	query := b.deps.DB.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []model.FrameRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	return convert.FrameRecordsToCore(rows)
}

func (b *Backend) LatestKey(ctx context.Context) (uint64, error) {
	key, err := b.maxKey(ctx, &model.FrameRecord{})
	if err != nil {
		return 0, err
	}
	if !key.Valid {
		return 0, storage.ErrNotFound
	}
	return uint64(key.Int64), nil
}

// MaxOrderKey also considers notices stored without frames.
func (b *Backend) MaxOrderKey(ctx context.Context) (uint64, error) {
	var highest uint64
	for _, m := range []interface{}{&model.FrameRecord{}, &model.StepRecord{}} {
		key, err := b.maxKey(ctx, m)
		if err != nil {
			return 0, err
		}
		if key.Valid && uint64(key.Int64) > highest {
			highest = uint64(key.Int64)
		}
	}
	return highest, nil
}

func (b *Backend) maxKey(ctx context.Context, m interface{}) (sql.NullInt64, error) {
	var key sql.NullInt64
	err := b.deps.DB.WithContext(ctx).Model(m).Select("MAX(order_key)").Row().Scan(&key)
	if err != nil {
		return key, fmt.Errorf("max order key: %w", err)
	}
	return key, nil
}

func (b *Backend) Step(ctx context.Context, key uint64) (core.StepNotice, error) {
	var row model.StepRecord
	err := b.deps.DB.WithContext(ctx).Where("order_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.StepNotice{}, fmt.Errorf("step %d: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return core.StepNotice{}, fmt.Errorf("step %d: %w", key, err)
	}
	return convert.StepRecordToCore(row)
}

// SaveReconstruction queues the decoded step; a later save for the same
// key replaces it.
func (b *Backend) SaveReconstruction(_ context.Context, key uint64, step core.DrivingStep) error {
	rec, err := convert.CoreToReconstruction(key, step)
	if err != nil {
		return err
	}
	b.queues.Reconstructions.Push(rec)
	return nil
}

func (b *Backend) RecordEvent(_ context.Context, e core.Event) error {
	b.queues.Events.Push(convert.CoreToEventRecord(e))
	return nil
}

// ListEvents flushes pending writes first so callers read their own events.
func (b *Backend) ListEvents(ctx context.Context) ([]core.Event, error) {
	if err := b.Flush(); err != nil {
		return nil, err
	}

	var rows []model.EventRecord
	if err := b.deps.DB.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events := make([]core.Event, 0, len(rows))
	for _, r := range rows {
		e, err := convert.EventRecordToCore(r)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Reconstruction returns the stored decoded step for key.
func (b *Backend) Reconstruction(ctx context.Context, key uint64) (core.DrivingStep, error) {
	if err := b.Flush(); err != nil {
		return core.DrivingStep{}, err
	}
	var row model.Reconstruction
	err := b.deps.DB.WithContext(ctx).Where("order_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.DrivingStep{}, fmt.Errorf("reconstruction %d: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return core.DrivingStep{}, err
	}
	return convert.ReconstructionToCore(row)
}

func (b *Backend) Stats(ctx context.Context) (storage.Stats, error) {
	db := b.deps.DB.WithContext(ctx)
	var s storage.Stats
	counts := []struct {
		model interface{}
		dst   *int64
	}{
		{&model.FrameRecord{}, &s.Frames},
		{&model.StepRecord{}, &s.Steps},
		{&model.Reconstruction{}, &s.Reconstructions},
		{&model.EventRecord{}, &s.Events},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dst).Error; err != nil {
			return s, fmt.Errorf("stats: %w", err)
		}
	}
	s.PendingWrites = b.queues.Events.Len() + b.queues.Reconstructions.Len()
	return s, nil
}

// Flush drains the write-behind queues now.
func (b *Backend) Flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	log := b.deps.LogManager.WriteLog
	err1 := writeQueue(b.deps.DB, b.queues.Events, "events", log, nil, nil)
	err2 := writeQueue(b.deps.DB, b.queues.Reconstructions, "reconstructions", log, latestPerKey, []clause.Expression{
		clause.OnConflict{Columns: []clause.Column{{Name: "order_key"}}, UpdateAll: true},
	})
	return errors.Join(err1, err2)
}

// latestPerKey keeps the last queued reconstruction of each key; one
// upsert statement may not touch the same row twice.
func latestPerKey(items []model.Reconstruction) []model.Reconstruction {
	index := make(map[uint64]int, len(items))
	out := items[:0]
	for _, it := range items {
		if i, ok := index[it.OrderKey]; ok {
			out[i] = it
			continue
		}
		index[it.OrderKey] = len(out)
		out = append(out, it)
	}
	return out
}

// writeQueue inserts queued rows in batches of writeBatch, one transaction
// each. A failed batch is requeued ahead of newer rows for the next cycle.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string, log func(string, string, string), prepare func([]T) []T, clauses []clause.Expression) error {
	written := 0
	for q.Len() > 0 {
		batch := q.Drain(writeBatch)
		rows := batch
		if prepare != nil {
			rows = prepare(append([]T(nil), batch...))
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if len(clauses) > 0 {
				tx = tx.Clauses(clauses...)
			}
			return tx.Create(&rows).Error
		})
		if err != nil {
			log("storage:writer", fmt.Sprintf("Error creating %s: %v", name, err), "ERROR")
			if dropped := q.Requeue(batch...); dropped > 0 {
				log("storage:writer", fmt.Sprintf("Queue full, dropped %d %s", dropped, name), "WARN")
			}
			return fmt.Errorf("write %s: %w", name, err)
		}
		written += len(rows)
	}
	if written > 0 {
		log("storage:writer", fmt.Sprintf("Wrote %d %s", written, name), "DEBUG")
	}
	return nil
}

func (b *Backend) writerLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			_ = b.Flush()
		}
	}
}
