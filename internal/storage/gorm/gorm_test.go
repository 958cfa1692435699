package gormstorage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stepbus/stepbus/internal/database"
	"github.com/stepbus/stepbus/internal/storage"
	"github.com/stepbus/stepbus/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	db, err := database.OpenSqlite(database.MemoryPath)
	require.NoError(t, err)

	b := New(Dependencies{DB: db, FlushInterval: time.Hour})
	require.NoError(t, b.Init())
	t.Cleanup(func() { b.Close() })
	return b
}

func framesFor(key uint64, ids ...uint16) []core.Frame {
	frames := make([]core.Frame, 0, len(ids))
	for i, id := range ids {
		frames = append(frames, core.Frame{
			ID:        id,
			DLC:       2,
			Data:      [8]byte{byte(i), byte(key)},
			OrderKey:  key,
			Timestamp: time.Unix(int64(key), 0).UTC(),
		})
	}
	return frames
}

func store(t *testing.T, b *Backend, key uint64, name string, ids ...uint16) []core.Frame {
	t.Helper()
	frames := framesFor(key, ids...)
	notice := core.StepNotice{StepName: name, ByteOrder: core.BigEndian, OrderKey: key, StoredAt: time.Unix(1, 0).UTC()}
	require.NoError(t, b.StoreStep(context.Background(), notice, frames))
	return frames
}

func TestInit_NoDB(t *testing.T) {
	b := New(Dependencies{})
	assert.Error(t, b.Init())
	assert.NoError(t, b.Close())
}

func TestStoreStep_PreservesInsertionOrder(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	want := store(t, b, 1, "a", 0x400, 0x100, 0x100, 0x201)

	got, err := b.FramesByKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	empty, err := b.FramesByKey(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStoreStep_DuplicateKeyFails(t *testing.T) {
	b := newTestBackend(t)
	store(t, b, 4, "first", 0x100)

	err := b.StoreStep(context.Background(), core.StepNotice{OrderKey: 4}, framesFor(4, 0x101))
	assert.Error(t, err)

	frames, err := b.FramesByKey(context.Background(), 4)
	require.NoError(t, err)
	assert.Len(t, frames, 1, "failed transaction must not leave frames behind")
}

func TestStep(t *testing.T) {
	b := newTestBackend(t)
	store(t, b, 2, "Acceleration", 0x100)

	n, err := b.Step(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Acceleration", n.StepName)
	assert.Equal(t, core.BigEndian, n.ByteOrder)

	_, err = b.Step(context.Background(), 3)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRecentFrames(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	store(t, b, 1, "a", 0x100, 0x101)
	store(t, b, 3, "c", 0x200)
	store(t, b, 2, "b", 0x300, 0x301)

	frames, err := b.RecentFrames(ctx, 2)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, []uint64{2, 2, 3}, []uint64{frames[0].OrderKey, frames[1].OrderKey, frames[2].OrderKey})
	assert.Equal(t, uint16(0x300), frames[0].ID)

	all, err := b.RecentFrames(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestRecentFrames_Empty(t *testing.T) {
	b := newTestBackend(t)
	frames, err := b.RecentFrames(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestListFrames_NewestFirst(t *testing.T) {
	b := newTestBackend(t)
	store(t, b, 1, "a", 0x100, 0x101)
	store(t, b, 2, "b", 0x200)

	frames, err := b.ListFrames(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint16(0x200), frames[0].ID)
	assert.Equal(t, uint16(0x101), frames[1].ID)
}

func TestLatestAndMaxKey(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.LatestKey(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	max, err := b.MaxOrderKey(ctx)
	require.NoError(t, err)
	assert.Zero(t, max)

	store(t, b, 5, "five", 0x100)
	// a notice without frames still reserves its key
	require.NoError(t, b.StoreStep(ctx, core.StepNotice{OrderKey: 9}, nil))

	latest, err := b.LatestKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), latest)

	max, err = b.MaxOrderKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), max)
}

func TestEvents_ReadYourWrites(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	first := core.NewEvent("engine started")
	require.NoError(t, b.RecordEvent(ctx, first))
	time.Sleep(5 * time.Millisecond)
	second := core.NewEvent("engine stopped")
	require.NoError(t, b.RecordEvent(ctx, second))
	assert.Equal(t, 2, b.queues.Events.Len())

	events, err := b.ListEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.Event{second, first}, events)
	assert.Zero(t, b.queues.Events.Len())
}

func TestSaveReconstruction_Upserts(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	step := core.DrivingStep{StepName: "Highway Cruise", DurationMs: 10000}
	require.NoError(t, b.SaveReconstruction(ctx, 7, step))
	step.DurationMs = 11000
	require.NoError(t, b.SaveReconstruction(ctx, 7, step))
	require.NoError(t, b.Flush())
	require.NoError(t, b.SaveReconstruction(ctx, 7, step))

	got, err := b.Reconstruction(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(11000), got.DurationMs)

	_, err = b.Reconstruction(ctx, 8)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStats(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	store(t, b, 1, "a", 0x100, 0x101)
	require.NoError(t, b.RecordEvent(ctx, core.NewEvent("x")))

	s, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Frames)
	assert.Equal(t, int64(1), s.Steps)
	assert.Equal(t, 1, s.PendingWrites)
}

func TestClose_FlushesQueues(t *testing.T) {
	db, err := database.OpenSqlite(database.MemoryPath)
	require.NoError(t, err)
	b := New(Dependencies{DB: db, FlushInterval: time.Hour})
	require.NoError(t, b.Init())

	require.NoError(t, b.RecordEvent(context.Background(), core.NewEvent("late")))
	require.NoError(t, b.Close())

	var count int64
	require.NoError(t, db.Table("events").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
