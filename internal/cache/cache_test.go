package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepbus/stepbus/pkg/core"
)

func step(name string) core.DrivingStep {
	return core.DrivingStep{StepName: name, DurationMs: 1000}
}

func TestStepCache_NewStepCache(t *testing.T) {
	cache := NewStepCache(0)

	require.NotNil(t, cache)
	assert.Equal(t, DefaultCapacity, cache.capacity)
	assert.Equal(t, 0, cache.Len())
}

func TestStepCache_AddAndGet(t *testing.T) {
	cache := NewStepCache(4)

	cache.Add(7, step("Braking"))

	got, ok := cache.Get(7)
	require.True(t, ok, "expected to find step with key 7")
	assert.Equal(t, "Braking", got.StepName)

	_, ok = cache.Get(8)
	assert.False(t, ok, "expected not to find step with key 8")
}

func TestStepCache_Latest(t *testing.T) {
	cache := NewStepCache(4)

	_, _, ok := cache.Latest()
	assert.False(t, ok)

	cache.Add(3, step("Acceleration"))
	cache.Add(5, step("Turning"))
	cache.Add(4, step("Highway Cruise"))

	key, got, ok := cache.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(5), key)
	assert.Equal(t, "Turning", got.StepName)
}

func TestStepCache_EvictsLowestKey(t *testing.T) {
	cache := NewStepCache(2)

	cache.Add(1, step("a"))
	cache.Add(2, step("b"))
	cache.Add(3, step("c"))

	assert.Equal(t, []uint64{2, 3}, cache.Keys())

	// older than everything cached: dropped
	cache.Add(1, step("a"))
	assert.Equal(t, []uint64{2, 3}, cache.Keys())

	// replacing an existing key never evicts
	cache.Add(2, step("b2"))
	assert.Equal(t, []uint64{2, 3}, cache.Keys())
	got, _ := cache.Get(2)
	assert.Equal(t, "b2", got.StepName)
}

func TestStepCache_ConcurrentAccess(t *testing.T) {
	cache := NewStepCache(1000)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(k uint64) {
			defer wg.Done()
			cache.Add(k, step("s"))
		}(uint64(i))
		go func(k uint64) {
			defer wg.Done()
			cache.Get(k)
			cache.Latest()
		}(uint64(i))
	}
	wg.Wait()

	assert.Equal(t, 100, cache.Len())
	key, _, ok := cache.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(99), key)
}

func TestNoticeCache(t *testing.T) {
	cache := NewNoticeCache()

	cache.Set(core.StepNotice{StepName: "Vehicle Stop", ByteOrder: core.BigEndian, OrderKey: 6})

	got, ok := cache.Get(6)
	require.True(t, ok)
	assert.Equal(t, "Vehicle Stop", got.StepName)
	assert.Equal(t, core.BigEndian, got.ByteOrder)
	assert.Equal(t, 1, cache.Len())

	cache.Set(core.StepNotice{StepName: "Vehicle Stop", ByteOrder: core.LittleEndian, OrderKey: 6})
	got, _ = cache.Get(6)
	assert.Equal(t, core.LittleEndian, got.ByteOrder)
	assert.Equal(t, 1, cache.Len())

	_, ok = cache.Get(7)
	assert.False(t, ok)
}
