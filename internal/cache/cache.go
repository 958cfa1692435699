package cache

import (
	"sort"
	"sync"

	"github.com/stepbus/stepbus/pkg/core"
)

// DefaultCapacity bounds the StepCache when no capacity is given.
const DefaultCapacity = 256

// StepCache keeps recently reconstructed steps by order key to avoid
// decoding the same group twice. When full, the lowest key is evicted.
type StepCache struct {
	m        sync.Mutex
	steps    map[uint64]core.DrivingStep
	capacity int
	latest   uint64
	hasAny   bool
}

func NewStepCache(capacity int) *StepCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &StepCache{
		steps:    make(map[uint64]core.DrivingStep),
		capacity: capacity,
	}
}

func (c *StepCache) Get(key uint64) (core.DrivingStep, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	s, ok := c.steps[key]
	return s, ok
}

func (c *StepCache) Add(key uint64, step core.DrivingStep) {
	c.m.Lock()
	defer c.m.Unlock()

	if _, ok := c.steps[key]; !ok && len(c.steps) >= c.capacity {
		lowest := key
		for k := range c.steps {
			if k < lowest {
				lowest = k
			}
		}
		// an older key than everything cached is not worth keeping
		if lowest == key {
			return
		}
		delete(c.steps, lowest)
	}

	c.steps[key] = step
	if !c.hasAny || key > c.latest {
		c.latest = key
		c.hasAny = true
	}
}

// Latest returns the step with the highest cached key.
func (c *StepCache) Latest() (uint64, core.DrivingStep, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	if !c.hasAny {
		return 0, core.DrivingStep{}, false
	}
	s, ok := c.steps[c.latest]
	return c.latest, s, ok
}

// Keys returns the cached keys in ascending order.
func (c *StepCache) Keys() []uint64 {
	c.m.Lock()
	defer c.m.Unlock()
	keys := make([]uint64, 0, len(c.steps))
	for k := range c.steps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (c *StepCache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.steps)
}
