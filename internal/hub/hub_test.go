package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stepbus/stepbus/pkg/core"
	"github.com/stepbus/stepbus/pkg/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Subscription) streaming.Envelope {
	t.Helper()
	select {
	case data, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		var env streaming.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no message")
		return streaming.Envelope{}
	}
}

func TestHub_BroadcastToAllSubscribers(t *testing.T) {
	h := New(4, nil)
	a := h.Subscribe()
	b := h.Subscribe()
	assert.Equal(t, 2, h.Subscribers())

	h.BroadcastStep(core.ReconstructedStep{OrderKey: 1, Step: core.DrivingStep{StepName: "Vehicle Start"}})

	for _, s := range []*Subscription{a, b} {
		env := receive(t, s)
		assert.Equal(t, streaming.TypeStep, env.Type)
		var step core.ReconstructedStep
		require.NoError(t, json.Unmarshal(env.Payload, &step))
		assert.Equal(t, "Vehicle Start", step.Step.StepName)
	}
}

func TestHub_BroadcastEvent(t *testing.T) {
	h := New(1, nil)
	s := h.Subscribe()

	h.BroadcastEvent(core.NewEvent("hello"))

	env := receive(t, s)
	assert.Equal(t, streaming.TypeEvent, env.Type)
	assert.Contains(t, string(env.Payload), "hello")
}

func TestHub_LaggingSubscriberMissesMessages(t *testing.T) {
	h := New(2, nil)
	slow := h.Subscribe()
	fast := h.Subscribe()

	var got []uint64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			var env streaming.Envelope
			var step core.ReconstructedStep
			_ = json.Unmarshal(<-fast.C, &env)
			_ = json.Unmarshal(env.Payload, &step)
			got = append(got, step.OrderKey)
		}
	}()

	for k := uint64(1); k <= 5; k++ {
		h.BroadcastStep(core.ReconstructedStep{OrderKey: k})
		// let the fast reader keep up
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	assert.Equal(t, uint64(3), slow.Lagged())
	assert.Equal(t, uint64(0), fast.Lagged())

	// the slow subscriber still holds the first two
	env := receive(t, slow)
	var first core.ReconstructedStep
	require.NoError(t, json.Unmarshal(env.Payload, &first))
	assert.Equal(t, uint64(1), first.OrderKey)

	published, dropped := h.Stats()
	assert.Equal(t, uint64(5), published)
	assert.Equal(t, uint64(3), dropped)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := New(1, nil)
	s := h.Subscribe()

	s.Close()
	s.Close()

	_, ok := <-s.C
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())

	// publishing with nobody listening is fine
	h.BroadcastEvent(core.NewEvent("nobody"))
}

func TestHub_Close(t *testing.T) {
	h := New(1, nil)
	s := h.Subscribe()

	h.Close()
	h.Close()

	_, ok := <-s.C
	assert.False(t, ok)

	late := h.Subscribe()
	_, ok = <-late.C
	assert.False(t, ok)
	late.Close()
}

func TestHub_ConcurrentPublishAndSubscribe(t *testing.T) {
	h := New(8, nil)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := h.Subscribe()
			time.Sleep(time.Millisecond)
			s.Close()
		}()
		go func(k uint64) {
			defer wg.Done()
			h.BroadcastStep(core.ReconstructedStep{OrderKey: k})
		}(uint64(i))
	}
	wg.Wait()

	assert.Equal(t, 0, h.Subscribers())
}
