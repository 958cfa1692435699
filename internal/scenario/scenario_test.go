package scenario

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepbus/stepbus/internal/parser"
	"github.com/stepbus/stepbus/pkg/codec"
	"github.com/stepbus/stepbus/pkg/core"
)

type recordingSender struct {
	mu     sync.Mutex
	steps  []string
	orders []core.ByteOrder
	failAt int
}

func (s *recordingSender) SendStep(_ context.Context, step core.DrivingStep, order core.ByteOrder) (core.StepNotice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.steps)+1 == s.failAt {
		return core.StepNotice{}, errors.New("connection refused")
	}
	s.steps = append(s.steps, step.StepName)
	s.orders = append(s.orders, order)
	return core.StepNotice{StepName: step.StepName, ByteOrder: order, OrderKey: uint64(len(s.steps))}, nil
}

func newParser() *parser.Parser {
	return parser.NewParser(slog.Default(), core.LittleEndian)
}

func TestBuiltin(t *testing.T) {
	sc := Builtin()
	require.Len(t, sc.Steps, 6)
	assert.Equal(t, "Vehicle Start", sc.Steps[0].StepName)
	assert.Equal(t, "Vehicle Stop", sc.Steps[5].StepName)
	assert.True(t, sc.Steps[4].Speed.ABSActive)

	// every built-in step survives the codec in both byte orders
	for _, order := range []core.ByteOrder{core.LittleEndian, core.BigEndian} {
		for _, step := range sc.Steps {
			got, err := codec.Decode(codec.Encode(step, order), order, step.StepName)
			require.NoError(t, err)
			assert.Equal(t, step.Engine, got.Engine)
			assert.Equal(t, step.Climate, got.Climate)
		}
	}
}

func TestLoadFile(t *testing.T) {
	sc, err := LoadFile("testdata/short.yaml", newParser())
	require.NoError(t, err)
	assert.Equal(t, "short-drive", sc.Name)
	require.Len(t, sc.Steps, 2)

	rev := sc.Steps[1]
	assert.Equal(t, "Reverse Out", rev.StepName)
	assert.Equal(t, core.GearReverse, rev.Speed.GearPosition)
	assert.Equal(t, float32(4.5), rev.Speed.VehicleSpeed)
	assert.Equal(t, int16(-12), rev.Climate.OutsideTemp)
	assert.True(t, rev.Climate.Defrost)
	assert.Equal(t, uint64(1500), rev.DurationMs)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(strings.NewReader("name: empty\nsteps: []\n"), newParser())
	assert.Error(t, err)

	_, err = Load(strings.NewReader("name: partial\nsteps:\n  - step_name: x\n"), newParser())
	assert.ErrorIs(t, err, parser.ErrInvalidStep)

	_, err = Load(strings.NewReader("steps: {bad"), newParser())
	assert.Error(t, err)
}

func TestPlay(t *testing.T) {
	sender := &recordingSender{}
	p := NewPlayer(sender, nil)

	notices, err := p.Play(context.Background(), Builtin(), Options{
		Orders: []core.ByteOrder{core.LittleEndian, core.BigEndian},
		Loops:  2,
	})
	require.NoError(t, err)
	assert.Len(t, notices, 24)
	assert.Equal(t, core.LittleEndian, sender.orders[0])
	assert.Equal(t, core.BigEndian, sender.orders[6])
	assert.Equal(t, uint64(24), notices[23].OrderKey)
}

func TestPlay_StopsOnError(t *testing.T) {
	sender := &recordingSender{failAt: 3}
	notices, err := NewPlayer(sender, nil).Play(context.Background(), Builtin(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step 3/6 "Acceleration"`)
	assert.Len(t, notices, 2)
}

func TestPlay_PacesByDuration(t *testing.T) {
	var waits []time.Duration
	p := NewPlayer(&recordingSender{}, nil)
	p.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := p.Play(context.Background(), Builtin(), Options{Speed: 0.5})
	require.NoError(t, err)
	require.Len(t, waits, 6)
	assert.Equal(t, time.Second, waits[0])
	assert.Equal(t, 500*time.Millisecond, waits[5])
}

func TestPlay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPlayer(&recordingSender{}, nil).Play(ctx, Builtin(), Options{Speed: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
