package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLogger keeps every line as "LEVEL msg kv".
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%s %s %v", level, msg, kv))
}

func (l *recordingLogger) Debug(msg string, kv ...any) { l.add("DEBUG", msg, kv) }
func (l *recordingLogger) Info(msg string, kv ...any)  { l.add("INFO", msg, kv) }
func (l *recordingLogger) Error(msg string, kv ...any) { l.add("ERROR", msg, kv) }

func (l *recordingLogger) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func newDispatcher(t *testing.T) (*Dispatcher, *recordingLogger) {
	t.Helper()
	log := &recordingLogger{}
	d, err := New(log)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, log
}

// stall registers a buffered handler that waits on the returned channel.
func stall(d *Dispatcher, command string, opts ...Option) chan struct{} {
	release := make(chan struct{})
	d.Register(command, func(context.Context, Event) (any, error) {
		<-release
		return nil, nil
	}, opts...)
	return release
}

func dispatch(d *Dispatcher, command string) (any, error) {
	return d.Dispatch(context.Background(), Event{Command: command})
}

func TestDispatch_Sync(t *testing.T) {
	d, _ := newDispatcher(t)

	var got Event
	d.Register("step:ingest", func(_ context.Context, e Event) (any, error) {
		got = e
		return uint64(7), nil
	})

	result, err := d.Dispatch(context.Background(), Event{
		Command: "step:ingest",
		Payload: []byte(`{"step_name":"Acceleration"}`),
		Meta:    map[string]string{"endian": "big"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), result)
	assert.Equal(t, "big", got.Meta["endian"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestDispatch_UnknownCommand(t *testing.T) {
	d, _ := newDispatcher(t)
	_, err := dispatch(d, "step:replay")
	assert.ErrorContains(t, err, "unknown command: step:replay")
	assert.False(t, d.HasHandler("step:replay"))
}

func TestDispatch_BufferedRunsAsync(t *testing.T) {
	d, _ := newDispatcher(t)

	var handled atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	d.Register("step:notice", func(context.Context, Event) (any, error) {
		handled.Add(1)
		wg.Done()
		return nil, nil
	}, Buffered(8))
	assert.True(t, d.HasHandler("step:notice"))

	for range 3 {
		result, err := dispatch(d, "step:notice")
		require.NoError(t, err)
		assert.Equal(t, "queued", result)
	}
	wg.Wait()
	assert.Equal(t, int32(3), handled.Load())
}

func TestDispatch_BufferedFullDrops(t *testing.T) {
	d, _ := newDispatcher(t)
	release := stall(d, "step:notice", Buffered(2))
	defer close(release)

	// one in the handler, two in the buffer
	for range 3 {
		_, err := dispatch(d, "step:notice")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	_, err := dispatch(d, "step:notice")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatch_BlockingWaits(t *testing.T) {
	d, _ := newDispatcher(t)
	release := stall(d, "step:ingest", Buffered(1), Blocking())

	_, _ = dispatch(d, "step:ingest")
	time.Sleep(5 * time.Millisecond)
	_, _ = dispatch(d, "step:ingest")

	done := make(chan error, 1)
	go func() {
		_, err := dispatch(d, "step:ingest")
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("dispatch returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, <-done)
}

func TestDispatch_BlockingHonoursContext(t *testing.T) {
	d, _ := newDispatcher(t)
	release := stall(d, "step:ingest", Buffered(1), Blocking())
	defer close(release)

	_, _ = dispatch(d, "step:ingest")
	time.Sleep(5 * time.Millisecond)
	_, _ = dispatch(d, "step:ingest")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, Event{Command: "step:ingest"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatch_BufferedFailureIsLogged(t *testing.T) {
	d, log := newDispatcher(t)
	d.Register("step:notice", func(context.Context, Event) (any, error) {
		return nil, errors.New("frames missing")
	}, Buffered(1))

	_, err := dispatch(d, "step:notice")
	require.NoError(t, err)
	d.Close()

	assert.Equal(t, 1, log.count("ERROR buffered event failed"))
}

func TestClose_DrainsAndRejects(t *testing.T) {
	d, _ := newDispatcher(t)

	var handled atomic.Int32
	d.Register("event:record", func(context.Context, Event) (any, error) {
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil, nil
	}, Buffered(10))

	for range 5 {
		_, err := dispatch(d, "event:record")
		require.NoError(t, err)
	}

	d.Close()
	d.Close()
	assert.Equal(t, int32(5), handled.Load())

	_, err := dispatch(d, "event:record")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueLengths(t *testing.T) {
	d, _ := newDispatcher(t)
	release := stall(d, "step:notice", Buffered(4))
	d.Register("step:ingest", func(context.Context, Event) (any, error) { return nil, nil })

	_, _ = dispatch(d, "step:notice")
	time.Sleep(10 * time.Millisecond)
	_, _ = dispatch(d, "step:notice")
	_, _ = dispatch(d, "step:notice")

	lengths := d.QueueLengths()
	assert.Equal(t, 2, lengths["step:notice"])
	assert.NotContains(t, lengths, "step:ingest")
	close(release)
}

func TestLogged(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		debugs  int
		errorsN int
	}{
		{name: "success", debugs: 2},
		{name: "failure", err: errors.New("bad byte order"), debugs: 1, errorsN: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, log := newDispatcher(t)
			d.Register("step:ingest", func(context.Context, Event) (any, error) {
				return "ok", tt.err
			}, Logged())

			_, err := dispatch(d, "step:ingest")
			assert.Equal(t, tt.err, err)
			assert.Equal(t, tt.debugs, log.count("DEBUG"))
			assert.Equal(t, tt.errorsN, log.count("ERROR event failed"))
		})
	}
}

func TestLogged_WithBuffer(t *testing.T) {
	d, log := newDispatcher(t)

	done := make(chan struct{})
	d.Register("step:notice", func(context.Context, Event) (any, error) {
		close(done)
		return nil, nil
	}, Buffered(4), Logged())

	result, err := dispatch(d, "step:notice")
	require.NoError(t, err)
	assert.Equal(t, "queued", result)
	<-done
	assert.Equal(t, 2, log.count("DEBUG"))
}
