package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/stepbus/stepbus/internal/broker"
	"github.com/stepbus/stepbus/internal/dispatcher"
	"github.com/stepbus/stepbus/internal/reconstruct"
)

// RegisterHandlers registers all command handlers with the dispatcher.
func (m *Manager) RegisterHandlers(d *dispatcher.Dispatcher) {
	// HTTP callers wait for the order key - sync
	d.Register(CmdStore, m.handleIngest, dispatcher.Logged())
	d.Register(CmdEvent, m.handleEvent, dispatcher.Logged())

	// WebSocket ingest and broker notices - buffered, backpressure to the source
	d.Register(CmdIngest, m.handleIngest, dispatcher.Buffered(m.deps.QueueSize), dispatcher.Blocking(), dispatcher.Logged())
	d.Register(CmdNotice, m.handleNotice, dispatcher.Buffered(m.deps.QueueSize), dispatcher.Blocking(), dispatcher.Logged())
}

// NoticeHandler feeds broker deliveries into the dispatcher. A delivery is
// acknowledged once it is queued.
func NoticeHandler(d *dispatcher.Dispatcher) broker.Handler {
	return func(ctx context.Context, body []byte) error {
		_, err := d.Dispatch(ctx, dispatcher.Event{Command: CmdNotice, Payload: body})
		return err
	}
}

func (m *Manager) handleIngest(ctx context.Context, e dispatcher.Event) (any, error) {
	step, err := m.deps.Parser.ParseStep(e.Payload)
	if err != nil {
		return nil, err
	}

	order, err := m.deps.Parser.ParseByteOrder(e.Meta[MetaEndian])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadByteOrder, err)
	}

	notice, err := m.deps.Service.Ingest(ctx, step, order)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest step %q: %w", step.StepName, err)
	}
	return notice, nil
}

func (m *Manager) handleNotice(ctx context.Context, e dispatcher.Event) (any, error) {
	notice, err := m.deps.Parser.ParseNotice(e.Payload)
	if err != nil {
		return nil, err
	}

	result, err := m.deps.Service.Reconstruct(ctx, notice)
	if errors.Is(err, reconstruct.ErrNotYetAvailable) {
		// the service already logged which blocks are missing
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct %q: %w", notice.StepName, err)
	}
	return result, nil
}

func (m *Manager) handleEvent(ctx context.Context, e dispatcher.Event) (any, error) {
	event, err := m.deps.Parser.ParseEvent(e.Payload)
	if err != nil {
		return nil, err
	}
	if err := m.deps.Service.RecordEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// ErrBadByteOrder is returned for an unparseable endian parameter.
var ErrBadByteOrder = errors.New("invalid byte order")
