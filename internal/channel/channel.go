// Package channel wraps Go channels behind small interfaces so the local
// broker can report queue depth and honour contexts on send.
package channel

import "context"

// Receiver provides read access to a channel.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender provides write access to a channel.
type Sender[T any] interface {
	// SendContext blocks until v is accepted or ctx is done.
	SendContext(ctx context.Context, v T) error
}

// Channel combines read and write access.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
}

// Pipe is the Channel implementation. A size of zero gives an unbuffered
// pipe whose sends block until received.
type Pipe[T any] struct {
	ch chan T
}

var _ Channel[int] = (*Pipe[int])(nil)

// New creates a pipe buffering up to size values.
func New[T any](size int) *Pipe[T] {
	return &Pipe[T]{ch: make(chan T, max(size, 0))}
}

func (p *Pipe[T]) SendContext(ctx context.Context, v T) error {
	select {
	case p.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe[T]) Receive() <-chan T {
	return p.ch
}

// Len returns the number of buffered values, always 0 when unbuffered.
func (p *Pipe[T]) Len() int {
	return len(p.ch)
}
