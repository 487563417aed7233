package pipeline

import (
	"context"
)

// controlCapacity is the buffer of the priority channel of every link.
const controlCapacity = 32

// Link connects two stages. Data frames and control frames travel on
// separate channels; [Link.Receive] always serves control frames first.
//
// A Link is never closed. Stages stop when their context is cancelled.
type Link struct {
	data    chan Frame
	control chan Frame
}

// NewLink returns a link whose data channel buffers capacity frames.
func NewLink(capacity int) *Link {
	return &Link{
		data:    make(chan Frame, capacity),
		control: make(chan Frame, controlCapacity),
	}
}

// Send delivers f, blocking until there is room or ctx is done.
func (l *Link) Send(ctx context.Context, f Frame) error {
	ch := l.data
	if isControl(f) {
		ch = l.control
	}
	select {
	case ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend delivers f without blocking and reports whether it was accepted.
func (l *Link) TrySend(f Frame) bool {
	ch := l.data
	if isControl(f) {
		ch = l.control
	}
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}

// Receive returns the next frame. A pending control frame is returned before
// any data frame.
func (l *Link) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-l.control:
		return f, nil
	default:
	}
	select {
	case f := <-l.control:
		return f, nil
	case f := <-l.data:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of buffered data frames.
func (l *Link) Pending() int {
	return len(l.data)
}
