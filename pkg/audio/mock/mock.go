// Package mock provides in-memory implementations of [audio.Connection] and
// [audio.Platform] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection(audio.CallInfo{CallID: "CA123"}, audio.TelephonyFormat)
//	go session.Run(ctx, conn)
//	conn.Feed(audio.AudioFrame{Data: speech})
//	conn.Hangup(nil)
//	frames := conn.Sent()
package mock

import (
	"context"
	"net/http"
	"sync"

	"github.com/MrWong99/switchboard/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

var _ audio.Connection = (*Connection)(nil)

// Connection is an in-memory [audio.Connection]. Inbound audio is injected with
// [Connection.Feed]; outbound frames are recorded and returned by
// [Connection.Sent].
type Connection struct {
	info   audio.CallInfo
	format audio.Format

	input  chan audio.AudioFrame
	events chan audio.Event
	done   chan struct{}

	mu         sync.Mutex
	closed     bool
	err        error
	sent       []audio.AudioFrame
	marks      []string
	clearCount int
	closeCount int

	// SendError, when non-nil, is returned by every Send call.
	SendError error

	// OnSend, when set, is invoked for every frame accepted by Send.
	OnSend func(audio.AudioFrame)
}

// NewConnection returns an open in-memory connection.
func NewConnection(info audio.CallInfo, format audio.Format) *Connection {
	return &Connection{
		info:   info,
		format: format,
		input:  make(chan audio.AudioFrame, 256),
		events: make(chan audio.Event, 16),
		done:   make(chan struct{}),
	}
}

// Feed injects an inbound frame. Frames fed after Hangup are discarded.
func (c *Connection) Feed(frame audio.AudioFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if frame.Encoding == "" && frame.SampleRate == 0 {
		frame.Encoding = c.format.Encoding
		frame.SampleRate = c.format.SampleRate
		frame.Channels = c.format.Channels
	}
	c.input <- frame
}

// EmitEvent injects an out-of-band event.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

// Hangup terminates the connection from the far end with the given reason.
func (c *Connection) Hangup(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked(err)
}

func (c *Connection) terminateLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.input)
	close(c.events)
	close(c.done)
}

// Info implements [audio.Connection].
func (c *Connection) Info() audio.CallInfo { return c.info }

// Format implements [audio.Connection].
func (c *Connection) Format() audio.Format { return c.format }

// InputStream implements [audio.Connection].
func (c *Connection) InputStream() <-chan audio.AudioFrame { return c.input }

// Events implements [audio.Connection].
func (c *Connection) Events() <-chan audio.Event { return c.events }

// Send implements [audio.Connection]. It records the frame unless SendError
// is set or the connection is closed.
func (c *Connection) Send(_ context.Context, frame audio.AudioFrame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return audio.ErrConnectionClosed
	}
	if c.SendError != nil {
		err := c.SendError
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, frame)
	onSend := c.OnSend
	c.mu.Unlock()

	if onSend != nil {
		onSend(frame)
	}
	return nil
}

// Clear implements [audio.Connection].
func (c *Connection) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearCount++
	return nil
}

// Mark implements [audio.Connection]. The mark is acknowledged immediately
// with an [audio.EventMark] event.
func (c *Connection) Mark(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return audio.ErrConnectionClosed
	}
	c.marks = append(c.marks, name)
	select {
	case c.events <- audio.Event{Type: audio.EventMark, Value: name}:
	default:
	}
	return nil
}

// Done implements [audio.Connection].
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err implements [audio.Connection].
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements [audio.Connection].
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	c.terminateLocked(nil)
	return nil
}

// Sent returns a copy of every frame accepted by Send.
func (c *Connection) Sent() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.AudioFrame, len(c.sent))
	copy(out, c.sent)
	return out
}

// Marks returns the names passed to Mark, in order.
func (c *Connection) Marks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.marks...)
}

// ClearCount returns how many times Clear was called.
func (c *Connection) ClearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearCount
}

// CloseCount returns how many times Close was called.
func (c *Connection) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// ─── Platform ─────────────────────────────────────────────────────────────────

var _ audio.Platform = (*Platform)(nil)

// Platform is a mock [audio.Platform]. Its media handler hands Conn to the
// connect callback on every request.
type Platform struct {
	mu sync.Mutex

	// Conn is handed to the connect callback by the media handler.
	Conn audio.Connection

	// NameResult is returned by Name. Defaults to "mock".
	NameResult string

	// AnswerURLs records every streamURL passed to AnswerHandler.
	AnswerURLs []string

	// MediaRequests counts requests served by the media handler.
	MediaRequests int
}

// Name implements [audio.Platform].
func (p *Platform) Name() string {
	if p.NameResult == "" {
		return "mock"
	}
	return p.NameResult
}

// MediaHandler implements [audio.Platform].
func (p *Platform) MediaHandler(onConnect audio.ConnectHandler) http.Handler {
	return http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.MediaRequests++
		conn := p.Conn
		p.mu.Unlock()
		if conn != nil {
			onConnect(r.Context(), conn)
		}
	})
}

// AnswerHandler implements [audio.Platform]. It responds with 204.
func (p *Platform) AnswerHandler(streamURL string) http.Handler {
	p.mu.Lock()
	p.AnswerURLs = append(p.AnswerURLs, streamURL)
	p.mu.Unlock()
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
