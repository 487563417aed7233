package mixer

import (
	"sync"

	"github.com/MrWong99/switchboard/pkg/audio"
)

var _ audio.Mixer = (*PriorityMixer)(nil)

// OutputFunc delivers one chunk of a segment to the call leg.
type OutputFunc func(seg *audio.AudioSegment, frame audio.AudioFrame) error

// Option configures a [PriorityMixer].
type Option func(*PriorityMixer)

// WithSegmentDone registers fn to be called after every segment leaves the
// player. interrupted is true when playback was cut short.
func WithSegmentDone(fn func(seg *audio.AudioSegment, interrupted bool)) Option {
	return func(m *PriorityMixer) { m.onDone = fn }
}

// WithOutputError registers fn to be called when the output function fails.
// The queue is flushed before fn runs.
func WithOutputError(fn func(err error)) Option {
	return func(m *PriorityMixer) { m.onError = fn }
}

// PriorityMixer is the [audio.Mixer] of one call leg. A single goroutine
// plays segments through the [OutputFunc].
type PriorityMixer struct {
	output  OutputFunc
	onDone  func(*audio.AudioSegment, bool)
	onError func(error)

	mu      sync.Mutex
	queue   queue
	playing *audio.AudioSegment
	stop    chan struct{} // closed to cut the playing segment short
	idle    chan struct{} // closed while nothing is playing or queued
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// New starts a mixer that plays through output. Stop it with
// [PriorityMixer.Close].
func New(output OutputFunc, opts ...Option) *PriorityMixer {
	m := &PriorityMixer{
		output: output,
		idle:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	close(m.idle)
	for _, o := range opts {
		o(m)
	}
	go m.run()
	return m
}

// Enqueue schedules segment. A segment that outranks the one playing cuts
// it short; the rest of the queue is kept.
func (m *PriorityMixer) Enqueue(segment *audio.AudioSegment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		go audio.Drain(segment.Audio)
		return
	}
	m.queue.push(segment)
	select {
	case <-m.idle:
		m.idle = make(chan struct{})
	default:
	}
	if m.playing != nil && segment.Priority > m.playing.Priority {
		m.stopPlayingLocked()
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Interrupt stops the playing segment. [audio.CallerBargeIn] and
// [audio.Hangup] flush the queue too.
func (m *PriorityMixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopPlayingLocked()
	if reason != audio.Preempted {
		m.queue.flush()
	}
	m.updateIdleLocked()
}

func (m *PriorityMixer) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing != nil || len(m.queue) > 0
}

// Idle returns a channel that is closed once the mixer has nothing to play.
func (m *PriorityMixer) Idle() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle
}

// Close stops playback and discards the queue. Segments enqueued later are
// drained unplayed.
func (m *PriorityMixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.stopPlayingLocked()
	m.queue.flush()
	m.updateIdleLocked()
	close(m.done)
	return nil
}

func (m *PriorityMixer) stopPlayingLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.playing = nil
}

func (m *PriorityMixer) updateIdleLocked() {
	if m.playing != nil || len(m.queue) > 0 {
		return
	}
	select {
	case <-m.idle:
	default:
		close(m.idle)
	}
}

func (m *PriorityMixer) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			seg, stop, ok := m.next()
			if !ok {
				break
			}
			m.finish(seg, m.play(seg, stop))
		}
	}
}

func (m *PriorityMixer) next() (*audio.AudioSegment, chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, false
	}
	seg, ok := m.queue.pop()
	if !ok {
		return nil, nil, false
	}
	m.playing, m.stop = seg, make(chan struct{})
	return seg, m.stop, true
}

func (m *PriorityMixer) finish(seg *audio.AudioSegment, interrupted bool) {
	m.mu.Lock()
	if m.playing == seg {
		m.playing, m.stop = nil, nil
	}
	m.updateIdleLocked()
	m.mu.Unlock()

	if m.onDone != nil {
		m.onDone(seg, interrupted)
	}
}

// play sends seg chunk by chunk until it ends or stop closes, and reports
// whether it was cut short.
func (m *PriorityMixer) play(seg *audio.AudioSegment, stop <-chan struct{}) bool {
	frame := audio.AudioFrame{
		Encoding:   seg.Format.Encoding,
		SampleRate: seg.Format.SampleRate,
		Channels:   seg.Format.Channels,
	}
	for {
		// A pending stop wins over a chunk that is ready at the same time.
		select {
		case <-stop:
			go audio.Drain(seg.Audio)
			return true
		default:
		}

		var (
			chunk []byte
			ok    bool
		)
		select {
		case <-stop:
			go audio.Drain(seg.Audio)
			return true
		case chunk, ok = <-seg.Audio:
			if !ok {
				return false
			}
		}

		frame.Data = chunk
		if err := m.output(seg, frame); err != nil {
			m.mu.Lock()
			m.stopPlayingLocked()
			m.queue.flush()
			m.mu.Unlock()
			go audio.Drain(seg.Audio)
			if m.onError != nil {
				m.onError(err)
			}
			return true
		}
	}
}
