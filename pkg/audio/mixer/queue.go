// Package mixer provides the outbound [audio.Mixer] of a call leg. One
// segment plays at a time; a segment of higher priority cuts the current
// one short and a caller barge-in flushes everything.
package mixer

import (
	"slices"

	"github.com/MrWong99/switchboard/pkg/audio"
)

// queue holds waiting segments, highest priority first and in arrival order
// within a priority. A call rarely has more than a handful queued.
type queue []*audio.AudioSegment

func (q *queue) push(seg *audio.AudioSegment) {
	i := slices.IndexFunc(*q, func(s *audio.AudioSegment) bool { return s.Priority < seg.Priority })
	if i < 0 {
		i = len(*q)
	}
	*q = slices.Insert(*q, i, seg)
}

func (q *queue) pop() (*audio.AudioSegment, bool) {
	if len(*q) == 0 {
		return nil, false
	}
	seg := (*q)[0]
	(*q)[0] = nil
	*q = (*q)[1:]
	return seg, true
}

// flush empties the queue and discards the audio of every waiting segment.
func (q *queue) flush() {
	for _, seg := range *q {
		go audio.Drain(seg.Audio)
	}
	*q = nil
}
