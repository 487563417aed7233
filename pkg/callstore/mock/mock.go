// Package mock provides an in-memory [callstore.Store] for tests.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/switchboard/pkg/callstore"
	"github.com/MrWong99/switchboard/pkg/types"
)

var _ callstore.Store = (*Store)(nil)

// Store keeps records in memory. The zero value is ready to use.
type Store struct {
	mu      sync.Mutex
	records map[string]callstore.Record
	saved   chan callstore.Record

	// SaveErr, if non-nil, is returned by Save.
	SaveErr error

	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// SaveCallCount is the number of Save calls.
	SaveCallCount int
}

// Saved returns a channel that receives every successfully saved record.
// It is created on first use with a buffer of 16.
func (s *Store) Saved() <-chan callstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(chan callstore.Record, 16)
	}
	return s.saved
}

// Save implements [callstore.Store].
func (s *Store) Save(_ context.Context, rec callstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCallCount++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	if s.records == nil {
		s.records = make(map[string]callstore.Record)
	}
	rec.Transcript = cloneMessages(rec.Transcript)
	s.records[rec.SessionID] = rec
	if s.saved != nil {
		select {
		case s.saved <- rec:
		default:
		}
	}
	return nil
}

// Get implements [callstore.Store].
func (s *Store) Get(_ context.Context, sessionID string) (*callstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, callstore.ErrNotFound
	}
	rec.Transcript = cloneMessages(rec.Transcript)
	return &rec, nil
}

// List implements [callstore.Store].
func (s *Store) List(_ context.Context, opts callstore.ListOptions) ([]callstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []callstore.Record
	for _, r := range s.records {
		switch {
		case opts.From != "" && r.From != opts.From,
			!opts.After.IsZero() && !r.StartedAt.After(opts.After),
			!opts.Before.IsZero() && !r.StartedAt.Before(opts.Before),
			opts.Outcome != "" && r.Outcome != opts.Outcome:
			continue
		}
		r.Transcript = nil
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b callstore.Record) int { return b.StartedAt.Compare(a.StartedAt) })
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements [callstore.Store].
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Records returns a copy of every stored record.
func (s *Store) Records() []callstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]callstore.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

func cloneMessages(msgs []types.Message) []types.Message {
	if msgs == nil {
		return nil
	}
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
