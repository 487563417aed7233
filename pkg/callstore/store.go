// Package callstore defines how finished calls are persisted.
//
// A [Record] is written once, when a call ends, and holds the call's
// identifiers, timing, outcome and the full conversation transcript. The
// PostgreSQL implementation lives in callstore/postgres; callstore/mock is an
// in-memory double for tests.
package callstore

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/switchboard/pkg/types"
)

// ErrNotFound is returned by [Store.Get] when no record exists for the ID.
var ErrNotFound = errors.New("callstore: record not found")

// Outcome summarises how a call ended.
type Outcome string

const (
	// OutcomeCompleted is a call the caller hung up normally.
	OutcomeCompleted Outcome = "completed"

	// OutcomeFailed is a call ended by the server after a failure.
	OutcomeFailed Outcome = "failed"
)

// Record is one finished call.
type Record struct {
	// SessionID is the server-assigned session identifier (primary key).
	SessionID string

	// CallID is the telephony provider's call identifier.
	CallID string

	// StreamID is the media stream identifier.
	StreamID string

	// From is the caller's number when known.
	From string

	StartedAt time.Time
	EndedAt   time.Time

	Outcome Outcome

	// Error is the reason a failed call ended. Empty for completed calls.
	Error string

	// Model and Voice are the settings in effect when the call ended.
	Model string
	Voice string

	// Transcript is the conversation, system entries included. Images are
	// not persisted.
	Transcript []types.Message
}

// Duration returns how long the call lasted.
func (r Record) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// ListOptions filters [Store.List]. Zero values mean no filter.
type ListOptions struct {
	// From restricts results to one caller number.
	From string

	// After and Before bound StartedAt (exclusive).
	After  time.Time
	Before time.Time

	// Outcome restricts results to one outcome.
	Outcome Outcome

	// Limit caps the number of records. Zero means 50.
	Limit int
}

// Store persists call records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Save writes rec. Saving the same SessionID twice replaces the record.
	Save(ctx context.Context, rec Record) error

	// Get returns the record with the given session ID, transcript included,
	// or [ErrNotFound].
	Get(ctx context.Context, sessionID string) (*Record, error)

	// List returns records matching opts, newest first, without transcripts.
	List(ctx context.Context, opts ListOptions) ([]Record, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
