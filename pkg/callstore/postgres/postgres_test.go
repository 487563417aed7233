package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/switchboard/pkg/callstore"
	"github.com/MrWong99/switchboard/pkg/callstore/postgres"
	"github.com/MrWong99/switchboard/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SWITCHBOARD_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SWITCHBOARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SWITCHBOARD_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore returns a store on a freshly created schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS call_messages; DROP TABLE IF EXISTS calls;`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func record(id, from string, started time.Time, outcome callstore.Outcome) callstore.Record {
	return callstore.Record{
		SessionID: id,
		CallID:    "CA" + id,
		StreamID:  "MZ" + id,
		From:      from,
		StartedAt: started,
		EndedAt:   started.Add(90 * time.Second),
		Outcome:   outcome,
		Model:     "llama-3.1-8b-instant",
		Voice:     "aura-asteria-en",
		Transcript: []types.Message{
			{Role: types.RoleSystem, Content: "You are the front desk of a bakery."},
			{Role: types.RoleUser, Content: "What are your hours?"},
			{Role: types.RoleAssistant, Content: "We're open nine to five."},
		},
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rec := record("s1", "+15550001", started, callstore.OutcomeCompleted)
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CallID != "CAs1" || got.From != "+15550001" || got.Outcome != callstore.OutcomeCompleted {
		t.Errorf("record = %+v", got)
	}
	if !got.StartedAt.Equal(started) || got.Duration() != 90*time.Second {
		t.Errorf("timing = %s..%s", got.StartedAt, got.EndedAt)
	}
	if len(got.Transcript) != 3 || got.Transcript[2].Content != "We're open nine to five." {
		t.Errorf("transcript = %+v", got.Transcript)
	}

	// Saving again replaces the transcript.
	rec.Transcript = rec.Transcript[:2]
	rec.Outcome = callstore.OutcomeFailed
	rec.Error = "pipeline: too many failed turns"
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	got, err = store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Transcript) != 2 || got.Outcome != callstore.OutcomeFailed || got.Error == "" {
		t.Errorf("replaced record = %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, callstore.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, r := range []callstore.Record{
		record("a", "+1555A", base, callstore.OutcomeCompleted),
		record("b", "+1555B", base.Add(time.Hour), callstore.OutcomeFailed),
		record("c", "+1555A", base.Add(2*time.Hour), callstore.OutcomeCompleted),
	} {
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	tests := []struct {
		name string
		opts callstore.ListOptions
		want []string
	}{
		{name: "all newest first", want: []string{"c", "b", "a"}},
		{name: "by caller", opts: callstore.ListOptions{From: "+1555A"}, want: []string{"c", "a"}},
		{name: "by outcome", opts: callstore.ListOptions{Outcome: callstore.OutcomeFailed}, want: []string{"b"}},
		{name: "after", opts: callstore.ListOptions{After: base}, want: []string{"c", "b"}},
		{name: "limit", opts: callstore.ListOptions{Limit: 1}, want: []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := store.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var ids []string
			for _, r := range recs {
				ids = append(ids, r.SessionID)
				if r.Transcript != nil {
					t.Errorf("List returned a transcript for %s", r.SessionID)
				}
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestStore_SaveRequiresID(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(context.Background(), callstore.Record{}); err == nil {
		t.Fatal("Save without session id succeeded")
	}
}
