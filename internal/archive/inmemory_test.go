package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mzanetti/pairview/internal/session"
)

func TestInMemoryStoreSaveAndGet(t *testing.T) {
	s := NewInMemoryStore()
	snap := session.Snapshot{
		ID:           "s1",
		State:        session.StateArchived,
		Interviewer:  "alice",
		Interviewee:  "bob",
		Participants: []string{"alice", "bob"},
		Operations:   []session.Operation{{Text: "x", Timestamp: 10, Source: "bob"}},
		EndedAt:      time.Now().UTC(),
	}

	if err := s.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, err := s.GetSnapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if got.Interviewee != "bob" || len(got.Operations) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestInMemoryStoreSaveIsIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	snap := session.Snapshot{ID: "s1", State: session.StateArchived}
	if err := s.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if err := s.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("duplicate SaveSnapshot() error = %v", err)
	}
}

func TestInMemoryStoreGetUnknown(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.GetSnapshot(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
