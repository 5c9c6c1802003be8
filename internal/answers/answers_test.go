package answers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleRecord() Record {
	return Record{
		SessionRef:      "mock-1",
		Question:        "What is a goroutine?",
		ReferenceAnswer: "A lightweight thread managed by the Go runtime.",
		CandidateAnswer: "It is a lightweight thread that the runtime schedules.",
		Feedback:        "Good",
		Rating:          8,
		UserID:          "user-1",
	}
}

func TestGateSavesOnce(t *testing.T) {
	store := NewMemoryStore()
	gate := NewGate(store, newLogger())
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	gate.clock = func() time.Time { return fixed }

	outcome, err := gate.Save(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if outcome != OutcomeSaved {
		t.Fatalf("expected saved, got %q", outcome)
	}
	outcome, err = gate.Save(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if outcome != OutcomeAlreadyAnswered {
		t.Fatalf("expected already answered, got %q", outcome)
	}
	if store.Inserts() != 1 {
		t.Fatalf("expected exactly one insert, got %d", store.Inserts())
	}

	records, err := gate.List(context.Background(), Filter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || !records[0].CreatedAt.Equal(fixed) || records[0].ID == "" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestGateDistinctKeys(t *testing.T) {
	store := NewMemoryStore()
	gate := NewGate(store, newLogger())
	rec := sampleRecord()
	if _, err := gate.Save(context.Background(), rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.SessionRef = "mock-2"
	if outcome, _ := gate.Save(context.Background(), rec); outcome != OutcomeSaved {
		t.Fatalf("expected new interview session to save, got %q", outcome)
	}
	rec.UserID = "user-2"
	if outcome, _ := gate.Save(context.Background(), rec); outcome != OutcomeSaved {
		t.Fatalf("expected other user to save, got %q", outcome)
	}
	if store.Inserts() != 3 {
		t.Fatalf("expected 3 inserts, got %d", store.Inserts())
	}
}

func TestGateStoreFailure(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith(errors.New("unavailable"))
	gate := NewGate(store, newLogger())
	if _, err := gate.Save(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected failure")
	}
	store.FailWith(nil)
	if outcome, err := gate.Save(context.Background(), sampleRecord()); err != nil || outcome != OutcomeSaved {
		t.Fatalf("expected retry to succeed, got %q %v", outcome, err)
	}
}

// racyStore reports "not found" every time so the insert path decides.
type racyStore struct {
	Store
}

func (racyStore) Exists(context.Context, Key) (bool, error) { return false, nil }

func TestGateDuplicateInsertIsAlreadyAnswered(t *testing.T) {
	inner := NewMemoryStore()
	gate := NewGate(racyStore{Store: inner}, newLogger())
	if _, err := gate.Save(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	outcome, err := gate.Save(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if outcome != OutcomeAlreadyAnswered {
		t.Fatalf("expected already answered, got %q", outcome)
	}
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "answers.db"), newLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := openTestSQLite(t)
	gate := NewGate(store, newLogger())

	first := sampleRecord()
	second := sampleRecord()
	second.Question = "What is a channel?"
	for _, rec := range []Record{first, second} {
		if outcome, err := gate.Save(context.Background(), rec); err != nil || outcome != OutcomeSaved {
			t.Fatalf("save %q: %q %v", rec.Question, outcome, err)
		}
	}
	if outcome, _ := gate.Save(context.Background(), first); outcome != OutcomeAlreadyAnswered {
		t.Fatalf("expected duplicate, got %q", outcome)
	}

	records, err := store.List(context.Background(), Filter{UserID: "user-1", SessionRef: "mock-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].CandidateAnswer != first.CandidateAnswer || records[0].Rating != 8 {
		t.Fatalf("unexpected record %+v", records[0])
	}
	if records[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
	other, err := store.List(context.Background(), Filter{UserID: "someone-else"})
	if err != nil || len(other) != 0 {
		t.Fatalf("expected no records for other user, got %d %v", len(other), err)
	}
}

func TestSQLiteUniqueConstraint(t *testing.T) {
	store := openTestSQLite(t)
	rec := sampleRecord()
	rec.ID = "a"
	rec.CreatedAt = time.Now()
	if _, err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.ID = "b"
	if _, err := store.Insert(context.Background(), rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestSQLiteConcurrentSavesWriteOnce(t *testing.T) {
	store := openTestSQLite(t)
	gate := NewGate(store, newLogger())

	const n = 8
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := gate.Save(context.Background(), sampleRecord())
			if err != nil {
				t.Errorf("save: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	saved := 0
	for o := range outcomes {
		if o == OutcomeSaved {
			saved++
		}
	}
	if saved != 1 {
		t.Fatalf("expected exactly one saved outcome, got %d", saved)
	}
}

func TestOpenBackends(t *testing.T) {
	store, err := Open(context.Background(), config.AnswersConfig{Backend: "memory"}, newLogger())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	_ = store.Close()
	if _, err := Open(context.Background(), config.AnswersConfig{Backend: "firestore"}, newLogger()); err == nil {
		t.Fatal("expected unsupported backend error")
	}
	if _, err := Open(context.Background(), config.AnswersConfig{Backend: "mongo"}, newLogger()); err == nil {
		t.Fatal("expected missing mongo uri error")
	}
}
