package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/answers"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/stt"
)

const longAnswer = "Goroutines are lightweight threads scheduled by the runtime"

type stubScorer struct {
	mu     sync.Mutex
	calls  int
	answer string
	result evaluator.Result
	err    error
	hold   chan struct{}
}

func (s *stubScorer) Evaluate(ctx context.Context, question, reference, candidate string) (evaluator.Result, error) {
	s.mu.Lock()
	s.calls++
	s.answer = candidate
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return evaluator.Result{}, ctx.Err()
		}
	}
	return s.result, s.err
}

func (s *stubScorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type captured struct {
	mu    sync.Mutex
	items []Notification
}

func (c *captured) Notify(_ context.Context, _ string, n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, n)
}

func (c *captured) All() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.items...)
}

func (c *captured) Last() Notification {
	all := c.All()
	if len(all) == 0 {
		return Notification{}
	}
	return all[len(all)-1]
}

type harness struct {
	session     *Session
	clock       *FakeClock
	transcriber *stt.ManualTranscriber
	scorer      *stubScorer
	store       *answers.MemoryStore
	notes       *captured
}

func newHarness(t *testing.T, gate media.Gate) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		clock:       NewFakeClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)),
		transcriber: stt.NewManualTranscriber(),
		scorer:      &stubScorer{result: evaluator.Result{Ratings: 7, Feedback: "Good"}},
		store:       answers.NewMemoryStore(),
		notes:       &captured{},
	}
	deps := Deps{
		Gate:        gate,
		Transcriber: h.transcriber,
		Evaluator:   h.scorer,
		Saver:       answers.NewGate(h.store, logger),
		Notifier:    h.notes,
		Clock:       h.clock,
		Logger:      logger,
	}
	id := Identity{SessionID: "sess-1", UserID: "user-1", InterviewID: "mock-1"}
	q := Question{Prompt: "What is a goroutine?", ReferenceAnswer: "A lightweight thread of execution."}
	h.session = New(context.Background(), deps, id, q, DefaultOptions())
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.session.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func (h *harness) start(t *testing.T) *stt.ManualStream {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := h.transcriber.Stream("sess-1")
	if stream == nil {
		t.Fatal("expected transcription stream")
	}
	return stream
}

func (h *harness) waitForState(t *testing.T, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := h.snapshot(t)
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, state is %s", want, snap.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) review(t *testing.T) Snapshot {
	t.Helper()
	stream := h.start(t)
	stream.Final(longAnswer)
	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	return h.waitForState(t, StateReviewed)
}

func TestFinalFragmentsJoinedInOrder(t *testing.T) {
	h := newHarness(t, media.Allow())
	stream := h.start(t)
	if !stream.Options().Continuous {
		t.Fatal("expected continuous transcription")
	}
	stream.Final("The")
	stream.Interim("cap")
	stream.Final("capital")
	stream.Final("is Paris")

	err := h.session.Stop(context.Background())
	if !errors.Is(err, ErrAnswerTooShort) {
		t.Fatalf("expected ErrAnswerTooShort, got %v", err)
	}
	snap := h.snapshot(t)
	if snap.Answer != "The capital is Paris" {
		t.Fatalf("unexpected answer %q", snap.Answer)
	}
	if snap.State != StateIdle || snap.Fragments != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.scorer.Calls() != 0 {
		t.Fatal("short answer must not be evaluated")
	}
	last := h.notes.Last()
	if last.Level != LevelError || last.Description != "Your answer should be more than 30 characters" {
		t.Fatalf("unexpected notification %+v", last)
	}
	if !stream.Stopped() {
		t.Fatal("expected transcription stopped")
	}
}

func TestInterimLatestWins(t *testing.T) {
	h := newHarness(t, media.Allow())
	stream := h.start(t)
	stream.Interim("Go")
	stream.Interim("Go is")
	if snap := h.snapshot(t); snap.Interim != "Go is" || snap.Answer != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	stream.Final("Go is fun")
	if snap := h.snapshot(t); snap.Interim != "" || snap.Answer != "Go is fun" {
		t.Fatalf("expected final to replace interim, got %+v", snap)
	}
}

func TestWatchdogSetsNoSpeech(t *testing.T) {
	h := newHarness(t, media.Allow())
	stream := h.start(t)

	h.clock.Advance(4999 * time.Millisecond)
	if snap := h.snapshot(t); snap.State != StateRecording || snap.NoSpeech {
		t.Fatalf("watchdog fired early: %+v", snap)
	}
	h.clock.Advance(time.Millisecond)

	snap := h.snapshot(t)
	if !snap.NoSpeech || snap.State != StateIdle {
		t.Fatalf("expected no-speech idle, got %+v", snap)
	}
	if !stream.Stopped() {
		t.Fatal("expected transcription stopped by watchdog")
	}
	if h.scorer.Calls() != 0 {
		t.Fatal("evaluator must not run on silence")
	}
	if n := h.notes.Last(); n.Level != LevelInfo || !strings.HasPrefix(n.Title, "No speech detected") {
		t.Fatalf("unexpected notification %+v", n)
	}
	if !snap.CanRecord {
		t.Fatal("expected try-again to be possible")
	}
}

func TestWatchdogIgnoredWhenSpeechArrived(t *testing.T) {
	for _, final := range []bool{false, true} {
		h := newHarness(t, media.Allow())
		stream := h.start(t)
		stream.Emit(stt.Fragment{Text: "hello", Final: final})
		h.clock.Advance(5 * time.Second)
		snap := h.snapshot(t)
		if snap.NoSpeech || snap.State != StateRecording {
			t.Fatalf("final=%v: watchdog must not fire after speech, got %+v", final, snap)
		}
		if stream.Stopped() {
			t.Fatalf("final=%v: stream stopped unexpectedly", final)
		}
	}
}

func TestWatchdogFromPreviousRecordingIgnored(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.start(t)
	h.clock.Advance(3 * time.Second)
	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.clock.Pending() != 0 {
		t.Fatal("expected watchdog cancelled on stop")
	}
	h.start(t)
	h.clock.Advance(3 * time.Second)
	if snap := h.snapshot(t); snap.NoSpeech {
		t.Fatalf("stale watchdog fired: %+v", snap)
	}
	h.clock.Advance(2 * time.Second)
	if snap := h.snapshot(t); !snap.NoSpeech {
		t.Fatalf("expected current watchdog to fire: %+v", snap)
	}
}

func TestLateFinalClearsNoSpeech(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.start(t)
	h.clock.Advance(5 * time.Second)
	if snap := h.snapshot(t); !snap.NoSpeech {
		t.Fatal("expected no-speech")
	}
	// The stream is stopped from the transcriber's side; deliver via the sink path directly.
	h.session.enqueue(func() { h.session.onFragment(h.session.gen, stt.Fragment{Text: "late words", Final: true}) })
	snap := h.snapshot(t)
	if snap.NoSpeech || snap.Answer != "late words" {
		t.Fatalf("expected late final to clear no-speech, got %+v", snap)
	}
}

func TestStopWithoutFragmentsSkipsEvaluation(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.start(t)
	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap := h.snapshot(t)
	if snap.State != StateIdle || snap.NoSpeech {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.scorer.Calls() != 0 {
		t.Fatal("expected no evaluation")
	}
	if err := h.session.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestEmptyFinalCountsAsFragment(t *testing.T) {
	h := newHarness(t, media.Allow())
	stream := h.start(t)
	stream.Final("")

	h.clock.Advance(5 * time.Second)
	snap := h.snapshot(t)
	if snap.NoSpeech || snap.State != StateRecording || snap.Fragments != 1 {
		t.Fatalf("expected empty final to count as speech, got %+v", snap)
	}

	if err := h.session.Stop(context.Background()); !errors.Is(err, ErrAnswerTooShort) {
		t.Fatalf("expected ErrAnswerTooShort, got %v", err)
	}
	if h.scorer.Calls() != 0 {
		t.Fatal("expected no evaluation")
	}
}

func TestLongAnswerEvaluatedOnce(t *testing.T) {
	h := newHarness(t, media.Allow())
	snap := h.review(t)
	if h.scorer.Calls() != 1 {
		t.Fatalf("expected one evaluation, got %d", h.scorer.Calls())
	}
	if h.scorer.answer != longAnswer {
		t.Fatalf("unexpected evaluated answer %q", h.scorer.answer)
	}
	if snap.Result == nil || *snap.Result != (evaluator.Result{Ratings: 7, Feedback: "Good"}) {
		t.Fatalf("unexpected result %+v", snap.Result)
	}
	if !snap.CanSave || snap.EvaluationError != "" {
		t.Fatalf("expected savable result, got %+v", snap)
	}
}

func TestEvaluationFailureFallsBack(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.scorer.err = evaluator.ErrInvalidResponse
	snap := h.review(t)
	if snap.Result == nil || *snap.Result != evaluator.Fallback() {
		t.Fatalf("expected fallback result, got %+v", snap.Result)
	}
	if snap.EvaluationError != evaluator.KindInvalidResponse {
		t.Fatalf("expected invalid-response kind, got %q", snap.EvaluationError)
	}
	if n := h.notes.Last(); n.Level != LevelError || n.Title != "Error generating feedback" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if !snap.CanSave {
		t.Fatal("fallback result should still be savable")
	}
}

func TestRecordAgainResets(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.review(t)
	if err := h.session.RecordAgain(context.Background()); err != nil {
		t.Fatalf("record again: %v", err)
	}
	snap := h.snapshot(t)
	if snap.Answer != "" || snap.Result != nil || snap.NoSpeech || snap.State != StateIdle {
		t.Fatalf("expected reset snapshot, got %+v", snap)
	}
	if snap.CanSave {
		t.Fatal("save must be disabled after reset")
	}
}

func TestRecordAgainDiscardsInFlightEvaluation(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.scorer.hold = make(chan struct{})
	stream := h.start(t)
	stream.Final(longAnswer)
	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if snap := h.snapshot(t); snap.State != StateEvaluating || snap.CanRecord {
		t.Fatalf("expected evaluating, got %+v", snap)
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected start to be refused while evaluating, got %v", err)
	}
	if err := h.session.RecordAgain(context.Background()); err != nil {
		t.Fatalf("record again: %v", err)
	}
	close(h.scorer.hold)
	time.Sleep(20 * time.Millisecond)
	snap := h.snapshot(t)
	if snap.Result != nil || snap.State != StateIdle {
		t.Fatalf("stale evaluation leaked into session: %+v", snap)
	}
}

func TestRecordAgainWhileRecording(t *testing.T) {
	h := newHarness(t, media.Allow())
	stream := h.start(t)
	stream.Final(longAnswer)
	if err := h.session.RecordAgain(context.Background()); err != nil {
		t.Fatalf("record again: %v", err)
	}
	if !stream.Stopped() {
		t.Fatal("expected transcription stopped")
	}
	if h.clock.Pending() != 0 {
		t.Fatal("expected watchdog cancelled")
	}
	if h.scorer.Calls() != 0 {
		t.Fatal("record again must not evaluate")
	}
	if snap := h.snapshot(t); snap.Answer != "" || snap.State != StateIdle {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.review(t)

	outcome, err := h.session.Save(context.Background())
	if err != nil || outcome != answers.OutcomeSaved {
		t.Fatalf("expected saved, got %q %v", outcome, err)
	}
	if n := h.notes.Last(); n.Level != LevelSuccess || n.Title != "Answer saved successfully" {
		t.Fatalf("unexpected notification %+v", n)
	}
	outcome, err = h.session.Save(context.Background())
	if err != nil || outcome != answers.OutcomeAlreadyAnswered {
		t.Fatalf("expected already answered, got %q %v", outcome, err)
	}
	if n := h.notes.Last(); n.Level != LevelInfo || n.Title != "Already Answered" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if h.store.Inserts() != 1 {
		t.Fatalf("expected a single insert, got %d", h.store.Inserts())
	}

	records, err := h.store.List(context.Background(), answers.Filter{UserID: "user-1"})
	if err != nil || len(records) != 1 {
		t.Fatalf("list: %v %d", err, len(records))
	}
	rec := records[0]
	if rec.SessionRef != "mock-1" || rec.CandidateAnswer != longAnswer || rec.Rating != 7 || rec.Feedback != "Good" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSaveFailureKeepsResult(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.review(t)
	h.store.FailWith(errors.New("store offline"))

	if _, err := h.session.Save(context.Background()); err == nil {
		t.Fatal("expected save failure")
	}
	if n := h.notes.Last(); n.Level != LevelError || n.Title != "Error saving answer" {
		t.Fatalf("unexpected notification %+v", n)
	}
	snap := h.snapshot(t)
	if !snap.CanSave || snap.Saving {
		t.Fatalf("expected retry to be possible, got %+v", snap)
	}
	h.store.FailWith(nil)
	if outcome, err := h.session.Save(context.Background()); err != nil || outcome != answers.OutcomeSaved {
		t.Fatalf("retry: %q %v", outcome, err)
	}
}

func TestSaveWithoutResult(t *testing.T) {
	h := newHarness(t, media.Allow())
	if _, err := h.session.Save(context.Background()); !errors.Is(err, ErrNothingToSave) {
		t.Fatalf("expected ErrNothingToSave, got %v", err)
	}
	stream := h.start(t)
	stream.Final(longAnswer)
	if _, err := h.session.Save(context.Background()); !errors.Is(err, ErrNothingToSave) {
		t.Fatalf("expected ErrNothingToSave while recording, got %v", err)
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, media.Deny("blocked by browser"))
	err := h.session.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) || !errors.Is(err, media.ErrDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	snap := h.snapshot(t)
	if snap.State != StateIdle || !snap.PermissionDenied {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.transcriber.Starts() != 0 {
		t.Fatal("transcription must not start without permission")
	}
	n := h.notes.Last()
	if n.Title != "Microphone Access Denied" || n.Description != "Please allow microphone access to record your answer." {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestAccessReleasedAfterGrant(t *testing.T) {
	gate := media.NewReportedGate()
	gate.Report(media.PermissionGranted, "")
	h := newHarness(t, gate)
	h.start(t)
	if gate.Outstanding() != 0 {
		t.Fatalf("expected grant released, %d outstanding", gate.Outstanding())
	}
}

func TestTranscriberStartFailureRollsBack(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.transcriber.FailNextStart(errors.New("recogniser unavailable"))
	if err := h.session.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	snap := h.snapshot(t)
	if snap.State != StateIdle {
		t.Fatalf("expected idle after failure, got %s", snap.State)
	}
	if n := h.notes.Last(); n.Title != "Speech recognition failed. Try refreshing the page." {
		t.Fatalf("unexpected notification %+v", n)
	}
	if h.clock.Pending() != 0 {
		t.Fatal("watchdog must not be armed")
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, media.Allow())
	if err := h.session.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if snap := h.snapshot(t); snap.State != StateRecording {
		t.Fatalf("expected recording, got %s", snap.State)
	}
	h.transcriber.Stream("sess-1").Final(longAnswer)
	if err := h.session.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	h.waitForState(t, StateReviewed)
}

func TestStartClearsPreviousResult(t *testing.T) {
	h := newHarness(t, media.Allow())
	h.review(t)
	h.start(t)
	snap := h.snapshot(t)
	if snap.Result != nil || snap.Answer != "" || snap.CanSave {
		t.Fatalf("expected cleared state, got %+v", snap)
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var mu sync.Mutex
	var states []State
	deps := Deps{
		Gate:        media.Allow(),
		Transcriber: stt.NewManualTranscriber(),
		Evaluator:   &stubScorer{},
		Saver:       answers.NewGate(answers.NewMemoryStore(), logger),
		Clock:       NewFakeClock(time.Now()),
		Observer: func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if len(states) == 0 || states[len(states)-1] != s.State {
				states = append(states, s.State)
			}
		},
	}
	s := New(context.Background(), deps, Identity{SessionID: "obs"}, Question{Prompt: "q"}, DefaultOptions())
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{StateRequestingPermission, StateRecording}
	if len(states) != len(want) || states[0] != want[0] || states[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, states)
	}
}

func TestCloseStopsCapture(t *testing.T) {
	h := newHarness(t, media.Allow())
	stream := h.start(t)
	h.session.Close()
	if !stream.Stopped() {
		t.Fatal("expected stream stopped on close")
	}
	if h.clock.Pending() != 0 {
		t.Fatal("expected watchdog cancelled on close")
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
