// Package recorder drives one recorded answer: microphone permission,
// transcription, silence detection, evaluation and saving.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-interview/internal/answers"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrPermissionDenied = errors.New("microphone access denied")
	ErrAnswerTooShort   = errors.New("answer too short")
	ErrNothingToSave    = errors.New("no evaluated answer to save")
	ErrNotRecording     = errors.New("not recording")
	ErrBusy             = errors.New("session busy")
	ErrClosed           = errors.New("session closed")
)

// User-facing messages.
const (
	msgMicDeniedTitle     = "Microphone Access Denied"
	msgMicDeniedDesc      = "Please allow microphone access to record your answer."
	msgSpeechStartFailed  = "Speech recognition failed. Try refreshing the page."
	msgTooShortTitle      = "Error"
	msgTooShortDescFormat = "Your answer should be more than %d characters"
	msgNoSpeech           = "No speech detected. Please check your microphone and try again."
	msgEvaluationFailed   = "Error generating feedback"
	msgSaved              = "Answer saved successfully"
	msgAlreadyAnswered    = "Already Answered"
	msgSaveFailed         = "Error saving answer"
)

// Saver persists evaluated answers.
type Saver interface {
	Save(ctx context.Context, rec answers.Record) (answers.Outcome, error)
}

// Timeline records session events for later inspection.
type Timeline interface {
	Record(ctx context.Context, sessionID, userID, eventType string, payload any) error
}

// Deps are the collaborators of a session. Notifier, Clock, Timeline,
// Observer and Logger are optional. Observer receives a snapshot after every
// visible change and runs on the session loop.
type Deps struct {
	Gate        media.Gate
	Transcriber stt.Transcriber
	Evaluator   evaluator.Scorer
	Saver       Saver
	Notifier    Notifier
	Clock       Clock
	Timeline    Timeline
	Observer    func(Snapshot)
	Logger      *slog.Logger
}

type Options struct {
	SilenceTimeout time.Duration
	MinAnswerChars int
	Language       string
}

func DefaultOptions() Options {
	return Options{SilenceTimeout: 5 * time.Second, MinAnswerChars: 30}
}

// OptionsFromConfig maps recorder and stt configuration to session options.
func OptionsFromConfig(rc config.RecorderConfig, sc config.STTConfig) Options {
	return Options{
		SilenceTimeout: time.Duration(rc.SilenceTimeoutMS) * time.Millisecond,
		MinAnswerChars: rc.MinAnswerChars,
		Language:       sc.Language,
	}
}

// Session owns the state of one question's recording. Every mutation runs on
// a single goroutine that drains ops, so commands, transcript fragments,
// watchdog fires and evaluation completions are totally ordered.
type Session struct {
	id       Identity
	question Question
	opts     Options
	deps     Deps
	logger   *slog.Logger
	stops    metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}

	// loop-owned
	state            State
	finals           []string
	interim          string
	result           *evaluator.Result
	evalErr          string
	noSpeech         bool
	permissionDenied bool
	saving           bool
	saveOutcome      answers.Outcome
	gen              uint64
	stream           stt.Stream
	watchdog         Timer
	attempt          uint64
	evalCancel       context.CancelFunc
	last             Snapshot
}

func New(ctx context.Context, deps Deps, id Identity, q Question, opts Options) *Session {
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Notifier == nil {
		deps.Notifier = MultiNotifier(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = DefaultOptions().SilenceTimeout
	}
	if opts.MinAnswerChars < 0 {
		opts.MinAnswerChars = 0
	}

	stops, err := otel.Meter("github.com/loqalabs/loqa-interview/internal/recorder").Int64Counter("interview.recording_stops",
		metric.WithDescription("Recording stops by reason"))
	if err != nil {
		deps.Logger.Warn("recording stop counter unavailable", slogError(err))
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       id,
		question: q,
		opts:     opts,
		deps:     deps,
		logger: deps.Logger.With(
			slog.String("component", "recorder"),
			slog.String("session_id", id.SessionID)),
		stops:  stops,
		ctx:    sctx,
		cancel: cancel,
		ops:    make(chan func(), 64),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	s.last = s.snapshot()
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id.SessionID }

func (s *Session) Identity() Identity { return s.id }

func (s *Session) run() {
	defer close(s.done)
	defer s.teardown()
	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.ops:
			op()
			s.publish()
		}
	}
}

func (s *Session) enqueue(op func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.ops <- op:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// call runs fn on the session loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	op := func() {
		err := fn()
		s.publish()
		errc <- err
	}
	if !s.enqueue(op) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start asks for the microphone and begins transcription.
func (s *Session) Start(ctx context.Context) error {
	return s.call(ctx, func() error { return s.start(ctx) })
}

// Stop ends the recording. With enough transcript it starts the evaluation
// and returns without waiting for it.
func (s *Session) Stop(ctx context.Context) error {
	return s.call(ctx, s.stop)
}

// Toggle starts when not recording and stops when recording.
func (s *Session) Toggle(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.state == StateRecording {
			return s.stop()
		}
		return s.start(ctx)
	})
}

// RecordAgain abandons the current recording or evaluation and clears the
// answer, result and no-speech flag.
func (s *Session) RecordAgain(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.haltCapture()
		s.discardEvaluation()
		if s.state == StateRecording {
			s.countStop("record-again")
		}
		s.clearAnswer()
		s.setState(StateIdle)
		s.record(eventstore.TypeRecordAgain, nil)
		return nil
	})
}

// Save persists the evaluated answer. A duplicate is reported as
// answers.OutcomeAlreadyAnswered with a nil error.
func (s *Session) Save(ctx context.Context) (answers.Outcome, error) {
	var rec answers.Record
	err := s.call(ctx, func() error {
		if s.result == nil || s.state != StateReviewed {
			return ErrNothingToSave
		}
		if s.saving {
			return ErrBusy
		}
		s.saving = true
		rec = answers.Record{
			SessionRef:      s.id.InterviewID,
			Question:        s.question.Prompt,
			ReferenceAnswer: s.question.ReferenceAnswer,
			CandidateAnswer: s.answer(),
			Feedback:        s.result.Feedback,
			Rating:          s.result.Ratings,
			UserID:          s.id.UserID,
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	outcome, saveErr := s.deps.Saver.Save(ctx, rec)
	_ = s.call(context.Background(), func() error {
		s.saving = false
		switch {
		case saveErr != nil:
			s.logger.Warn("saving answer failed", slogError(saveErr))
			s.notify(LevelError, msgSaveFailed, "")
			s.record(eventstore.TypeAnswerSaveFailed, map[string]string{"error": saveErr.Error()})
		case outcome == answers.OutcomeAlreadyAnswered:
			s.saveOutcome = outcome
			s.notify(LevelInfo, msgAlreadyAnswered, "")
			s.record(eventstore.TypeAnswerSaved, map[string]string{"outcome": string(outcome)})
		default:
			s.saveOutcome = outcome
			s.notify(LevelSuccess, msgSaved, "")
			s.record(eventstore.TypeAnswerSaved, map[string]string{"outcome": string(outcome)})
		}
		return nil
	})
	if saveErr != nil {
		return "", saveErr
	}
	return outcome, nil
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.call(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// Close stops the watchdog and transcription and abandons in-flight work.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) teardown() {
	s.haltCapture()
	s.discardEvaluation()
}

func (s *Session) start(ctx context.Context) error {
	switch s.state {
	case StateRecording:
		return nil
	case StateEvaluating, StateRequestingPermission:
		return ErrBusy
	}
	if s.saving {
		return ErrBusy
	}

	s.setState(StateRequestingPermission)
	s.publish()
	grant, err := s.deps.Gate.RequestAudioAccess(ctx)
	if err != nil {
		s.permissionDenied = true
		s.logger.Info("microphone access denied", slogError(err))
		s.notify(LevelError, msgMicDeniedTitle, msgMicDeniedDesc)
		s.setState(StateIdle)
		s.record(eventstore.TypePermissionDenied, map[string]string{"reason": err.Error()})
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	grant.Release()

	s.permissionDenied = false
	s.clearAnswer()

	s.gen++
	gen := s.gen
	stream, err := s.deps.Transcriber.Start(s.ctx, s.id.SessionID,
		stt.Options{Continuous: true, Language: s.opts.Language},
		func(f stt.Fragment) {
			s.enqueue(func() { s.onFragment(gen, f) })
		})
	if err != nil {
		s.logger.Warn("speech recognition failed to start", slogError(err))
		s.notify(LevelError, msgSpeechStartFailed, "")
		s.setState(StateIdle)
		s.record(eventstore.TypeTranscriberFailed, map[string]string{"error": err.Error()})
		return fmt.Errorf("start transcription: %w", err)
	}
	s.stream = stream
	s.setState(StateRecording)
	s.watchdog = s.deps.Clock.AfterFunc(s.opts.SilenceTimeout, func() {
		s.enqueue(func() { s.onWatchdog(gen) })
	})
	return nil
}

func (s *Session) stop() error {
	if s.state != StateRecording {
		return ErrNotRecording
	}
	s.haltCapture()
	s.interim = ""

	if len(s.finals) == 0 {
		s.countStop("empty")
		s.setState(StateIdle)
		return nil
	}
	answer := s.answer()
	if utf8.RuneCountInString(answer) < s.opts.MinAnswerChars {
		s.countStop("too-short")
		s.notify(LevelError, msgTooShortTitle, fmt.Sprintf(msgTooShortDescFormat, s.opts.MinAnswerChars))
		s.setState(StateIdle)
		s.record(eventstore.TypeAnswerTooShort, map[string]int{"length": utf8.RuneCountInString(answer)})
		return ErrAnswerTooShort
	}
	s.countStop("evaluated")
	s.beginEvaluation(answer)
	return nil
}

func (s *Session) beginEvaluation(answer string) {
	s.attempt++
	attempt := s.attempt
	ctx, cancel := context.WithCancel(s.ctx)
	s.evalCancel = cancel
	s.setState(StateEvaluating)

	q := s.question
	go func() {
		result, err := s.deps.Evaluator.Evaluate(ctx, q.Prompt, q.ReferenceAnswer, answer)
		s.enqueue(func() { s.finishEvaluation(attempt, result, err) })
	}()
}

func (s *Session) finishEvaluation(attempt uint64, result evaluator.Result, err error) {
	if attempt != s.attempt || s.state != StateEvaluating {
		s.logger.Debug("ignoring stale evaluation", slog.Uint64("attempt", attempt))
		return
	}
	if s.evalCancel != nil {
		s.evalCancel()
		s.evalCancel = nil
	}
	if err != nil {
		s.evalErr = evaluator.Kind(err)
		result = evaluator.Fallback()
		s.notify(LevelError, msgEvaluationFailed, "")
		s.record(eventstore.TypeEvaluationFailed, map[string]string{"kind": s.evalErr, "error": err.Error()})
	} else {
		s.evalErr = ""
		s.record(eventstore.TypeEvaluationDone, result)
	}
	s.result = &result
	s.saveOutcome = ""
	s.setState(StateReviewed)
}

func (s *Session) discardEvaluation() {
	s.attempt++
	if s.evalCancel != nil {
		s.evalCancel()
		s.evalCancel = nil
	}
}

func (s *Session) onFragment(gen uint64, f stt.Fragment) {
	if gen != s.gen {
		return
	}
	switch {
	case s.state == StateRecording:
	case f.Final && s.noSpeech:
		// Late final from the stream the watchdog just stopped.
	default:
		return
	}
	if !f.Final {
		s.interim = f.Text
		return
	}
	// Every final counts as a result, even when its text is blank.
	s.interim = ""
	text := strings.TrimSpace(f.Text)
	s.finals = append(s.finals, text)
	s.record(eventstore.TypeFragmentFinal, map[string]string{"text": text})
	s.noSpeech = false
}

func (s *Session) onWatchdog(gen uint64) {
	if gen != s.gen || s.state != StateRecording {
		return
	}
	if s.interim != "" || len(s.finals) > 0 {
		return
	}
	s.haltCapture()
	s.noSpeech = true
	s.countStop("no-speech")
	s.notify(LevelInfo, msgNoSpeech, "")
	s.setState(StateIdle)
	s.record(eventstore.TypeNoSpeech, nil)
}

// haltCapture cancels the watchdog and stops transcription.
func (s *Session) haltCapture() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
}

func (s *Session) clearAnswer() {
	s.finals = nil
	s.interim = ""
	s.result = nil
	s.evalErr = ""
	s.noSpeech = false
	s.saveOutcome = ""
}

func (s *Session) answer() string {
	return strings.Join(s.finals, " ")
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.logger.Debug("state changed", slog.String("from", string(prev)), slog.String("to", string(next)))
	s.record(eventstore.TypeStateChanged, map[string]string{"from": string(prev), "to": string(next)})
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:        s.id.SessionID,
		InterviewID:      s.id.InterviewID,
		Question:         s.question.Prompt,
		State:            s.state,
		Answer:           s.answer(),
		Interim:          s.interim,
		Fragments:        len(s.finals),
		EvaluationError:  s.evalErr,
		NoSpeech:         s.noSpeech,
		PermissionDenied: s.permissionDenied,
		Saving:           s.saving,
		SaveOutcome:      s.saveOutcome,
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	snap.CanSave = s.result != nil && s.state == StateReviewed && !s.saving
	snap.CanRecord = s.state != StateEvaluating && s.state != StateRequestingPermission && !s.saving
	return snap
}

func (s *Session) publish() {
	snap := s.snapshot()
	if snap.Equal(s.last) {
		return
	}
	s.last = snap
	if s.deps.Observer != nil {
		s.deps.Observer(snap)
	}
}

func (s *Session) notify(level Level, title, description string) {
	s.deps.Notifier.Notify(s.ctx, s.id.SessionID, Notification{Level: level, Title: title, Description: description})
}

func (s *Session) record(eventType string, payload any) {
	if s.deps.Timeline == nil {
		return
	}
	if err := s.deps.Timeline.Record(s.ctx, s.id.SessionID, s.id.UserID, eventType, payload); err != nil {
		s.logger.Debug("timeline write failed", slog.String("type", eventType), slogError(err))
	}
}

func (s *Session) countStop(reason string) {
	if s.stops != nil {
		s.stops.Add(s.ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
