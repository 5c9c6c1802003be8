// Package interview exposes recording sessions over HTTP.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interview/internal/answers"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/recorder"
	"github.com/loqalabs/loqa-interview/internal/stt"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many open sessions")
	ErrInvalidQuestion = errors.New("question and reference answer are required")
)

// AnswerBook saves answers and lists them back.
type AnswerBook interface {
	recorder.Saver
	List(ctx context.Context, filter answers.Filter) ([]answers.Record, error)
}

// Timeline is the session event log used by the manager.
type Timeline interface {
	recorder.Timeline
	AppendSession(ctx context.Context, sessionID, userID, interviewID string) error
	DropSession(ctx context.Context, sessionID string) error
	Prune(ctx context.Context) error
}

type ManagerDeps struct {
	Transcriber stt.Transcriber
	Evaluator   evaluator.Scorer
	Answers     AnswerBook
	Notifier    recorder.Notifier
	Timeline    Timeline
	Hub         *Hub
	Clock       recorder.Clock
	Logger      *slog.Logger
}

type ManagerOptions struct {
	Recorder    recorder.Options
	SessionTTL  time.Duration
	MaxSessions int
}

type entry struct {
	session  *recorder.Session
	gate     *media.ReportedGate
	owner    string
	lastUsed time.Time
	audioSeq int
}

// Manager owns the live recording sessions.
type Manager struct {
	deps   ManagerDeps
	opts   ManagerOptions
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*entry
}

func NewManager(deps ManagerDeps, opts ManagerOptions) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger.With(slog.String("component", "interview-manager")),
		now:      time.Now,
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}
}

// Create opens a recording session for one question of an interview.
func (m *Manager) Create(ctx context.Context, userID, interviewID string, q recorder.Question) (*recorder.Session, error) {
	if q.Prompt == "" || q.ReferenceAnswer == "" {
		return nil, ErrInvalidQuestion
	}
	m.mu.Lock()
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	id := m.newID()
	gate := media.NewReportedGate()
	deps := recorder.Deps{
		Gate:        gate,
		Transcriber: m.deps.Transcriber,
		Evaluator:   m.deps.Evaluator,
		Saver:       m.deps.Answers,
		Notifier:    m.notifier(),
		Clock:       m.deps.Clock,
		Logger:      m.deps.Logger,
	}
	if m.deps.Timeline != nil {
		deps.Timeline = m.deps.Timeline
	}
	if m.deps.Hub != nil {
		deps.Observer = m.deps.Hub.Observer(id)
	}
	identity := recorder.Identity{SessionID: id, UserID: userID, InterviewID: interviewID}
	session := recorder.New(m.ctx, deps, identity, q, m.opts.Recorder)
	m.sessions[id] = &entry{session: session, gate: gate, owner: userID, lastUsed: m.now()}
	m.mu.Unlock()

	if m.deps.Timeline != nil {
		if err := m.deps.Timeline.AppendSession(ctx, id, userID, interviewID); err != nil {
			m.logger.Warn("failed to record session", slog.String("session_id", id), slogError(err))
		}
	}
	m.logger.Info("session opened",
		slog.String("session_id", id),
		slog.String("user_id", userID),
		slog.String("interview_id", interviewID))
	return session, nil
}

func (m *Manager) notifier() recorder.Notifier {
	var out recorder.MultiNotifier
	if m.deps.Notifier != nil {
		out = append(out, m.deps.Notifier)
	}
	if m.deps.Hub != nil {
		out = append(out, m.deps.Hub)
	}
	return out
}

func (m *Manager) lookup(sessionID, userID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.owner != userID {
		return nil, ErrNotFound
	}
	e.lastUsed = m.now()
	return e, nil
}

// Get returns the caller's session.
func (m *Manager) Get(sessionID, userID string) (*recorder.Session, error) {
	e, err := m.lookup(sessionID, userID)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

// ReportPermission records the browser's microphone permission result.
func (m *Manager) ReportPermission(sessionID, userID string, granted bool, detail string) error {
	e, err := m.lookup(sessionID, userID)
	if err != nil {
		return err
	}
	p := media.PermissionDenied
	if granted {
		p = media.PermissionGranted
	}
	e.gate.Report(p, detail)
	return nil
}

// NextAudioSequence checks ownership and returns the next frame number for
// audio uploaded to a session.
func (m *Manager) NextAudioSequence(sessionID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.owner != userID {
		return 0, ErrNotFound
	}
	e.lastUsed = m.now()
	e.audioSeq++
	return e.audioSeq, nil
}

// Delete closes and forgets a session.
func (m *Manager) Delete(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok || e.owner != userID {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.closeEntry(ctx, sessionID, e, "deleted")
	return nil
}

// Answers lists the caller's saved answers for an interview.
func (m *Manager) Answers(ctx context.Context, userID, interviewID string) ([]answers.Record, error) {
	records, err := m.deps.Answers.List(ctx, answers.Filter{UserID: userID, SessionRef: interviewID})
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	return records, nil
}

// Len reports the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reap closes sessions idle for longer than the configured TTL.
func (m *Manager) Reap(ctx context.Context) int {
	if m.opts.SessionTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.opts.SessionTTL)
	expired := make(map[string]*entry)
	m.mu.Lock()
	for id, e := range m.sessions {
		if e.lastUsed.Before(cutoff) {
			expired[id] = e
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for id, e := range expired {
		m.closeEntry(ctx, id, e, "expired")
	}
	return len(expired)
}

// RunReaper reaps expired sessions and prunes the timeline until ctx ends.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(ctx); n > 0 {
				m.logger.Info("expired sessions closed", slog.Int("count", n))
			}
			if m.deps.Timeline != nil {
				if err := m.deps.Timeline.Prune(ctx); err != nil {
					m.logger.Warn("timeline prune failed", slogError(err))
				}
			}
		}
	}
}

// Close shuts every session down.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()
	for id, e := range all {
		m.closeEntry(context.Background(), id, e, "shutdown")
	}
	m.cancel()
}

func (m *Manager) closeEntry(ctx context.Context, id string, e *entry, reason string) {
	e.session.Close()
	if m.deps.Timeline != nil {
		if err := m.deps.Timeline.DropSession(ctx, id); err != nil {
			m.logger.Warn("failed to drop session timeline", slog.String("session_id", id), slogError(err))
		}
	}
	m.logger.Info("session closed", slog.String("session_id", id), slog.String("reason", reason))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
