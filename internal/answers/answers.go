// Package answers persists evaluated interview answers, at most once per
// (user, question, interview session).
package answers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interview/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrDuplicate is returned by Store.Insert when the composite key already exists.
var ErrDuplicate = errors.New("answer already recorded")

// Record is one saved answer. Field names on the wire follow the document
// layout used by the interview front end.
type Record struct {
	ID              string    `json:"id" bson:"_id"`
	SessionRef      string    `json:"mockIdRef" bson:"mockIdRef"`
	Question        string    `json:"question" bson:"question"`
	ReferenceAnswer string    `json:"correct_ans" bson:"correct_ans"`
	CandidateAnswer string    `json:"user_ans" bson:"user_ans"`
	Feedback        string    `json:"feedback" bson:"feedback"`
	Rating          int       `json:"rating" bson:"rating"`
	UserID          string    `json:"userId" bson:"userId"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
}

// Key identifies the slot a record occupies.
type Key struct {
	UserID     string
	Question   string
	SessionRef string
}

func (r Record) Key() Key {
	return Key{UserID: r.UserID, Question: r.Question, SessionRef: r.SessionRef}
}

// Filter selects records for listing. Empty fields match everything.
type Filter struct {
	UserID     string
	SessionRef string
	Limit      int
}

// Store is a backend for saved answers.
type Store interface {
	Exists(ctx context.Context, key Key) (bool, error)
	// Insert writes rec and returns its id, or ErrDuplicate.
	Insert(ctx context.Context, rec Record) (string, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	Close() error
}

// Outcome of a save attempt that did not fail.
type Outcome string

const (
	OutcomeSaved           Outcome = "saved"
	OutcomeAlreadyAnswered Outcome = "already-answered"
)

// Gate guards a Store so each key is written at most once.
type Gate struct {
	store   Store
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
	tracer  trace.Tracer
	counter metric.Int64Counter
}

func NewGate(store Store, logger *slog.Logger) *Gate {
	counter, err := otel.Meter("github.com/loqalabs/loqa-interview/internal/answers").Int64Counter("interview.answer_saves",
		metric.WithDescription("Answer save attempts by outcome"))
	if err != nil {
		logger.Warn("answer save counter unavailable", slog.String("error", err.Error()))
	}
	return &Gate{
		store:   store,
		logger:  logger.With(slog.String("component", "answers")),
		clock:   time.Now,
		newID:   uuid.NewString,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-interview/internal/answers"),
		counter: counter,
	}
}

// Save checks for an existing record with the same key and inserts rec when
// there is none. CreatedAt and ID are assigned here.
func (g *Gate) Save(ctx context.Context, rec Record) (Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "answers.Save")
	defer span.End()

	exists, err := g.store.Exists(ctx, rec.Key())
	if err != nil {
		return g.fail(ctx, span, fmt.Errorf("check existing answer: %w", err))
	}
	if exists {
		return g.done(ctx, span, rec, OutcomeAlreadyAnswered), nil
	}

	rec.ID = g.newID()
	rec.CreatedAt = g.clock().UTC()
	if _, err := g.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return g.done(ctx, span, rec, OutcomeAlreadyAnswered), nil
		}
		return g.fail(ctx, span, fmt.Errorf("insert answer: %w", err))
	}
	return g.done(ctx, span, rec, OutcomeSaved), nil
}

// List returns saved answers matching filter, oldest first.
func (g *Gate) List(ctx context.Context, filter Filter) ([]Record, error) {
	return g.store.List(ctx, filter)
}

func (g *Gate) done(ctx context.Context, span trace.Span, rec Record, outcome Outcome) Outcome {
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	g.count(ctx, string(outcome))
	g.logger.Info("answer save",
		slog.String("outcome", string(outcome)),
		slog.String("user_id", rec.UserID),
		slog.String("mock_id_ref", rec.SessionRef))
	return outcome
}

func (g *Gate) fail(ctx context.Context, span trace.Span, err error) (Outcome, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "save failed")
	g.count(ctx, "error")
	g.logger.Warn("answer save failed", slog.String("error", err.Error()))
	return "", err
}

func (g *Gate) count(ctx context.Context, outcome string) {
	if g.counter != nil {
		g.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.AnswersConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		store, err := OpenSQLite(ctx, cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mongo":
		store, err := OpenMongo(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported answers backend %q", cfg.Backend)
	}
}
