// Package evaluator scores a candidate answer against a reference answer with
// one call to a language model.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidResponse means the model reply could not be parsed as a result.
var ErrInvalidResponse = errors.New("invalid response format")

const fallbackFeedback = "Unable to generate feedback"

// Result is the model's judgement of an answer.
type Result struct {
	Ratings  int    `json:"ratings"`
	Feedback string `json:"feedback"`
}

// Fallback is the result shown to the user when evaluation fails.
func Fallback() Result {
	return Result{Ratings: 0, Feedback: fallbackFeedback}
}

// Failure kinds reported by Kind.
const (
	KindNone            = ""
	KindInvalidResponse = "invalid-response"
	KindTransport       = "transport"
	KindCanceled        = "canceled"
)

// Kind classifies an Evaluate error for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindTransport
	}
}

// Scorer is what the recorder depends on.
type Scorer interface {
	Evaluate(ctx context.Context, question, reference, candidate string) (Result, error)
}

type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

type Evaluator struct {
	completer llm.Completer
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	counter   metric.Int64Counter
	latency   metric.Float64Histogram
}

func New(completer llm.Completer, opts Options, logger *slog.Logger) *Evaluator {
	meter := otel.Meter("github.com/loqalabs/loqa-interview/internal/evaluator")
	counter, err := meter.Int64Counter("interview.evaluations",
		metric.WithDescription("Answer evaluations by outcome"))
	if err != nil {
		logger.Warn("evaluation counter unavailable", slog.String("error", err.Error()))
	}
	latency, err := meter.Float64Histogram("interview.evaluation.duration",
		metric.WithDescription("Answer evaluation latency"), metric.WithUnit("s"))
	if err != nil {
		logger.Warn("evaluation histogram unavailable", slog.String("error", err.Error()))
	}
	return &Evaluator{
		completer: completer,
		opts:      opts,
		logger:    logger.With(slog.String("component", "evaluator")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-interview/internal/evaluator"),
		counter:   counter,
		latency:   latency,
	}
}

// Evaluate issues exactly one completion request. It never retries and never
// substitutes the fallback itself; callers decide how to present failures.
func (e *Evaluator) Evaluate(ctx context.Context, question, reference, candidate string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "evaluator.Evaluate",
		trace.WithAttributes(attribute.Int("candidate.length", len(candidate))))
	defer span.End()

	start := time.Now()
	reply, err := e.completer.Complete(ctx, llm.Request{
		Prompt:      BuildPrompt(question, candidate, reference),
		Model:       e.opts.Model,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
	})
	if err == nil {
		var result Result
		result, err = ParseReply(reply)
		if err == nil {
			e.record(ctx, span, start, nil)
			e.logger.Debug("answer evaluated", slog.Int("ratings", result.Ratings))
			return result, nil
		}
	} else {
		err = fmt.Errorf("complete: %w", err)
	}
	e.record(ctx, span, start, err)
	e.logger.Warn("answer evaluation failed", slog.String("kind", Kind(err)), slog.String("error", err.Error()))
	return Result{}, err
}

func (e *Evaluator) record(ctx context.Context, span trace.Span, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if e.counter != nil {
		e.counter.Add(ctx, 1, attrs)
	}
	if e.latency != nil {
		e.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// BuildPrompt embeds the three strings verbatim.
func BuildPrompt(question, candidate, reference string) string {
	return "Question: \"" + question + "\"\n" +
		"User Answer: \"" + candidate + "\"\n" +
		"Correct Answer: \"" + reference + "\"\n" +
		"Please compare the user's answer to the correct answer, and provide a rating (from 1 to 10) based on answer quality, and offer feedback for improvement.\n" +
		"Return the result in JSON format with the fields \"ratings\" (number) and \"feedback\" (string)."
}

var replyNoise = strings.NewReplacer("```", "", "`", "", "json", "")

// ParseReply strips code fences and the token "json" and decodes the rest.
func ParseReply(reply string) (Result, error) {
	cleaned := strings.TrimSpace(replyNoise.Replace(strings.TrimSpace(reply)))
	if !strings.HasPrefix(cleaned, "{") {
		return Result{}, fmt.Errorf("%w: reply is not a JSON object", ErrInvalidResponse)
	}
	var raw struct {
		Ratings  float64 `json:"ratings"`
		Feedback string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return Result{Ratings: int(math.Round(raw.Ratings)), Feedback: raw.Feedback}, nil
}
