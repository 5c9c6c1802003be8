package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-interview/internal/answers"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/interview"
	"github.com/loqalabs/loqa-interview/internal/llm"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'evaluate', 'answers', 'token' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "evaluate":
		err = runEvaluate(os.Args[2:])
	case "answers":
		err = runAnswers(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// runEvaluate scores one answer with the configured model and prints the
// result as JSON. A failed evaluation prints the fallback and exits non-zero.
func runEvaluate(args []string) error {
	var configPath, question, reference, candidate string
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&question, "question", "", "Interview question")
	fs.StringVar(&reference, "reference", "", "Reference answer")
	fs.StringVar(&candidate, "answer", "", "Candidate answer")
	fs.Parse(args)
	if question == "" || reference == "" || candidate == "" {
		return errors.New("-question, -reference and -answer are required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	completer, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}
	scorer := evaluator.New(completer, evaluator.Options{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}, logger())

	result, evalErr := scorer.Evaluate(context.Background(), question, reference, candidate)
	if evalErr != nil {
		result = evaluator.Fallback()
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if evalErr != nil {
		return fmt.Errorf("evaluation failed (%s): %w", evaluator.Kind(evalErr), evalErr)
	}
	return nil
}

func runAnswers(args []string) error {
	var configPath, userID, interviewID string
	var limit int
	fs := flag.NewFlagSet("answers", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&userID, "user", "", "User id")
	fs.StringVar(&interviewID, "interview", "", "Interview id")
	fs.IntVar(&limit, "limit", 0, "Maximum number of answers")
	fs.Parse(args)
	if userID == "" {
		return errors.New("-user is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := answers.Open(ctx, cfg.Answers, logger())
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(ctx, answers.Filter{UserID: userID, SessionRef: interviewID, Limit: limit})
	if err != nil {
		return err
	}
	return printJSON(records)
}

func runToken(args []string) error {
	var configPath, userID string
	var ttl time.Duration
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&userID, "user", "", "User id to place in the subject claim")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)
	if userID == "" {
		return errors.New("-user is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	token, err := interview.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, userID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
