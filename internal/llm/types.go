package llm

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-interview/internal/config"
)

// Request describes a single-shot language model prompt.
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completer returns the whole generated text for a prompt.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// RequestFromConfig fills model defaults for a prompt.
func RequestFromConfig(cfg config.LLMConfig, prompt string) Request {
	return Request{
		Prompt:      prompt,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// New builds the completer selected by cfg.Mode.
func New(cfg config.LLMConfig) (Completer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockCompleter(cfg.MockReply), nil
	case "ollama":
		return NewOllamaCompleter(cfg.Endpoint, cfg.Model), nil
	case "openai":
		var opts []OpenAIOption
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		c, err := NewOpenAICompleter(cfg.APIKey, cfg.Model, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "exec":
		return NewExecCompleter(cfg.Command)
	case "wasm":
		c, err := NewWasmCompleter(context.Background(), cfg.Module)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
