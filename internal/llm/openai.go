package llm

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// OpenAICompleter talks to the chat completions API or any compatible server.
type OpenAICompleter struct {
	client oai.Client
	model  string
}

type openAIConfig struct {
	baseURL string
}

type OpenAIOption func(*openAIConfig)

func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

func NewOpenAICompleter(apiKey, model string, opts ...OpenAIOption) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: api key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	cfg := &openAIConfig{}
	for _, o := range opts {
		o(cfg)
	}

	// One round trip per completion; failures surface to the caller.
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &OpenAICompleter{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (p *OpenAICompleter) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAICompleter) buildParams(req Request) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	messages = append(messages, oai.UserMessage(req.Prompt))

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params
}
