package llm

import (
	"context"
	"sync"
)

// DefaultMockReply mimics a fenced model answer so the cleaning path is exercised.
const DefaultMockReply = "```json\n{\"ratings\": 6, \"feedback\": \"Mock feedback: expand on the key points of the reference answer.\"}\n```"

// MockCompleter returns a fixed reply and remembers the prompts it saw.
type MockCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func NewMockCompleter(reply string) *MockCompleter {
	if reply == "" {
		reply = DefaultMockReply
	}
	return &MockCompleter{reply: reply}
}

// Fail makes every subsequent call return err.
func (m *MockCompleter) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockCompleter) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, req.Prompt)
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *MockCompleter) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
