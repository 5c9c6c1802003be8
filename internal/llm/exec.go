package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execCompleter pipes a JSON request to a local command and reads
// {"content": "..."} from its stdout.
type execCompleter struct {
	cmd []string
	mu  sync.Mutex
}

type execResponse struct {
	Content string `json:"content"`
}

func NewExecCompleter(command string) (Completer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execCompleter{cmd: args}, nil
}

func (g *execCompleter) Complete(ctx context.Context, req Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	input, err := encodeRequest(req)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("llm exec command failed: %w: %s", err, stderr.String())
	}

	return decodeResponse(output)
}

// encodeRequest is the stdin contract shared by exec and wasm completers.
func encodeRequest(req Request) ([]byte, error) {
	return json.Marshal(map[string]any{
		"prompt":      req.Prompt,
		"system":      req.System,
		"model":       req.Model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	})
}

func decodeResponse(output []byte) (string, error) {
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	return resp.Content, nil
}
