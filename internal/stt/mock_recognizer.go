package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer that reports text for every final
// request and a byte count for partials. An empty text yields a placeholder.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if !final {
		return TranscriptResult{Text: fmt.Sprintf("[listening %d bytes]", len(pcm))}, nil
	}
	if m.text != "" {
		return TranscriptResult{Text: m.text, Confidence: 1}, nil
	}
	return TranscriptResult{Text: fmt.Sprintf("[final transcript length=%d]", len(pcm))}, nil
}
