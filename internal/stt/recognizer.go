package stt

import (
	"context"
)

// TranscriptResult captures recognizer output for a buffered utterance.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer turns buffered PCM into text. Backends are opaque; the service
// only decides when to ask for a partial and when for the final result.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
