package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusTranscriber receives fragments published on the bus, either by the
// browser's own recogniser (relayed through the API) or by Service
// transcribing uploaded audio.
type BusTranscriber struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewBusTranscriber(busClient *bus.Client, logger *slog.Logger) *BusTranscriber {
	return &BusTranscriber{
		bus:    busClient,
		logger: logger.With(slog.String("component", "stt-bus-transcriber")),
	}
}

func (t *BusTranscriber) Start(ctx context.Context, sessionID string, opts Options, sink func(Fragment)) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.bus.Healthy() {
		return nil, fmt.Errorf("transcript bus not connected")
	}
	s := &busStream{sink: sink, logger: t.logger.With(slog.String("session_id", sessionID))}

	// One subscription over both subjects keeps partial/final ordering as published.
	sub, err := t.bus.Conn().Subscribe(protocol.TranscriptWildcard(sessionID), s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe transcripts: %w", err)
	}
	s.sub = sub
	if err := t.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush transcript subscription: %w", err)
	}
	return s, nil
}

type busStream struct {
	mu      sync.Mutex
	sub     *nats.Subscription
	sink    func(Fragment)
	stopped bool
	logger  *slog.Logger
}

func (s *busStream) handle(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("failed to decode transcript", slogError(err))
		return
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || transcript.Text == "" {
		return
	}
	s.sink(Fragment{Text: transcript.Text, Final: !transcript.Partial})
}

func (s *busStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// PublishTranscript relays a client-side fragment onto the bus.
func PublishTranscript(busClient *bus.Client, t protocol.Transcript) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	return busClient.Conn().Publish(protocol.TranscriptSubject(t.SessionID, !t.Partial), data)
}

// PublishAudioFrame forwards uploaded PCM to the transcription service.
func PublishAudioFrame(busClient *bus.Client, frame protocol.AudioFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal audio frame: %w", err)
	}
	return busClient.Conn().Publish(protocol.AudioFrameSubject(frame.SessionID), data)
}
