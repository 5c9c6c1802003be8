package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service turns uploaded audio frames into transcript fragments. Frames for a
// session are buffered; interim transcriptions run at most every
// PartialEveryMS and a final frame triggers the final transcription.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
	now        func() time.Time
}

type sessionState struct {
	buffer       []byte
	sampleRate   int
	channels     int
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt-service")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// NewRecognizer builds the recognizer selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(""), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("stt service listening", slog.String("subject", subject), slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.logger.Warn("audio frame without session", slog.String("subject", msg.Subject))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{sampleRate: s.cfg.SampleRate, channels: s.cfg.Channels}
		s.sessions[frame.SessionID] = state
	}
	if frame.SampleRate > 0 {
		state.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		state.channels = frame.Channels
	}
	state.buffer = append(state.buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.inflight {
		return false
	}
	now := s.now()
	if state.lastPartial.IsZero() {
		state.lastPartial = now
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if now.Sub(state.lastPartial) >= interval {
		state.lastPartial = now
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.buffer...)
	sampleRate, channels := state.sampleRate, state.channels
	state.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, pcm, sampleRate, channels, final)
		if err != nil {
			s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
		} else {
			s.publishTranscript(sessionID, result.Text, result.Confidence, final)
		}

		s.mu.Lock()
		var pendingFinal bool
		if state := s.sessions[sessionID]; state != nil {
			state.inflight = false
			pendingFinal = state.pendingFinal
			if final {
				delete(s.sessions, sessionID)
			} else {
				state.lastPartial = s.now()
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64, final bool) {
	if text == "" {
		return
	}
	err := PublishTranscript(s.bus, protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  s.now().UTC(),
		Confidence: confidence,
	})
	if err != nil {
		s.logger.Warn("failed to publish transcript", slog.String("session_id", sessionID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
