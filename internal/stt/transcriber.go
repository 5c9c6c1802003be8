package stt

import (
	"context"
	"sync"
)

// Fragment is a piece of transcribed speech. Interim fragments replace each
// other; final fragments are appended permanently to the answer.
type Fragment struct {
	Text  string
	Final bool
}

// Options configures a transcription run.
type Options struct {
	Continuous bool
	Language   string
}

// Stream is a running transcription. Stop is fire-and-forget: it does not wait
// for the capture side to confirm that it released the microphone.
type Stream interface {
	Stop()
}

// Transcriber starts continuous transcription for a recording session and
// delivers fragments to sink in arrival order.
type Transcriber interface {
	Start(ctx context.Context, sessionID string, opts Options, sink func(Fragment)) (Stream, error)
}

// ManualTranscriber hands out streams whose fragments are pushed by the
// caller. It backs tests and the offline CLI.
type ManualTranscriber struct {
	mu       sync.Mutex
	streams  map[string]*ManualStream
	startErr error
	starts   int
}

func NewManualTranscriber() *ManualTranscriber {
	return &ManualTranscriber{streams: make(map[string]*ManualStream)}
}

// FailNextStart makes the next Start return err.
func (m *ManualTranscriber) FailNextStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *ManualTranscriber) Start(ctx context.Context, sessionID string, opts Options, sink func(Fragment)) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		err := m.startErr
		m.startErr = nil
		return nil, err
	}
	m.starts++
	s := &ManualStream{sink: sink, opts: opts}
	m.streams[sessionID] = s
	return s, nil
}

// Stream returns the latest stream started for sessionID.
func (m *ManualTranscriber) Stream(sessionID string) *ManualStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[sessionID]
}

// Starts reports how many streams were started successfully.
func (m *ManualTranscriber) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

type ManualStream struct {
	mu      sync.Mutex
	sink    func(Fragment)
	opts    Options
	stopped bool
	stops   int
}

// Emit delivers a fragment unless the stream was stopped.
func (s *ManualStream) Emit(f Fragment) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	sink := s.sink
	s.mu.Unlock()
	sink(f)
	return true
}

func (s *ManualStream) Interim(text string) bool { return s.Emit(Fragment{Text: text}) }

func (s *ManualStream) Final(text string) bool { return s.Emit(Fragment{Text: text, Final: true}) }

func (s *ManualStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stops++
}

func (s *ManualStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *ManualStream) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}
