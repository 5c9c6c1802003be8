package protocol

import "time"

// AudioFrame represents PCM audio captured by the browser for one recording session.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents a transcription fragment broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Notification is a transient, user-visible message about a recording session.
type Notification struct {
	SessionID   string    `json:"session_id"`
	Level       string    `json:"level"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectNotifyPrefix      = "interview.notify"
)

func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

func TranscriptSubject(sessionID string, final bool) string {
	if final {
		return SubjectTranscriptFinal + "." + sessionID
	}
	return SubjectTranscriptPartial + "." + sessionID
}

func NotifySubject(sessionID string) string {
	return SubjectNotifyPrefix + "." + sessionID
}

// TranscriptWildcard matches partial and final transcripts for one session.
func TranscriptWildcard(sessionID string) string {
	return "stt.text.*." + sessionID
}
