package recorder

import (
	"github.com/loqalabs/loqa-interview/internal/answers"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
)

// State of a recording session.
type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting-permission"
	StateRecording            State = "recording"
	StateEvaluating           State = "evaluating"
	StateReviewed             State = "reviewed"
)

// Question is the prompt being answered together with its reference answer.
type Question struct {
	Prompt          string `json:"question"`
	ReferenceAnswer string `json:"answer"`
}

// Identity ties a session to its owner and interview.
type Identity struct {
	SessionID   string
	UserID      string
	InterviewID string
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	SessionID        string            `json:"session_id"`
	InterviewID      string            `json:"interview_id"`
	Question         string            `json:"question"`
	State            State             `json:"state"`
	Answer           string            `json:"answer"`
	Interim          string            `json:"interim,omitempty"`
	Fragments        int               `json:"fragments"`
	Result           *evaluator.Result `json:"result,omitempty"`
	EvaluationError  string            `json:"evaluation_error,omitempty"`
	NoSpeech         bool              `json:"no_speech"`
	PermissionDenied bool              `json:"permission_denied"`
	Saving           bool              `json:"saving"`
	SaveOutcome      answers.Outcome   `json:"save_outcome,omitempty"`
	CanSave          bool              `json:"can_save"`
	CanRecord        bool              `json:"can_record"`
}

// Equal reports whether two snapshots show the same thing.
func (s Snapshot) Equal(o Snapshot) bool {
	if (s.Result == nil) != (o.Result == nil) {
		return false
	}
	if s.Result != nil && *s.Result != *o.Result {
		return false
	}
	s.Result, o.Result = nil, nil
	return s == o
}
