package interview

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-interview/internal/answers"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/recorder"
)

const (
	maxJSONBody  = 64 << 10
	maxAudioBody = 4 << 20
	writeTimeout = 5 * time.Second
)

// API serves the session endpoints.
type API struct {
	manager    *Manager
	auth       Authenticator
	publisher  Publisher
	hub        *Hub
	logger     *slog.Logger
	sampleRate int
	channels   int
	events     bool
}

type APIOptions struct {
	SampleRate    int
	Channels      int
	DisableEvents bool
}

func NewAPI(manager *Manager, auth Authenticator, publisher Publisher, hub *Hub, opts APIOptions, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	return &API{
		manager:    manager,
		auth:       auth,
		publisher:  publisher,
		hub:        hub,
		logger:     logger.With(slog.String("component", "interview-api")),
		sampleRate: opts.SampleRate,
		channels:   opts.Channels,
		events:     !opts.DisableEvents && hub != nil,
	}
}

// Register mounts the routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/interviews/{interviewID}/sessions", a.authed(a.handleCreate))
	mux.HandleFunc("GET /v1/interviews/{interviewID}/answers", a.authed(a.handleAnswers))
	mux.HandleFunc("GET /v1/sessions/{id}", a.authed(a.handleGet))
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.authed(a.handleDelete))
	mux.HandleFunc("POST /v1/sessions/{id}/permission", a.authed(a.handlePermission))
	mux.HandleFunc("POST /v1/sessions/{id}/start", a.authed(a.handleStart))
	mux.HandleFunc("POST /v1/sessions/{id}/stop", a.authed(a.action((*recorder.Session).Stop)))
	mux.HandleFunc("POST /v1/sessions/{id}/toggle", a.authed(a.action((*recorder.Session).Toggle)))
	mux.HandleFunc("POST /v1/sessions/{id}/reset", a.authed(a.action((*recorder.Session).RecordAgain)))
	mux.HandleFunc("POST /v1/sessions/{id}/save", a.authed(a.handleSave))
	mux.HandleFunc("POST /v1/sessions/{id}/transcript", a.authed(a.handleTranscript))
	mux.HandleFunc("POST /v1/sessions/{id}/audio", a.authed(a.handleAudio))
	if a.events {
		mux.HandleFunc("GET /v1/sessions/{id}/events", a.authed(a.handleEvents))
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (a *API) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Authenticate(r)
		if err != nil {
			a.writeError(w, err)
			return
		}
		next(w, r, userID)
	}
}

type createRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	q := recorder.Question{Prompt: req.Question, ReferenceAnswer: req.Answer}
	session, err := a.manager.Create(r.Context(), userID, r.PathValue("interviewID"), q)
	if err != nil {
		a.writeError(w, err)
		return
	}
	snap, err := session.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *API) handleAnswers(w http.ResponseWriter, r *http.Request, userID string) {
	records, err := a.manager.Answers(r.Context(), userID, r.PathValue("interviewID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if records == nil {
		records = []answers.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"answers": records})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request, userID string) {
	session, err := a.manager.Get(r.PathValue("id"), userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeSnapshot(w, r, session, http.StatusOK)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.manager.Delete(r.Context(), r.PathValue("id"), userID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionRequest struct {
	Granted bool   `json:"granted"`
	Detail  string `json:"detail"`
}

func (a *API) handlePermission(w http.ResponseWriter, r *http.Request, userID string) {
	var req permissionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := a.manager.ReportPermission(id, userID, req.Granted, req.Detail); err != nil {
		a.writeError(w, err)
		return
	}
	session, err := a.manager.Get(id, userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeSnapshot(w, r, session, http.StatusOK)
}

type startRequest struct {
	Microphone *media.Permission `json:"microphone,omitempty"`
}

// handleStart accepts an optional microphone outcome so a client can report
// permission and start in one request.
func (a *API) handleStart(w http.ResponseWriter, r *http.Request, userID string) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, err)
			return
		}
	}
	id := r.PathValue("id")
	if req.Microphone != nil {
		granted := *req.Microphone == media.PermissionGranted
		if err := a.manager.ReportPermission(id, userID, granted, ""); err != nil {
			a.writeError(w, err)
			return
		}
	}
	session, err := a.manager.Get(id, userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := session.Start(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeSnapshot(w, r, session, http.StatusOK)
}

func (a *API) action(fn func(*recorder.Session, context.Context) error) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		session, err := a.manager.Get(r.PathValue("id"), userID)
		if err != nil {
			a.writeError(w, err)
			return
		}
		if err := fn(session, r.Context()); err != nil {
			a.writeError(w, err)
			return
		}
		a.writeSnapshot(w, r, session, http.StatusOK)
	}
}

type saveResponse struct {
	Outcome  answers.Outcome   `json:"outcome"`
	Snapshot recorder.Snapshot `json:"snapshot"`
}

func (a *API) handleSave(w http.ResponseWriter, r *http.Request, userID string) {
	session, err := a.manager.Get(r.PathValue("id"), userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	outcome, err := session.Save(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	snap, err := session.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saveResponse{Outcome: outcome, Snapshot: snap})
}

type transcriptRequest struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (a *API) handleTranscript(w http.ResponseWriter, r *http.Request, userID string) {
	var req transcriptRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if _, err := a.manager.Get(id, userID); err != nil {
		a.writeError(w, err)
		return
	}
	err := a.publisher.PublishTranscript(protocol.Transcript{
		SessionID:  id,
		Text:       req.Text,
		Partial:    !req.Final,
		Confidence: req.Confidence,
	})
	if err != nil {
		a.logger.Warn("failed to publish transcript", slog.String("session_id", id), slogError(err))
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleAudio(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	seq, err := a.manager.NextAudioSequence(id, userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	pcm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBody))
	if err != nil {
		a.writeError(w, badRequest("read audio: "+err.Error()))
		return
	}
	final, _ := strconv.ParseBool(r.URL.Query().Get("final"))
	sampleRate := queryInt(r, "sample_rate", a.sampleRate)
	channels := queryInt(r, "channels", a.channels)
	err = a.publisher.PublishAudio(protocol.AudioFrame{
		SessionID:  id,
		Sequence:   seq,
		SampleRate: sampleRate,
		Channels:   channels,
		PCM:        pcm,
		Final:      final,
	})
	if err != nil {
		a.logger.Warn("failed to publish audio", slog.String("session_id", id), slogError(err))
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	session, err := a.manager.Get(id, userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", slog.String("session_id", id), slogError(err))
		return
	}
	defer conn.CloseNow()

	events, cancel := a.hub.Subscribe(id)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	snap, err := session.Snapshot(ctx)
	if err != nil {
		conn.Close(websocket.StatusGoingAway, "session closed")
		return
	}
	if err := writeEvent(ctx, conn, Event{Type: EventSnapshot, Snapshot: &snap}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			conn.Close(websocket.StatusGoingAway, "session closed")
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				a.logger.Debug("websocket write failed", slog.String("session_id", id), slogError(err))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (a *API) writeSnapshot(w http.ResponseWriter, r *http.Request, session *recorder.Session, status int) {
	snap, err := session.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, status, snap)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type requestError struct{ msg string }

func (e requestError) Error() string { return e.msg }

func badRequest(msg string) error { return requestError{msg: msg} }

// statusFor maps domain errors onto HTTP statuses and stable codes.
func statusFor(err error) (int, string) {
	var reqErr requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, ErrInvalidQuestion):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, ErrNotFound), errors.Is(err, recorder.ErrClosed):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, recorder.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, recorder.ErrNotRecording):
		return http.StatusConflict, "not_recording"
	case errors.Is(err, recorder.ErrNothingToSave):
		return http.StatusConflict, "nothing_to_save"
	case errors.Is(err, ErrTooManySessions):
		return http.StatusConflict, "too_many_sessions"
	case errors.Is(err, recorder.ErrPermissionDenied):
		return http.StatusUnprocessableEntity, "permission_denied"
	case errors.Is(err, recorder.ErrAnswerTooShort):
		return http.StatusUnprocessableEntity, "answer_too_short"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", slogError(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
