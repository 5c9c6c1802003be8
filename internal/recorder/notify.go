package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// Level of a user-visible notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notification is a transient message for the person recording.
type Notification struct {
	Level       Level  `json:"level"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Notifier delivers notifications. Implementations must not block for long;
// they are called from the session loop.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, n Notification)
}

type NotifierFunc func(ctx context.Context, sessionID string, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, sessionID string, n Notification) {
	f(ctx, sessionID, n)
}

// MultiNotifier fans out to every non-nil notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, sessionID string, n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, sessionID, n)
		}
	}
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notifications"))}
}

func (l *LogNotifier) Notify(ctx context.Context, sessionID string, n Notification) {
	level := slog.LevelInfo
	if n.Level == LevelError {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, n.Title,
		slog.String("session_id", sessionID),
		slog.String("level", string(n.Level)),
		slog.String("description", n.Description))
}

// BusNotifier publishes notifications on interview.notify.<session>.
type BusNotifier struct {
	bus *bus.Client
	now func() time.Time
}

func NewBusNotifier(busClient *bus.Client) *BusNotifier {
	return &BusNotifier{bus: busClient, now: time.Now}
}

func (b *BusNotifier) Notify(_ context.Context, sessionID string, n Notification) {
	if !b.bus.Healthy() {
		return
	}
	data, err := json.Marshal(protocol.Notification{
		SessionID:   sessionID,
		Level:       string(n.Level),
		Title:       n.Title,
		Description: n.Description,
		Timestamp:   b.now().UTC(),
	})
	if err != nil {
		b.bus.Logger().Warn("failed to marshal notification", slogError(err))
		return
	}
	if err := b.bus.Conn().Publish(protocol.NotifySubject(sessionID), data); err != nil {
		b.bus.Logger().Warn("failed to publish notification", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
