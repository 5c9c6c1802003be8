// Package media models the microphone permission check performed before a
// recording starts. The grant is acquired only to confirm that audio capture
// is available and is released immediately afterwards.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDenied reports that microphone access was refused or is unavailable.
var ErrDenied = errors.New("microphone access denied")

// Grant is the short-lived resource obtained from a successful permission check.
type Grant interface {
	Release()
}

// Gate requests audio access.
type Gate interface {
	RequestAudioAccess(ctx context.Context) (Grant, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context) (Grant, error)

func (f GateFunc) RequestAudioAccess(ctx context.Context) (Grant, error) { return f(ctx) }

type nopGrant struct{}

func (nopGrant) Release() {}

// Allow returns a gate that always grants access.
func Allow() Gate {
	return GateFunc(func(ctx context.Context) (Grant, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nopGrant{}, nil
	})
}

// Deny returns a gate that always refuses access with reason.
func Deny(reason string) Gate {
	return GateFunc(func(context.Context) (Grant, error) {
		return nil, deniedError(reason)
	})
}

func deniedError(reason string) error {
	if reason == "" {
		return ErrDenied
	}
	return fmt.Errorf("%w: %s", ErrDenied, reason)
}

// Permission is the microphone state as last reported by the browser.
type Permission string

const (
	PermissionUnknown Permission = ""
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ReportedGate answers permission requests from the state the client last
// reported. The browser performs the real getUserMedia check and releases its
// tracks; this gate mirrors that outcome on the server side.
type ReportedGate struct {
	mu         sync.Mutex
	permission Permission
	detail     string
	grants     int
}

func NewReportedGate() *ReportedGate {
	return &ReportedGate{}
}

// Report records the latest permission outcome.
func (g *ReportedGate) Report(p Permission, detail string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.permission = p
	g.detail = detail
}

func (g *ReportedGate) Permission() Permission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permission
}

// Outstanding returns the number of grants acquired but not yet released.
func (g *ReportedGate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grants
}

func (g *ReportedGate) RequestAudioAccess(ctx context.Context) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.permission {
	case PermissionGranted:
		g.grants++
		return &reportedGrant{gate: g}, nil
	case PermissionDenied:
		return nil, deniedError(g.detail)
	default:
		return nil, deniedError("microphone permission not reported")
	}
}

type reportedGrant struct {
	gate *ReportedGate
	once sync.Once
}

func (p *reportedGrant) Release() {
	p.once.Do(func() {
		p.gate.mu.Lock()
		p.gate.grants--
		p.gate.mu.Unlock()
	})
}
