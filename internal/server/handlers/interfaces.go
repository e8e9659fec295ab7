package handlers

import (
	"context"
	"time"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/session"
)

// ServerService defines the interface for server operations that handlers need
type ServerService interface {
	// Status and info
	IsRunning() bool
	GetPort() int
	GetUptime() time.Duration
	GetBuildID() string
	GetVersion() string

	// Recording
	Recorder() Recorder
	Events() *EventHub
	CaptureDefaults() core.CaptureConfig
	ControlToken() string
}

// Recorder is the part of the session controller the control channel drives.
type Recorder interface {
	Start(ctx context.Context, cfg core.CaptureConfig) (*session.Session, error)
	Stop(ctx context.Context) (*session.Result, error)
	State() session.State
	Current() *session.Session
	LastResult() *session.Result
}
