package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/mux"
	"github.com/babelcloud/screencap/internal/capture/source"
)

// Session describes one recording. It is a value: the controller hands out
// copies and keeps the runtime state to itself.
type Session struct {
	ID         uuid.UUID          `json:"id" toml:"id"`
	OutputPath string             `json:"output_path" toml:"output_path"`
	Config     core.CaptureConfig `json:"config" toml:"config"`
	StartedAt  time.Time          `json:"started_at" toml:"started_at"`
	Sources    []SourceInfo       `json:"sources" toml:"sources"`
}

// SourceInfo names the backend feeding a track and the target it resolved.
type SourceInfo struct {
	Track   string       `json:"track" toml:"track"`
	Backend string       `json:"backend" toml:"backend"`
	Kind    string       `json:"kind" toml:"kind"`
	Target  core.Target  `json:"target" toml:"target"`
	Stats   source.Stats `json:"stats" toml:"stats"`
}

// Result is what a finished session leaves behind.
type Result struct {
	Session  Session          `json:"session" toml:"session"`
	Duration time.Duration    `json:"duration" toml:"duration"`
	Tracks   []mux.TrackStats `json:"tracks" toml:"tracks"`
	Reason   StopReason       `json:"reason" toml:"reason"`
	Err      error            `json:"-" toml:"-"`
	Error    string           `json:"error,omitempty" toml:"error,omitempty"`
	// Manifest is the path of the TOML manifest, when one was written.
	Manifest string `json:"manifest,omitempty" toml:"-"`
}

// active is the runtime state of the session being recorded.
type active struct {
	session Session
	muxer   *mux.Muxer
	sources []core.CaptureSource
	specs   []source.Spec

	// set once teardown finished
	finished chan struct{}
	result   *Result
	err      error

	// unsolicited stop reported before the controller reached Capturing
	early error
}

func (a *active) snapshot() *Session {
	s := a.session
	s.Sources = append([]SourceInfo(nil), a.session.Sources...)
	return &s
}
