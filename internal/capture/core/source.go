package core

import (
	"context"
)

// Consumer receives samples pushed by a CaptureSource. It never blocks: it
// returns ErrTrackNotReady when the sample was not accepted and the source
// should drop it, and ErrTrackFinalized when the source must stop delivering.
type Consumer func(Sample) error

// StopFunc is called by a CaptureSource when capture ends without a Stop call
// (device unplugged, stream closed by the OS, ...). cause describes why.
type StopFunc func(cause error)

// CaptureSource produces an ordered, unbounded sequence of samples of one kind.
type CaptureSource interface {
	// Name identifies the source within a session (it doubles as the track name).
	Name() string

	// Kind returns the media kind of the produced samples.
	Kind() Kind

	// Start begins delivery. It fails with ErrDeviceUnavailable or
	// ErrPermissionDenied when the target cannot be opened. Samples carry
	// timestamps taken from clock.
	Start(ctx context.Context, cfg CaptureConfig, clock *Clock, deliver Consumer, stopped StopFunc) error

	// Stop ceases delivery. It is idempotent; samples produced after Stop
	// returns are discarded.
	Stop() error
}

// Target describes a resolved capture target before the session opens the muxer.
type Target struct {
	Name   string `json:"name" toml:"name"`
	Width  int    `json:"width,omitempty" toml:"width"` // native pixel width, zero for audio targets
	Height int    `json:"height,omitempty" toml:"height"`
}

// Resolver is implemented by sources that can describe their target ahead of
// Start, letting the session size the video track and surface permission
// problems before an output file exists.
type Resolver interface {
	Resolve(ctx context.Context, cfg CaptureConfig) (Target, error)
}
