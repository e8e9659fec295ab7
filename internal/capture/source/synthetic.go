package source

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
)

const (
	syntheticWidth     = 640
	syntheticHeight    = 360
	syntheticToneHz    = 440
	syntheticAudioStep = 20 * time.Millisecond
)

// Synthetic generates a colour-bar MJPEG video or a sine tone PCM audio
// signal in real time. It can simulate a refused permission and an OS-side
// stop, which makes it the fixture for session tests.
type Synthetic struct {
	runner
	counters

	name   string
	kind   core.Kind
	logger *slog.Logger

	denyPermission bool
	unavailable    bool
	stopAfter      time.Duration
	startDelay     time.Duration
}

// SyntheticOption configures a Synthetic source.
type SyntheticOption func(*Synthetic)

// WithSyntheticLogger sets the logger.
func WithSyntheticLogger(logger *slog.Logger) SyntheticOption {
	return func(s *Synthetic) { s.logger = logger }
}

// WithPermissionDenied makes Resolve and Start fail with ErrPermissionDenied.
func WithPermissionDenied() SyntheticOption {
	return func(s *Synthetic) { s.denyPermission = true }
}

// WithDeviceUnavailable makes Resolve and Start fail with ErrDeviceUnavailable.
func WithDeviceUnavailable() SyntheticOption {
	return func(s *Synthetic) { s.unavailable = true }
}

// WithUnsolicitedStopAfter ends capture on its own after d.
func WithUnsolicitedStopAfter(d time.Duration) SyntheticOption {
	return func(s *Synthetic) { s.stopAfter = d }
}

// WithStartDelay makes Start block for d (or until ctx is done) before
// delivery begins, like a platform waiting on a consent prompt.
func WithStartDelay(d time.Duration) SyntheticOption {
	return func(s *Synthetic) { s.startDelay = d }
}

// NewSynthetic returns a synthetic source feeding the track called name.
func NewSynthetic(name string, kind core.Kind, opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{name: name, kind: kind, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synthetic) Name() string    { return s.name }
func (s *Synthetic) Kind() core.Kind { return s.kind }

// Resolve implements core.Resolver.
func (s *Synthetic) Resolve(ctx context.Context, cfg core.CaptureConfig) (core.Target, error) {
	switch {
	case s.denyPermission:
		return core.Target{}, errors.Wrap(core.ErrPermissionDenied, "synthetic source refused access")
	case s.unavailable:
		return core.Target{}, errors.Wrap(core.ErrDeviceUnavailable, "synthetic source has no device")
	}
	if s.kind == core.KindAudio {
		return core.Target{Name: "synthetic tone"}, nil
	}
	return core.Target{Name: "synthetic pattern", Width: syntheticWidth, Height: syntheticHeight}, nil
}

func (s *Synthetic) Start(ctx context.Context, cfg core.CaptureConfig, clock *core.Clock, deliver core.Consumer, stopped core.StopFunc) error {
	if _, err := s.Resolve(ctx, cfg); err != nil {
		return err
	}
	if s.kind == core.KindVideo {
		if err := requireCodec(cfg, s.kind, BackendSynthetic, core.CodecMJPEG); err != nil {
			return err
		}
	} else if err := requireCodec(cfg, s.kind, BackendSynthetic, core.CodecPCM); err != nil {
		return err
	}

	if s.startDelay > 0 {
		timer := time.NewTimer(s.startDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	run := s.runAudio
	if s.kind == core.KindVideo {
		run = s.runVideo
	}
	return s.start(ctx, s.logger, stopped, func(ctx context.Context) error {
		return run(ctx, cfg, clock, deliver)
	})
}

func (s *Synthetic) Stop() error {
	s.stop()
	return nil
}

// deadline returns a channel that fires when the simulated OS stop is due.
func (s *Synthetic) deadline() (<-chan time.Time, func()) {
	if s.stopAfter <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(s.stopAfter)
	return t.C, func() { t.Stop() }
}

func (s *Synthetic) runVideo(ctx context.Context, cfg core.CaptureConfig, clock *core.Clock, deliver core.Consumer) error {
	width, height := cfg.PixelSize(syntheticWidth, syntheticHeight)
	ticker := time.NewTicker(time.Second / time.Duration(cfg.FrameRate))
	defer ticker.Stop()
	osStop, cancel := s.deadline()
	defer cancel()

	var mono core.Monotonic
	var frame uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-osStop:
			return errors.New("synthetic display went away")
		case <-ticker.C:
		}

		pts := mono.Next(clock.Since())
		data, err := encodeFrame(testPattern(width, height, frame), 0, 0)
		if err != nil {
			return errors.Wrap(err, "failed to encode test pattern")
		}
		sample := core.Sample{
			Kind:  core.KindVideo,
			Data:  data,
			PTS:   pts,
			IsKey: true,
		}
		if err := s.push(deliver, sample); err != nil {
			return err
		}
		frame++
	}
}

func (s *Synthetic) runAudio(ctx context.Context, cfg core.CaptureConfig, clock *core.Clock, deliver core.Consumer) error {
	ticker := time.NewTicker(syntheticAudioStep)
	defer ticker.Stop()
	osStop, cancel := s.deadline()
	defer cancel()

	framesPerBlock := cfg.SampleRate * int(syntheticAudioStep/time.Millisecond) / 1000
	base := clock.Since()
	var produced int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-osStop:
			return errors.New("synthetic audio device went away")
		case <-ticker.C:
		}

		block := sineBlock(produced, framesPerBlock, cfg.SampleRate, cfg.Channels)
		sample := core.Sample{
			Kind:     core.KindAudio,
			Data:     block,
			PTS:      base + time.Duration(produced)*time.Second/time.Duration(cfg.SampleRate),
			Duration: syntheticAudioStep,
			IsKey:    true,
		}
		produced += int64(framesPerBlock)
		if err := s.push(deliver, sample); err != nil {
			return err
		}
	}
}

// sineBlock renders frames of interleaved little-endian 16-bit PCM starting
// at frame offset start.
func sineBlock(start int64, frames, sampleRate, channels int) []byte {
	out := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		phase := 2 * math.Pi * syntheticToneHz * float64(start+int64(i)) / float64(sampleRate)
		v := int16(math.Sin(phase) * 0.25 * math.MaxInt16)
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*channels+c)*2:], uint16(v))
		}
	}
	return out
}
