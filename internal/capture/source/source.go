// Package source provides the CaptureSource backends: a synthetic test
// signal, desktop displays, PulseAudio, Android devices over adb and framed
// streams from an external capture helper.
package source

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
)

// Backend names understood by the default registry.
const (
	BackendSynthetic = "synthetic"
	BackendDisplay   = "display"
	BackendPulse     = "pulse"
	BackendADB       = "adb"
	BackendStream    = "stream"
)

// DefaultVideoCodec returns the video codec backend produces when none is
// configured. adb screenrecord and capture helpers deliver H.264.
func DefaultVideoCodec(backend string) core.Codec {
	switch backend {
	case BackendADB, BackendStream:
		return core.CodecH264
	default:
		return core.CodecMJPEG
	}
}

// Spec selects the backend feeding one track.
type Spec struct {
	Backend string `json:"backend" mapstructure:"backend"`
	// Track is the muxer track the source feeds (video, audio or mic).
	Track string `json:"track" mapstructure:"track"`
	// Device is backend specific: a display index, a PulseAudio source name,
	// an adb serial or a stream address. Empty selects the default.
	Device string `json:"device,omitempty" mapstructure:"device"`
}

// Factory builds a source for spec.
type Factory func(spec Spec, logger *slog.Logger) (core.CaptureSource, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in backend.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(BackendSynthetic, func(spec Spec, logger *slog.Logger) (core.CaptureSource, error) {
		return NewSynthetic(spec.Track, trackKind(spec.Track), WithSyntheticLogger(logger)), nil
	})
	r.Register(BackendDisplay, func(spec Spec, logger *slog.Logger) (core.CaptureSource, error) {
		return NewDisplay(spec.Track, spec.Device, logger)
	})
	r.Register(BackendPulse, func(spec Spec, logger *slog.Logger) (core.CaptureSource, error) {
		return NewPulse(spec.Track, spec.Device, spec.Track != core.TrackMic, logger), nil
	})
	r.Register(BackendADB, func(spec Spec, logger *slog.Logger) (core.CaptureSource, error) {
		return NewADB(spec.Track, spec.Device, logger), nil
	})
	r.Register(BackendStream, func(spec Spec, logger *slog.Logger) (core.CaptureSource, error) {
		return NewStream(spec.Track, trackKind(spec.Track), spec.Device, logger)
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the source described by spec.
func (r *Registry) New(spec Spec, logger *slog.Logger) (core.CaptureSource, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(core.ErrInvalidConfig, "unknown capture backend %q", spec.Backend)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return f(spec, logger.With("source", spec.Backend, "track", spec.Track))
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func trackKind(track string) core.Kind {
	if track == core.TrackVideo {
		return core.KindVideo
	}
	return core.KindAudio
}

// Stats counts samples handed to the consumer.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// StatsReporter is implemented by every source in this package.
type StatsReporter interface {
	SourceStats() Stats
}

type counters struct {
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (c *counters) SourceStats() Stats {
	return Stats{Delivered: c.delivered.Load(), Dropped: c.dropped.Load()}
}

// push hands s to deliver. Backpressure drops the sample and is not an error;
// any other error ends delivery.
func (c *counters) push(deliver core.Consumer, s core.Sample) error {
	err := deliver(s)
	switch {
	case err == nil:
		c.delivered.Add(1)
		return nil
	case errors.Is(err, core.ErrTrackNotReady):
		c.dropped.Add(1)
		return nil
	default:
		return err
	}
}

// runner owns the capture goroutine of a source. Stop is idempotent and waits
// for the goroutine; a goroutine that ends on its own is reported through the
// StopFunc as an unsolicited stop.
type runner struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool
}

func (r *runner) start(ctx context.Context, logger *slog.Logger, stopped core.StopFunc, run func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("source already started")
	}

	// capture outlives the start request; only stop ends it
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.stopping.Store(false)

	go func() {
		err := run(ctx)
		if r.stopping.Load() || ctx.Err() != nil || errors.Is(err, core.ErrTrackFinalized) {
			if err != nil && !errors.Is(err, core.ErrTrackFinalized) && !errors.Is(err, context.Canceled) {
				logger.Debug("Capture ended during stop", "error", err.Error())
			}
			close(done)
			return
		}
		if err == nil {
			err = errors.New("capture ended")
		}
		logger.Warn("Capture stopped unexpectedly", "error", err.Error())
		// done is closed first so the callback may call Stop.
		close(done)
		if stopped != nil {
			stopped(errors.Wrap(core.ErrUnsolicitedStop, err.Error()))
		}
	}()
	return nil
}

func (r *runner) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	if cancel != nil {
		r.stopping.Store(true)
	}
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func requireCodec(cfg core.CaptureConfig, kind core.Kind, backend string, allowed ...core.Codec) error {
	codec := cfg.AudioCodec
	if kind == core.KindVideo {
		codec = cfg.VideoCodec
	}
	for _, c := range allowed {
		if c == codec {
			return nil
		}
	}
	return errors.Wrapf(core.ErrUnsupportedFormat, "%s backend cannot produce %s", backend, codec)
}
