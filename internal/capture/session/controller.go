// Package session drives a recording through Idle, Starting, Capturing and
// Stopping: it resolves the capture sources, opens the muxer, connects the
// two and tears everything down on a user stop or when a source ends on
// its own.
package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/mux"
	"github.com/babelcloud/screencap/internal/capture/source"
)

const defaultFinalizeTimeout = 30 * time.Second

// DefaultSources is the backend layout used when none is configured.
func DefaultSources() []source.Spec {
	return []source.Spec{
		{Backend: source.BackendDisplay, Track: core.TrackVideo},
		{Backend: source.BackendPulse, Track: core.TrackSystemAudio},
		{Backend: source.BackendPulse, Track: core.TrackMic},
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithRegistry sets the registry sources are built from.
func WithRegistry(r *source.Registry) Option {
	return func(c *Controller) { c.registry = r }
}

// WithSources sets the backend feeding each track.
func WithSources(specs ...source.Spec) Option {
	return func(c *Controller) { c.specs = specs }
}

// WithOutputDir sets the directory recordings are written to.
func WithOutputDir(dir string) Option {
	return func(c *Controller) { c.outputDir = dir }
}

// WithManifest enables the TOML manifest written next to each recording.
func WithManifest(enabled bool) Option {
	return func(c *Controller) { c.manifest = enabled }
}

// WithClock sets the clock used for session timestamps and file names.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithFinalizeTimeout bounds the finalize wait after an unsolicited stop.
func WithFinalizeTimeout(d time.Duration) Option {
	return func(c *Controller) { c.finalizeTimeout = d }
}

// Controller owns at most one recording session at a time.
type Controller struct {
	registry        *source.Registry
	specs           []source.Spec
	outputDir       string
	manifest        bool
	clock           clock.PassiveClock
	logger          *slog.Logger
	finalizeTimeout time.Duration

	mu          sync.Mutex
	state       State
	current     *active
	last        *Result
	startCancel context.CancelFunc
	startDone   chan struct{}

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewController returns an idle controller writing into outputDir.
func NewController(outputDir string, opts ...Option) *Controller {
	c := &Controller{
		registry:        source.DefaultRegistry(),
		specs:           DefaultSources(),
		outputDir:       outputDir,
		clock:           clock.RealClock{},
		logger:          slog.With("component", "session"),
		finalizeTimeout: defaultFinalizeTimeout,
		subs:            make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the session being recorded, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.snapshot()
}

// LastResult returns the result of the most recent finished session, or nil.
func (c *Controller) LastResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start begins a recording. Setup failures (permission, device, format,
// path) leave the controller Idle with nothing left open; a refused
// permission or a missing device never creates an output file.
func (c *Controller) Start(ctx context.Context, cfg core.CaptureConfig) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrSessionActive, "controller is %s", state)
	}
	startCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.state = StateStarting
	c.startCancel = cancel
	c.startDone = done
	c.mu.Unlock()
	defer cancel()

	c.emit(newEvent(EventStarting, StateStarting, c.clock.Now(), nil))

	a, err := c.start(startCtx, cfg)
	if cerr := startCtx.Err(); cerr != nil {
		if err == nil {
			c.abort(a)
		}
		err = errors.Wrap(ErrStartCanceled, cerr.Error())
	}

	c.mu.Lock()
	c.startCancel = nil
	c.startDone = nil
	if err != nil {
		c.state = StateIdle
		c.mu.Unlock()
		close(done)
		c.logger.Warn("Recording start failed", "error", err.Error())
		c.emit(newEvent(EventFailed, StateIdle, c.clock.Now(), err))
		return nil, err
	}

	c.state = StateCapturing
	c.current = a
	early := a.early
	session := a.snapshot()
	c.mu.Unlock()
	close(done)

	c.logger.Info("Recording started", "session", session.ID, "path", session.OutputPath)
	ev := newEvent(EventStarted, StateCapturing, c.clock.Now(), nil)
	ev.Session = session
	c.emit(ev)

	if early != nil {
		go c.unsolicited(a, early)
	}
	return session, nil
}

// start resolves and opens everything a session needs. On failure nothing
// is left open and no file remains.
func (c *Controller) start(ctx context.Context, cfg core.CaptureConfig) (*active, error) {
	specs, err := c.selectSources(cfg)
	if err != nil {
		return nil, err
	}

	a := &active{
		session: Session{
			ID:        uuid.New(),
			Config:    cfg,
			StartedAt: c.clock.Now(),
		},
		specs:    specs,
		finished: make(chan struct{}),
	}
	logger := c.logger.With("session", a.session.ID)

	width, height := cfg.Width, cfg.Height
	for _, spec := range specs {
		src, err := c.registry.New(spec, logger)
		if err != nil {
			return nil, err
		}
		info := SourceInfo{Track: spec.Track, Backend: spec.Backend, Kind: src.Kind().String()}
		if r, ok := src.(core.Resolver); ok {
			target, err := r.Resolve(ctx, cfg)
			if err != nil {
				c.stopSources(a.sources)
				return nil, errors.Wrapf(err, "resolve %s source for %s", spec.Backend, spec.Track)
			}
			info.Target = target
			if src.Kind() == core.KindVideo {
				width, height = target.Width, target.Height
			}
		}
		a.sources = append(a.sources, src)
		a.session.Sources = append(a.session.Sources, info)
	}
	if !cfg.NoVideo && (width <= 0 || height <= 0) {
		c.stopSources(a.sources)
		return nil, errors.Wrap(core.ErrDeviceUnavailable, "video target size unknown")
	}

	pw, ph := cfg.PixelSize(width, height)
	a.session.OutputPath = outputPath(c.outputDir, cfg.Container, a.session.StartedAt)
	m, err := mux.Open(a.session.OutputPath, cfg.Container, cfg.Tracks(pw, ph),
		mux.WithLogger(logger.With("component", "muxer")),
		mux.WithQueueDepth(cfg.QueueDepth),
	)
	if err != nil {
		c.stopSources(a.sources)
		return nil, err
	}
	a.muxer = m

	clk := core.NewClock(c.clock)
	for i, src := range a.sources {
		if err := ctx.Err(); err != nil {
			c.abort(a)
			return nil, errors.Wrap(ErrStartCanceled, err.Error())
		}
		deliver, err := m.Consumer(src.Name())
		if err == nil {
			err = src.Start(ctx, cfg, clk, deliver, c.stopHandler(a))
		}
		if err != nil {
			c.abort(a)
			return nil, errors.Wrapf(err, "start %s source for %s", a.specs[i].Backend, src.Name())
		}
	}
	return a, nil
}

// selectSources picks the configured backend for every track cfg records.
func (c *Controller) selectSources(cfg core.CaptureConfig) ([]source.Spec, error) {
	var tracks []string
	if !cfg.NoVideo {
		tracks = append(tracks, core.TrackVideo)
	}
	if !cfg.NoAudio {
		tracks = append(tracks, core.TrackSystemAudio)
		if cfg.RecordMic {
			tracks = append(tracks, core.TrackMic)
		}
	}

	specs := make([]source.Spec, 0, len(tracks))
	for _, track := range tracks {
		found := false
		for _, spec := range c.specs {
			if spec.Track == track {
				specs = append(specs, spec)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Wrapf(core.ErrInvalidConfig, "no capture source configured for track %q", track)
		}
	}
	return specs, nil
}

// abort undoes a partial start: sources are stopped, the muxer is closed and
// the file removed.
func (c *Controller) abort(a *active) {
	c.stopSources(a.sources)
	if a.muxer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.finalizeTimeout)
	defer cancel()
	if err := a.muxer.Finalize(ctx); err != nil {
		c.logger.Debug("Finalize of aborted recording failed", "error", err.Error())
	}
	if err := os.Remove(a.muxer.Path()); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("Failed to remove partial recording", "path", a.muxer.Path(), "error", err.Error())
	}
}

func (c *Controller) stopSources(sources []core.CaptureSource) {
	for _, src := range sources {
		if err := src.Stop(); err != nil {
			c.logger.Warn("Failed to stop source", "source", src.Name(), "error", err.Error())
		}
	}
}

// stopHandler returns the StopFunc handed to the sources of a.
func (c *Controller) stopHandler(a *active) core.StopFunc {
	return func(cause error) {
		c.mu.Lock()
		if c.state == StateStarting && c.current != a {
			if a.early == nil {
				a.early = cause
			}
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		go c.unsolicited(a, cause)
	}
}

// unsolicited tears a down after one of its sources ended on its own.
func (c *Controller) unsolicited(a *active, cause error) {
	c.mu.Lock()
	if c.current != a || c.state != StateCapturing {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	if !errors.Is(cause, core.ErrUnsolicitedStop) {
		cause = errors.Wrap(core.ErrUnsolicitedStop, cause.Error())
	}
	c.logger.Warn("Recording ended by the capture source", "session", a.session.ID, "cause", cause.Error())
	c.emit(newEvent(EventStopping, StateStopping, c.clock.Now(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), c.finalizeTimeout)
	defer cancel()
	c.teardown(ctx, a, ReasonUnsolicited, cause)
}

// Stop ends the recording and waits until the output file is finalized.
// It is safe to call at any time: while Starting it cancels the start and
// waits for it to unwind, while Stopping it waits for the running teardown,
// and while Idle it returns the previous result.
func (c *Controller) Stop(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		last := c.last
		c.mu.Unlock()
		return last, nil

	case StateStarting:
		cancel, done := c.startCancel, c.startDone
		c.mu.Unlock()
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// the start either unwound or won the race and is now capturing
		if c.State() == StateIdle {
			return nil, nil
		}
		return c.Stop(ctx)

	case StateStopping:
		a := c.current
		c.mu.Unlock()
		select {
		case <-a.finished:
			return a.result, a.err
		case <-ctx.Done():
			return nil, errors.Wrap(core.ErrIncompleteWrite, ctx.Err().Error())
		}
	}

	a := c.current
	c.state = StateStopping
	c.mu.Unlock()

	c.logger.Info("Stopping recording", "session", a.session.ID)
	c.emit(newEvent(EventStopping, StateStopping, c.clock.Now(), nil))
	return c.teardown(ctx, a, ReasonUser, nil)
}

// teardown stops the sources, finalizes the muxer and returns to Idle.
// cause is the unsolicited stop, if any.
func (c *Controller) teardown(ctx context.Context, a *active, reason StopReason, cause error) (*Result, error) {
	c.stopSources(a.sources)
	c.mu.Lock()
	for i, src := range a.sources {
		if r, ok := src.(source.StatsReporter); ok {
			a.session.Sources[i].Stats = r.SourceStats()
		}
	}
	c.mu.Unlock()

	err := a.muxer.Finalize(ctx)
	res := &Result{
		Session:  a.session,
		Duration: a.muxer.Duration(),
		Tracks:   a.muxer.Stats(),
		Reason:   reason,
		Err:      err,
	}
	if err != nil {
		res.Error = err.Error()
	} else if cause != nil {
		res.Error = cause.Error()
	}
	if c.manifest {
		if path, merr := writeManifest(res); merr != nil {
			c.logger.Warn("Failed to write session manifest", "error", merr.Error())
		} else {
			res.Manifest = path
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.current = nil
	c.last = res
	a.result, a.err = res, err
	c.mu.Unlock()
	close(a.finished)

	c.logger.Info("Recording stopped", "session", a.session.ID, "reason", reason, "duration", res.Duration, "path", a.session.OutputPath)

	evErr := err
	if cause != nil {
		evErr = cause
		if err != nil {
			evErr = errors.Wrapf(cause, "%v", err)
		}
	}
	ev := newEvent(EventStopped, StateIdle, c.clock.Now(), evErr)
	ev.Reason = reason
	ev.Result = res
	c.emit(ev)
	return res, err
}

// Subscribe returns a channel of status events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) emit(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("Dropping status event for slow subscriber", "subscriber", id, "event", ev.Type)
		}
	}
}
