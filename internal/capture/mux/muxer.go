// Package mux writes captured samples of several tracks into one container
// file. Producers hand samples to Append, which never blocks: each track owns
// a bounded queue drained by its own writer goroutine, and Finalize waits on
// a single completion gate that opens once every queue is drained and the
// file is closed.
package mux

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"

	"github.com/babelcloud/screencap/internal/capture/core"
)

// Option configures a Muxer.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	queueDepth int
}

// WithLogger sets the logger used by the muxer.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithQueueDepth bounds the number of pending samples per track.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// OutputTrack is one elementary stream inside the output file.
type OutputTrack struct {
	index int
	cfg   core.TrackConfig
	queue chan core.Sample

	finalized atomic.Bool
	written   atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
	lastEnd   atomic.Int64

	// owned by the writer goroutine until it exits
	err error
}

// Config returns the track description.
func (t *OutputTrack) Config() core.TrackConfig {
	return t.cfg
}

// IsReady reports whether Append would accept a sample right now.
func (t *OutputTrack) IsReady() bool {
	return !t.finalized.Load() && len(t.queue) < cap(t.queue)
}

// Finalized reports whether the track stopped accepting samples.
func (t *OutputTrack) Finalized() bool {
	return t.finalized.Load()
}

// TrackStats is a snapshot of one track's counters.
type TrackStats struct {
	Name      string        `json:"name" toml:"name"`
	Kind      string        `json:"kind" toml:"kind"`
	Codec     core.Codec    `json:"codec" toml:"codec"`
	Written   uint64        `json:"written" toml:"written"`
	Dropped   uint64        `json:"dropped" toml:"dropped"`
	Bytes     uint64        `json:"bytes" toml:"bytes"`
	Duration  time.Duration `json:"duration" toml:"duration"`
	Finalized bool          `json:"finalized" toml:"finalized"`
}

// Muxer owns the output file of one session.
type Muxer struct {
	path      string
	container core.Container
	logger    *slog.Logger
	writer    containerWriter
	tracks    []*OutputTrack
	keys      keymutex.KeyMutex
	hasVideo  bool

	mu    sync.Mutex
	began bool
	zero  time.Duration

	wg           sync.WaitGroup
	finalizeOnce sync.Once
	done         chan struct{}
	finalErr     error
}

// Open creates the output file at path and prepares one track per entry in
// tracks. It fails with ErrUnsupportedFormat when the container cannot carry
// a track, and with ErrPathUnwritable when the file cannot be created. The
// file is created exclusively; an existing file is never overwritten.
func Open(path string, container core.Container, tracks []core.TrackConfig, opts ...Option) (*Muxer, error) {
	o := options{
		logger:     slog.With("component", "muxer"),
		queueDepth: core.DefaultQueueDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := checkFormat(container, tracks); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(core.ErrPathUnwritable, "create directory for %s: %v", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(core.ErrPathUnwritable, "create %s: %v", path, err)
	}

	logger := o.logger.With("path", path)
	cw, err := newContainerWriter(container, f, tracks, logger)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	m := newMuxer(path, container, tracks, cw, o.queueDepth, logger)
	logger.Info("Output opened", "container", container, "tracks", len(tracks))
	return m, nil
}

func newMuxer(path string, container core.Container, tracks []core.TrackConfig, cw containerWriter, depth int, logger *slog.Logger) *Muxer {
	m := &Muxer{
		path:      path,
		container: container,
		logger:    logger,
		writer:    cw,
		keys:      keymutex.NewHashed(len(tracks)),
		done:      make(chan struct{}),
	}
	for i, cfg := range tracks {
		t := &OutputTrack{
			index: i,
			cfg:   cfg,
			queue: make(chan core.Sample, depth),
		}
		if cfg.Kind == core.KindVideo {
			m.hasVideo = true
		}
		m.tracks = append(m.tracks, t)
	}
	for _, t := range m.tracks {
		m.wg.Add(1)
		go m.drain(t)
	}
	return m
}

// Path returns the output file path.
func (m *Muxer) Path() string {
	return m.path
}

// Tracks returns the output tracks in file order.
func (m *Muxer) Tracks() []*OutputTrack {
	return m.tracks
}

// TrackIndex returns the index of the track called name, or -1.
func (m *Muxer) TrackIndex(name string) int {
	for i, t := range m.tracks {
		if t.cfg.Name == name {
			return i
		}
	}
	return -1
}

// BeginSession pins the session zero at the given source timestamp. Only the
// first call has an effect; it reports whether this call pinned the zero.
// Append calls it implicitly on the first video sample, or on the first
// sample of any kind when there is no video track.
func (m *Muxer) BeginSession(at time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beginLocked(at)
}

func (m *Muxer) beginLocked(at time.Duration) bool {
	if m.began {
		return false
	}
	m.began = true
	m.zero = at
	m.logger.Info("Session started", "zero", at)
	return true
}

// rebase maps a source timestamp onto the session timeline. Samples before
// the zero are rejected.
func (m *Muxer) rebase(t *OutputTrack, pts time.Duration) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.began {
		if m.hasVideo && t.cfg.Kind != core.KindVideo {
			return 0, false
		}
		m.beginLocked(pts)
	}
	if pts < m.zero {
		return 0, false
	}
	return pts - m.zero, true
}

// Append enqueues s on the track with the given index. It never blocks: a
// full queue yields ErrTrackNotReady, a finalized track ErrTrackFinalized.
// Empty samples and samples earlier than the session zero are dropped.
func (m *Muxer) Append(track int, s core.Sample) error {
	if track < 0 || track >= len(m.tracks) {
		return errors.Errorf("no track %d", track)
	}
	t := m.tracks[track]

	key := t.cfg.Name
	m.keys.LockKey(key)
	defer func() {
		_ = m.keys.UnlockKey(key)
	}()

	if t.finalized.Load() {
		return core.ErrTrackFinalized
	}
	if len(s.Data) == 0 {
		t.dropped.Add(1)
		return nil
	}

	pts, ok := m.rebase(t, s.PTS)
	if !ok {
		t.dropped.Add(1)
		return nil
	}
	s.PTS = pts

	select {
	case t.queue <- s:
		return nil
	default:
		t.dropped.Add(1)
		return core.ErrTrackNotReady
	}
}

// Consumer adapts Append for the track called name into a core.Consumer.
func (m *Muxer) Consumer(name string) (core.Consumer, error) {
	idx := m.TrackIndex(name)
	if idx < 0 {
		return nil, errors.Errorf("no track named %q", name)
	}
	return func(s core.Sample) error {
		return m.Append(idx, s)
	}, nil
}

func (m *Muxer) drain(t *OutputTrack) {
	defer m.wg.Done()
	for s := range t.queue {
		if t.err != nil {
			t.dropped.Add(1)
			continue
		}
		err := m.writer.WriteSample(t.index, s)
		switch {
		case err == nil:
			t.written.Add(1)
			t.bytes.Add(uint64(len(s.Data)))
			end := s.PTS + sampleDuration(t.cfg, s)
			if int64(end) > t.lastEnd.Load() {
				t.lastEnd.Store(int64(end))
			}
		case errors.Is(err, errSampleSkipped):
			t.dropped.Add(1)
		default:
			t.err = err
			t.dropped.Add(1)
			m.logger.Error("Track write failed, discarding the rest", "track", t.cfg.Name, "error", err.Error())
		}
	}
}

// Finalize stops all tracks, waits until their queues are drained and the
// file is closed, and reports ErrIncompleteWrite if anything could not be
// flushed. It may be called any number of times; every call waits on the
// same completion gate. ctx bounds the wait, not the flush itself.
func (m *Muxer) Finalize(ctx context.Context) error {
	m.finalizeOnce.Do(func() {
		go m.finish()
	})
	select {
	case <-m.done:
		return m.finalErr
	case <-ctx.Done():
		return errors.Wrapf(core.ErrIncompleteWrite, "finalize %s: %v", m.path, ctx.Err())
	}
}

// Done is closed once finalization completed.
func (m *Muxer) Done() <-chan struct{} {
	return m.done
}

func (m *Muxer) finish() {
	defer close(m.done)

	for _, t := range m.tracks {
		key := t.cfg.Name
		m.keys.LockKey(key)
		if !t.finalized.Swap(true) {
			close(t.queue)
		}
		_ = m.keys.UnlockKey(key)
	}
	m.wg.Wait()

	var failed []string
	for _, t := range m.tracks {
		if t.err != nil {
			failed = append(failed, t.cfg.Name+": "+t.err.Error())
		}
	}
	closeErr := m.writer.Close()

	switch {
	case len(failed) > 0:
		m.finalErr = errors.Wrapf(core.ErrIncompleteWrite, "tracks failed: %v", failed)
	case closeErr != nil:
		m.finalErr = errors.Wrapf(core.ErrIncompleteWrite, "close %s: %v", m.path, closeErr)
	}

	if m.finalErr != nil {
		m.logger.Error("Output finalized with errors", "error", m.finalErr.Error())
		return
	}
	m.logger.Info("Output finalized", "duration", m.Duration())
}

// Stats returns per-track counters.
func (m *Muxer) Stats() []TrackStats {
	stats := make([]TrackStats, 0, len(m.tracks))
	for _, t := range m.tracks {
		stats = append(stats, TrackStats{
			Name:      t.cfg.Name,
			Kind:      t.cfg.Kind.String(),
			Codec:     t.cfg.Codec,
			Written:   t.written.Load(),
			Dropped:   t.dropped.Load(),
			Bytes:     t.bytes.Load(),
			Duration:  time.Duration(t.lastEnd.Load()),
			Finalized: t.finalized.Load(),
		})
	}
	return stats
}

// Duration returns the end of the latest sample written to any track.
func (m *Muxer) Duration() time.Duration {
	var d time.Duration
	for _, t := range m.tracks {
		if end := time.Duration(t.lastEnd.Load()); end > d {
			d = end
		}
	}
	return d
}
