package source

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/screencap/internal/capture/core"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// collector is a Consumer that records samples and can be told to push back.
type collector struct {
	mu       sync.Mutex
	samples  []core.Sample
	reject   error
	stopped  chan error
	stopOnce sync.Once
}

func newCollector() *collector {
	return &collector{stopped: make(chan error, 1)}
}

func (c *collector) deliver(s core.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject != nil {
		return c.reject
	}
	c.samples = append(c.samples, s)
	return nil
}

func (c *collector) onStop(cause error) {
	c.stopOnce.Do(func() { c.stopped <- cause })
}

func (c *collector) setReject(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reject = err
}

func (c *collector) got() []core.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Sample(nil), c.samples...)
}

func (c *collector) waitFor(t *testing.T, n int) []core.Sample {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.got()) >= n }, 5*time.Second, 10*time.Millisecond)
	return c.got()
}

func testConfig() core.CaptureConfig {
	cfg := core.DefaultCaptureConfig()
	cfg.FrameRate = 30
	return cfg
}

func TestRegistry_Names(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{BackendADB, BackendDisplay, BackendPulse, BackendStream, BackendSynthetic}, r.Names())
}

func TestRegistry_UnknownBackend(t *testing.T) {
	_, err := DefaultRegistry().New(Spec{Backend: "avfoundation", Track: core.TrackVideo}, testLogger)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestRegistry_BuildsSourcesForTracks(t *testing.T) {
	r := DefaultRegistry()

	video, err := r.New(Spec{Backend: BackendSynthetic, Track: core.TrackVideo}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.TrackVideo, video.Name())
	assert.Equal(t, core.KindVideo, video.Kind())

	mic, err := r.New(Spec{Backend: BackendSynthetic, Track: core.TrackMic}, testLogger)
	require.NoError(t, err)
	assert.Equal(t, core.TrackMic, mic.Name())
	assert.Equal(t, core.KindAudio, mic.Kind())

	_, err = r.New(Spec{Backend: BackendDisplay, Track: core.TrackVideo, Device: "left"}, testLogger)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))

	_, err = r.New(Spec{Backend: BackendStream, Track: core.TrackVideo}, testLogger)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func(spec Spec, logger *slog.Logger) (core.CaptureSource, error) {
		return NewSynthetic(spec.Track, core.KindAudio), nil
	})
	src, err := r.New(Spec{Backend: "fake", Track: core.TrackSystemAudio}, testLogger)
	require.NoError(t, err)
	assert.Equal(t, core.TrackSystemAudio, src.Name())
}

func TestCounters_PushDropsOnNotReady(t *testing.T) {
	var c counters
	s := core.Sample{Kind: core.KindAudio, Data: []byte{1}}

	require.NoError(t, c.push(func(core.Sample) error { return nil }, s))
	require.NoError(t, c.push(func(core.Sample) error { return errors.Wrap(core.ErrTrackNotReady, "full") }, s))
	err := c.push(func(core.Sample) error { return core.ErrTrackFinalized }, s)
	assert.True(t, errors.Is(err, core.ErrTrackFinalized))

	assert.Equal(t, Stats{Delivered: 1, Dropped: 1}, c.SourceStats())
}

func TestSynthetic_DeliversVideo(t *testing.T) {
	src := NewSynthetic(core.TrackVideo, core.KindVideo, WithSyntheticLogger(testLogger))
	c := newCollector()
	require.NoError(t, src.Start(context.Background(), testConfig(), core.NewClock(nil), c.deliver, c.onStop))

	samples := c.waitFor(t, 3)
	require.NoError(t, src.Stop())

	for i, s := range samples {
		assert.Equal(t, core.KindVideo, s.Kind)
		assert.True(t, s.IsKey)
		require.Greater(t, len(s.Data), 2)
		assert.Equal(t, []byte{0xFF, 0xD8}, s.Data[:2], "sample %d is not a JPEG", i)
		if i > 0 {
			assert.GreaterOrEqual(t, s.PTS, samples[i-1].PTS)
		}
	}
}

func TestSynthetic_StampsFramesAtTick(t *testing.T) {
	src := NewSynthetic(core.TrackVideo, core.KindVideo, WithSyntheticLogger(testLogger))
	c := newCollector()
	cfg := testConfig()
	// a large frame makes rendering slower than a frame interval
	cfg.ScaleFactor = 4
	interval := time.Second / time.Duration(cfg.FrameRate)

	require.NoError(t, src.Start(context.Background(), cfg, core.NewClock(nil), c.deliver, c.onStop))
	samples := c.waitFor(t, 1)
	require.NoError(t, src.Stop())

	assert.GreaterOrEqual(t, samples[0].PTS, interval)
	assert.Less(t, samples[0].PTS, 2*interval)
}

func TestSynthetic_DeliversContiguousAudio(t *testing.T) {
	src := NewSynthetic(core.TrackSystemAudio, core.KindAudio, WithSyntheticLogger(testLogger))
	c := newCollector()
	cfg := testConfig()
	require.NoError(t, src.Start(context.Background(), cfg, core.NewClock(nil), c.deliver, c.onStop))

	samples := c.waitFor(t, 4)
	require.NoError(t, src.Stop())

	for i, s := range samples {
		assert.Len(t, s.Data, 960*cfg.Channels*2)
		assert.Equal(t, 20*time.Millisecond, s.Duration)
		if i > 0 {
			assert.Equal(t, samples[i-1].End(), s.PTS)
		}
	}
}

func TestSynthetic_StopIsIdempotentAndFinal(t *testing.T) {
	src := NewSynthetic(core.TrackSystemAudio, core.KindAudio, WithSyntheticLogger(testLogger))
	c := newCollector()
	require.NoError(t, src.Start(context.Background(), testConfig(), core.NewClock(nil), c.deliver, c.onStop))
	c.waitFor(t, 1)

	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())
	n := len(c.got())

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, c.got(), n)
	select {
	case cause := <-c.stopped:
		t.Fatalf("requested stop reported as unsolicited: %v", cause)
	default:
	}
}

func TestSynthetic_StopBeforeStart(t *testing.T) {
	src := NewSynthetic(core.TrackVideo, core.KindVideo)
	assert.NoError(t, src.Stop())
}

func TestSynthetic_UnsolicitedStop(t *testing.T) {
	src := NewSynthetic(core.TrackVideo, core.KindVideo,
		WithSyntheticLogger(testLogger), WithUnsolicitedStopAfter(100*time.Millisecond))
	c := newCollector()
	require.NoError(t, src.Start(context.Background(), testConfig(), core.NewClock(nil), c.deliver, c.onStop))

	select {
	case cause := <-c.stopped:
		assert.True(t, errors.Is(cause, core.ErrUnsolicitedStop))
	case <-time.After(5 * time.Second):
		t.Fatal("unsolicited stop not reported")
	}
	assert.NoError(t, src.Stop())
}

func TestSynthetic_StopsOnFinalizedTrack(t *testing.T) {
	src := NewSynthetic(core.TrackVideo, core.KindVideo, WithSyntheticLogger(testLogger))
	c := newCollector()
	c.setReject(core.ErrTrackFinalized)
	require.NoError(t, src.Start(context.Background(), testConfig(), core.NewClock(nil), c.deliver, c.onStop))

	time.Sleep(150 * time.Millisecond)
	select {
	case cause := <-c.stopped:
		t.Fatalf("finalized track reported as unsolicited stop: %v", cause)
	default:
	}
	assert.NoError(t, src.Stop())
}

func TestSynthetic_BackpressureCountsDrops(t *testing.T) {
	src := NewSynthetic(core.TrackVideo, core.KindVideo, WithSyntheticLogger(testLogger))
	c := newCollector()
	c.setReject(core.ErrTrackNotReady)
	require.NoError(t, src.Start(context.Background(), testConfig(), core.NewClock(nil), c.deliver, c.onStop))

	require.Eventually(t, func() bool { return src.SourceStats().Dropped >= 2 }, 5*time.Second, 10*time.Millisecond)
	c.setReject(nil)
	c.waitFor(t, 1)
	require.NoError(t, src.Stop())
	assert.Positive(t, src.SourceStats().Delivered)
}

func TestSynthetic_SetupErrors(t *testing.T) {
	cfg := testConfig()

	denied := NewSynthetic(core.TrackVideo, core.KindVideo, WithPermissionDenied())
	_, err := denied.Resolve(context.Background(), cfg)
	assert.True(t, errors.Is(err, core.ErrPermissionDenied))
	err = denied.Start(context.Background(), cfg, core.NewClock(nil), newCollector().deliver, nil)
	assert.True(t, errors.Is(err, core.ErrPermissionDenied))

	gone := NewSynthetic(core.TrackMic, core.KindAudio, WithDeviceUnavailable())
	_, err = gone.Resolve(context.Background(), cfg)
	assert.True(t, errors.Is(err, core.ErrDeviceUnavailable))

	cfg.VideoCodec = core.CodecH264
	err = NewSynthetic(core.TrackVideo, core.KindVideo).Start(context.Background(), cfg, core.NewClock(nil), newCollector().deliver, nil)
	assert.True(t, errors.Is(err, core.ErrUnsupportedFormat))
}

func TestSynthetic_StartDelayHonoursContext(t *testing.T) {
	src := NewSynthetic(core.TrackVideo, core.KindVideo, WithStartDelay(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := src.Start(ctx, testConfig(), core.NewClock(nil), newCollector().deliver, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSynthetic_Resolve(t *testing.T) {
	target, err := NewSynthetic(core.TrackVideo, core.KindVideo).Resolve(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, 640, target.Width)
	assert.Equal(t, 360, target.Height)

	target, err = NewSynthetic(core.TrackSystemAudio, core.KindAudio).Resolve(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Zero(t, target.Width)
}

func TestSineBlock(t *testing.T) {
	block := sineBlock(0, 480, 48000, 2)
	require.Len(t, block, 480*2*2)
	// frame 0 is silent, both channels carry the same value
	assert.Equal(t, []byte{0, 0, 0, 0}, block[:4])
	assert.Equal(t, block[40:42], block[42:44])
}
