package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/source"
)

const (
	backendDenied = "denied"
	backendFlaky  = "flaky"
	backendSlow   = "slow"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testRegistry() *source.Registry {
	r := source.DefaultRegistry()
	r.Register(backendDenied, func(spec source.Spec, logger *slog.Logger) (core.CaptureSource, error) {
		return source.NewSynthetic(spec.Track, core.KindVideo, source.WithPermissionDenied()), nil
	})
	r.Register(backendFlaky, func(spec source.Spec, logger *slog.Logger) (core.CaptureSource, error) {
		return source.NewSynthetic(spec.Track, core.KindVideo,
			source.WithSyntheticLogger(logger), source.WithUnsolicitedStopAfter(300*time.Millisecond)), nil
	})
	r.Register(backendSlow, func(spec source.Spec, logger *slog.Logger) (core.CaptureSource, error) {
		return source.NewSynthetic(spec.Track, core.KindVideo, source.WithStartDelay(time.Minute)), nil
	})
	return r
}

func newTestController(t *testing.T, video string, opts ...Option) (*Controller, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{
		WithRegistry(testRegistry()),
		WithSources(
			source.Spec{Backend: video, Track: core.TrackVideo},
			source.Spec{Backend: source.BackendSynthetic, Track: core.TrackSystemAudio},
			source.Spec{Backend: source.BackendSynthetic, Track: core.TrackMic},
		),
		WithLogger(testLogger),
	}, opts...)
	return NewController(dir, opts...), dir
}

func testConfig() core.CaptureConfig {
	cfg := core.DefaultCaptureConfig()
	cfg.FrameRate = 30
	return cfg
}

type mkvTracks struct {
	Segment struct {
		Tracks struct {
			TrackEntry []struct {
				TrackNumber uint64 `ebml:"TrackNumber"`
				CodecID     string `ebml:"CodecID"`
			} `ebml:"TrackEntry"`
		} `ebml:"Tracks"`
	} `ebml:"Segment"`
}

func readTrackCodecs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var f mkvTracks
	require.NoError(t, ebml.Unmarshal(bytes.NewReader(data), &f))
	var codecs []string
	for _, e := range f.Segment.Tracks.TrackEntry {
		codecs = append(codecs, e.CodecID)
	}
	return codecs
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func waitForEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestController_OneSecondRecording(t *testing.T) {
	c, _ := newTestController(t, source.BackendSynthetic)

	cfg := testConfig()
	frameInterval := time.Second / time.Duration(cfg.FrameRate)

	begin := time.Now()
	s, err := c.Start(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, StateCapturing, c.State())
	assert.Equal(t, ".mkv", filepath.Ext(s.OutputPath))
	require.Len(t, s.Sources, 2)
	assert.Equal(t, 640, s.Sources[0].Target.Width)

	time.Sleep(time.Second)
	span := time.Since(begin)
	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, ReasonUser, res.Reason)

	// frames are stamped at their tick, so the file spans the capture time
	// to within one frame
	assert.InDelta(t, float64(span), float64(res.Duration), float64(frameInterval))
	require.Len(t, res.Tracks, 2)
	for _, tr := range res.Tracks {
		assert.True(t, tr.Finalized)
		assert.Positive(t, tr.Written, tr.Name)
	}
	assert.Positive(t, res.Session.Sources[0].Stats.Delivered)

	assert.Equal(t, []string{"V_MJPEG", "A_PCM/INT/LIT"}, readTrackCodecs(t, s.OutputPath))
}

func TestController_ImmediateStopIsWellFormed(t *testing.T) {
	for _, container := range []core.Container{core.ContainerMKV, core.ContainerMP4} {
		t.Run(string(container), func(t *testing.T) {
			c, _ := newTestController(t, source.BackendSynthetic)
			cfg := testConfig()
			cfg.Container = container

			s, err := c.Start(context.Background(), cfg)
			require.NoError(t, err)
			res, err := c.Stop(context.Background())
			require.NoError(t, err)

			assert.Less(t, res.Duration, 100*time.Millisecond)
			info, err := os.Stat(s.OutputPath)
			require.NoError(t, err)
			assert.Positive(t, info.Size())
			if container == core.ContainerMKV {
				assert.Len(t, readTrackCodecs(t, s.OutputPath), 2)
			}
		})
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	c, _ := newTestController(t, source.BackendSynthetic)

	_, err := c.Start(context.Background(), testConfig())
	require.NoError(t, err)
	first, err := c.Stop(context.Background())
	require.NoError(t, err)
	second, err := c.Stop(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, StateIdle, c.State())
	assert.Nil(t, c.Current())
}

func TestController_StopBeforeStart(t *testing.T) {
	c, _ := newTestController(t, source.BackendSynthetic)
	res, err := c.Stop(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestController_PermissionDeniedCreatesNoFile(t *testing.T) {
	c, dir := newTestController(t, backendDenied)
	events, unsubscribe := c.Subscribe(8)
	defer unsubscribe()

	_, err := c.Start(context.Background(), testConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPermissionDenied))
	assert.True(t, core.IsSetupError(err))
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, listDir(t, dir))

	ev := waitForEvent(t, events, EventFailed)
	assert.True(t, errors.Is(ev.Err, core.ErrPermissionDenied))
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestController_LogsErrorsOnOneLine(t *testing.T) {
	var logs lockedBuffer
	c, _ := newTestController(t, backendDenied, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	_, err := c.Start(context.Background(), testConfig())
	require.Error(t, err)

	out := logs.String()
	assert.Contains(t, out, "Recording start failed")
	assert.Contains(t, out, core.ErrPermissionDenied.Error())
	// no stack trace from the wrapped error
	assert.NotContains(t, out, ".go:")
	assert.NotContains(t, out, "\n\t")
}

func TestController_NextStartIsIndependentOfFailure(t *testing.T) {
	c, _ := newTestController(t, backendDenied)
	_, err := c.Start(context.Background(), testConfig())
	require.Error(t, err)

	c.specs[0].Backend = source.BackendSynthetic
	_, err = c.Start(context.Background(), testConfig())
	require.NoError(t, err)
	_, err = c.Stop(context.Background())
	require.NoError(t, err)
}

func TestController_StartWhileActive(t *testing.T) {
	c, _ := newTestController(t, source.BackendSynthetic)
	_, err := c.Start(context.Background(), testConfig())
	require.NoError(t, err)
	defer c.Stop(context.Background())

	_, err = c.Start(context.Background(), testConfig())
	assert.True(t, errors.Is(err, ErrSessionActive))
}

func TestController_InvalidConfig(t *testing.T) {
	c, dir := newTestController(t, source.BackendSynthetic)
	cfg := testConfig()
	cfg.NoVideo, cfg.NoAudio = true, true

	_, err := c.Start(context.Background(), cfg)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, listDir(t, dir))
}

func TestController_UnsupportedFormat(t *testing.T) {
	c, dir := newTestController(t, source.BackendSynthetic)
	cfg := testConfig()
	cfg.Container = core.ContainerWebM

	_, err := c.Start(context.Background(), cfg)
	assert.True(t, errors.Is(err, core.ErrUnsupportedFormat))
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, listDir(t, dir))
}

func TestController_UnsolicitedStop(t *testing.T) {
	c, _ := newTestController(t, backendFlaky)
	events, unsubscribe := c.Subscribe(16)
	defer unsubscribe()

	s, err := c.Start(context.Background(), testConfig())
	require.NoError(t, err)

	ev := waitForEvent(t, events, EventStopped)
	assert.Equal(t, ReasonUnsolicited, ev.Reason)
	assert.Equal(t, StateIdle, ev.State)
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, errors.Is(ev.Err, core.ErrUnsolicitedStop))
	require.NotNil(t, ev.Result)
	assert.NoError(t, ev.Result.Err)
	assert.Equal(t, s.ID, ev.Result.Session.ID)

	// the partial recording is finalized and readable
	assert.Len(t, readTrackCodecs(t, s.OutputPath), 2)

	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonUnsolicited, res.Reason)
}

func TestController_StopDuringStart(t *testing.T) {
	c, dir := newTestController(t, backendSlow)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), testConfig())
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.State() == StateStarting }, 5*time.Second, 5*time.Millisecond)

	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrStartCanceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not unwind")
	}
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, listDir(t, dir))
}

func TestController_MicTrack(t *testing.T) {
	c, _ := newTestController(t, source.BackendSynthetic)
	cfg := testConfig()
	cfg.RecordMic = true

	_, err := c.Start(context.Background(), cfg)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	res, err := c.Stop(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Tracks, 3)
	assert.Equal(t, core.TrackMic, res.Tracks[2].Name)
}

func TestController_AudioOnly(t *testing.T) {
	c, _ := newTestController(t, source.BackendSynthetic)
	cfg := testConfig()
	cfg.NoVideo = true

	s, err := c.Start(context.Background(), cfg)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	res, err := c.Stop(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Tracks, 1)
	assert.Positive(t, res.Tracks[0].Written)
	assert.Equal(t, []string{"A_PCM/INT/LIT"}, readTrackCodecs(t, s.OutputPath))
}

func TestController_MissingTrackSource(t *testing.T) {
	c := NewController(t.TempDir(),
		WithRegistry(testRegistry()),
		WithSources(source.Spec{Backend: source.BackendSynthetic, Track: core.TrackVideo}),
		WithLogger(testLogger),
	)
	_, err := c.Start(context.Background(), testConfig())
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestController_Manifest(t *testing.T) {
	c, _ := newTestController(t, source.BackendSynthetic, WithManifest(true))

	s, err := c.Start(context.Background(), testConfig())
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	res, err := c.Stop(context.Background())
	require.NoError(t, err)

	require.Equal(t, manifestPath(s.OutputPath), res.Manifest)
	data, err := os.ReadFile(res.Manifest)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, toml.Unmarshal(data, &m))
	assert.Equal(t, "user", m["reason"])
	session, ok := m["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, s.ID.String(), session["id"])
	assert.Equal(t, s.OutputPath, session["output_path"])
}

func TestController_SlowSubscriberDoesNotBlock(t *testing.T) {
	c, _ := newTestController(t, source.BackendSynthetic)
	_, unsubscribe := c.Subscribe(1)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		_, err := c.Start(context.Background(), testConfig())
		require.NoError(t, err)
		_, err = c.Stop(context.Background())
		require.NoError(t, err)
	}
}

func TestController_EventSequence(t *testing.T) {
	c, _ := newTestController(t, source.BackendSynthetic)
	events, unsubscribe := c.Subscribe(16)

	_, err := c.Start(context.Background(), testConfig())
	require.NoError(t, err)
	_, err = c.Stop(context.Background())
	require.NoError(t, err)
	unsubscribe()

	var got []EventType
	for ev := range events {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []EventType{EventStarting, EventStarted, EventStopping, EventStopped}, got)
}
