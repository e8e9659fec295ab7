package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/screencap/config"
	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/mux"
	"github.com/babelcloud/screencap/internal/capture/session"
	"github.com/babelcloud/screencap/internal/capture/source"
	"github.com/babelcloud/screencap/internal/version"
)

func init() {
	color.NoColor = true
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00", formatElapsed(400*time.Millisecond))
	assert.Equal(t, "01:05", formatElapsed(65*time.Second))
	assert.Equal(t, "1:02:03", formatElapsed(time.Hour+2*time.Minute+3*time.Second))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "3.0 MiB", formatBytes(3<<20))
}

func TestDisplayRows(t *testing.T) {
	rows := displayRows([]source.DisplayInfo{
		{Index: 0, Bounds: image.Rect(0, 0, 2560, 1440)},
		{Index: 1, Bounds: image.Rect(2560, 0, 4480, 1080)},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, "0", rows[0]["index"])
	assert.Equal(t, "2560x1440", rows[0]["size"])
	assert.Equal(t, "1920x1080", rows[1]["size"])
	assert.Equal(t, "2560,0", rows[1]["origin"])
}

func TestDeviceRows(t *testing.T) {
	rows := deviceRows([]source.ADBDevice{{Serial: "emulator-5554", Model: "sdk_gphone", State: "online"}})
	require.Len(t, rows, 1)
	assert.Equal(t, "emulator-5554", rows[0]["serial"])
	assert.Equal(t, "online", rows[0]["state"])
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &session.Result{
		Session:  session.Session{OutputPath: "/tmp/recording.mkv"},
		Duration: 3 * time.Second,
		Reason:   session.ReasonUser,
		Tracks: []mux.TrackStats{
			{Name: core.TrackVideo, Codec: core.CodecMJPEG, Written: 90, Bytes: 2048},
		},
		Manifest: "/tmp/recording.toml",
	})

	out := buf.String()
	assert.Contains(t, out, "Saved /tmp/recording.mkv (00:03, user)")
	assert.Contains(t, out, "mjpeg")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "Manifest: /tmp/recording.toml")
}

func TestShowPermissionHint(t *testing.T) {
	var buf bytes.Buffer
	showPermissionHint(&buf, session.PermissionHint("darwin"), false)
	assert.Contains(t, buf.String(), "Capture permission denied.")
	assert.Contains(t, buf.String(), "Screen Recording")
}

func TestWaitForStopDuration(t *testing.T) {
	var buf bytes.Buffer
	start := time.Now()
	waitForStop(context.Background(), &buf, start, 50*time.Millisecond, make(chan session.Event))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Empty(t, buf.String())
}

func TestWaitForStopUnsolicited(t *testing.T) {
	events := make(chan session.Event, 2)
	events <- session.Event{Type: session.EventStarted}
	events <- session.Event{Type: session.EventStopping, Reason: session.ReasonUnsolicited}

	done := make(chan struct{})
	go func() {
		waitForStop(context.Background(), &bytes.Buffer{}, time.Now(), 0, events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForStop did not return on a stopping event")
	}
}

func TestWaitForStopCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waitForStop(ctx, &bytes.Buffer{}, time.Now(), time.Hour, make(chan session.Event))
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.Execute())

	var info version.Info
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, version.Version, info.Version)
}

func TestRecordFlagsExist(t *testing.T) {
	cmd := NewRecordCommand()
	for name := range recordFlags {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestRecordADBBackendUsesH264(t *testing.T) {
	cmd := NewRecordCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--video", "adb", "--device", "emulator-5554", "--mic"}))
	require.NoError(t, bindRecordFlags(cmd))

	cfg, err := config.CaptureConfig()
	require.NoError(t, err)
	assert.Equal(t, core.CodecH264, cfg.VideoCodec)
	assert.True(t, cfg.RecordMic)
	assert.NoError(t, cfg.Validate())

	cmd = NewRecordCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--video", "adb", "--video-codec", "vp8", "--container", "webm", "--audio-codec", "opus"}))
	require.NoError(t, bindRecordFlags(cmd))

	cfg, err = config.CaptureConfig()
	require.NoError(t, err)
	assert.Equal(t, core.CodecVP8, cfg.VideoCodec)
	assert.Equal(t, core.CodecOpus, cfg.AudioCodec)
	assert.Equal(t, core.ContainerWebM, cfg.Container)
}
