package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/source"
)

// useFresh swaps in a viper instance that has not read any config file.
func useFresh(t *testing.T) {
	t.Helper()
	prev := v
	v = newViper()
	t.Cleanup(func() { v = prev })
}

func TestCaptureConfigDefaults(t *testing.T) {
	useFresh(t)

	cfg, err := CaptureConfig()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultCaptureConfig(), cfg)
}

func TestCaptureConfigEnv(t *testing.T) {
	useFresh(t)
	t.Setenv("SCREENCAP_CAPTURE_FRAME_RATE", "24")
	t.Setenv("SCREENCAP_CAPTURE_CONTAINER", "mp4")
	t.Setenv("SCREENCAP_CAPTURE_RECORD_MIC", "true")
	t.Setenv("SCREENCAP_AUDIO_QUALITY", "normal")

	cfg, err := CaptureConfig()
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.FrameRate)
	assert.Equal(t, core.ContainerMP4, cfg.Container)
	assert.True(t, cfg.RecordMic)
	assert.Equal(t, 128000, cfg.AudioBitrate)
}

func TestCaptureConfigBadQuality(t *testing.T) {
	useFresh(t)
	v.Set("audio.quality", "lossless")

	_, err := CaptureConfig()
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestSourceSpecs(t *testing.T) {
	useFresh(t)

	assert.Equal(t, []source.Spec{
		{Backend: source.BackendDisplay, Track: core.TrackVideo},
		{Backend: source.BackendPulse, Track: core.TrackSystemAudio},
		{Backend: source.BackendPulse, Track: core.TrackMic},
	}, SourceSpecs())

	v.Set("sources.video.backend", "ADB")
	v.Set("sources.video.device", "emulator-5554")
	v.Set("sources.mic.backend", BackendNone)

	assert.Equal(t, []source.Spec{
		{Backend: "adb", Track: core.TrackVideo, Device: "emulator-5554"},
		{Backend: source.BackendPulse, Track: core.TrackSystemAudio},
	}, SourceSpecs())
}

func TestServerSettings(t *testing.T) {
	useFresh(t)
	assert.Equal(t, DefaultServerAddr, ServerAddr())
	assert.True(t, ServerAuth())
	assert.Empty(t, ServerToken())

	t.Setenv("SCREENCAP_TOKEN", "secret")
	assert.Equal(t, "secret", ServerToken())
}

func TestOutputSettings(t *testing.T) {
	useFresh(t)
	assert.NotEmpty(t, OutputDir())
	assert.False(t, ManifestEnabled())
	assert.Equal(t, 30*time.Second, FinalizeTimeout())

	t.Setenv("SCREENCAP_OUTPUT_DIR", "/tmp/recordings")
	t.Setenv("SCREENCAP_OUTPUT_MANIFEST", "1")
	assert.Equal(t, "/tmp/recordings", OutputDir())
	assert.True(t, ManifestEnabled())
}

func TestBindFlag(t *testing.T) {
	useFresh(t)
	flags := pflag.NewFlagSet("record", pflag.ContinueOnError)
	flags.Int("fps", 60, "")
	require.NoError(t, BindFlag("capture.frame_rate", flags.Lookup("fps")))

	cfg, err := CaptureConfig()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultFrameRate, cfg.FrameRate)

	require.NoError(t, flags.Parse([]string{"--fps", "15"}))
	cfg, err = CaptureConfig()
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.FrameRate)

	assert.Error(t, BindFlag("capture.width", flags.Lookup("missing")))
}

func TestCaptureConfigVideoCodecFollowsBackend(t *testing.T) {
	useFresh(t)
	v.Set("sources.video.backend", source.BackendADB)

	cfg, err := CaptureConfig()
	require.NoError(t, err)
	assert.Equal(t, core.CodecH264, cfg.VideoCodec)

	t.Setenv("SCREENCAP_CAPTURE_VIDEO_CODEC", "mjpeg")
	cfg, err = CaptureConfig()
	require.NoError(t, err)
	assert.Equal(t, core.CodecMJPEG, cfg.VideoCodec)
}
