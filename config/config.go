package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/source"
)

const (
	// DefaultServerAddr is where the control server listens unless configured.
	DefaultServerAddr = "127.0.0.1:28180"

	// BackendNone disables a track in the sources section.
	BackendNone = "none"
)

var v *viper.Viper

// tracks lists the source keys in the order the session layout uses.
var tracks = []string{core.TrackVideo, core.TrackSystemAudio, core.TrackMic}

func init() {
	v = newViper()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	d := core.DefaultCaptureConfig()
	v.SetDefault("capture.display", d.Display)
	v.SetDefault("capture.width", d.Width)
	v.SetDefault("capture.height", d.Height)
	v.SetDefault("capture.scale_factor", d.ScaleFactor)
	v.SetDefault("capture.frame_rate", d.FrameRate)
	v.SetDefault("capture.show_cursor", d.ShowCursor)
	v.SetDefault("capture.no_video", d.NoVideo)
	v.SetDefault("capture.sample_rate", d.SampleRate)
	v.SetDefault("capture.channels", d.Channels)
	v.SetDefault("capture.audio_bitrate", d.AudioBitrate)
	v.SetDefault("capture.video_bitrate", d.VideoBitrate)
	v.SetDefault("capture.no_audio", d.NoAudio)
	v.SetDefault("capture.record_mic", d.RecordMic)
	v.SetDefault("capture.container", string(d.Container))
	// Empty picks the codec the video backend produces.
	v.SetDefault("capture.video_codec", "")
	v.SetDefault("capture.audio_codec", string(d.AudioCodec))
	v.SetDefault("capture.queue_depth", d.QueueDepth)

	// Preset name; when set it overrides capture.audio_bitrate.
	v.SetDefault("audio.quality", "")

	v.SetDefault("sources.video.backend", source.BackendDisplay)
	v.SetDefault("sources.video.device", "")
	v.SetDefault("sources.audio.backend", source.BackendPulse)
	v.SetDefault("sources.audio.device", "")
	v.SetDefault("sources.mic.backend", source.BackendPulse)
	v.SetDefault("sources.mic.device", "")

	v.SetDefault("output.dir", xdg.UserDirs.Download)
	v.SetDefault("output.manifest", false)
	v.SetDefault("output.finalize_timeout", "30s")

	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.token", "")
	v.SetDefault("server.auth", true)

	v.SetDefault("screencap.home", filepath.Join(xdg.Home, ".screencap"))

	// Environment variables: SCREENCAP_CAPTURE_FRAME_RATE, SCREENCAP_OUTPUT_DIR, ...
	v.SetEnvPrefix("SCREENCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("screencap.home", "SCREENCAP_HOME")
	v.BindEnv("server.token", "SCREENCAP_TOKEN", "SCREENCAP_SERVER_TOKEN")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.screencap",
		"/etc/screencap",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}

	return v
}

// BindFlag lets a command line flag override the configuration key.
// The flag only wins when it was set explicitly.
func BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return errors.Errorf("no flag for %s", key)
	}
	return errors.Wrapf(v.BindPFlag(key, flag), "failed to bind flag --%s", flag.Name)
}

// ConfigFile returns the config file in use, or "" when running on defaults.
func ConfigFile() string {
	return v.ConfigFileUsed()
}

// GetHome returns the screencap home directory
func GetHome() string {
	return v.GetString("screencap.home")
}

// CaptureConfig returns the configured capture defaults. Start requests and
// command line flags override these per recording.
func CaptureConfig() (core.CaptureConfig, error) {
	// Unmarshal walks every key so environment overrides of nested keys apply.
	settings := struct {
		Capture core.CaptureConfig `mapstructure:"capture"`
	}{Capture: core.DefaultCaptureConfig()}
	if err := v.Unmarshal(&settings); err != nil {
		return core.DefaultCaptureConfig(), errors.Wrap(err, "failed to decode capture config")
	}
	cfg := settings.Capture
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = source.DefaultVideoCodec(videoBackend())
	}

	if name := v.GetString("audio.quality"); name != "" {
		q, err := core.ParseAudioQuality(name)
		if err != nil {
			return cfg, err
		}
		cfg.AudioBitrate = q.Bitrate()
	}
	return cfg, nil
}

func videoBackend() string {
	return strings.ToLower(strings.TrimSpace(v.GetString("sources." + core.TrackVideo + ".backend")))
}

// SourceSpecs returns the backend feeding each track. A track whose backend
// is empty or "none" is left out.
func SourceSpecs() []source.Spec {
	specs := make([]source.Spec, 0, len(tracks))
	for _, track := range tracks {
		backend := strings.ToLower(strings.TrimSpace(v.GetString("sources." + track + ".backend")))
		if backend == "" || backend == BackendNone {
			continue
		}
		specs = append(specs, source.Spec{
			Backend: backend,
			Track:   track,
			Device:  v.GetString("sources." + track + ".device"),
		})
	}
	return specs
}

// OutputDir returns the directory new recordings are written to.
func OutputDir() string {
	if dir := v.GetString("output.dir"); dir != "" {
		return dir
	}
	return filepath.Join(xdg.Home, "Downloads")
}

// ManifestEnabled reports whether a TOML manifest is written next to each recording.
func ManifestEnabled() bool {
	return v.GetBool("output.manifest")
}

// FinalizeTimeout bounds how long a stop waits for the container to be finalized.
func FinalizeTimeout() time.Duration {
	return v.GetDuration("output.finalize_timeout")
}

// ServerAddr returns the control server listen address
func ServerAddr() string {
	return v.GetString("server.addr")
}

// ServerToken returns the configured control token, "" when one should be generated.
func ServerToken() string {
	return v.GetString("server.token")
}

// ServerAuth reports whether the control server requires a token.
func ServerAuth() bool {
	return v.GetBool("server.auth")
}
