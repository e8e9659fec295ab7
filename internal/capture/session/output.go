package session

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
)

const (
	fileTimeLayout   = "2006-01-02 15.04.05"
	collisionRetries = 8
)

// outputPath returns a path for a new recording in dir that does not exist yet.
func outputPath(dir string, container core.Container, at time.Time) string {
	base := "recording " + at.Format(fileTimeLayout)
	path := filepath.Join(dir, base+container.Ext())
	for i := 0; i < collisionRetries && exists(path); i++ {
		path = filepath.Join(dir, base+" "+uniuri.NewLen(6)+container.Ext())
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// manifestPath returns the path of the manifest written next to a recording.
func manifestPath(recording string) string {
	return strings.TrimSuffix(recording, filepath.Ext(recording)) + ".toml"
}

// writeManifest stores the session result as TOML next to the recording.
func writeManifest(res *Result) (string, error) {
	data, err := toml.Marshal(res)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode manifest")
	}
	path := manifestPath(res.Session.OutputPath)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write manifest %s", path)
	}
	return path, nil
}

// SettingsHint points the user to the OS settings that grant capture access.
type SettingsHint struct {
	URL  string `json:"url,omitempty"`
	Text string `json:"text"`
}

// PermissionHint returns the settings hint for goos.
func PermissionHint(goos string) SettingsHint {
	switch goos {
	case "darwin":
		return SettingsHint{
			URL:  "x-apple.systempreferences:com.apple.preference.security?Privacy_ScreenCapture",
			Text: "Allow screen recording in System Settings > Privacy & Security > Screen Recording",
		}
	case "windows":
		return SettingsHint{
			URL:  "ms-settings:privacy-graphicscaptureprogrammatic",
			Text: "Allow screen capture in Settings > Privacy & security",
		}
	default:
		return SettingsHint{
			Text: "Check that the display server allows screen grabs and that the user may access PulseAudio and adb devices",
		}
	}
}

// LocalPermissionHint returns the settings hint for the running OS.
func LocalPermissionHint() SettingsHint {
	return PermissionHint(runtime.GOOS)
}
