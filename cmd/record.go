package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/screencap/config"
	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/session"
	"github.com/babelcloud/screencap/internal/util"
)

// recordFlags maps record flags to the configuration keys they override.
var recordFlags = map[string]string{
	"output":      "output.dir",
	"manifest":    "output.manifest",
	"display":     "capture.display",
	"width":       "capture.width",
	"height":      "capture.height",
	"scale":       "capture.scale_factor",
	"fps":         "capture.frame_rate",
	"cursor":      "capture.show_cursor",
	"no-video":    "capture.no_video",
	"no-audio":    "capture.no_audio",
	"mic":         "capture.record_mic",
	"container":   "capture.container",
	"video-codec": "capture.video_codec",
	"audio-codec": "capture.audio_codec",
	"quality":     "audio.quality",
	"video":       "sources.video.backend",
	"device":      "sources.video.device",
}

type recordOptions struct {
	duration     time.Duration
	openSettings bool
}

// NewRecordCommand creates the 'record' command
func NewRecordCommand() *cobra.Command {
	opts := &recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the screen and audio to a file",
		Long: `Record a display together with system audio, and optionally the microphone, until
Ctrl+C is pressed, the duration elapses or a source goes away. The file is always
finalized before the command returns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindRecordFlags(cmd); err != nil {
				return err
			}
			return runRecord(cmd, opts)
		},
		Example: `  # Record until Ctrl+C
  screencap record

  # Record 30 seconds of the second display at 30 fps into an MP4
  screencap record -d 30s --display 1 --fps 30 --container mp4

  # Record an Android device over adb with the microphone
  screencap record --video adb --device emulator-5554 --mic`,
	}

	flags := cmd.Flags()
	flags.DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 records until interrupted)")
	flags.BoolVar(&opts.openSettings, "open-settings", true, "Open the OS privacy settings when capture permission is denied")
	flags.StringP("output", "o", "", "Directory recordings are written to")
	flags.Bool("manifest", false, "Write a TOML manifest next to the recording")
	flags.Int("display", 0, "Display index to record")
	flags.Int("width", 0, "Output width in points (0 keeps the display size)")
	flags.Int("height", 0, "Output height in points (0 keeps the display size)")
	flags.Float64("scale", 1.0, "Points to pixels scale factor")
	flags.Int("fps", core.DefaultFrameRate, "Frames per second")
	flags.Bool("cursor", true, "Capture the cursor where the backend supports it")
	flags.Bool("no-video", false, "Record audio only")
	flags.Bool("no-audio", false, "Do not record system audio")
	flags.Bool("mic", false, "Record the microphone as a separate track")
	flags.String("container", string(core.ContainerMKV), "Container format: mkv, webm or mp4")
	flags.String("video-codec", "", "Video codec: mjpeg, h264 or vp8 (defaults to what the video backend produces)")
	flags.String("audio-codec", string(core.CodecPCM), "Audio codec: pcm_s16le, opus or aac")
	flags.String("quality", "", "Audio quality preset: normal, good, high or extreme")
	flags.String("video", "", "Video backend: display, adb, stream or synthetic")
	flags.String("device", "", "Backend specific video device")

	return cmd
}

func bindRecordFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	for name, key := range recordFlags {
		if err := config.BindFlag(key, flags.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

func runRecord(cmd *cobra.Command, opts *recordOptions) error {
	cfg, err := config.CaptureConfig()
	if err != nil {
		return err
	}

	controller := session.NewController(config.OutputDir(),
		session.WithSources(config.SourceSpecs()...),
		session.WithManifest(config.ManifestEnabled()),
		session.WithFinalizeTimeout(config.FinalizeTimeout()),
		session.WithLogger(util.Component("session")),
	)
	events, unsub := controller.Subscribe(16)
	defer unsub()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()
	s, err := controller.Start(ctx, cfg)
	if err != nil {
		if errors.Is(err, core.ErrPermissionDenied) {
			showPermissionHint(cmd.ErrOrStderr(), session.LocalPermissionHint(), opts.openSettings)
		}
		return err
	}

	fmt.Fprintf(out, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("● Recording"), color.CyanString("%s", s.OutputPath))
	fmt.Fprintf(out, "(Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	waitForStop(ctx, out, s.StartedAt, opts.duration, events)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), config.FinalizeTimeout()+5*time.Second)
	defer stopCancel()
	res, err := controller.Stop(stopCtx)
	if res != nil {
		printResult(out, res)
	}
	return err
}

// waitForStop blocks until the user interrupts, the duration elapses or the
// session ends on its own. A terminal gets a running timer.
func waitForStop(ctx context.Context, out io.Writer, startedAt time.Time, duration time.Duration, events <-chan session.Event) {
	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	var tick <-chan time.Time
	interactive := isTerminal(out)
	if interactive {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		if interactive {
			fmt.Fprintln(out)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case ev, ok := <-events:
			if !ok || ev.Type == session.EventStopping || ev.Type == session.EventStopped {
				return
			}
		case <-tick:
			fmt.Fprintf(out, "\r%s", formatElapsed(time.Since(startedAt)))
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func showPermissionHint(w io.Writer, hint session.SettingsHint, open bool) {
	fmt.Fprintf(w, "%s %s\n", color.YellowString("Capture permission denied."), hint.Text)
	if hint.URL == "" || !open {
		return
	}
	if err := browser.OpenURL(hint.URL); err != nil {
		fmt.Fprintf(w, "Failed to open settings automatically, please open %s manually\n", hint.URL)
	}
}

func printResult(w io.Writer, res *session.Result) {
	status := color.GreenString("Saved")
	if res.Err != nil {
		status = color.RedString("Saved with errors")
	}
	fmt.Fprintf(w, "%s %s (%s, %s)\n", status, color.CyanString("%s", res.Session.OutputPath),
		formatElapsed(res.Duration), res.Reason)

	rows := make([]map[string]interface{}, 0, len(res.Tracks))
	for _, t := range res.Tracks {
		rows = append(rows, map[string]interface{}{
			"track":   t.Name,
			"codec":   t.Codec,
			"written": t.Written,
			"dropped": t.Dropped,
			"size":    formatBytes(t.Bytes),
		})
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "TRACK", Key: "track"},
		{Header: "CODEC", Key: "codec"},
		{Header: "SAMPLES", Key: "written"},
		{Header: "DROPPED", Key: "dropped"},
		{Header: "SIZE", Key: "size"},
	}, rows)

	if res.Manifest != "" {
		fmt.Fprintf(w, "Manifest: %s\n", res.Manifest)
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
