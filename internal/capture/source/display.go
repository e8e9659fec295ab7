package source

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
)

// Consecutive failed grabs after which the display is considered gone.
const maxGrabFailures = 10

// DisplayInfo describes an attached display.
type DisplayInfo struct {
	Index  int             `json:"index"`
	Bounds image.Rectangle `json:"bounds"`
}

// Displays lists the active displays.
func Displays() []DisplayInfo {
	n := screenshot.NumActiveDisplays()
	out := make([]DisplayInfo, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, DisplayInfo{Index: i, Bounds: screenshot.GetDisplayBounds(i)})
	}
	return out
}

// grabber abstracts the platform screen grabber.
type grabber interface {
	NumDisplays() int
	Bounds(index int) image.Rectangle
	Grab(rect image.Rectangle) (*image.RGBA, error)
}

type screenshotGrabber struct{}

func (screenshotGrabber) NumDisplays() int             { return screenshot.NumActiveDisplays() }
func (screenshotGrabber) Bounds(i int) image.Rectangle { return screenshot.GetDisplayBounds(i) }
func (screenshotGrabber) Grab(r image.Rectangle) (*image.RGBA, error) {
	return screenshot.CaptureRect(r)
}

// Display captures a desktop display as MJPEG frames.
type Display struct {
	runner
	counters

	name    string
	index   int
	logger  *slog.Logger
	grabber grabber
}

// NewDisplay returns a display source. device is the display index; empty
// selects the CaptureConfig's Display field.
func NewDisplay(name, device string, logger *slog.Logger) (*Display, error) {
	index := -1
	if device != "" {
		n, err := strconv.Atoi(device)
		if err != nil || n < 0 {
			return nil, errors.Wrapf(core.ErrInvalidConfig, "invalid display index %q", device)
		}
		index = n
	}
	return &Display{name: name, index: index, logger: logger, grabber: screenshotGrabber{}}, nil
}

func (d *Display) Name() string    { return d.name }
func (d *Display) Kind() core.Kind { return core.KindVideo }

func (d *Display) displayIndex(cfg core.CaptureConfig) int {
	if d.index >= 0 {
		return d.index
	}
	return cfg.Display
}

// Resolve implements core.Resolver. It grabs one frame to surface a refused
// screen recording permission before any output exists.
func (d *Display) Resolve(ctx context.Context, cfg core.CaptureConfig) (core.Target, error) {
	n := d.grabber.NumDisplays()
	if n == 0 {
		return core.Target{}, errors.Wrap(core.ErrDeviceUnavailable, "no active display")
	}
	idx := d.displayIndex(cfg)
	if idx >= n {
		return core.Target{}, errors.Wrapf(core.ErrDeviceUnavailable, "display %d not found (%d attached)", idx, n)
	}

	bounds := d.grabber.Bounds(idx)
	img, err := d.grabber.Grab(bounds)
	if err != nil {
		return core.Target{}, errors.Wrapf(core.ErrPermissionDenied, "grab display %d: %v", idx, err)
	}
	if isBlank(img) {
		return core.Target{}, errors.Wrapf(core.ErrPermissionDenied, "display %d returned an empty image", idx)
	}
	return core.Target{Name: fmt.Sprintf("display %d", idx), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

func (d *Display) Start(ctx context.Context, cfg core.CaptureConfig, clock *core.Clock, deliver core.Consumer, stopped core.StopFunc) error {
	if err := requireCodec(cfg, core.KindVideo, BackendDisplay, core.CodecMJPEG); err != nil {
		return err
	}
	target, err := d.Resolve(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.ShowCursor {
		d.logger.Debug("Cursor is not drawn by the display grabber")
	}

	idx := d.displayIndex(cfg)
	bounds := d.grabber.Bounds(idx)
	width, height := cfg.PixelSize(target.Width, target.Height)
	d.logger.Info("Display capture starting", "display", idx, "bounds", bounds, "size", fmt.Sprintf("%dx%d", width, height), "fps", cfg.FrameRate)

	return d.start(ctx, d.logger, stopped, func(ctx context.Context) error {
		return d.run(ctx, bounds, width, height, cfg.FrameRate, clock, deliver)
	})
}

func (d *Display) Stop() error {
	d.stop()
	return nil
}

func (d *Display) run(ctx context.Context, bounds image.Rectangle, width, height, fps int, clock *core.Clock, deliver core.Consumer) error {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var mono core.Monotonic
	failures := 0
	backlogged := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// skip one tick after the consumer pushed back
		if backlogged {
			backlogged = false
			d.dropped.Add(1)
			continue
		}

		pts := clock.Since()
		img, err := d.grabber.Grab(bounds)
		if err != nil || isBlank(img) {
			failures++
			if failures >= maxGrabFailures {
				if err == nil {
					err = errors.New("empty image")
				}
				return errors.Wrapf(err, "display grab failed %d times", failures)
			}
			continue
		}
		failures = 0

		data, err := encodeFrame(img, width, height)
		if err != nil {
			d.logger.Warn("Failed to encode frame", "error", err.Error())
			continue
		}

		before := d.dropped.Load()
		if err := d.push(deliver, core.Sample{Kind: core.KindVideo, Data: data, PTS: mono.Next(pts), IsKey: true}); err != nil {
			return err
		}
		backlogged = d.dropped.Load() != before
	}
}
