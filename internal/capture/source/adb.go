package source

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	adb "github.com/basiooo/goadb"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/h264"
)

// ADB records an Android device screen with screenrecord, streamed over
// adb exec-out as raw H.264.
type ADB struct {
	runner
	counters

	name   string
	serial string
	logger *slog.Logger

	clientOnce sync.Once
	client     *adb.Adb
	clientErr  error
}

// ADBDevice describes a device known to the adb server.
type ADBDevice struct {
	Serial string `json:"serial"`
	Model  string `json:"model,omitempty"`
	State  string `json:"state"`
}

// NewADB returns a source for the device with the given serial; empty selects
// the only online device.
func NewADB(name, serial string, logger *slog.Logger) *ADB {
	return &ADB{name: name, serial: serial, logger: logger}
}

func (a *ADB) Name() string    { return a.name }
func (a *ADB) Kind() core.Kind { return core.KindVideo }

func (a *ADB) adbClient() (*adb.Adb, error) {
	a.clientOnce.Do(func() {
		a.client, a.clientErr = newADBClient()
	})
	return a.client, a.clientErr
}

func newADBClient() (*adb.Adb, error) {
	client, err := adb.NewWithConfig(adb.ServerConfig{
		Port: adb.AdbPort,
	})
	if err != nil {
		return nil, errors.Wrapf(core.ErrDeviceUnavailable, "failed to create adb client on port %d: %v", adb.AdbPort, err)
	}
	if err := client.StartServer(); err != nil {
		return nil, errors.Wrapf(core.ErrDeviceUnavailable, "failed to start adb server: %v", err)
	}
	return client, nil
}

// ListADBDevices returns the devices known to the local adb server.
func ListADBDevices() ([]ADBDevice, error) {
	client, err := newADBClient()
	if err != nil {
		return nil, err
	}
	infos, err := client.ListDevices()
	if err != nil {
		return nil, errors.Wrapf(core.ErrDeviceUnavailable, "failed to list devices: %v", err)
	}
	devices := make([]ADBDevice, 0, len(infos))
	for _, info := range infos {
		d := ADBDevice{Serial: info.Serial, Model: info.Model}
		if state, err := client.Device(adb.DeviceWithSerial(info.Serial)).State(); err == nil {
			d.State = state.String()
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// resolveSerial picks the target device and checks it can be recorded.
func (a *ADB) resolveSerial(client *adb.Adb) (string, error) {
	serial := a.serial
	if serial == "" {
		serials, err := client.ListDeviceSerials()
		if err != nil {
			return "", errors.Wrapf(core.ErrDeviceUnavailable, "failed to list devices: %v", err)
		}
		switch len(serials) {
		case 0:
			return "", errors.Wrap(core.ErrDeviceUnavailable, "no android device attached")
		case 1:
			serial = serials[0]
		default:
			return "", errors.Wrapf(core.ErrDeviceUnavailable, "%d devices attached, select one by serial", len(serials))
		}
	}

	state, err := client.Device(adb.DeviceWithSerial(serial)).State()
	if err != nil {
		return "", errors.Wrapf(core.ErrDeviceUnavailable, "device %s: %v", serial, err)
	}
	switch state {
	case adb.StateOnline:
		return serial, nil
	case adb.StateUnauthorized:
		return "", errors.Wrapf(core.ErrPermissionDenied, "device %s has not authorized this computer", serial)
	default:
		return "", errors.Wrapf(core.ErrDeviceUnavailable, "device %s is %s", serial, state)
	}
}

var wmSizePattern = regexp.MustCompile(`(?m)^(?:Override|Physical) size:\s*(\d+)x(\d+)`)

// parseWMSize extracts the effective screen size from `wm size` output,
// preferring an override over the physical size.
func parseWMSize(out string) (int, int, bool) {
	var width, height int
	found := false
	for _, m := range wmSizePattern.FindAllStringSubmatch(out, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		if !found || strings.HasPrefix(m[0], "Override") {
			width, height, found = w, h, true
		}
	}
	return width, height, found
}

// Resolve implements core.Resolver.
func (a *ADB) Resolve(ctx context.Context, cfg core.CaptureConfig) (core.Target, error) {
	client, err := a.adbClient()
	if err != nil {
		return core.Target{}, err
	}
	serial, err := a.resolveSerial(client)
	if err != nil {
		return core.Target{}, err
	}
	out, err := client.Device(adb.DeviceWithSerial(serial)).RunCommand("wm", "size")
	if err != nil {
		return core.Target{}, errors.Wrapf(core.ErrDeviceUnavailable, "query screen size of %s: %v", serial, err)
	}
	width, height, ok := parseWMSize(out)
	if !ok {
		return core.Target{}, errors.Wrapf(core.ErrDeviceUnavailable, "unexpected wm size output %q", strings.TrimSpace(out))
	}
	return core.Target{Name: serial, Width: width, Height: height}, nil
}

// screenrecordArgs builds the adb command line streaming raw H.264.
func screenrecordArgs(serial string, width, height, bitrate int) []string {
	args := []string{"-s", serial, "exec-out", "screenrecord", "--output-format=h264"}
	if width > 0 && height > 0 {
		args = append(args, "--size", strconv.Itoa(width)+"x"+strconv.Itoa(height))
	}
	if bitrate > 0 {
		args = append(args, "--bit-rate", strconv.Itoa(bitrate))
	}
	return append(args, "-")
}

func (a *ADB) Start(ctx context.Context, cfg core.CaptureConfig, clock *core.Clock, deliver core.Consumer, stopped core.StopFunc) error {
	if err := requireCodec(cfg, core.KindVideo, BackendADB, core.CodecH264); err != nil {
		return err
	}
	target, err := a.Resolve(ctx, cfg)
	if err != nil {
		return err
	}
	serial := target.Name
	width, height := cfg.PixelSize(target.Width, target.Height)

	adbPath, err := exec.LookPath("adb")
	if err != nil {
		adbPath = "adb"
	}
	watcher := a.client.NewDeviceWatcher()

	return a.start(ctx, a.logger, stopped, func(ctx context.Context) error {
		defer watcher.Shutdown()

		cmd := exec.CommandContext(ctx, adbPath, screenrecordArgs(serial, width, height, cfg.EffectiveVideoBitrate(width, height))...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return errors.Wrap(err, "failed to open screenrecord output")
		}
		if err := cmd.Start(); err != nil {
			return errors.Wrap(err, "failed to start screenrecord")
		}
		a.logger.Info("ADB capture starting", "device", serial, "size", strconv.Itoa(width)+"x"+strconv.Itoa(height))

		gone := make(chan error, 1)
		go func() {
			for event := range watcher.C() {
				if event.Serial == serial && event.NewState != adb.StateOnline {
					a.logger.Warn("Device left", "device", serial, "state", event.NewState)
					gone <- errors.Errorf("device %s went %s", serial, event.NewState)
					cmd.Process.Kill()
					return
				}
			}
		}()

		readErr := a.readAccessUnits(stdout, clock, deliver)
		waitErr := cmd.Wait()

		select {
		case err := <-gone:
			return err
		default:
		}
		if readErr != nil {
			return readErr
		}
		if waitErr != nil {
			return errors.Wrap(waitErr, "screenrecord exited")
		}
		return errors.New("screenrecord ended")
	})
}

func (a *ADB) readAccessUnits(r io.Reader, clock *core.Clock, deliver core.Consumer) error {
	reader := h264.NewAccessUnitReader(r)
	var mono core.Monotonic
	for {
		au, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read access unit")
		}
		sample := core.Sample{Kind: core.KindVideo, Data: au.Data, PTS: mono.Next(clock.Since()), IsKey: au.IsKey}
		if err := a.push(deliver, sample); err != nil {
			return err
		}
	}
}

func (a *ADB) Stop() error {
	a.stop()
	return nil
}
