package source

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
)

const (
	pulseBlock         = 20 * time.Millisecond
	pulseErrorPoll     = 250 * time.Millisecond
	pulseApplication   = "screencap"
	pulseRecordLatency = 0.05 // seconds
)

// Pulse records from a PulseAudio server. System audio records the monitor
// of the default sink; the microphone track records the default source.
type Pulse struct {
	runner
	counters

	name    string
	device  string
	monitor bool
	logger  *slog.Logger
}

// NewPulse returns a PulseAudio source. device names a source (or, with
// monitor set, a sink); empty selects the server default.
func NewPulse(name, device string, monitor bool, logger *slog.Logger) *Pulse {
	return &Pulse{name: name, device: device, monitor: monitor, logger: logger}
}

func (p *Pulse) Name() string    { return p.name }
func (p *Pulse) Kind() core.Kind { return core.KindAudio }

func (p *Pulse) connect() (*pulse.Client, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName(pulseApplication))
	if err != nil {
		return nil, errors.Wrapf(core.ErrDeviceUnavailable, "unable to open a client to Pulse: %v", err)
	}
	return c, nil
}

// recordTarget returns the record option selecting the configured device
// and its name.
func (p *Pulse) recordTarget(c *pulse.Client) (pulse.RecordOption, string, error) {
	if p.monitor {
		var sink *pulse.Sink
		var err error
		if p.device == "" {
			sink, err = c.DefaultSink()
		} else {
			sink, err = c.SinkByID(p.device)
		}
		if err != nil {
			return nil, "", errors.Wrapf(core.ErrDeviceUnavailable, "no sink to monitor: %v", err)
		}
		return pulse.RecordMonitor(sink), sink.ID() + ".monitor", nil
	}

	var src *pulse.Source
	var err error
	if p.device == "" {
		src, err = c.DefaultSource()
	} else {
		src, err = c.SourceByID(p.device)
	}
	if err != nil {
		return nil, "", errors.Wrapf(core.ErrDeviceUnavailable, "no record source: %v", err)
	}
	return pulse.RecordSource(src), src.ID(), nil
}

// Resolve implements core.Resolver.
func (p *Pulse) Resolve(ctx context.Context, cfg core.CaptureConfig) (core.Target, error) {
	c, err := p.connect()
	if err != nil {
		return core.Target{}, err
	}
	defer c.Close()

	_, name, err := p.recordTarget(c)
	if err != nil {
		return core.Target{}, err
	}
	return core.Target{Name: name}, nil
}

func (p *Pulse) Start(ctx context.Context, cfg core.CaptureConfig, clock *core.Clock, deliver core.Consumer, stopped core.StopFunc) error {
	if err := requireCodec(cfg, core.KindAudio, BackendPulse, core.CodecPCM); err != nil {
		return err
	}

	var layout pulse.RecordOption
	switch cfg.Channels {
	case 1:
		layout = pulse.RecordMono
	case 2:
		layout = pulse.RecordStereo
	default:
		return errors.Wrapf(core.ErrUnsupportedFormat, "pulse backend records mono or stereo, not %d channels", cfg.Channels)
	}

	c, err := p.connect()
	if err != nil {
		return err
	}
	target, name, err := p.recordTarget(c)
	if err != nil {
		c.Close()
		return err
	}

	w := &pcmBlockWriter{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		blockSize:  cfg.SampleRate * cfg.Channels * int(pulseBlock/time.Millisecond) / 1000,
		clock:      clock,
		deliver: func(s core.Sample) error {
			return p.push(deliver, s)
		},
	}

	stream, err := c.NewRecord(pulse.Int16Writer(w.Write),
		target,
		layout,
		pulse.RecordSampleRate(cfg.SampleRate),
		pulse.RecordLatency(pulseRecordLatency),
	)
	if err != nil {
		c.Close()
		return errors.Wrapf(core.ErrDeviceUnavailable, "unable to initialize a recording from %s: %v", name, err)
	}

	p.logger.Info("Pulse capture starting", "device", name, "rate", cfg.SampleRate, "channels", cfg.Channels)
	stream.Start()

	return p.start(ctx, p.logger, stopped, func(ctx context.Context) error {
		defer c.Close()
		defer closeRecord(stream, p.logger)

		ticker := time.NewTicker(pulseErrorPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				stream.Stop()
				return nil
			case <-ticker.C:
			}
			if err := stream.Error(); err != nil {
				return errors.Wrap(err, "pulse record stream failed")
			}
			if err := w.Err(); err != nil {
				stream.Stop()
				return err
			}
		}
	})
}

func (p *Pulse) Stop() error {
	p.stop()
	return nil
}

// closeRecord closes a record stream; the client panics when the server
// connection is already gone.
func closeRecord(stream *pulse.RecordStream, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("Recovered while closing the record stream", "panic", r)
		}
	}()
	stream.Close()
}

// pcmBlockWriter receives PCM from the record stream and delivers it in
// fixed-size blocks with sample-accurate timestamps.
type pcmBlockWriter struct {
	sampleRate int
	channels   int
	blockSize  int // in int16 values
	clock      *core.Clock
	deliver    func(core.Sample) error

	mu      sync.Mutex
	buf     []int16
	base    time.Duration
	started bool
	frames  int64
	err     error
}

// Write implements the pulse.Int16Writer callback.
func (w *pcmBlockWriter) Write(p []int16) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}
	if !w.started {
		// the first callback carries audio captured just before now
		captured := time.Duration(len(p)/w.channels) * time.Second / time.Duration(w.sampleRate)
		w.base = w.clock.Since() - captured
		w.started = true
	}

	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.blockSize {
		block := w.buf[:w.blockSize]
		data := make([]byte, len(block)*2)
		for i, v := range block {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
		}
		frames := int64(w.blockSize / w.channels)
		sample := core.Sample{
			Kind:     core.KindAudio,
			Data:     data,
			PTS:      w.base + time.Duration(w.frames)*time.Second/time.Duration(w.sampleRate),
			Duration: time.Duration(frames) * time.Second / time.Duration(w.sampleRate),
			IsKey:    true,
		}
		w.frames += frames
		w.buf = append(w.buf[:0], w.buf[w.blockSize:]...)
		if err := w.deliver(sample); err != nil {
			w.err = err
			return len(p), nil
		}
	}
	return len(p), nil
}

// Err returns the error that ended delivery, if any.
func (w *pcmBlockWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
