package mux

import (
	"encoding/binary"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
)

// containerWriter serializes samples of all tracks into one file. Calls are
// made concurrently from the per-track writer goroutines.
type containerWriter interface {
	// WriteSample writes s (PTS already relative to the session zero) to track.
	// errSampleSkipped means the sample was dropped on purpose.
	WriteSample(track int, s core.Sample) error

	// Close flushes pending data and returns once the file is closed.
	Close() error
}

var errSampleSkipped = errors.New("sample skipped")

// supported lists the codecs each container can carry.
var supported = map[core.Container]map[core.Codec]bool{
	core.ContainerMKV: {
		core.CodecH264: true, core.CodecMJPEG: true, core.CodecVP8: true,
		core.CodecPCM: true, core.CodecOpus: true, core.CodecAAC: true,
	},
	core.ContainerWebM: {
		core.CodecVP8: true, core.CodecOpus: true,
	},
	core.ContainerMP4: {
		core.CodecH264: true, core.CodecMJPEG: true,
		core.CodecPCM: true, core.CodecOpus: true, core.CodecAAC: true,
	},
}

// Supports reports whether container can carry codec.
func Supports(container core.Container, codec core.Codec) bool {
	return supported[container][codec]
}

// Containers returns the known container formats.
func Containers() []core.Container {
	return []core.Container{core.ContainerMKV, core.ContainerWebM, core.ContainerMP4}
}

func checkFormat(container core.Container, tracks []core.TrackConfig) error {
	codecs, ok := supported[container]
	if !ok {
		return errors.Wrapf(core.ErrUnsupportedFormat, "unknown container %q", container)
	}
	if len(tracks) == 0 {
		return errors.Wrap(core.ErrUnsupportedFormat, "no tracks")
	}
	names := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		if !codecs[t.Codec] {
			return errors.Wrapf(core.ErrUnsupportedFormat, "%s cannot carry %s", container, t.Codec)
		}
		if t.Codec.Kind() != t.Kind {
			return errors.Wrapf(core.ErrUnsupportedFormat, "track %s: %s is not a %s codec", t.Name, t.Codec, t.Kind)
		}
		if names[t.Name] {
			return errors.Wrapf(core.ErrUnsupportedFormat, "duplicate track name %q", t.Name)
		}
		names[t.Name] = true
		switch t.Kind {
		case core.KindVideo:
			if t.Width <= 0 || t.Height <= 0 {
				return errors.Wrapf(core.ErrUnsupportedFormat, "track %s: invalid size %dx%d", t.Name, t.Width, t.Height)
			}
		case core.KindAudio:
			if t.SampleRate <= 0 || t.Channels <= 0 {
				return errors.Wrapf(core.ErrUnsupportedFormat, "track %s: invalid audio format", t.Name)
			}
			// mapping family 0 only
			if t.Codec == core.CodecOpus && t.Channels > 2 {
				return errors.Wrapf(core.ErrUnsupportedFormat, "track %s: opus with %d channels", t.Name, t.Channels)
			}
		}
	}
	return nil
}

func newContainerWriter(container core.Container, f *os.File, tracks []core.TrackConfig, logger *slog.Logger) (containerWriter, error) {
	switch container {
	case core.ContainerMKV, core.ContainerWebM:
		return newMKVWriter(f, container, tracks, logger)
	case core.ContainerMP4:
		return newMP4Writer(f, tracks, logger), nil
	}
	return nil, errors.Wrapf(core.ErrUnsupportedFormat, "unknown container %q", container)
}

// sampleDuration returns s.Duration, or the nominal duration derived from
// the track format when the source left it unset.
func sampleDuration(cfg core.TrackConfig, s core.Sample) time.Duration {
	if s.Duration > 0 {
		return s.Duration
	}
	switch cfg.Codec {
	case core.CodecPCM:
		if cfg.SampleRate > 0 && cfg.Channels > 0 {
			frames := len(s.Data) / (2 * cfg.Channels)
			return time.Duration(frames) * time.Second / time.Duration(cfg.SampleRate)
		}
	case core.CodecOpus:
		return 20 * time.Millisecond
	case core.CodecAAC:
		if cfg.SampleRate > 0 {
			return 1024 * time.Second / time.Duration(cfg.SampleRate)
		}
	}
	if cfg.Kind == core.KindVideo && cfg.FrameRate > 0 {
		return time.Second / time.Duration(cfg.FrameRate)
	}
	return 0
}

// opusHead builds the OpusHead identification header used as codec private data.
func opusHead(channels, sampleRate int) []byte {
	b := make([]byte, 19)
	copy(b, "OpusHead")
	b[8] = 1 // version
	b[9] = byte(channels)
	binary.LittleEndian.PutUint16(b[10:12], 312) // pre-skip
	binary.LittleEndian.PutUint32(b[12:16], uint32(sampleRate))
	return b
}

// stripADTSHeader removes an ADTS header if present; both containers store raw AAC.
func stripADTSHeader(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	if data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		headerLen := 7
		if (data[1] & 0x01) == 0 { // CRC present
			headerLen = 9
		}
		if len(data) > headerLen {
			return data[headerLen:]
		}
	}
	return data
}
