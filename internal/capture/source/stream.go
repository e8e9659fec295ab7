package source

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
)

// Framing of the capture helper stream. A video stream opens with
// codec(4) width(4) height(4), an audio stream with codec(4); every packet is
// pts_and_flags(8) size(4) payload.
const (
	streamPacketHeaderSize = 12
	streamMaxPacketSize    = 8 << 20

	streamFlagConfig   = uint64(1) << 63
	streamFlagKeyFrame = uint64(1) << 62
	streamPTSMask      = streamFlagKeyFrame - 1
)

var streamCodecIDs = map[uint32]core.Codec{
	0x68323634: core.CodecH264,  // "h264"
	0x6d6a7067: core.CodecMJPEG, // "mjpg"
	0x00767038: core.CodecVP8,   // "vp8"
	0x6f707573: core.CodecOpus,  // "opus"
	0x00616163: core.CodecAAC,   // "aac"
	0x00726177: core.CodecPCM,   // "raw"
}

// StreamCodecID returns the wire id of codec.
func StreamCodecID(codec core.Codec) uint32 {
	for id, c := range streamCodecIDs {
		if c == codec {
			return id
		}
	}
	return 0
}

// Opener opens the byte stream of a capture helper.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Stream reads framed packets produced by an external capture helper over
// TCP, a unix socket or a file/pipe.
type Stream struct {
	runner
	counters

	name   string
	kind   core.Kind
	open   Opener
	logger *slog.Logger

	conn io.ReadCloser
}

// NewStream returns a stream source for address: tcp://host:port,
// unix:///path or a filesystem path.
func NewStream(name string, kind core.Kind, address string, logger *slog.Logger) (*Stream, error) {
	if address == "" {
		return nil, errors.Wrap(core.ErrInvalidConfig, "stream backend needs an address")
	}
	return NewStreamFromOpener(name, kind, addressOpener(address), logger), nil
}

// NewStreamFromOpener returns a stream source reading from whatever open returns.
func NewStreamFromOpener(name string, kind core.Kind, open Opener, logger *slog.Logger) *Stream {
	return &Stream{name: name, kind: kind, open: open, logger: logger}
}

func addressOpener(address string) Opener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		var d net.Dialer
		switch {
		case strings.HasPrefix(address, "tcp://"):
			return d.DialContext(ctx, "tcp", strings.TrimPrefix(address, "tcp://"))
		case strings.HasPrefix(address, "unix://"):
			return d.DialContext(ctx, "unix", strings.TrimPrefix(address, "unix://"))
		default:
			return os.Open(address)
		}
	}
}

func (s *Stream) Name() string    { return s.name }
func (s *Stream) Kind() core.Kind { return s.kind }

// streamHeader is the stream preamble.
type streamHeader struct {
	Codec  core.Codec
	Width  int
	Height int
}

func readStreamHeader(r io.Reader, kind core.Kind) (streamHeader, error) {
	size := 4
	if kind == core.KindVideo {
		size = 12
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return streamHeader{}, errors.Wrap(err, "failed to read stream header")
	}
	id := binary.BigEndian.Uint32(buf[0:4])
	codec, ok := streamCodecIDs[id]
	if !ok {
		return streamHeader{}, errors.Wrapf(core.ErrUnsupportedFormat, "unknown stream codec 0x%08x", id)
	}
	if codec.Kind() != kind {
		return streamHeader{}, errors.Wrapf(core.ErrUnsupportedFormat, "stream carries %s, expected %s", codec, kind)
	}
	h := streamHeader{Codec: codec}
	if kind == core.KindVideo {
		h.Width = int(binary.BigEndian.Uint32(buf[4:8]))
		h.Height = int(binary.BigEndian.Uint32(buf[8:12]))
	}
	return h, nil
}

// streamPacket is one framed payload. PTS is in microseconds of the helper clock.
type streamPacket struct {
	PTS      uint64
	Config   bool
	KeyFrame bool
	Data     []byte
}

func readStreamPacket(r io.Reader) (streamPacket, error) {
	var header [streamPacketHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return streamPacket{}, err
	}
	ptsFlags := binary.BigEndian.Uint64(header[0:8])
	size := binary.BigEndian.Uint32(header[8:12])
	if size > streamMaxPacketSize {
		return streamPacket{}, errors.Errorf("packet of %d bytes exceeds the limit", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return streamPacket{}, errors.Wrap(err, "truncated packet")
	}
	return streamPacket{
		PTS:      ptsFlags & streamPTSMask,
		Config:   ptsFlags&streamFlagConfig != 0,
		KeyFrame: ptsFlags&streamFlagKeyFrame != 0,
		Data:     data,
	}, nil
}

// Resolve implements core.Resolver by opening the stream and reading its
// header. The connection is kept for Start.
func (s *Stream) Resolve(ctx context.Context, cfg core.CaptureConfig) (core.Target, error) {
	conn, header, err := s.connect(ctx, cfg)
	if err != nil {
		return core.Target{}, err
	}
	s.conn = conn
	return core.Target{Name: s.name, Width: header.Width, Height: header.Height}, nil
}

func (s *Stream) connect(ctx context.Context, cfg core.CaptureConfig) (io.ReadCloser, streamHeader, error) {
	conn, err := s.open(ctx)
	if err != nil {
		return nil, streamHeader{}, errors.Wrapf(core.ErrDeviceUnavailable, "open stream: %v", err)
	}
	header, err := readStreamHeader(conn, s.kind)
	if err != nil {
		conn.Close()
		if !errors.Is(err, core.ErrUnsupportedFormat) {
			err = errors.Wrap(core.ErrDeviceUnavailable, err.Error())
		}
		return nil, streamHeader{}, err
	}
	want := cfg.AudioCodec
	if s.kind == core.KindVideo {
		want = cfg.VideoCodec
	}
	if header.Codec != want {
		conn.Close()
		return nil, streamHeader{}, errors.Wrapf(core.ErrUnsupportedFormat, "stream carries %s, track expects %s", header.Codec, want)
	}
	return conn, header, nil
}

func (s *Stream) Start(ctx context.Context, cfg core.CaptureConfig, clock *core.Clock, deliver core.Consumer, stopped core.StopFunc) error {
	conn := s.conn
	s.conn = nil
	if conn == nil {
		var err error
		if conn, _, err = s.connect(ctx, cfg); err != nil {
			return err
		}
	}

	return s.start(ctx, s.logger, stopped, func(ctx context.Context) error {
		finished := make(chan struct{})
		defer close(finished)
		// unblock the reader on stop
		go func() {
			select {
			case <-ctx.Done():
			case <-finished:
			}
			conn.Close()
		}()
		err := s.readPackets(conn, clock, deliver)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

func (s *Stream) readPackets(r io.Reader, clock *core.Clock, deliver core.Consumer) error {
	var (
		mono    core.Monotonic
		config  []byte
		offset  time.Duration
		started bool
	)
	for {
		pkt, err := readStreamPacket(r)
		if err == io.EOF {
			return errors.New("stream closed by the helper")
		}
		if err != nil {
			return err
		}
		if pkt.Config {
			// parameter sets go in front of the next frame
			config = append(config[:0], pkt.Data...)
			continue
		}

		helperPTS := time.Duration(pkt.PTS) * time.Microsecond
		if !started {
			offset = clock.Since() - helperPTS
			started = true
		}

		data := pkt.Data
		if len(config) > 0 {
			data = append(append([]byte{}, config...), data...)
			config = config[:0]
		}
		sample := core.Sample{
			Kind:  s.kind,
			Data:  data,
			PTS:   mono.Next(helperPTS + offset),
			IsKey: pkt.KeyFrame || s.kind == core.KindAudio,
		}
		if err := s.push(deliver, sample); err != nil {
			return err
		}
	}
}

func (s *Stream) Stop() error {
	// a connection resolved but never started
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.stop()
	return nil
}
