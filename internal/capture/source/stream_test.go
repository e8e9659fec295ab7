package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/screencap/internal/capture/core"
)

type streamBuilder struct {
	bytes.Buffer
}

func (b *streamBuilder) videoHeader(codec core.Codec, width, height uint32) *streamBuilder {
	var h [12]byte
	binary.BigEndian.PutUint32(h[0:4], StreamCodecID(codec))
	binary.BigEndian.PutUint32(h[4:8], width)
	binary.BigEndian.PutUint32(h[8:12], height)
	b.Write(h[:])
	return b
}

func (b *streamBuilder) audioHeader(codec core.Codec) *streamBuilder {
	var h [4]byte
	binary.BigEndian.PutUint32(h[:], StreamCodecID(codec))
	b.Write(h[:])
	return b
}

func (b *streamBuilder) packet(ptsFlags uint64, payload ...byte) *streamBuilder {
	var h [12]byte
	binary.BigEndian.PutUint64(h[0:8], ptsFlags)
	binary.BigEndian.PutUint32(h[8:12], uint32(len(payload)))
	b.Write(h[:])
	b.Write(payload)
	return b
}

func (b *streamBuilder) opener() Opener {
	data := append([]byte(nil), b.Bytes()...)
	return func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func TestStream_ResolveReadsHeader(t *testing.T) {
	b := new(streamBuilder).videoHeader(core.CodecMJPEG, 1280, 720)
	s := NewStreamFromOpener(core.TrackVideo, core.KindVideo, b.opener(), testLogger)

	target, err := s.Resolve(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1280, target.Width)
	assert.Equal(t, 720, target.Height)
}

func TestStream_DeliversPackets(t *testing.T) {
	b := new(streamBuilder).videoHeader(core.CodecMJPEG, 320, 240).
		packet(streamFlagConfig, 0x01, 0x02).
		packet(streamFlagKeyFrame|1000, 0x03).
		packet(34000, 0x04)
	s := NewStreamFromOpener(core.TrackVideo, core.KindVideo, b.opener(), testLogger)
	c := newCollector()

	_, err := s.Resolve(context.Background(), testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), testConfig(), core.NewClock(nil), c.deliver, c.onStop))

	// the helper closing its end is not a requested stop
	select {
	case cause := <-c.stopped:
		assert.True(t, errors.Is(cause, core.ErrUnsolicitedStop))
	case <-time.After(5 * time.Second):
		t.Fatal("end of stream not reported")
	}
	require.NoError(t, s.Stop())

	samples := c.got()
	require.Len(t, samples, 2)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, samples[0].Data)
	assert.True(t, samples[0].IsKey)
	assert.Equal(t, []byte{0x04}, samples[1].Data)
	assert.False(t, samples[1].IsKey)
	assert.Equal(t, 33*time.Millisecond, samples[1].PTS-samples[0].PTS)
	assert.Equal(t, Stats{Delivered: 2}, s.SourceStats())
}

func TestStream_AudioPacketsAreKeyFrames(t *testing.T) {
	b := new(streamBuilder).audioHeader(core.CodecPCM).packet(0, make([]byte, 16)...)
	s := NewStreamFromOpener(core.TrackMic, core.KindAudio, b.opener(), testLogger)
	c := newCollector()

	require.NoError(t, s.Start(context.Background(), testConfig(), core.NewClock(nil), c.deliver, c.onStop))
	samples := c.waitFor(t, 1)
	require.NoError(t, s.Stop())

	assert.Equal(t, core.KindAudio, samples[0].Kind)
	assert.True(t, samples[0].IsKey)
}

func TestStream_SetupErrors(t *testing.T) {
	unknown := new(streamBuilder)
	unknown.Write([]byte("abcd0000pppp"))

	tests := []struct {
		name    string
		kind    core.Kind
		open    Opener
		wantErr error
	}{
		{
			name:    "codec differs from config",
			kind:    core.KindVideo,
			open:    new(streamBuilder).videoHeader(core.CodecH264, 320, 240).opener(),
			wantErr: core.ErrUnsupportedFormat,
		},
		{
			name:    "audio codec on video track",
			kind:    core.KindVideo,
			open:    new(streamBuilder).audioHeader(core.CodecOpus).packet(0, 1, 2, 3, 4).opener(),
			wantErr: core.ErrUnsupportedFormat,
		},
		{
			name:    "unknown codec",
			kind:    core.KindVideo,
			open:    unknown.opener(),
			wantErr: core.ErrUnsupportedFormat,
		},
		{
			name:    "empty stream",
			kind:    core.KindAudio,
			open:    new(streamBuilder).opener(),
			wantErr: core.ErrDeviceUnavailable,
		},
		{
			name: "helper not running",
			kind: core.KindAudio,
			open: func(ctx context.Context) (io.ReadCloser, error) {
				return nil, errors.New("connection refused")
			},
			wantErr: core.ErrDeviceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStreamFromOpener("track", tt.kind, tt.open, testLogger)
			_, err := s.Resolve(context.Background(), testConfig())
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestReadStreamPacket_RejectsOversizedPackets(t *testing.T) {
	var h [12]byte
	binary.BigEndian.PutUint32(h[8:12], streamMaxPacketSize+1)
	_, err := readStreamPacket(bytes.NewReader(h[:]))
	assert.Error(t, err)
}

func TestNewStream_RequiresAddress(t *testing.T) {
	_, err := NewStream(core.TrackVideo, core.KindVideo, "", testLogger)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestStreamCodecID(t *testing.T) {
	assert.Equal(t, uint32(0x68323634), StreamCodecID(core.CodecH264))
	assert.Equal(t, uint32(0x6f707573), StreamCodecID(core.CodecOpus))
	assert.Zero(t, StreamCodecID(core.Codec("theora")))
}
