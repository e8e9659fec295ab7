package mux

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/h264"
)

// 1920x1080 baseline parameter sets
var (
	mp4TestSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	mp4TestPPS = []byte{0x68, 0xce, 0x38, 0x80}
	mp4TestIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	mp4TestP   = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, h264.StartCode4...)
		out = append(out, n...)
	}
	return out
}

type box struct {
	typ     string
	payload []byte
}

func topLevelBoxes(t *testing.T, data []byte) []box {
	t.Helper()
	var boxes []box
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), 8)
		size := uint64(binary.BigEndian.Uint32(data[:4]))
		header := uint64(8)
		if size == 1 {
			size = binary.BigEndian.Uint64(data[8:16])
			header = 16
		}
		require.GreaterOrEqual(t, size, header)
		require.LessOrEqual(t, size, uint64(len(data)))
		boxes = append(boxes, box{typ: string(data[4:8]), payload: data[header:size]})
		data = data[size:]
	}
	return boxes
}

func boxTypes(boxes []box) []string {
	types := make([]string, len(boxes))
	for i, b := range boxes {
		types[i] = b.typ
	}
	return types
}

func readBoxes(t *testing.T, path string) []box {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return topLevelBoxes(t, data)
}

func h264Tracks() []core.TrackConfig {
	cfg := core.DefaultCaptureConfig()
	cfg.Container = core.ContainerMP4
	cfg.VideoCodec = core.CodecH264
	cfg.FrameRate = 30
	return cfg.Tracks(1920, 1080)
}

func TestMP4_ZeroVideoFramesStillWellFormed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mp4")
	m, err := Open(path, core.ContainerMP4, h264Tracks())
	require.NoError(t, err)
	require.NoError(t, m.Finalize(context.Background()))

	boxes := readBoxes(t, path)
	require.Equal(t, []string{"ftyp", "moov"}, boxTypes(boxes))
	// the H.264 track never saw parameter sets and is left out
	assert.Equal(t, 1, bytes.Count(boxes[1].payload, []byte("trak")))
}

func TestMP4_H264AndPCM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "av.mp4")
	m, err := Open(path, core.ContainerMP4, h264Tracks())
	require.NoError(t, err)

	// a delta frame ahead of the first keyframe cannot be decoded
	require.NoError(t, m.Append(0, core.Sample{Kind: core.KindVideo, Data: annexB(mp4TestP), PTS: 0}))
	require.NoError(t, m.Append(1, audioSample(10*time.Millisecond)))
	require.NoError(t, m.Append(0, core.Sample{
		Kind: core.KindVideo, Data: annexB(mp4TestSPS, mp4TestPPS, mp4TestIDR), PTS: 33 * time.Millisecond, IsKey: true,
	}))
	require.NoError(t, m.Append(1, audioSample(30*time.Millisecond)))
	require.NoError(t, m.Append(0, core.Sample{Kind: core.KindVideo, Data: annexB(mp4TestP), PTS: 66 * time.Millisecond}))
	require.NoError(t, m.Finalize(context.Background()))

	boxes := readBoxes(t, path)
	types := boxTypes(boxes)
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, []string{"ftyp", "moov"}, types[:2])
	assert.Equal(t, 2, bytes.Count(boxes[1].payload, []byte("trak")))

	var moof, mdat int
	for _, typ := range types[2:] {
		switch typ {
		case "moof":
			moof++
		case "mdat":
			mdat++
		}
	}
	stats := m.Stats()
	written := int(stats[0].Written + stats[1].Written)
	assert.Equal(t, written, moof)
	assert.Equal(t, written, mdat)
	assert.Equal(t, uint64(2), stats[0].Written)
	assert.Equal(t, uint64(1), stats[0].Dropped)
	assert.Equal(t, uint64(2), stats[1].Written)
}

func TestMP4_MJPEGOneSecond(t *testing.T) {
	cfg := core.DefaultCaptureConfig()
	cfg.FrameRate = 25
	path := filepath.Join(t.TempDir(), "mjpeg.mp4")
	m, err := Open(path, core.ContainerMP4, cfg.Tracks(640, 480), WithQueueDepth(128))
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		require.NoError(t, m.Append(0, videoSample(time.Duration(i)*40*time.Millisecond, true)))
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, m.Append(1, audioSample(time.Duration(i)*20*time.Millisecond)))
	}
	require.NoError(t, m.Finalize(context.Background()))

	boxes := readBoxes(t, path)
	assert.Equal(t, "ftyp", boxes[0].typ)
	assert.Equal(t, "moov", boxes[1].typ)
	assert.Len(t, boxes, 2+2*75)
	assert.Equal(t, time.Second, m.Duration())
}
