package mux

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/h264"
)

const (
	// Blocks held back by the sorter so tracks interleave by timestamp.
	mkvSorterDelay = 32
	// How long Close waits for the block writers to release the file.
	mkvCloseTimeout = 10 * time.Second

	mkvTrackTypeVideo = 1
	mkvTrackTypeAudio = 2
)

var mkvCodecIDs = map[core.Codec]string{
	core.CodecH264:  "V_MPEG4/ISO/AVC",
	core.CodecMJPEG: "V_MJPEG",
	core.CodecVP8:   "V_VP8",
	core.CodecPCM:   "A_PCM/INT/LIT",
	core.CodecOpus:  "A_OPUS",
	core.CodecAAC:   "A_AAC",
}

type mkvEBMLHeader struct {
	EBMLVersion        uint64 `ebml:"EBMLVersion"`
	EBMLReadVersion    uint64 `ebml:"EBMLReadVersion"`
	EBMLMaxIDLength    uint64 `ebml:"EBMLMaxIDLength"`
	EBMLMaxSizeLength  uint64 `ebml:"EBMLMaxSizeLength"`
	DocType            string `ebml:"EBMLDocType"`
	DocTypeVersion     uint64 `ebml:"EBMLDocTypeVersion"`
	DocTypeReadVersion uint64 `ebml:"EBMLDocTypeReadVersion"`
}

type mkvSegmentInfo struct {
	TimecodeScale uint64 `ebml:"TimecodeScale"`
	MuxingApp     string `ebml:"MuxingApp,omitempty"`
	WritingApp    string `ebml:"WritingApp,omitempty"`
}

// mkvTrackEntry mirrors webm.TrackEntry with the PCM bit depth added.
type mkvTrackEntry struct {
	Name            string    `ebml:"Name,omitempty"`
	TrackNumber     uint64    `ebml:"TrackNumber"`
	TrackUID        uint64    `ebml:"TrackUID"`
	CodecID         string    `ebml:"CodecID"`
	CodecPrivate    []byte    `ebml:"CodecPrivate,omitempty"`
	TrackType       uint64    `ebml:"TrackType"`
	DefaultDuration uint64    `ebml:"DefaultDuration,omitempty"`
	Video           *mkvVideo `ebml:"Video,omitempty"`
	Audio           *mkvAudio `ebml:"Audio,omitempty"`
}

type mkvVideo struct {
	PixelWidth  uint64 `ebml:"PixelWidth"`
	PixelHeight uint64 `ebml:"PixelHeight"`
}

type mkvAudio struct {
	SamplingFrequency float64 `ebml:"SamplingFrequency"`
	Channels          uint64  `ebml:"Channels"`
	BitDepth          uint64  `ebml:"BitDepth,omitempty"`
}

// closeNotifier is the io.WriteCloser handed to mkvcore. The block writer
// closes it once every track is closed and the last cluster is flushed,
// which makes the close the completion signal for the file.
type closeNotifier struct {
	f      *os.File
	once   sync.Once
	closed chan struct{}
	err    error
}

func newCloseNotifier(f *os.File) *closeNotifier {
	return &closeNotifier{f: f, closed: make(chan struct{})}
}

func (c *closeNotifier) Write(p []byte) (int, error) {
	return c.f.Write(p)
}

func (c *closeNotifier) Close() error {
	c.once.Do(func() {
		c.err = c.f.Sync()
		if err := c.f.Close(); err != nil && c.err == nil {
			c.err = err
		}
		close(c.closed)
	})
	<-c.closed
	return c.err
}

// mkvWriter writes Matroska or WebM with one SimpleBlock writer per track.
type mkvWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	tracks []core.TrackConfig
	blocks []mkvcore.BlockWriteCloser
	avcc   []bool
	out    *closeNotifier
	closed bool

	fatalMu sync.Mutex
	fatal   error
}

func newMKVWriter(f *os.File, container core.Container, tracks []core.TrackConfig, logger *slog.Logger) (*mkvWriter, error) {
	w := &mkvWriter{
		logger: logger.With("container", string(container)),
		tracks: tracks,
		avcc:   make([]bool, len(tracks)),
		out:    newCloseNotifier(f),
	}

	descs := make([]mkvcore.TrackDescription, 0, len(tracks))
	for i, t := range tracks {
		entry, err := w.trackEntry(i, t)
		if err != nil {
			return nil, err
		}
		descs = append(descs, mkvcore.TrackDescription{TrackNumber: entry.TrackNumber, TrackEntry: entry})
	}

	var header interface{} = webm.DefaultEBMLHeader
	if container == core.ContainerMKV {
		header = &mkvEBMLHeader{
			EBMLVersion:        1,
			EBMLReadVersion:    1,
			EBMLMaxIDLength:    4,
			EBMLMaxSizeLength:  8,
			DocType:            "matroska",
			DocTypeVersion:     4,
			DocTypeReadVersion: 2,
		}
	}

	sorter, err := mkvcore.NewMultiTrackBlockSorter(
		mkvcore.WithMaxDelayedPackets(mkvSorterDelay),
		mkvcore.WithSortRule(mkvcore.BlockSorterWriteOutdated),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create block sorter")
	}

	blocks, err := mkvcore.NewSimpleBlockWriter(w.out, descs,
		mkvcore.WithEBMLHeader(header),
		mkvcore.WithSegmentInfo(&mkvSegmentInfo{
			TimecodeScale: uint64(time.Millisecond),
			MuxingApp:     "screencap",
			WritingApp:    "screencap",
		}),
		mkvcore.WithBlockInterceptor(sorter),
		mkvcore.WithOnFatalHandler(func(err error) {
			w.logger.Error("Matroska writer failed", "error", err.Error())
			w.fatalMu.Lock()
			if w.fatal == nil {
				w.fatal = err
			}
			w.fatalMu.Unlock()
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create matroska writer")
	}
	w.blocks = blocks

	w.logger.Debug("Matroska container initialized", "tracks", len(tracks))
	return w, nil
}

func (w *mkvWriter) trackEntry(i int, t core.TrackConfig) (*mkvTrackEntry, error) {
	entry := &mkvTrackEntry{
		Name:        t.Name,
		TrackNumber: uint64(i + 1),
		TrackUID:    uint64(i + 1),
		CodecID:     mkvCodecIDs[t.Codec],
	}

	switch t.Kind {
	case core.KindVideo:
		entry.TrackType = mkvTrackTypeVideo
		if t.FrameRate > 0 {
			entry.DefaultDuration = uint64(time.Second / time.Duration(t.FrameRate))
		}
		entry.Video = &mkvVideo{PixelWidth: uint64(t.Width), PixelHeight: uint64(t.Height)}
		// Without an avcC record the access units stay in Annex-B form.
		if t.Codec == core.CodecH264 && len(t.CodecPrivate) > 0 {
			entry.CodecPrivate = t.CodecPrivate
			w.avcc[i] = true
		}
	case core.KindAudio:
		entry.TrackType = mkvTrackTypeAudio
		entry.Audio = &mkvAudio{SamplingFrequency: float64(t.SampleRate), Channels: uint64(t.Channels)}
		switch t.Codec {
		case core.CodecPCM:
			entry.Audio.BitDepth = 16
		case core.CodecOpus:
			entry.CodecPrivate = opusHead(t.Channels, t.SampleRate)
		case core.CodecAAC:
			conf := mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   t.SampleRate,
				ChannelCount: t.Channels,
			}
			asc, err := conf.Marshal()
			if err != nil {
				return nil, errors.Wrapf(core.ErrUnsupportedFormat, "track %s: %v", t.Name, err)
			}
			entry.CodecPrivate = asc
		}
	}
	return entry, nil
}

func (w *mkvWriter) fatalErr() error {
	w.fatalMu.Lock()
	defer w.fatalMu.Unlock()
	return w.fatal
}

func (w *mkvWriter) WriteSample(track int, s core.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("container closed")
	}
	if err := w.fatalErr(); err != nil {
		return err
	}

	cfg := w.tracks[track]
	data := s.Data
	if w.avcc[track] {
		converted, err := h264.AnnexBToAVCC(data, false)
		if err != nil {
			return errors.Wrap(err, "failed to convert access unit")
		}
		data = converted
	} else if cfg.Codec == core.CodecAAC {
		data = stripADTSHeader(data)
	}
	if len(data) == 0 {
		return errSampleSkipped
	}

	keyframe := s.IsKey || cfg.Kind == core.KindAudio
	if _, err := w.blocks[track].Write(keyframe, s.PTS.Milliseconds(), data); err != nil {
		return errors.Wrapf(err, "failed to write %s block", cfg.Name)
	}
	return nil
}

func (w *mkvWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	for i, b := range w.blocks {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close track %s", w.tracks[i].Name)
		}
	}

	timer := time.NewTimer(mkvCloseTimeout)
	defer timer.Stop()
	select {
	case <-w.out.closed:
	case <-timer.C:
		w.logger.Warn("Matroska writer did not release the file, closing it", "timeout", mkvCloseTimeout)
		_ = w.out.Close()
		if firstErr == nil {
			firstErr = errors.Errorf("matroska writer did not finish within %v", mkvCloseTimeout)
		}
	}

	if firstErr == nil {
		firstErr = w.out.err
	}
	if firstErr == nil {
		firstErr = w.fatalErr()
	}
	return firstErr
}
