package mux

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencap/internal/capture/core"
	"github.com/babelcloud/screencap/internal/capture/h264"
)

const (
	videoTimeScale = 90000
	// Samples held while the init segment waits for H.264 parameter sets.
	maxPendingSamples = 1024
)

type mp4Track struct {
	id        int
	cfg       core.TrackConfig
	codec     mp4.Codec
	timeScale uint32
	inInit    bool
}

type pendingSample struct {
	track  int
	sample core.Sample
}

// mp4Writer writes fragmented MP4: an init segment once every track's codec
// parameters are known, then one fragment per sample.
type mp4Writer struct {
	mu       sync.Mutex
	logger   *slog.Logger
	file     *os.File
	tracks   []*mp4Track
	initSent bool
	pending  []pendingSample
	seq      uint32
	closed   bool
}

func newMP4Writer(f *os.File, tracks []core.TrackConfig, logger *slog.Logger) *mp4Writer {
	w := &mp4Writer{
		logger: logger.With("container", "mp4"),
		file:   f,
		seq:    1,
	}
	for i, t := range tracks {
		tr := &mp4Track{id: i + 1, cfg: t}
		switch t.Codec {
		case core.CodecH264:
			// codec learned from the first keyframe
		case core.CodecMJPEG:
			tr.codec = &mp4.CodecMJPEG{Width: t.Width, Height: t.Height}
		case core.CodecPCM:
			tr.codec = &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     16,
				SampleRate:   t.SampleRate,
				ChannelCount: t.Channels,
			}
		case core.CodecOpus:
			tr.codec = &mp4.CodecOpus{ChannelCount: t.Channels}
		case core.CodecAAC:
			tr.codec = &mp4.CodecMPEG4Audio{Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   t.SampleRate,
				ChannelCount: t.Channels,
			}}
		}
		if t.Kind == core.KindVideo {
			tr.timeScale = videoTimeScale
		} else {
			tr.timeScale = uint32(t.SampleRate)
		}
		w.tracks = append(w.tracks, tr)
	}
	return w
}

func (w *mp4Writer) WriteSample(track int, s core.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("container closed")
	}

	tr := w.tracks[track]
	if tr.cfg.Codec == core.CodecH264 && tr.codec == nil {
		if !s.IsKey {
			return errSampleSkipped
		}
		sps, pps := h264.ExtractParameterSets(s.Data)
		if sps == nil || pps == nil {
			w.logger.Debug("Keyframe without parameter sets, waiting", "track", tr.cfg.Name)
			return errSampleSkipped
		}
		tr.codec = &mp4.CodecH264{SPS: sps, PPS: pps}
	}

	if !w.initSent {
		if !w.allCodecsKnown() {
			if len(w.pending) >= maxPendingSamples {
				return errSampleSkipped
			}
			w.pending = append(w.pending, pendingSample{track: track, sample: s})
			return nil
		}
		if err := w.writeInit(); err != nil {
			return err
		}
		if err := w.flushPending(); err != nil {
			return err
		}
	}
	return w.writePart(tr, s)
}

func (w *mp4Writer) allCodecsKnown() bool {
	for _, tr := range w.tracks {
		if tr.codec == nil {
			return false
		}
	}
	return true
}

// writeInit writes the init segment with every track whose codec is known.
func (w *mp4Writer) writeInit() error {
	init := &fmp4.Init{}
	for _, tr := range w.tracks {
		if tr.codec == nil {
			w.logger.Info("Omitting track without codec parameters", "track", tr.cfg.Name)
			continue
		}
		tr.inInit = true
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        tr.id,
			TimeScale: tr.timeScale,
			Codec:     tr.codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return errors.Wrap(err, "failed to marshal init segment")
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write init segment")
	}
	w.initSent = true
	w.logger.Debug("fMP4 init segment written", "tracks", len(init.Tracks), "size", len(buf.Bytes()))
	return nil
}

func (w *mp4Writer) flushPending() error {
	pending := w.pending
	w.pending = nil
	for _, p := range pending {
		if err := w.writePart(w.tracks[p.track], p.sample); err != nil && !errors.Is(err, errSampleSkipped) {
			return err
		}
	}
	return nil
}

func (w *mp4Writer) writePart(tr *mp4Track, s core.Sample) error {
	if !tr.inInit {
		return errSampleSkipped
	}

	payload := s.Data
	switch tr.cfg.Codec {
	case core.CodecH264:
		avcc, err := h264.AnnexBToAVCC(payload, true)
		if err != nil {
			return errors.Wrap(err, "failed to convert access unit")
		}
		payload = avcc
	case core.CodecAAC:
		payload = stripADTSHeader(payload)
	}
	if len(payload) == 0 {
		return errSampleSkipped
	}

	duration := scaleToTimescale(sampleDuration(tr.cfg, s), tr.timeScale)
	if duration == 0 {
		duration = 1
	}

	part := &fmp4.Part{
		SequenceNumber: w.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       tr.id,
			BaseTime: uint64(scaleToTimescale(s.PTS, tr.timeScale)),
			Samples: []*fmp4.Sample{{
				Duration:        uint32(duration),
				IsNonSyncSample: tr.cfg.Kind == core.KindVideo && !s.IsKey,
				Payload:         payload,
			}},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrapf(err, "failed to marshal %s fragment", tr.cfg.Name)
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write %s fragment", tr.cfg.Name)
	}
	w.seq++
	return nil
}

func (w *mp4Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if !w.initSent {
		if err := w.writeInit(); err != nil {
			firstErr = err
		} else if err := w.flushPending(); err != nil {
			firstErr = err
		}
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "failed to sync output")
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "failed to close output")
	}
	return firstErr
}

func scaleToTimescale(d time.Duration, timeScale uint32) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d) * int64(timeScale) / int64(time.Second)
}
