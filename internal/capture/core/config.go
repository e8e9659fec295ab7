package core

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Codec names a payload encoding carried by a track.
type Codec string

const (
	CodecH264  Codec = "h264"
	CodecMJPEG Codec = "mjpeg"
	CodecVP8   Codec = "vp8"

	CodecPCM  Codec = "pcm_s16le"
	CodecOpus Codec = "opus"
	CodecAAC  Codec = "aac"
)

// Kind returns the media kind the codec belongs to.
func (c Codec) Kind() Kind {
	switch c {
	case CodecPCM, CodecOpus, CodecAAC:
		return KindAudio
	default:
		return KindVideo
	}
}

// Container names an output file format.
type Container string

const (
	ContainerMKV  Container = "mkv"
	ContainerWebM Container = "webm"
	ContainerMP4  Container = "mp4"
)

// Ext returns the file extension used for the container.
func (c Container) Ext() string {
	return "." + string(c)
}

// AudioQuality is an audio bitrate preset in kbit/s.
type AudioQuality int

const (
	AudioQualityNormal  AudioQuality = 128
	AudioQualityGood    AudioQuality = 192
	AudioQualityHigh    AudioQuality = 256
	AudioQualityExtreme AudioQuality = 320
)

// ParseAudioQuality maps a preset name to its bitrate.
func ParseAudioQuality(name string) (AudioQuality, error) {
	switch strings.ToLower(name) {
	case "normal":
		return AudioQualityNormal, nil
	case "good":
		return AudioQualityGood, nil
	case "high", "":
		return AudioQualityHigh, nil
	case "extreme":
		return AudioQualityExtreme, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown audio quality %q", name)
}

// Bitrate returns the preset in bit/s.
func (q AudioQuality) Bitrate() int {
	return int(q) * 1000
}

const (
	DefaultFrameRate    = 60
	DefaultSampleRate   = 48000
	DefaultChannels     = 2
	DefaultAudioBitrate = 256000
	DefaultQueueDepth   = 64

	// Bits per pixel per frame used by the encoder bitrate heuristic: fps/8 * 0.9.
	videoBitrateEncoderFactor = 0.9
)

// CaptureConfig describes one recording. It is immutable once a session starts.
type CaptureConfig struct {
	// Video target. Width/Height are logical points; the pixel size is
	// multiplied by ScaleFactor. Zero means the native size of the target.
	Display     int     `json:"display" mapstructure:"display" toml:"display"`
	Width       int     `json:"width,omitempty" mapstructure:"width" toml:"width"`
	Height      int     `json:"height,omitempty" mapstructure:"height" toml:"height"`
	ScaleFactor float64 `json:"scale_factor,omitempty" mapstructure:"scale_factor" toml:"scale_factor"`
	FrameRate   int     `json:"frame_rate,omitempty" mapstructure:"frame_rate" toml:"frame_rate"`
	ShowCursor  bool    `json:"show_cursor" mapstructure:"show_cursor" toml:"show_cursor"`
	NoVideo     bool    `json:"no_video,omitempty" mapstructure:"no_video" toml:"no_video"`

	SampleRate   int  `json:"sample_rate,omitempty" mapstructure:"sample_rate" toml:"sample_rate"`
	Channels     int  `json:"channels,omitempty" mapstructure:"channels" toml:"channels"`
	AudioBitrate int  `json:"audio_bitrate,omitempty" mapstructure:"audio_bitrate" toml:"audio_bitrate"` // bit/s
	VideoBitrate int  `json:"video_bitrate,omitempty" mapstructure:"video_bitrate" toml:"video_bitrate"` // bit/s, zero derives it from the pixel size and frame rate
	NoAudio      bool `json:"no_audio,omitempty" mapstructure:"no_audio" toml:"no_audio"`
	RecordMic    bool `json:"record_mic,omitempty" mapstructure:"record_mic" toml:"record_mic"`

	Container  Container `json:"container,omitempty" mapstructure:"container" toml:"container"`
	VideoCodec Codec     `json:"video_codec,omitempty" mapstructure:"video_codec" toml:"video_codec"`
	AudioCodec Codec     `json:"audio_codec,omitempty" mapstructure:"audio_codec" toml:"audio_codec"`

	// QueueDepth bounds each track's pending-sample queue.
	QueueDepth int `json:"queue_depth,omitempty" mapstructure:"queue_depth" toml:"queue_depth"`
}

// DefaultCaptureConfig returns the configuration used when nothing is overridden.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		ScaleFactor:  1.0,
		FrameRate:    DefaultFrameRate,
		ShowCursor:   true,
		SampleRate:   DefaultSampleRate,
		Channels:     DefaultChannels,
		AudioBitrate: DefaultAudioBitrate,
		Container:    ContainerMKV,
		VideoCodec:   CodecMJPEG,
		AudioCodec:   CodecPCM,
		QueueDepth:   DefaultQueueDepth,
	}
}

// WithDefaults fills zero fields from DefaultCaptureConfig.
func (c CaptureConfig) WithDefaults() CaptureConfig {
	d := DefaultCaptureConfig()
	if c.ScaleFactor == 0 {
		c.ScaleFactor = d.ScaleFactor
	}
	if c.FrameRate == 0 {
		c.FrameRate = d.FrameRate
	}
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels == 0 {
		c.Channels = d.Channels
	}
	if c.AudioBitrate == 0 {
		c.AudioBitrate = d.AudioBitrate
	}
	if c.Container == "" {
		c.Container = d.Container
	}
	if c.VideoCodec == "" {
		c.VideoCodec = d.VideoCodec
	}
	if c.AudioCodec == "" {
		c.AudioCodec = d.AudioCodec
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = d.QueueDepth
	}
	return c
}

// Validate checks the configuration for values no backend can honour.
func (c CaptureConfig) Validate() error {
	if c.NoVideo && c.NoAudio {
		return errors.Wrap(ErrInvalidConfig, "both video and audio are disabled")
	}
	if c.Width < 0 || c.Height < 0 {
		return errors.Wrapf(ErrInvalidConfig, "negative dimensions %dx%d", c.Width, c.Height)
	}
	if c.ScaleFactor <= 0 || c.ScaleFactor > 4 {
		return errors.Wrapf(ErrInvalidConfig, "scale factor %v out of range", c.ScaleFactor)
	}
	if c.FrameRate <= 0 || c.FrameRate > 240 {
		return errors.Wrapf(ErrInvalidConfig, "frame rate %d out of range", c.FrameRate)
	}
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return errors.Wrapf(ErrInvalidConfig, "sample rate %d out of range", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 8 {
		return errors.Wrapf(ErrInvalidConfig, "channel count %d out of range", c.Channels)
	}
	if c.AudioBitrate <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "audio bitrate %d", c.AudioBitrate)
	}
	if c.VideoBitrate < 0 {
		return errors.Wrapf(ErrInvalidConfig, "video bitrate %d", c.VideoBitrate)
	}
	if c.QueueDepth <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "queue depth %d", c.QueueDepth)
	}
	if !c.NoVideo && c.VideoCodec.Kind() != KindVideo {
		return errors.Wrapf(ErrInvalidConfig, "%s is not a video codec", c.VideoCodec)
	}
	if !c.NoAudio && c.AudioCodec.Kind() != KindAudio {
		return errors.Wrapf(ErrInvalidConfig, "%s is not an audio codec", c.AudioCodec)
	}
	return nil
}

// PixelSize returns the encoded frame size for a target of the given logical size.
func (c CaptureConfig) PixelSize(width, height int) (int, int) {
	if c.Width > 0 {
		width = c.Width
	}
	if c.Height > 0 {
		height = c.Height
	}
	scale := c.ScaleFactor
	if scale == 0 {
		scale = 1
	}
	return evenDimension(float64(width) * scale), evenDimension(float64(height) * scale)
}

// EffectiveVideoBitrate returns VideoBitrate, or the w*h*(fps/8)*0.9 heuristic
// for the given pixel size when it is unset.
func (c CaptureConfig) EffectiveVideoBitrate(pixelWidth, pixelHeight int) int {
	if c.VideoBitrate > 0 {
		return c.VideoBitrate
	}
	fpsMultiplier := float64(c.FrameRate) / 8
	return int(float64(pixelWidth) * float64(pixelHeight) * fpsMultiplier * videoBitrateEncoderFactor)
}

// PCMBitrate is the bitrate of uncompressed 16-bit audio for this configuration.
func (c CaptureConfig) PCMBitrate() int {
	return c.SampleRate * c.Channels * 16
}

// EffectiveAudioBitrate returns the nominal audio bitrate for the configured codec.
func (c CaptureConfig) EffectiveAudioBitrate() int {
	if c.AudioCodec == CodecPCM {
		return c.PCMBitrate()
	}
	return c.AudioBitrate
}

// Tracks builds the muxer track layout for a video target of the given pixel size.
func (c CaptureConfig) Tracks(pixelWidth, pixelHeight int) []TrackConfig {
	var tracks []TrackConfig
	if !c.NoVideo {
		tracks = append(tracks, TrackConfig{
			Name:      TrackVideo,
			Kind:      KindVideo,
			Codec:     c.VideoCodec,
			Width:     pixelWidth,
			Height:    pixelHeight,
			FrameRate: c.FrameRate,
			Bitrate:   c.EffectiveVideoBitrate(pixelWidth, pixelHeight),
		})
	}
	if !c.NoAudio {
		audio := TrackConfig{
			Kind:       KindAudio,
			Codec:      c.AudioCodec,
			SampleRate: c.SampleRate,
			Channels:   c.Channels,
			Bitrate:    c.EffectiveAudioBitrate(),
		}
		audio.Name = TrackSystemAudio
		tracks = append(tracks, audio)
		if c.RecordMic {
			audio.Name = TrackMic
			tracks = append(tracks, audio)
		}
	}
	return tracks
}

// Track names used by the session layout.
const (
	TrackVideo       = "video"
	TrackSystemAudio = "audio"
	TrackMic         = "mic"
)

// TrackConfig describes one muxer track.
type TrackConfig struct {
	Name       string
	Kind       Kind
	Codec      Codec
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
	Channels   int
	Bitrate    int
	// CodecPrivate carries out-of-band codec setup (e.g. an avcC record), if any.
	CodecPrivate []byte
}

func (t TrackConfig) String() string {
	if t.Kind == KindVideo {
		return fmt.Sprintf("%s[%s %dx%d@%d]", t.Name, t.Codec, t.Width, t.Height, t.FrameRate)
	}
	return fmt.Sprintf("%s[%s %dHz x%d]", t.Name, t.Codec, t.SampleRate, t.Channels)
}

// evenDimension rounds a pixel dimension down to an even value, as most
// video encoders reject odd sizes.
func evenDimension(v float64) int {
	n := int(v)
	if n%2 == 1 {
		n--
	}
	if n < 2 {
		n = 2
	}
	return n
}
