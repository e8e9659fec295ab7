package core

import "time"

// Kind identifies the media type carried by a Sample.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Sample is one unit of captured media. It must not be modified after it has
// been handed to a Consumer.
type Sample struct {
	Kind     Kind
	Data     []byte        // Encoded payload (MJPEG frame, Annex-B access unit, PCM block, ...)
	PTS      time.Duration // Presentation timestamp relative to the session clock zero
	Duration time.Duration // Zero when unknown; the muxer derives it from the track rate
	IsKey    bool          // Keyframe / sync sample
}

// End returns the presentation time right after the sample.
func (s Sample) End() time.Duration {
	return s.PTS + s.Duration
}
