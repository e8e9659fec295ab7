package core

import "github.com/pkg/errors"

// Error kinds surfaced by capture sources, the muxer and the session controller.
// Callers match them with errors.Is; producers wrap them with context.
var (
	// ErrPermissionDenied is returned when the OS refuses access to the capture target.
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrDeviceUnavailable is returned when no capture target can be resolved or opened.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrUnsupportedFormat is returned for unknown containers or codec/container pairs.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrPathUnwritable is returned when the output file cannot be created.
	ErrPathUnwritable = errors.New("output path unwritable")

	// ErrTrackNotReady is transient: the track queue is full, the caller drops or retries.
	ErrTrackNotReady = errors.New("track not ready for more data")

	// ErrTrackFinalized is fatal for the producer: the track no longer accepts samples.
	ErrTrackFinalized = errors.New("track finalized")

	// ErrIncompleteWrite is returned by finalize when a track could not be flushed.
	ErrIncompleteWrite = errors.New("incomplete write")

	// ErrUnsolicitedStop marks a capture that was ended by the OS or device, not the user.
	ErrUnsolicitedStop = errors.New("capture stopped unexpectedly")

	// ErrInvalidConfig is returned by CaptureConfig.Validate.
	ErrInvalidConfig = errors.New("invalid capture config")
)

// IsSetupError reports whether err aborts a start transition.
func IsSetupError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrPathUnwritable) ||
		errors.Is(err, ErrInvalidConfig)
}
