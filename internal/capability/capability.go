// Package capability defines the narrow interfaces through which the monitor
// consumes external inference services: face-landmark extraction,
// speech-to-text, OCR, and bounded audio capture. The services themselves run
// out of process; nothing in this repository reimplements them.
package capability

import (
	"context"
	"errors"
	"image"
	"time"
)

// Sentinel outcomes for expected, frequent non-detections. These are not
// failures; callers check them with errors.Is and continue silently.
var (
	// ErrNoSpeech means the capture window elapsed without speech.
	ErrNoSpeech = errors.New("no speech detected")

	// ErrUnintelligible means audio was captured but could not be transcribed.
	ErrUnintelligible = errors.New("unintelligible audio")
)

// Landmark names the detectors care about. Coordinates are normalized to
// [0,1]x[0,1] in frame space.
const (
	LandmarkLeftEye = "left_eye"
	LandmarkNoseTip = "nose_tip"
)

// Point is a normalized landmark coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Face is one detected face with its named landmarks.
type Face struct {
	Landmarks map[string]Point `json:"landmarks"`
}

// FaceLandmarker extracts at most one face from a frame. The second return
// value is false when no face is present, which is a valid non-alerting
// outcome, distinct from an error.
type FaceLandmarker interface {
	DetectLandmarks(ctx context.Context, img image.Image) (Face, bool, error)
}

// AudioSegment is one bounded-duration capture window. It is discarded after
// a single transcription attempt.
type AudioSegment struct {
	SampleRate int
	Data       []byte
}

// AudioSource yields bounded audio segments from the participant's input
// device (or an audio gateway fronting it). The source is exclusively owned
// by one voice monitor for the duration of each capture.
type AudioSource interface {
	// Calibrate performs one-time ambient-noise calibration.
	Calibrate(ctx context.Context) error

	// Capture blocks until speech is captured or listenTimeout elapses,
	// bounding any single phrase to phraseLimit. Returns ErrNoSpeech when
	// the window passes silently.
	Capture(ctx context.Context, listenTimeout, phraseLimit time.Duration) (AudioSegment, error)

	// Close releases the underlying device.
	Close() error
}

// Transcriber converts one audio segment to text. Returns ErrNoSpeech or
// ErrUnintelligible for the corresponding non-results.
type Transcriber interface {
	Transcribe(ctx context.Context, seg AudioSegment) (string, error)
}

// TextExtractor runs OCR over a frame and returns whatever text it finds.
// An empty string is a valid result.
type TextExtractor interface {
	ExtractText(ctx context.Context, img image.Image) (string, error)
}
