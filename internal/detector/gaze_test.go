package detector

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"ProctorWatch/internal/alert"
	"ProctorWatch/internal/capability"
	"ProctorWatch/internal/config"
)

type fakeLandmarker struct {
	face  capability.Face
	found bool
	err   error
	calls int
}

func (f *fakeLandmarker) DetectLandmarks(_ context.Context, _ image.Image) (capability.Face, bool, error) {
	f.calls++
	return f.face, f.found, f.err
}

func faceAt(eyeX, noseX float64) capability.Face {
	return capability.Face{Landmarks: map[string]capability.Point{
		capability.LandmarkLeftEye: {X: eyeX, Y: 0.4},
		capability.LandmarkNoseTip: {X: noseX, Y: 0.6},
	}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGazeDetector(t *testing.T, landmarker capability.FaceLandmarker, cfg *config.Config) *GazeDetector {
	t.Helper()
	d, err := NewGazeDetector(
		landmarker,
		config.NewStore(cfg),
		testLogger(),
		tracenoop.NewTracerProvider().Tracer("test"),
		metricnoop.NewMeterProvider().Meter("test"),
	)
	require.NoError(t, err)
	return d
}

func TestGazeDetect(t *testing.T) {
	tests := []struct {
		name string
		face capability.Face
		want alert.Type
	}{
		{"centered face, no detection", faceAt(0.5, 0.5), ""},
		{"eye diverted right", faceAt(0.70, 0.5), alert.TypeEyeDiverted},
		{"eye diverted left", faceAt(0.30, 0.5), alert.TypeEyeDiverted},
		{"head turned", faceAt(0.5, 0.75), alert.TypeHeadTurned},
		{"head just under threshold", faceAt(0.5, 0.69), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newGazeDetector(t, &fakeLandmarker{face: tt.face, found: true}, config.Default())
			res := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
			if tt.want == "" {
				assert.False(t, res.Match)
			} else {
				assert.True(t, res.Match)
				assert.Equal(t, tt.want, res.Type)
			}
		})
	}
}

// A frame where both eye and head deviation exceed their thresholds reports
// only eye_diverted: the eye check wins and the head pose is not evaluated.
func TestGazeEyeCheckTakesPriority(t *testing.T) {
	d := newGazeDetector(t, &fakeLandmarker{face: faceAt(0.80, 0.90), found: true}, config.Default())
	res := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
	require.True(t, res.Match)
	assert.Equal(t, alert.TypeEyeDiverted, res.Type)
}

// The threshold comparison is strict: deviation exactly at the threshold does
// not trigger. 0.25 is exactly representable in binary, so 0.75-0.5 compares
// cleanly.
func TestGazeThresholdBoundary(t *testing.T) {
	cfg := config.Default()
	cfg.EyeThreshold = 0.25

	at := newGazeDetector(t, &fakeLandmarker{face: faceAt(0.75, 0.5), found: true}, cfg)
	assert.False(t, at.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))).Match,
		"deviation equal to threshold must not trigger")

	over := newGazeDetector(t, &fakeLandmarker{face: faceAt(0.7500001, 0.5), found: true}, cfg)
	res := over.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
	require.True(t, res.Match, "deviation just above threshold must trigger")
	assert.Equal(t, alert.TypeEyeDiverted, res.Type)
}

// No face in frame is a valid non-alerting outcome, not an error.
func TestGazeNoFace(t *testing.T) {
	fake := &fakeLandmarker{found: false}
	d := newGazeDetector(t, fake, config.Default())
	res := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
	assert.False(t, res.Match)
	assert.Equal(t, 1, fake.calls)
}

// A failed landmark call is logged and treated as no detection; the stream
// must continue.
func TestGazeCapabilityFailure(t *testing.T) {
	d := newGazeDetector(t, &fakeLandmarker{err: errors.New("inference backend down")}, config.Default())
	res := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
	assert.False(t, res.Match)
}

func TestGazeMissingLandmarksIgnored(t *testing.T) {
	face := capability.Face{Landmarks: map[string]capability.Point{"chin": {X: 0.9}}}
	d := newGazeDetector(t, &fakeLandmarker{face: face, found: true}, config.Default())
	assert.False(t, d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))).Match)
}
