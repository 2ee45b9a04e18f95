package detector

import (
	"context"
	"image"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ProctorWatch/internal/alert"
	"ProctorWatch/internal/capability"
	"ProctorWatch/internal/config"
)

// GazeDetector classifies gaze and head-pose deviation from face landmarks.
type GazeDetector struct {
	landmarker capability.FaceLandmarker
	cfg        *config.Store
	logger     *slog.Logger
	tracer     trace.Tracer
	callDur    metric.Float64Histogram
}

// NewGazeDetector creates a gaze detector using the given landmark capability.
func NewGazeDetector(landmarker capability.FaceLandmarker, cfg *config.Store, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*GazeDetector, error) {
	callDur, err := meter.Float64Histogram(
		"capability.landmark.duration",
		metric.WithDescription("Face-landmark call duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}
	return &GazeDetector{
		landmarker: landmarker,
		cfg:        cfg,
		logger:     logger,
		tracer:     tracer,
		callDur:    callDur,
	}, nil
}

// Detect runs landmark extraction on the frame and classifies deviation.
// The eye check runs first and short-circuits: a frame where both eye and
// head exceed their thresholds reports only eye_diverted. No face, or a
// failed or hung landmark call, yields no detection; the stream continues.
func (d *GazeDetector) Detect(ctx context.Context, img image.Image) Result {
	cfg := d.cfg.Load()

	ctx, cancel := context.WithTimeout(ctx, cfg.CapabilityTimeout.Duration)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "landmark_call")
	defer span.End()

	start := time.Now()
	face, found, err := d.landmarker.DetectLandmarks(ctx, img)
	d.callDur.Record(ctx, float64(time.Since(start).Milliseconds()))

	if err != nil {
		d.logger.Warn("landmark call failed", "error", err)
		return Result{}
	}
	if !found {
		return Result{}
	}

	if eye, ok := face.Landmarks[capability.LandmarkLeftEye]; ok {
		if math.Abs(eye.X-0.5) > cfg.EyeThreshold {
			return Result{Match: true, Type: alert.TypeEyeDiverted}
		}
	}

	if nose, ok := face.Landmarks[capability.LandmarkNoseTip]; ok {
		if math.Abs(nose.X-0.5) > cfg.HeadThreshold {
			return Result{Match: true, Type: alert.TypeHeadTurned}
		}
	}

	return Result{}
}
