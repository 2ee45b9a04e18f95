package detector

import (
	"context"
	"image"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ProctorWatch/internal/alert"
	"ProctorWatch/internal/capability"
	"ProctorWatch/internal/config"
)

// ScreenContentDetector scans OCR output from screen captures for forbidden
// terms. Stateless per call.
type ScreenContentDetector struct {
	extractor capability.TextExtractor
	cfg       *config.Store
	logger    *slog.Logger
	tracer    trace.Tracer
	callDur   metric.Float64Histogram
}

// NewScreenContentDetector creates a screen detector using the given OCR
// capability.
func NewScreenContentDetector(extractor capability.TextExtractor, cfg *config.Store, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*ScreenContentDetector, error) {
	callDur, err := meter.Float64Histogram(
		"capability.ocr.duration",
		metric.WithDescription("OCR call duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}
	return &ScreenContentDetector{
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
		callDur:   callDur,
	}, nil
}

// Detect runs text extraction on the frame and checks the lower-cased result
// against the forbidden-term list. A failed or hung OCR call yields no
// detection; the stream continues.
func (d *ScreenContentDetector) Detect(ctx context.Context, img image.Image) Result {
	cfg := d.cfg.Load()

	ctx, cancel := context.WithTimeout(ctx, cfg.CapabilityTimeout.Duration)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "ocr_call")
	defer span.End()

	start := time.Now()
	text, err := d.extractor.ExtractText(ctx, img)
	d.callDur.Record(ctx, float64(time.Since(start).Milliseconds()))

	if err != nil {
		d.logger.Warn("OCR call failed", "error", err)
		return Result{}
	}

	lower := strings.ToLower(text)
	for _, kw := range cfg.ScreenKeywords {
		if strings.Contains(lower, kw) {
			return Result{
				Match:   true,
				Type:    alert.TypeUnauthorizedScreen,
				Excerpt: alert.Truncate(text, cfg.AlertExcerptLength),
			}
		}
	}
	return Result{}
}
