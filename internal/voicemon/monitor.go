// Package voicemon runs the per-session continuous audio monitor: one
// long-lived goroutine per started session that pulls bounded audio segments,
// transcribes them, and dispatches alerts on keyword matches.
package voicemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ProctorWatch/internal/alert"
	"ProctorWatch/internal/capability"
	"ProctorWatch/internal/config"
	"ProctorWatch/internal/detector"
	"ProctorWatch/internal/dispatch"
	"ProctorWatch/internal/registry"
)

// Monitor is the voice-monitor task for one session.
type Monitor struct {
	sess        *registry.Session
	source      capability.AudioSource
	transcriber capability.Transcriber
	detector    *detector.VoiceDetector
	dispatcher  *dispatch.Dispatcher
	cfg         *config.Store
	logger      *slog.Logger
}

// New assembles a monitor for sess. The caller owns starting Run in a
// goroutine and wiring its cancel func into the session.
func New(sess *registry.Session, source capability.AudioSource, transcriber capability.Transcriber, det *detector.VoiceDetector, disp *dispatch.Dispatcher, cfg *config.Store, logger *slog.Logger) *Monitor {
	return &Monitor{
		sess:        sess,
		source:      source,
		transcriber: transcriber,
		detector:    det,
		dispatcher:  disp,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run executes the capture loop until ctx is cancelled: calibrate once, then
// listen/transcribe/detect repeatedly. Cancellation takes effect within one
// capture cycle; the audio source is released on exit.
//
// A silent window and unintelligible audio are normal outcomes. Any other
// per-iteration failure is logged and followed by a fixed backoff; no single
// failure terminates the loop. Only a calibration failure gives up, degrading
// to "voice monitoring unavailable" for this session alone.
func (m *Monitor) Run(ctx context.Context) {
	defer m.source.Close()

	if err := m.source.Calibrate(ctx); err != nil {
		if ctx.Err() == nil {
			m.logger.Error("calibration failed, voice monitoring unavailable",
				"session_id", m.sess.ID, "error", err)
		}
		return
	}
	m.logger.Info("voice monitor listening", "session_id", m.sess.ID)

	for ctx.Err() == nil {
		m.runOnce(ctx)
		pause(ctx, m.cfg.Load().ListenBackoff.Duration)
	}
	m.logger.Info("voice monitor stopped", "session_id", m.sess.ID)
}

// runOnce executes a single capture-transcribe-detect cycle.
func (m *Monitor) runOnce(ctx context.Context) {
	cfg := m.cfg.Load()

	seg, err := m.source.Capture(ctx, cfg.ListenTimeout.Duration, cfg.PhraseTimeLimit.Duration)
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, capability.ErrNoSpeech):
			// Quiet window, nothing to do.
		default:
			m.logger.Warn("audio capture failed", "session_id", m.sess.ID, "error", err)
		}
		return
	}

	text, err := m.transcriber.Transcribe(ctx, seg)
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, capability.ErrNoSpeech):
		case errors.Is(err, capability.ErrUnintelligible):
			m.logger.Debug("no clear speech detected", "session_id", m.sess.ID)
		default:
			m.logger.Warn("transcription failed", "session_id", m.sess.ID, "error", err)
		}
		return
	}

	res := m.detector.Detect(text)
	if !res.Match {
		m.logger.Debug("speech heard but not suspicious",
			"session_id", m.sess.ID,
			"excerpt", alert.Truncate(text, cfg.AlertExcerptLength))
		return
	}

	a := alert.New(res.Type, m.sess.ID)
	a.Transcript = res.Excerpt
	m.dispatcher.Publish(ctx, m.sess, a)
}

// pause sleeps for d or until ctx is cancelled.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
