package detector

import (
	"strings"
	"unicode/utf8"

	"ProctorWatch/internal/alert"
	"ProctorWatch/internal/config"
)

// VoiceDetector scans transcripts for suspicious keywords.
type VoiceDetector struct {
	cfg *config.Store
}

// NewVoiceDetector creates a voice detector reading keywords from cfg.
func NewVoiceDetector(cfg *config.Store) *VoiceDetector {
	return &VoiceDetector{cfg: cfg}
}

// Detect runs case-insensitive containment against the configured keyword
// list. Transcripts at or below the minimum length never match; very short
// fragments are usually recognizer noise. A positive result carries a
// truncated excerpt of the transcript.
func (d *VoiceDetector) Detect(transcript string) Result {
	cfg := d.cfg.Load()

	if utf8.RuneCountInString(transcript) <= cfg.MinTranscriptLength {
		return Result{}
	}

	lower := strings.ToLower(transcript)
	for _, kw := range cfg.VoiceKeywords {
		if strings.Contains(lower, kw) {
			return Result{
				Match:   true,
				Type:    alert.TypeSuspiciousVoice,
				Excerpt: alert.Truncate(transcript, cfg.AlertExcerptLength),
			}
		}
	}
	return Result{}
}
