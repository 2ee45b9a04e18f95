package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values like "2s" decode cleanly.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds the full configuration surface of the monitor.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DBPath     string `toml:"db_path"`
	LogDir     string `toml:"log_dir"`
	Debug      bool   `toml:"debug"`

	// Detector tuning
	EyeThreshold        float64  `toml:"eye_threshold"`
	HeadThreshold       float64  `toml:"head_threshold"`
	VoiceKeywords       []string `toml:"voice_keywords"`
	ScreenKeywords      []string `toml:"screen_keywords"`
	MinTranscriptLength int      `toml:"min_transcript_length"`
	AlertExcerptLength  int      `toml:"alert_excerpt_length"`

	// ImplicitSessions controls whether a stream chunk referencing an
	// unknown session creates it on the fly. When false such chunks are
	// dropped. Implicit sessions never get a voice monitor either way.
	ImplicitSessions bool `toml:"implicit_sessions"`

	// Voice capture loop
	ListenTimeout   Duration `toml:"listen_timeout"`
	PhraseTimeLimit Duration `toml:"phrase_time_limit"`
	ListenBackoff   Duration `toml:"listen_backoff"`

	// External capabilities
	CapabilityTimeout Duration `toml:"capability_timeout"`
	LandmarkURL       string   `toml:"landmark_url"`
	OCRURL            string   `toml:"ocr_url"`
	AudioURL          string   `toml:"audio_url"`
	STTCommand        string   `toml:"stt_command"`
	STTURL            string   `toml:"stt_url"`

	// Alert fan-out
	ObserverBuffer int `toml:"observer_buffer"`
}

// Default returns the configuration used when no file or flag overrides it.
func Default() *Config {
	return &Config{
		ListenAddr:          ":5000",
		DBPath:              "proctorwatch.db",
		LogDir:              "logs",
		EyeThreshold:        0.15,
		HeadThreshold:       0.20,
		VoiceKeywords:       []string{"help", "answer", "cheat", "what is"},
		ScreenKeywords:      []string{"google", "chat", "notes"},
		MinTranscriptLength: 5,
		AlertExcerptLength:  50,
		ImplicitSessions:    true,
		ListenTimeout:       Duration{2 * time.Second},
		PhraseTimeLimit:     Duration{5 * time.Second},
		ListenBackoff:       Duration{1 * time.Second},
		CapabilityTimeout:   Duration{3 * time.Second},
		ObserverBuffer:      16,
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and normalizes keyword lists to lower case so the
// detectors can do case-insensitive containment without re-normalizing.
func (c *Config) Validate() error {
	if c.EyeThreshold <= 0 || c.EyeThreshold >= 0.5 {
		return fmt.Errorf("eye_threshold must be in (0, 0.5), got %v", c.EyeThreshold)
	}
	if c.HeadThreshold <= 0 || c.HeadThreshold >= 0.5 {
		return fmt.Errorf("head_threshold must be in (0, 0.5), got %v", c.HeadThreshold)
	}
	if c.MinTranscriptLength < 0 {
		return fmt.Errorf("min_transcript_length must be >= 0, got %d", c.MinTranscriptLength)
	}
	if c.AlertExcerptLength <= 0 {
		return fmt.Errorf("alert_excerpt_length must be > 0, got %d", c.AlertExcerptLength)
	}
	if c.ListenTimeout.Duration <= 0 || c.PhraseTimeLimit.Duration <= 0 {
		return fmt.Errorf("listen_timeout and phrase_time_limit must be positive")
	}
	if c.ListenBackoff.Duration < 0 {
		return fmt.Errorf("listen_backoff must not be negative")
	}
	if c.CapabilityTimeout.Duration <= 0 {
		return fmt.Errorf("capability_timeout must be positive")
	}
	if c.ObserverBuffer <= 0 {
		return fmt.Errorf("observer_buffer must be > 0, got %d", c.ObserverBuffer)
	}
	for i, kw := range c.VoiceKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			return fmt.Errorf("voice_keywords[%d] is empty", i)
		}
		c.VoiceKeywords[i] = kw
	}
	for i, kw := range c.ScreenKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			return fmt.Errorf("screen_keywords[%d] is empty", i)
		}
		c.ScreenKeywords[i] = kw
	}
	return nil
}

// Store hands out immutable config snapshots and lets the watcher swap in a
// reloaded config without stopping in-flight detector calls.
type Store struct {
	v atomic.Pointer[Config]
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.v.Store(cfg)
	return s
}

// Load returns the current snapshot. Callers must treat it as read-only.
func (s *Store) Load() *Config {
	return s.v.Load()
}

// Replace swaps in a new snapshot.
func (s *Store) Replace(cfg *Config) {
	s.v.Store(cfg)
}
