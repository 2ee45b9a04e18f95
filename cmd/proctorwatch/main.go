package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ProctorWatch/internal/capability"
	"ProctorWatch/internal/config"
	"ProctorWatch/internal/detector"
	"ProctorWatch/internal/dispatch"
	"ProctorWatch/internal/registry"
	"ProctorWatch/internal/server"
	"ProctorWatch/internal/store"
	"ProctorWatch/internal/telemetry"
)

func main() {
	var (
		configPath string
		listenAddr string
		dbPath     string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "", "Path to TOML config file")
	flag.StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	flag.StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(configPath, listenAddr, dbPath, debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr, dbPath string, debug bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if debug {
		cfg.Debug = true
	}

	logger, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cfgStore := config.NewStore(cfg)
	if configPath != "" {
		if err := config.Watch(ctx, configPath, cfgStore, logger); err != nil {
			logger.Warn("config hot reload unavailable", "error", err)
		}
	}

	reg := registry.NewRegistry(logger)

	dispatcher, err := dispatch.NewDispatcher(st, cfg.ObserverBuffer, logger, meter)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	var landmarker capability.FaceLandmarker
	if cfg.LandmarkURL != "" {
		landmarker = capability.NewHTTPLandmarker(cfg.LandmarkURL, cfg.CapabilityTimeout.Duration, logger)
	} else {
		return fmt.Errorf("landmark_url is required")
	}

	var extractor capability.TextExtractor
	if cfg.OCRURL != "" {
		extractor = capability.NewHTTPTextExtractor(cfg.OCRURL, cfg.CapabilityTimeout.Duration, logger)
	} else {
		return fmt.Errorf("ocr_url is required")
	}

	// Voice monitoring degrades to disabled when no transcriber or audio
	// gateway is configured; video and screen detection still run.
	var transcriber capability.Transcriber
	switch {
	case cfg.STTCommand != "":
		stdio, err := capability.NewStdioTranscriber(cfg.STTCommand, logger)
		if err != nil {
			return fmt.Errorf("failed to start transcriber: %w", err)
		}
		defer stdio.Close()
		transcriber = stdio
	case cfg.STTURL != "":
		transcriber = capability.NewHTTPTranscriber(cfg.STTURL, cfg.CapabilityTimeout.Duration, logger)
	default:
		logger.Warn("no speech-to-text configured, voice monitoring disabled")
	}

	var audioSources server.AudioSourceFactory
	if cfg.AudioURL != "" {
		audioURL := cfg.AudioURL
		audioSources = func(sessionID string) (capability.AudioSource, error) {
			return capability.NewHTTPAudioSource(audioURL, sessionID, logger), nil
		}
	} else {
		logger.Warn("no audio gateway configured, voice monitoring disabled")
	}

	gaze, err := detector.NewGazeDetector(landmarker, cfgStore, logger, tracer, meter)
	if err != nil {
		return fmt.Errorf("failed to create gaze detector: %w", err)
	}
	screen, err := detector.NewScreenContentDetector(extractor, cfgStore, logger, tracer, meter)
	if err != nil {
		return fmt.Errorf("failed to create screen detector: %w", err)
	}
	voice := detector.NewVoiceDetector(cfgStore)

	srv, err := server.NewServer(server.Deps{
		Config:       cfgStore,
		Registry:     reg,
		Dispatcher:   dispatcher,
		Gaze:         gaze,
		Screen:       screen,
		Voice:        voice,
		Transcriber:  transcriber,
		AudioSources: audioSources,
		Store:        st,
		Logger:       logger,
		Tracer:       tracer,
		Meter:        meter,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx, cfg.ListenAddr)
}
