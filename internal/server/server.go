// Package server is the orchestrator: it terminates the WebSocket event
// channel, routes inbound stream chunks to the right detector and session,
// and pushes alerts back out to observers.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ProctorWatch/internal/alert"
	"ProctorWatch/internal/capability"
	"ProctorWatch/internal/config"
	"ProctorWatch/internal/detector"
	"ProctorWatch/internal/dispatch"
	"ProctorWatch/internal/registry"
	"ProctorWatch/internal/store"
	"ProctorWatch/internal/voicemon"
)

// AudioSourceFactory opens a session-scoped audio source. A nil factory
// disables voice monitoring entirely.
type AudioSourceFactory func(sessionID string) (capability.AudioSource, error)

// Deps collects the collaborators a Server needs.
type Deps struct {
	Config       *config.Store
	Registry     *registry.Registry
	Dispatcher   *dispatch.Dispatcher
	Gaze         *detector.GazeDetector
	Screen       *detector.ScreenContentDetector
	Voice        *detector.VoiceDetector
	Transcriber  capability.Transcriber
	AudioSources AudioSourceFactory
	Store        *store.Store
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Meter        metric.Meter
}

// Server routes stream chunks to detectors and alerts to observers.
type Server struct {
	cfg          *config.Store
	registry     *registry.Registry
	dispatcher   *dispatch.Dispatcher
	gaze         *detector.GazeDetector
	screen       *detector.ScreenContentDetector
	voice        *detector.VoiceDetector
	transcriber  capability.Transcriber
	audioSources AudioSourceFactory
	st           *store.Store
	logger       *slog.Logger
	tracer       trace.Tracer
	framesCtr    metric.Int64Counter
	upgrader     websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer assembles the orchestrator.
func NewServer(deps Deps) (*Server, error) {
	framesCtr, err := deps.Meter.Int64Counter(
		"frames.processed",
		metric.WithDescription("Stream frames processed, by modality"),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:          deps.Config,
		registry:     deps.Registry,
		dispatcher:   deps.Dispatcher,
		gaze:         deps.Gaze,
		screen:       deps.Screen,
		voice:        deps.Voice,
		transcriber:  deps.Transcriber,
		audioSources: deps.AudioSources,
		st:           deps.Store,
		logger:       deps.Logger,
		tracer:       deps.Tracer,
		framesCtr:    framesCtr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 20,
			WriteBufferSize: 16 << 10,
			// Participants connect from arbitrary exam-client origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Handler returns the HTTP handler exposing the WebSocket endpoint and a
// health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled, then shuts down the listener and waits
// for voice monitors to exit.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("server listening", "addr", addr)

	select {
	case <-ctx.Done():
		s.cancel()
		shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShut()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.logger.Warn("shutdown error", "error", err)
		}
		s.wg.Wait()
		return nil
	case err := <-errCh:
		s.cancel()
		s.wg.Wait()
		return fmt.Errorf("server failed: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("content-type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.registry.Count(),
	})
}

// client is one WebSocket connection. Writes are serialized; subs maps
// session id to the connection's observer subscription and is touched only
// from the read loop.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
	subs map[string]string
}

func (c *client) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.logger.Info("client connected", "remote", r.RemoteAddr)

	cl := &client{conn: conn, subs: make(map[string]string)}
	defer func() {
		for sessionID, subID := range cl.subs {
			s.dispatcher.Unsubscribe(sessionID, subID)
		}
		conn.Close()
		s.logger.Info("client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("malformed envelope dropped", "remote", r.RemoteAddr, "error", err)
			continue
		}
		if env.SessionID == "" {
			// Chunks without a session id have nowhere to go.
			continue
		}

		switch env.Event {
		case EventStartSession:
			s.handleStartSession(cl, env.SessionID)
		case EventStopSession:
			s.handleStopSession(cl, env.SessionID)
		case EventVideoStream:
			s.handleVideoStream(env)
		case EventScreenStream:
			s.handleScreenStream(env)
		default:
			s.logger.Warn("unknown event dropped", "event", env.Event)
		}
	}
}

// handleStartSession creates the session, starts voice monitoring, and
// subscribes the connection as an observer. Re-starting an existing session
// acks again without resetting any state.
func (s *Server) handleStartSession(cl *client, sessionID string) {
	sess, created := s.registry.Create(sessionID)
	if created {
		s.persistSession(sess)
		s.startVoiceMonitor(sess)
	}

	// A stop_session from another connection closes this connection's
	// subscription but leaves the subs entry behind; re-subscribe when the
	// recorded subscription is no longer live.
	if subID, ok := cl.subs[sessionID]; !ok || !s.dispatcher.Subscribed(sessionID, subID) {
		subID, ch := s.dispatcher.Subscribe(sessionID)
		cl.subs[sessionID] = subID
		go s.pumpAlerts(cl, sessionID, subID, ch)
	}

	if err := cl.writeJSON(ackMessage{Event: EventSessionStarted, SessionID: sessionID}); err != nil {
		s.logger.Warn("failed to send ack", "session_id", sessionID, "error", err)
	}
	s.logger.Info("session started, monitoring active", "session_id", sessionID)
}

func (s *Server) handleStopSession(cl *client, sessionID string) {
	if s.registry.Remove(sessionID) {
		s.dispatcher.DropSession(sessionID)
	}
	delete(cl.subs, sessionID)

	if err := cl.writeJSON(ackMessage{Event: EventSessionStopped, SessionID: sessionID}); err != nil {
		s.logger.Warn("failed to send ack", "session_id", sessionID, "error", err)
	}
}

// handleVideoStream decodes a video chunk and runs gaze detection. A chunk
// for an unknown session creates it implicitly (policy-dependent); implicit
// sessions get no voice monitor.
func (s *Server) handleVideoStream(env Envelope) {
	ctx, span := s.tracer.Start(s.baseCtx, "video_stream")
	defer span.End()

	sess, ok := s.sessionFor(env.SessionID)
	if !ok {
		return
	}

	img, err := s.decodeImage(env.Image)
	if err != nil {
		s.logger.Warn("dropping undecodable video frame", "session_id", env.SessionID, "error", err)
		return
	}

	n := sess.IncrFrameCount()
	s.framesCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("modality", "video")))
	s.logger.Debug("video frame", "session_id", env.SessionID, "frame", n)

	if res := s.gaze.Detect(ctx, img); res.Match {
		s.dispatcher.Publish(ctx, sess, alert.New(res.Type, env.SessionID))
	}
}

// handleScreenStream decodes a screen chunk and runs screen-content
// detection.
func (s *Server) handleScreenStream(env Envelope) {
	ctx, span := s.tracer.Start(s.baseCtx, "screen_stream")
	defer span.End()

	sess, ok := s.sessionFor(env.SessionID)
	if !ok {
		return
	}

	img, err := s.decodeImage(env.Image)
	if err != nil {
		s.logger.Warn("dropping undecodable screen frame", "session_id", env.SessionID, "error", err)
		return
	}

	n := sess.IncrScreenCount()
	s.framesCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("modality", "screen")))
	s.logger.Debug("screen frame", "session_id", env.SessionID, "frame", n)

	if res := s.screen.Detect(ctx, img); res.Match {
		a := alert.New(res.Type, env.SessionID)
		a.Text = res.Excerpt
		s.dispatcher.Publish(ctx, sess, a)
	}
}

// sessionFor resolves the session a stream chunk belongs to. Unknown sessions
// are created implicitly when policy allows, otherwise the chunk is dropped.
func (s *Server) sessionFor(sessionID string) (*registry.Session, bool) {
	if sess, ok := s.registry.Get(sessionID); ok {
		return sess, true
	}
	if !s.cfg.Load().ImplicitSessions {
		s.logger.Warn("dropping chunk for unknown session", "session_id", sessionID)
		return nil, false
	}
	sess, created := s.registry.Create(sessionID)
	if created {
		s.logger.Info("session implicitly created by stream chunk", "session_id", sessionID)
		s.persistSession(sess)
	}
	return sess, true
}

func (s *Server) persistSession(sess *registry.Session) {
	if s.st == nil {
		return
	}
	if err := s.st.SaveSession(s.baseCtx, sess.ID, sess.StartTime); err != nil {
		s.logger.Warn("failed to persist session", "session_id", sess.ID, "error", err)
	}
}

// decodeImage unwraps the base64 transport encoding and decodes the image
// container. Both failure modes are the same class: drop the frame, keep the
// stream.
func (s *Server) decodeImage(encoded string) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", detector.ErrDecode, err)
	}
	return detector.DecodeFrame(raw)
}

// startVoiceMonitor opens a session-scoped audio source and runs the monitor
// goroutine. Failures degrade to no voice monitoring for this session; the
// rest of the pipeline is unaffected.
func (s *Server) startVoiceMonitor(sess *registry.Session) {
	if s.audioSources == nil || s.transcriber == nil {
		s.logger.Info("voice monitoring disabled", "session_id", sess.ID)
		return
	}

	source, err := s.audioSources(sess.ID)
	if err != nil {
		s.logger.Error("voice monitoring unavailable", "session_id", sess.ID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	sess.SetVoiceCancel(cancel)

	mon := voicemon.New(sess, source, s.transcriber, s.voice, s.dispatcher, s.cfg, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		mon.Run(ctx)
	}()
}

// pumpAlerts forwards dispatched alerts to the connection until the
// subscription channel closes. A failed write tears the subscription down so
// later alerts are not queued into a dead channel.
func (s *Server) pumpAlerts(cl *client, sessionID, subID string, ch <-chan alert.Alert) {
	for a := range ch {
		if err := cl.writeJSON(alertMessage{Event: EventAlert, Alert: a}); err != nil {
			s.logger.Warn("failed to deliver alert to observer", "session_id", a.SessionID, "error", err)
			s.dispatcher.Unsubscribe(sessionID, subID)
			return
		}
	}
}
