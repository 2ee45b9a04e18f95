package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"ProctorWatch/internal/alert"
	"ProctorWatch/internal/capability"
	"ProctorWatch/internal/config"
	"ProctorWatch/internal/detector"
	"ProctorWatch/internal/dispatch"
	"ProctorWatch/internal/registry"
)

type fakeLandmarker struct {
	eyeX  float64
	noseX float64
	found bool
}

func (f *fakeLandmarker) DetectLandmarks(_ context.Context, _ image.Image) (capability.Face, bool, error) {
	return capability.Face{Landmarks: map[string]capability.Point{
		capability.LandmarkLeftEye: {X: f.eyeX, Y: 0.4},
		capability.LandmarkNoseTip: {X: f.noseX, Y: 0.6},
	}}, f.found, nil
}

type fakeExtractor struct {
	text string
}

func (f *fakeExtractor) ExtractText(_ context.Context, _ image.Image) (string, error) {
	return f.text, nil
}

type testEnv struct {
	registry   *registry.Registry
	cfg        *config.Store
	srv        *Server
	dispatcher *dispatch.Dispatcher
	ts         *httptest.Server
	wsURL      string
	conn       *websocket.Conn
}

func newTestEnv(t *testing.T, landmarker capability.FaceLandmarker, extractor capability.TextExtractor) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	meter := metricnoop.NewMeterProvider().Meter("test")
	cfgStore := config.NewStore(config.Default())
	reg := registry.NewRegistry(logger)

	disp, err := dispatch.NewDispatcher(nil, 16, logger, meter)
	require.NoError(t, err)

	gaze, err := detector.NewGazeDetector(landmarker, cfgStore, logger, tracer, meter)
	require.NoError(t, err)
	screen, err := detector.NewScreenContentDetector(extractor, cfgStore, logger, tracer, meter)
	require.NoError(t, err)

	srv, err := NewServer(Deps{
		Config:     cfgStore,
		Registry:   reg,
		Dispatcher: disp,
		Gaze:       gaze,
		Screen:     screen,
		Voice:      detector.NewVoiceDetector(cfgStore),
		Logger:     logger,
		Tracer:     tracer,
		Meter:      meter,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	env := &testEnv{
		registry:   reg,
		cfg:        cfgStore,
		srv:        srv,
		dispatcher: disp,
		ts:         ts,
		wsURL:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
	env.conn = env.dial(t)
	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) send(t *testing.T, env Envelope) {
	t.Helper()
	require.NoError(t, e.conn.WriteJSON(env))
}

func (e *testEnv) recv(t *testing.T) map[string]interface{} {
	t.Helper()
	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, e.conn.ReadJSON(&msg))
	return msg
}

func pngFrame(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// Start a session, stream one frame with the simulated eye position at 0.70
// (deviation 0.20 over the 0.15 threshold), and expect exactly one
// eye_diverted alert with the frame counted.
func TestVideoStreamEmitsEyeAlert(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{eyeX: 0.70, noseX: 0.5, found: true}, &fakeExtractor{})

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	ack := env.recv(t)
	assert.Equal(t, EventSessionStarted, ack["event"])
	assert.Equal(t, "s1", ack["session_id"])

	env.send(t, Envelope{Event: EventVideoStream, SessionID: "s1", Image: pngFrame(t)})

	msg := env.recv(t)
	assert.Equal(t, EventAlert, msg["event"])
	assert.Equal(t, "eye_diverted", msg["type"])
	assert.Equal(t, "s1", msg["session_id"])

	sess, ok := env.registry.Get("s1")
	require.True(t, ok)
	assert.Equal(t, int64(1), sess.FrameCount())
	require.Len(t, sess.Alerts(), 1)
}

func TestScreenStreamEmitsUnauthorizedAlert(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{}, &fakeExtractor{text: "Google Docs - untitled"})

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	env.recv(t) // ack

	env.send(t, Envelope{Event: EventScreenStream, SessionID: "s1", Image: pngFrame(t)})

	msg := env.recv(t)
	assert.Equal(t, EventAlert, msg["event"])
	assert.Equal(t, "unauthorized_screen", msg["type"])
	assert.Equal(t, "Google Docs - untitled", msg["text"])

	sess, _ := env.registry.Get("s1")
	assert.Equal(t, int64(1), sess.ScreenCount())
}

// A corrupt frame is dropped without touching session state; the next good
// frame is the first one counted.
func TestCorruptFrameLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{eyeX: 0.70, noseX: 0.5, found: true}, &fakeExtractor{})

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	env.recv(t) // ack

	env.send(t, Envelope{Event: EventVideoStream, SessionID: "s1", Image: "%%%not-base64%%%"})
	env.send(t, Envelope{Event: EventVideoStream, SessionID: "s1", Image: base64.StdEncoding.EncodeToString([]byte("not an image"))})
	env.send(t, Envelope{Event: EventVideoStream, SessionID: "s1", Image: pngFrame(t)})

	msg := env.recv(t)
	assert.Equal(t, EventAlert, msg["event"])

	sess, _ := env.registry.Get("s1")
	assert.Equal(t, int64(1), sess.FrameCount(), "corrupt frames must not be counted")
	assert.Len(t, sess.Alerts(), 1)
}

// A stream chunk for an unknown session creates the session implicitly.
func TestImplicitSessionCreation(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{eyeX: 0.5, noseX: 0.5, found: true}, &fakeExtractor{})

	env.send(t, Envelope{Event: EventVideoStream, SessionID: "implicit", Image: pngFrame(t)})

	require.Eventually(t, func() bool {
		sess, ok := env.registry.Get("implicit")
		return ok && sess.FrameCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// With implicit sessions disabled, chunks for unknown sessions are dropped
// while explicitly started sessions keep streaming.
func TestImplicitSessionsDisabled(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{eyeX: 0.70, noseX: 0.5, found: true}, &fakeExtractor{})

	cfg := *env.cfg.Load()
	cfg.ImplicitSessions = false
	env.cfg.Replace(&cfg)

	env.send(t, Envelope{Event: EventVideoStream, SessionID: "ghost", Image: pngFrame(t)})

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	env.recv(t) // ack
	env.send(t, Envelope{Event: EventVideoStream, SessionID: "s1", Image: pngFrame(t)})
	msg := env.recv(t)
	assert.Equal(t, EventAlert, msg["event"])

	_, ok := env.registry.Get("ghost")
	assert.False(t, ok, "unknown-session chunk must not create a session")
}

func TestStopSessionTearsDown(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{}, &fakeExtractor{})

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	env.recv(t) // ack

	env.send(t, Envelope{Event: EventStopSession, SessionID: "s1"})
	ack := env.recv(t)
	assert.Equal(t, EventSessionStopped, ack["event"])

	_, ok := env.registry.Get("s1")
	assert.False(t, ok)
}

// Unknown events and chunks without a session id are dropped; the connection
// keeps working.
func TestMalformedTrafficIsDropped(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{}, &fakeExtractor{})

	require.NoError(t, env.conn.WriteMessage(websocket.TextMessage, []byte("{{{")))
	env.send(t, Envelope{Event: "telemetry_upload", SessionID: "s1"})
	env.send(t, Envelope{Event: EventVideoStream, Image: pngFrame(t)}) // no session id

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	ack := env.recv(t)
	assert.Equal(t, EventSessionStarted, ack["event"])
}

// A stop_session from one connection closes another connection's observer
// subscription; restarting the session must subscribe that connection again
// so it keeps receiving alerts.
func TestRestartAfterRemoteStopResubscribes(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{eyeX: 0.70, noseX: 0.5, found: true}, &fakeExtractor{})

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	env.recv(t) // ack

	other := env.dial(t)
	require.NoError(t, other.WriteJSON(Envelope{Event: EventStopSession, SessionID: "s1"}))
	require.NoError(t, other.SetReadDeadline(time.Now().Add(2*time.Second)))
	var stopAck map[string]interface{}
	require.NoError(t, other.ReadJSON(&stopAck))
	assert.Equal(t, EventSessionStopped, stopAck["event"])

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	ack := env.recv(t)
	assert.Equal(t, EventSessionStarted, ack["event"])

	env.send(t, Envelope{Event: EventVideoStream, SessionID: "s1", Image: pngFrame(t)})
	msg := env.recv(t)
	assert.Equal(t, EventAlert, msg["event"])
	assert.Equal(t, "eye_diverted", msg["type"])
}

// A failed alert write tears the subscription down instead of leaving alerts
// queueing into a dead channel.
func TestPumpAlertsUnsubscribesOnWriteFailure(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{}, &fakeExtractor{})

	dead := env.dial(t)
	require.NoError(t, dead.Close())

	sess, _ := env.registry.Create("s1")
	subID, ch := env.dispatcher.Subscribe("s1")

	done := make(chan struct{})
	go func() {
		env.srv.pumpAlerts(&client{conn: dead, subs: map[string]string{}}, "s1", subID, ch)
		close(done)
	}()

	env.dispatcher.Publish(context.Background(), sess, alert.New(alert.TypeEyeDiverted, "s1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after write failure")
	}
	assert.False(t, env.dispatcher.Subscribed("s1", subID))
}

// Restarting an existing session acks again without resetting its state.
func TestStartSessionIdempotent(t *testing.T) {
	env := newTestEnv(t, &fakeLandmarker{eyeX: 0.70, noseX: 0.5, found: true}, &fakeExtractor{})

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	env.recv(t) // ack
	env.send(t, Envelope{Event: EventVideoStream, SessionID: "s1", Image: pngFrame(t)})
	env.recv(t) // alert

	env.send(t, Envelope{Event: EventStartSession, SessionID: "s1"})
	ack := env.recv(t)
	assert.Equal(t, EventSessionStarted, ack["event"])

	sess, _ := env.registry.Get("s1")
	assert.Equal(t, int64(1), sess.FrameCount())
	assert.Len(t, sess.Alerts(), 1)
}
