package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 2, 2))
}

func TestHTTPLandmarkerParsesFace(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req LandmarkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// The frame travels as base64 JPEG.
		_, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		assert.Equal(t, "jpeg", req.Format)

		json.NewEncoder(w).Encode(LandmarkResponse{Faces: []struct {
			Landmarks map[string]Point `json:"landmarks"`
		}{
			{Landmarks: map[string]Point{
				LandmarkLeftEye: {X: 0.7, Y: 0.4},
				LandmarkNoseTip: {X: 0.5, Y: 0.6},
			}},
		}})
	}))
	defer ts.Close()

	l := NewHTTPLandmarker(ts.URL, time.Second, testLogger())
	face, found, err := l.DetectLandmarks(context.Background(), testImage())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0.7, face.Landmarks[LandmarkLeftEye].X)
}

func TestHTTPLandmarkerNoFace(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(LandmarkResponse{})
	}))
	defer ts.Close()

	l := NewHTTPLandmarker(ts.URL, time.Second, testLogger())
	_, found, err := l.DetectLandmarks(context.Background(), testImage())
	require.NoError(t, err)
	assert.False(t, found, "zero faces is a valid non-error outcome")
}

func TestHTTPLandmarkerServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer ts.Close()

	l := NewHTTPLandmarker(ts.URL, time.Second, testLogger())
	_, _, err := l.DetectLandmarks(context.Background(), testImage())
	assert.Error(t, err)
}

func TestHTTPTextExtractor(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(OCRResponse{Text: "Google Search"})
	}))
	defer ts.Close()

	e := NewHTTPTextExtractor(ts.URL, time.Second, testLogger())
	text, err := e.ExtractText(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, "Google Search", text)
}

func TestHTTPTranscriberStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		resp    TranscribeResponse
		want    string
		wantErr error
	}{
		{"ok", TranscribeResponse{Status: TranscribeStatusOK, Text: "help me"}, "help me", nil},
		{"no speech", TranscribeResponse{Status: TranscribeStatusNoSpeech}, "", ErrNoSpeech},
		{"unintelligible", TranscribeResponse{Status: TranscribeStatusUnintelligible}, "", ErrUnintelligible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(tt.resp)
			}))
			defer ts.Close()

			tr := NewHTTPTranscriber(ts.URL, time.Second, testLogger())
			text, err := tr.Transcribe(context.Background(), AudioSegment{Data: []byte{1}})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, text)
			}
		})
	}
}

func TestHTTPAudioSourceCapture(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/capture":
			var req CaptureRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "s1", req.SessionID)
			assert.Equal(t, int64(2000), req.ListenTimeoutMS)
			json.NewEncoder(w).Encode(CaptureResponse{
				Audio:      base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
				SampleRate: 16000,
			})
		default:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("{}"))
		}
	}))
	defer ts.Close()

	src := NewHTTPAudioSource(ts.URL, "s1", testLogger())
	require.NoError(t, src.Calibrate(context.Background()))

	seg, err := src.Capture(context.Background(), 2*time.Second, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 16000, seg.SampleRate)
	assert.Equal(t, []byte{1, 2, 3}, seg.Data)
}

func TestHTTPAudioSourceSilentWindow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	src := NewHTTPAudioSource(ts.URL, "s1", testLogger())
	_, err := src.Capture(context.Background(), time.Second, time.Second)
	assert.ErrorIs(t, err, ErrNoSpeech)
}
