package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// encodeFrame serializes a decoded frame as base64 JPEG for the wire.
func encodeFrame(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// postJSON sends a JSON request and decodes a JSON response.
func postJSON(ctx context.Context, client *http.Client, url string, reqBody, respBody interface{}) error {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// HTTPLandmarker calls a face-landmark inference service over HTTP.
type HTTPLandmarker struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPLandmarker creates a landmark client for the given endpoint.
func NewHTTPLandmarker(url string, timeout time.Duration, logger *slog.Logger) *HTTPLandmarker {
	return &HTTPLandmarker{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// DetectLandmarks sends the frame to the landmark service. Zero faces in the
// response is reported as (Face{}, false, nil).
func (l *HTTPLandmarker) DetectLandmarks(ctx context.Context, img image.Image) (Face, bool, error) {
	encoded, err := encodeFrame(img)
	if err != nil {
		return Face{}, false, err
	}

	var resp LandmarkResponse
	if err := postJSON(ctx, l.httpClient, l.url, LandmarkRequest{Image: encoded, Format: "jpeg"}, &resp); err != nil {
		return Face{}, false, fmt.Errorf("landmark call failed: %w", err)
	}

	if len(resp.Faces) == 0 {
		return Face{}, false, nil
	}
	return Face{Landmarks: resp.Faces[0].Landmarks}, true, nil
}

// HTTPTextExtractor calls an OCR service over HTTP.
type HTTPTextExtractor struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTextExtractor creates an OCR client for the given endpoint.
func NewHTTPTextExtractor(url string, timeout time.Duration, logger *slog.Logger) *HTTPTextExtractor {
	return &HTTPTextExtractor{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ExtractText sends the frame to the OCR service and returns extracted text.
func (t *HTTPTextExtractor) ExtractText(ctx context.Context, img image.Image) (string, error) {
	encoded, err := encodeFrame(img)
	if err != nil {
		return "", err
	}

	var resp OCRResponse
	if err := postJSON(ctx, t.httpClient, t.url, OCRRequest{Image: encoded, Format: "jpeg"}, &resp); err != nil {
		return "", fmt.Errorf("OCR call failed: %w", err)
	}
	return resp.Text, nil
}

// HTTPTranscriber calls a speech-to-text service over HTTP.
type HTTPTranscriber struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTranscriber creates a speech-to-text client for the given endpoint.
func NewHTTPTranscriber(url string, timeout time.Duration, logger *slog.Logger) *HTTPTranscriber {
	return &HTTPTranscriber{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Transcribe sends one audio segment to the speech-to-text service. Status
// responses for silent and unclear audio map to the sentinel errors.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, seg AudioSegment) (string, error) {
	reqBody := TranscribeRequest{
		Audio:      base64.StdEncoding.EncodeToString(seg.Data),
		SampleRate: seg.SampleRate,
	}

	var resp TranscribeResponse
	if err := postJSON(ctx, t.httpClient, t.url, reqBody, &resp); err != nil {
		return "", fmt.Errorf("transcribe call failed: %w", err)
	}

	switch resp.Status {
	case TranscribeStatusOK:
		return resp.Text, nil
	case TranscribeStatusNoSpeech:
		return "", ErrNoSpeech
	case TranscribeStatusUnintelligible:
		return "", ErrUnintelligible
	default:
		return "", fmt.Errorf("transcribe failed: %s", resp.Error)
	}
}

// HTTPAudioSource pulls bounded audio segments from an audio-capture gateway
// fronting the participant's input device. Capture calls block server-side up
// to the listen timeout, so this client carries no fixed timeout of its own;
// cancellation comes from the caller's context.
type HTTPAudioSource struct {
	url        string
	sessionID  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPAudioSource creates an audio source bound to one session.
func NewHTTPAudioSource(url, sessionID string, logger *slog.Logger) *HTTPAudioSource {
	return &HTTPAudioSource{
		url:        url,
		sessionID:  sessionID,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Calibrate asks the gateway to run ambient-noise calibration once.
func (s *HTTPAudioSource) Calibrate(ctx context.Context) error {
	req := CaptureRequest{SessionID: s.sessionID}
	if err := postJSON(ctx, s.httpClient, s.url+"/calibrate", req, nil); err != nil {
		return fmt.Errorf("calibration failed: %w", err)
	}
	s.logger.Info("audio source calibrated", "session_id", s.sessionID)
	return nil
}

// Capture acquires one bounded segment. A 204 from the gateway means the
// window passed without speech.
func (s *HTTPAudioSource) Capture(ctx context.Context, listenTimeout, phraseLimit time.Duration) (AudioSegment, error) {
	reqBody := CaptureRequest{
		SessionID:       s.sessionID,
		ListenTimeoutMS: listenTimeout.Milliseconds(),
		PhraseLimitMS:   phraseLimit.Milliseconds(),
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return AudioSegment{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url+"/capture", bytes.NewBuffer(jsonData))
	if err != nil {
		return AudioSegment{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return AudioSegment{}, fmt.Errorf("capture failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return AudioSegment{}, ErrNoSpeech
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AudioSegment{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return AudioSegment{}, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	var capResp CaptureResponse
	if err := json.Unmarshal(body, &capResp); err != nil {
		return AudioSegment{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(capResp.Audio)
	if err != nil {
		return AudioSegment{}, fmt.Errorf("failed to decode audio payload: %w", err)
	}

	return AudioSegment{SampleRate: capResp.SampleRate, Data: data}, nil
}

// Close releases the gateway-side device claim for this session.
func (s *HTTPAudioSource) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := CaptureRequest{SessionID: s.sessionID}
	if err := postJSON(ctx, s.httpClient, s.url+"/release", req, nil); err != nil {
		s.logger.Warn("failed to release audio source", "session_id", s.sessionID, "error", err)
		return err
	}
	return nil
}
