package capability

// LandmarkRequest is the request body for the face-landmark service.
type LandmarkRequest struct {
	Image  string `json:"image"` // base64-encoded JPEG
	Format string `json:"format"`
}

// LandmarkResponse is the response from the face-landmark service. The
// service is configured for at most one face per frame.
type LandmarkResponse struct {
	Faces []struct {
		Landmarks map[string]Point `json:"landmarks"`
	} `json:"faces"`
}

// OCRRequest is the request body for the text-extraction service.
type OCRRequest struct {
	Image  string `json:"image"` // base64-encoded JPEG
	Format string `json:"format"`
}

// OCRResponse is the response from the text-extraction service.
type OCRResponse struct {
	Text string `json:"text"`
}

// TranscribeRequest is the request body for the speech-to-text service.
type TranscribeRequest struct {
	Audio      string `json:"audio"` // base64-encoded samples
	SampleRate int    `json:"sample_rate"`
}

// Transcription outcome statuses reported by speech-to-text services.
const (
	TranscribeStatusOK             = "ok"
	TranscribeStatusNoSpeech       = "no_speech"
	TranscribeStatusUnintelligible = "unintelligible"
)

// TranscribeResponse is the response from the speech-to-text service.
type TranscribeResponse struct {
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error,omitempty"`
}

// CaptureRequest is the request body for the audio-capture gateway.
type CaptureRequest struct {
	SessionID       string `json:"session_id"`
	ListenTimeoutMS int64  `json:"listen_timeout_ms"`
	PhraseLimitMS   int64  `json:"phrase_time_limit_ms"`
}

// CaptureResponse is the response from the audio-capture gateway.
type CaptureResponse struct {
	Audio      string `json:"audio"` // base64-encoded samples
	SampleRate int    `json:"sample_rate"`
}
