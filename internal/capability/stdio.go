package capability

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// stdioRequest is one transcription request on the engine's stdin, one JSON
// object per line.
type stdioRequest struct {
	ID         int    `json:"id"`
	Audio      string `json:"audio"` // base64-encoded samples
	SampleRate int    `json:"sample_rate"`
}

// stdioResponse is the engine's reply on stdout.
type stdioResponse struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error,omitempty"`
}

// StdioTranscriber runs a speech-to-text engine as a child process and
// exchanges newline-delimited JSON over its stdin/stdout. Engines like
// whisper.cpp wrappers are commonly deployed this way.
type StdioTranscriber struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	scanner *bufio.Scanner
	reqID   int32
	logger  *slog.Logger

	// exchangeMu serializes request/response exchanges on the pipes.
	exchangeMu sync.Mutex

	stateMu sync.Mutex
	closed  bool
}

// NewStdioTranscriber starts the engine process. command is split on
// whitespace into the executable and its arguments.
func NewStdioTranscriber(command string, logger *slog.Logger) (*StdioTranscriber, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty transcriber command")
	}
	cmd := exec.Command(parts[0], parts[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start transcriber process: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	// Transcripts are short but audio acks may carry metadata; 1MB lines are
	// plenty either way.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	t := &StdioTranscriber{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		scanner: scanner,
		logger:  logger,
	}

	go t.logStderr()

	logger.Info("started stdio transcriber", "command", parts[0])
	return t, nil
}

// Transcribe sends one segment and waits for the engine's reply. Exchanges
// are serialized. A cancelled context returns immediately; the abandoned
// exchange finishes in the background so the reply stream stays paired with
// requests.
func (t *StdioTranscriber) Transcribe(ctx context.Context, seg AudioSegment) (string, error) {
	t.stateMu.Lock()
	closed := t.closed
	t.stateMu.Unlock()
	if closed {
		return "", fmt.Errorf("transcriber is closed")
	}

	request := stdioRequest{
		ID:         int(atomic.AddInt32(&t.reqID, 1)),
		Audio:      base64.StdEncoding.EncodeToString(seg.Data),
		SampleRate: seg.SampleRate,
	}
	requestJSON, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	done := make(chan stdioResult, 1)
	go t.exchange(requestJSON, done)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		switch res.resp.Status {
		case TranscribeStatusOK:
			return res.resp.Text, nil
		case TranscribeStatusNoSpeech:
			return "", ErrNoSpeech
		case TranscribeStatusUnintelligible:
			return "", ErrUnintelligible
		default:
			return "", fmt.Errorf("transcriber error: %s", res.resp.Error)
		}
	}
}

type stdioResult struct {
	resp stdioResponse
	err  error
}

// exchange writes one request and reads the engine's reply. done is buffered,
// so an abandoned exchange never leaks its goroutine; a hung engine blocks
// the exchange until Close tears the pipes down.
func (t *StdioTranscriber) exchange(requestJSON []byte, done chan<- stdioResult) {
	t.exchangeMu.Lock()
	defer t.exchangeMu.Unlock()

	if _, err := t.stdin.Write(append(requestJSON, '\n')); err != nil {
		done <- stdioResult{err: fmt.Errorf("failed to write request: %w", err)}
		return
	}

	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			done <- stdioResult{err: fmt.Errorf("failed to read response: %w", err)}
			return
		}
		done <- stdioResult{err: fmt.Errorf("EOF from transcriber process")}
		return
	}

	var resp stdioResponse
	if err := json.Unmarshal(t.scanner.Bytes(), &resp); err != nil {
		done <- stdioResult{err: fmt.Errorf("failed to unmarshal response: %w", err)}
		return
	}
	done <- stdioResult{resp: resp}
}

// Close shuts down the engine process. Closing the pipes unblocks any
// exchange stuck on a hung engine.
func (t *StdioTranscriber) Close() error {
	t.stateMu.Lock()
	if t.closed {
		t.stateMu.Unlock()
		return nil
	}
	t.closed = true
	t.stateMu.Unlock()

	t.stdin.Close()
	t.stdout.Close()
	t.stderr.Close()

	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil {
			t.logger.Warn("failed to kill transcriber process", "error", err)
		}
	}
	go t.cmd.Wait() // reap without waiting behind an in-flight read

	t.logger.Info("closed stdio transcriber")
	return nil
}

// logStderr logs stderr output from the engine process.
func (t *StdioTranscriber) logStderr() {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.logger.Warn("transcriber stderr", "message", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("error reading transcriber stderr", "error", err)
	}
}
