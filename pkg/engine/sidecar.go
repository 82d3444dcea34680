package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mozenebula/mini-asr-backend/pkg/logging"
)

// sidecarRequest is one line written to the backend's stdin.
type sidecarRequest struct {
	Ping      bool                   `json:"ping,omitempty"`
	MediaPath string                 `json:"media_path,omitempty"`
	Task      string                 `json:"task,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

// sidecarResponse is one line read from the backend's stdout.
type sidecarResponse struct {
	Ready    bool                   `json:"ready,omitempty"`
	Pong     bool                   `json:"pong,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Text     string                 `json:"text,omitempty"`
	Segments []Segment              `json:"segments,omitempty"`
	Language string                 `json:"language,omitempty"`
	Info     map[string]interface{} `json:"info,omitempty"`
}

// sidecar drives one long-lived backend process over stdin/stdout.
// The model is loaded once at process start; each request line yields
// exactly one response line.
type sidecar struct {
	mu         sync.Mutex
	engineName string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	stderr     *tailBuffer
	logger     *logging.Logger
	closed     bool
}

func newSidecar(ctx context.Context, engineName string, params Params) (*sidecar, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("engine command is required for %s", engineName)
	}

	args := []string{
		"--engine", engineName,
		"--model", params.Model,
		"--device", params.Device,
		"--device-index", strconv.Itoa(params.DeviceIndex),
		"--compute-type", params.ComputeType,
	}
	if params.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(params.Threads))
	}
	if params.DownloadRoot != "" {
		args = append(args, "--download-root", params.DownloadRoot)
	}

	cmd := exec.Command(params.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdin: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdout: %w", err)
	}

	stderr := newTailBuffer(8192)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine process: %w", err)
	}

	s := &sidecar{
		engineName: engineName,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     bufio.NewReaderSize(stdoutPipe, 1<<20),
		stderr:     stderr,
		logger:     logging.GetGlobalLogger().WithComponent("engine"),
	}

	// Model loading can take minutes on first download, so the ready
	// wait is bounded only by the caller's context.
	if err := s.awaitReady(ctx); err != nil {
		s.terminate()
		return nil, err
	}

	s.logger.Info("Engine instance ready", map[string]interface{}{
		"engine": engineName,
		"model":  params.Model,
		"device": params.Device,
	})

	return s, nil
}

// awaitReady blocks until the backend reports its model loaded.
func (s *sidecar) awaitReady(ctx context.Context) error {
	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := s.stdout.ReadBytes('\n')
		ch <- readResult{line, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("engine startup cancelled: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("engine exited before ready: %s", s.stderrTail())
		}
		var resp sidecarResponse
		if err := json.Unmarshal(r.line, &resp); err != nil {
			return fmt.Errorf("malformed engine handshake: %w", err)
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		if !resp.Ready {
			return fmt.Errorf("unexpected engine handshake: %s", strings.TrimSpace(string(r.line)))
		}
		return nil
	}
}

// Transcribe sends one request and waits for its response line. There is
// no mid-flight cancel of the backend call.
func (s *sidecar) Transcribe(ctx context.Context, mediaPath string, taskType string, options map[string]interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := s.roundTrip(&sidecarRequest{
		MediaPath: mediaPath,
		Task:      taskType,
		Options:   options,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}

	result := &Result{
		Text:     resp.Text,
		Segments: resp.Segments,
		Language: resp.Language,
		Info:     resp.Info,
	}
	s.normalize(result)

	return result, nil
}

// normalize applies per-backend result conventions.
func (s *sidecar) normalize(r *Result) {
	switch s.engineName {
	case OpenAIWhisper:
		// The OpenAI backend reports no transcription info.
		if r.Info == nil {
			r.Info = map[string]interface{}{}
		}
	case FasterWhisper:
		if r.Language == "" && r.Info != nil {
			if lang, ok := r.Info["language"].(string); ok {
				r.Language = lang
			}
		}
		if r.Info == nil {
			r.Info = map[string]interface{}{}
		}
	}
}

// Ping checks the process is alive and answering.
func (s *sidecar) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := s.roundTrip(&sidecarRequest{Ping: true})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if !resp.Pong {
		return fmt.Errorf("engine ping got no pong")
	}
	return nil
}

func (s *sidecar) roundTrip(req *sidecarRequest) (*sidecarResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("engine instance is closed")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode engine request: %w", err)
	}
	payload = append(payload, '\n')

	if _, err := s.stdin.Write(payload); err != nil {
		return nil, fmt.Errorf("engine process unavailable: %v: %s", err, s.stderrTail())
	}

	line, err := s.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("engine process exited: %v: %s", err, s.stderrTail())
	}

	var resp sidecarResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("malformed engine response: %w", err)
	}

	return &resp, nil
}

// Close shuts the process down, first politely via stdin EOF, then by kill.
func (s *sidecar) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Engine process did not exit, killing", map[string]interface{}{
			"engine": s.engineName,
		})
		s.cmd.Process.Kill()
		<-done
	}

	return nil
}

// terminate is the startup-failure path: the process never became ready.
func (s *sidecar) terminate() {
	s.stdin.Close()
	s.cmd.Process.Kill()
	s.cmd.Wait()
}

func (s *sidecar) stderrTail() string {
	tail := strings.TrimSpace(s.stderr.String())
	if tail == "" {
		return "(no stderr output)"
	}
	return tail
}

// tailBuffer keeps the last cap bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	cap int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Write(p)
	if t.buf.Len() > t.cap {
		excess := t.buf.Len() - t.cap
		t.buf.Next(excess)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
