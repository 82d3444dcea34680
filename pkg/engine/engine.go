// Package engine wraps speech recognition backends behind a uniform
// Transcriber interface. Backends run as sidecar processes speaking a
// line-delimited JSON protocol; one process holds one loaded model.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Engine backend names accepted by New.
const (
	FasterWhisper = "faster_whisper"
	OpenAIWhisper = "openai_whisper"
)

// ErrUnknownEngine is returned for engine names New does not recognize.
var ErrUnknownEngine = errors.New("unknown engine")

// Transcriber is one initialized, device-bound engine instance. Instances
// are expensive to create and not safe for concurrent use; the model pool
// guards exclusive access.
type Transcriber interface {
	// Transcribe runs one transcription or translation over the media
	// file. The engine call is never cancelled mid-flight; ctx only
	// bounds the setup phase.
	Transcribe(ctx context.Context, mediaPath string, taskType string, options map[string]interface{}) (*Result, error)

	// Ping verifies the instance is still able to serve requests.
	Ping(ctx context.Context) error

	// Close releases the instance and its native resources.
	Close() error
}

// Params carries the engine-specific construction settings.
type Params struct {
	// Model is the model identifier passed to the backend, e.g. "large-v3".
	Model string
	// DownloadRoot is the model-weight cache directory ("" = backend default).
	DownloadRoot string
	// Command is the sidecar executable implementing the engine protocol.
	Command string
	// Threads bounds CPU inference threads (0 = backend default).
	Threads int
	// Device is "cpu" or "cuda".
	Device string
	// DeviceIndex selects the GPU when Device is "cuda".
	DeviceIndex int
	// ComputeType is the numeric precision, "float32" or "float16".
	ComputeType string
}

// New creates a Transcriber for the named backend. The sidecar process is
// started immediately and New blocks until it reports the model loaded.
func New(ctx context.Context, name string, params Params) (Transcriber, error) {
	switch name {
	case FasterWhisper, OpenAIWhisper:
		return newSidecar(ctx, name, params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
}
