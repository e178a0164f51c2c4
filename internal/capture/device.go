package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxline/vox-core/internal/config"
)

var (
	// ErrNotInitialized is returned when Start or Push is attempted before
	// Initialize completed.
	ErrNotInitialized = errors.New("capture service not initialized")
	// ErrAlreadyRecording is returned when Start is called twice without an
	// intervening Stop.
	ErrAlreadyRecording = errors.New("capture already recording")
	// ErrDestroyed is returned for any operation after Destroy.
	ErrDestroyed = errors.New("capture service destroyed")

	errSuspended = errors.New("source suspended")
)

// DeviceError is fatal to the current capture attempt: permission denied,
// no device, or the device disappearing mid-session.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error during %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// PipelineError means the processing graph could not be assembled.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error at %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Source is an exclusive handle to an audio input device. It produces mono
// float32 blocks in [-1, 1]. Open acquires the handle, Resume begins the
// stream, Suspend halts it and unblocks any pending ReadBlock, Close is
// terminal.
type Source interface {
	Open() error
	Resume(ctx context.Context) error
	ReadBlock(buf []float32) error
	Suspend() error
	Close() error
}

func newSource(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Mode {
	case "exec":
		return newExecSource(cfg)
	case "tone":
		return newToneSource(cfg), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}
