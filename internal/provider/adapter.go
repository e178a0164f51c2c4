package provider

import (
	"context"
	"errors"

	"github.com/voxline/vox-core/internal/pcm"
)

var (
	// ErrUnsupportedProvider is returned by the registry for unknown names.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrConnectTimeout is returned when connection establishment exceeds
	// the configured bound.
	ErrConnectTimeout = errors.New("provider connection timed out")
)

// Capabilities declares what an adapter can deliver.
type Capabilities struct {
	Interim        bool
	Confidence     bool
	WordTimestamps bool
}

// Word is one recognized word with timing in seconds.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is a normalized transcript event from any backend.
type Result struct {
	Text          string
	Confidence    float64
	Words         []Word
	StartOffsetMS int64
	EndOffsetMS   int64
	Final         bool
}

// Handlers receive adapter events on the control path.
type Handlers struct {
	OnInterim func(Result)
	OnFinal   func(Result)
	OnError   func(error)
}

// Adapter owns a single streaming connection to one STT backend. Adapters
// are not reused across sessions; each session binds a fresh instance.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	// Start opens the connection, authenticates and configures the stream.
	Start(ctx context.Context, sessionID string, h Handlers) error
	// Push transmits one frame. Frames are silently dropped while the
	// connection is not open; backpressure belongs to the transport.
	Push(frame pcm.Frame) error
	// Stop signals end-of-stream and closes the connection, waiting at most
	// a short grace window for trailing results.
	Stop(ctx context.Context) error
	Connected() bool
}
