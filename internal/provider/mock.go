package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/pcm"
)

// MockAdapter is an in-process backend for tests and smoke runs. It emits a
// deterministic interim per pushed frame and a final on Stop, and exposes
// Emit helpers so tests can script arbitrary event sequences.
type MockAdapter struct {
	cfg     config.ProviderConfig
	metrics *Metrics

	mu         sync.Mutex
	connected  bool
	h          Handlers
	frames     int
	startedAt  time.Time
	sawInterim bool
}

func newMockAdapter(cfg config.ProviderConfig, metrics *Metrics, _ *slog.Logger) (Adapter, error) {
	return &MockAdapter{cfg: cfg, metrics: metrics}, nil
}

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) Capabilities() Capabilities {
	return Capabilities{Interim: true, Confidence: true, WordTimestamps: false}
}

func (m *MockAdapter) Start(_ context.Context, _ string, h Handlers) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.h = h
	m.frames = 0
	m.startedAt = time.Now()
	m.sawInterim = false
	m.metrics.SessionStarted()
	return nil
}

func (m *MockAdapter) Push(frame pcm.Frame) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.frames++
	frames := m.frames
	h := m.h
	first := !m.sawInterim
	m.sawInterim = true
	startedAt := m.startedAt
	interim := m.cfg.InterimResults
	m.mu.Unlock()

	m.metrics.AddBytes(len(frame.Data))
	if !interim || h.OnInterim == nil {
		return nil
	}
	if first {
		m.metrics.ObserveFirstInterim(time.Since(startedAt))
	}
	h.OnInterim(Result{Text: fmt.Sprintf("[partial frames=%d]", frames), Confidence: 0.5})
	return nil
}

func (m *MockAdapter) Stop(_ context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	frames := m.frames
	h := m.h
	startedAt := m.startedAt
	m.mu.Unlock()

	if frames > 0 && h.OnFinal != nil {
		m.metrics.ObserveFinal(time.Since(startedAt))
		h.OnFinal(Result{Text: fmt.Sprintf("[final frames=%d]", frames), Confidence: 0.9, Final: true})
	}
	return nil
}

func (m *MockAdapter) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// EmitInterim delivers a scripted interim result.
func (m *MockAdapter) EmitInterim(text string, confidence float64) {
	m.mu.Lock()
	h := m.h
	m.mu.Unlock()
	if h.OnInterim != nil {
		h.OnInterim(Result{Text: text, Confidence: confidence})
	}
}

// EmitFinal delivers a scripted final result.
func (m *MockAdapter) EmitFinal(text string, confidence float64) {
	m.mu.Lock()
	h := m.h
	m.mu.Unlock()
	if h.OnFinal != nil {
		h.OnFinal(Result{Text: text, Confidence: confidence, Final: true})
	}
}

// EmitError delivers a scripted session-fatal error.
func (m *MockAdapter) EmitError(err error) {
	m.mu.Lock()
	h := m.h
	m.connected = false
	m.mu.Unlock()
	m.metrics.AddError()
	if h.OnError != nil {
		h.OnError(err)
	}
}
