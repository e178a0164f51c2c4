package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/pcm"
)

func TestNewFailsClosedOnUnknownProvider(t *testing.T) {
	cfg := config.Default().Provider
	cfg.Name = "acme-speech"
	_, err := New(cfg, NewMetrics(), testLogger())
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestSupportedProviders(t *testing.T) {
	names := Supported()
	if len(names) != 2 || names[0] != "deepgram" || names[1] != "mock" {
		t.Fatalf("unexpected provider set: %v", names)
	}
}

func TestMockAdapterLifecycle(t *testing.T) {
	cfg := config.Default().Provider
	cfg.Name = "mock"
	metrics := NewMetrics()
	adapter, err := New(cfg, metrics, testLogger())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	caps := adapter.Capabilities()
	if !caps.Interim {
		t.Fatal("mock adapter should support interim results")
	}

	var interims, finals []Result
	h := Handlers{
		OnInterim: func(r Result) { interims = append(interims, r) },
		OnFinal:   func(r Result) { finals = append(finals, r) },
	}
	if err := adapter.Start(context.Background(), "session-1", h); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !adapter.Connected() {
		t.Fatal("expected connected after start")
	}

	frame := pcm.Frame{Data: make([]byte, 1920)}
	if err := adapter.Push(frame); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if adapter.Connected() {
		t.Fatal("expected disconnected after stop")
	}
	if len(interims) != 1 || len(finals) != 1 {
		t.Fatalf("expected 1 interim and 1 final, got %d/%d", len(interims), len(finals))
	}

	// frames pushed after stop are silently dropped
	if err := adapter.Push(frame); err != nil {
		t.Fatalf("push after stop: %v", err)
	}
	snap := metrics.Snapshot()
	if snap.BytesProcessed != 1920 {
		t.Fatalf("expected 1920 bytes processed, got %d", snap.BytesProcessed)
	}
	if snap.Sessions != 1 {
		t.Fatalf("expected 1 session, got %d", snap.Sessions)
	}
}

func TestMetricsRollingFinalAverage(t *testing.T) {
	m := NewMetrics()
	m.ObserveFinal(100 * time.Millisecond)
	m.ObserveFinal(300 * time.Millisecond)
	snap := m.Snapshot()
	if snap.FinalLatencyAvg != 200*time.Millisecond {
		t.Fatalf("expected rolling average 200ms, got %v", snap.FinalLatencyAvg)
	}
	if snap.TotalLatency != 400*time.Millisecond {
		t.Fatalf("expected total latency 400ms, got %v", snap.TotalLatency)
	}

	m.Reset()
	if snap := m.Snapshot(); snap.FinalResults != 0 || snap.TotalLatency != 0 {
		t.Fatalf("expected zeroed metrics after reset, got %+v", snap)
	}
}
