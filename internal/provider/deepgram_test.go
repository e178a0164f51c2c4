package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/pcm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func deepgramConfig(endpoint string) config.ProviderConfig {
	cfg := config.Default().Provider
	cfg.Name = "deepgram"
	cfg.APIKey = "secret"
	cfg.Endpoint = endpoint
	cfg.ConnectTimeoutMS = 2000
	cfg.KeepAliveMS = 0
	return cfg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

var upgrader = websocket.Upgrader{}

// echoServer upgrades and consumes inbound messages until the client goes
// away, forwarding each to sink when non-nil.
func echoServer(t *testing.T, sink chan<- []byte, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if onConn != nil {
			onConn(conn)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if sink != nil {
				select {
				case sink <- data:
				default:
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthFallbackToQueryParam(t *testing.T) {
	var headerAttempts, queryAttempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			headerAttempts.Add(1)
			http.Error(w, "credential negotiation not forwarded", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		queryAttempts.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	adapter, err := New(deepgramConfig(wsURL(srv)), NewMetrics(), testLogger())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := adapter.Start(context.Background(), "session-1", Handlers{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })

	if !adapter.Connected() {
		t.Fatal("expected adapter to be connected after fallback")
	}
	if headerAttempts.Load() != 1 || queryAttempts.Load() != 1 {
		t.Fatalf("expected one header attempt then one query attempt, got %d/%d",
			headerAttempts.Load(), queryAttempts.Load())
	}
}

func TestResultClassification(t *testing.T) {
	send := func(conn *websocket.Conn, isFinal bool, transcript string, confidence float64) {
		msg := map[string]any{
			"type":     "Results",
			"is_final": isFinal,
			"start":    0.0,
			"duration": 1.0,
			"channel": map[string]any{
				"alternatives": []map[string]any{
					{"transcript": transcript, "confidence": confidence},
				},
			},
		}
		_ = conn.WriteJSON(msg)
	}
	srv := echoServer(t, nil, func(conn *websocket.Conn) {
		send(conn, false, "   ", 0)   // whitespace-only, must be discarded
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		send(conn, false, "I need to", 0.4)
		send(conn, true, "I need to buy milk.", 0.95)
	})

	metrics := NewMetrics()
	adapter, err := New(deepgramConfig(wsURL(srv)), metrics, testLogger())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	interims := make(chan Result, 8)
	finals := make(chan Result, 8)
	h := Handlers{
		OnInterim: func(r Result) { interims <- r },
		OnFinal:   func(r Result) { finals <- r },
		OnError:   func(err error) { t.Errorf("unexpected error: %v", err) },
	}
	if err := adapter.Start(context.Background(), "session-1", h); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })

	select {
	case r := <-interims:
		if r.Text != "I need to" || r.Final {
			t.Fatalf("unexpected interim: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interim")
	}
	select {
	case r := <-finals:
		if r.Text != "I need to buy milk." || !r.Final {
			t.Fatalf("unexpected final: %+v", r)
		}
		if r.Confidence != 0.95 {
			t.Fatalf("expected confidence 0.95, got %v", r.Confidence)
		}
		if r.EndOffsetMS != 1000 {
			t.Fatalf("expected end offset 1000ms, got %d", r.EndOffsetMS)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final")
	}

	snap := metrics.Snapshot()
	if snap.FirstInterim <= 0 {
		t.Fatalf("expected first-interim latency to be recorded, got %v", snap.FirstInterim)
	}
	if snap.FinalResults != 1 {
		t.Fatalf("expected one final result, got %d", snap.FinalResults)
	}
}

func TestCloseCodeDiagnosis(t *testing.T) {
	srv := echoServer(t, nil, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, ""))
	})

	metrics := NewMetrics()
	adapter, err := New(deepgramConfig(wsURL(srv)), metrics, testLogger())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	errs := make(chan error, 8)
	h := Handlers{OnError: func(err error) { errs <- err }}
	if err := adapter.Start(context.Background(), "session-1", h); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "1002") {
			t.Fatalf("expected diagnosis to reference close code, got %q", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error callback")
	}
	select {
	case err := <-errs:
		t.Fatalf("error callback fired more than once: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if metrics.Snapshot().Errors != 1 {
		t.Fatalf("expected one recorded error, got %d", metrics.Snapshot().Errors)
	}
}

func TestPushDropsWhenNotConnected(t *testing.T) {
	adapter, err := New(deepgramConfig("ws://localhost:1"), NewMetrics(), testLogger())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := adapter.Push(pcm.Frame{Data: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("push on closed adapter must be a silent drop, got %v", err)
	}
}

func TestKeepAliveAndCloseStream(t *testing.T) {
	inbound := make(chan []byte, 64)
	srv := echoServer(t, inbound, nil)

	cfg := deepgramConfig(wsURL(srv))
	cfg.KeepAliveMS = 30
	metrics := NewMetrics()
	adapter, err := New(cfg, metrics, testLogger())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := adapter.Start(context.Background(), "session-1", Handlers{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	frame := pcm.Frame{Data: []byte{1, 0, 2, 0}}
	if err := adapter.Push(frame); err != nil {
		t.Fatalf("push: %v", err)
	}

	waitForType := func(want string) {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case data := <-inbound:
				var msg controlMessage
				if json.Unmarshal(data, &msg) == nil && msg.Type == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s message", want)
			}
		}
	}
	waitForType("KeepAlive")

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForType("CloseStream")

	if adapter.Connected() {
		t.Fatal("expected adapter disconnected after stop")
	}
	if metrics.Snapshot().BytesProcessed != uint64(len(frame.Data)) {
		t.Fatalf("expected %d bytes processed, got %d", len(frame.Data), metrics.Snapshot().BytesProcessed)
	}
}
