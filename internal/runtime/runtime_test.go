package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxline/vox-core/internal/capture"
	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/session"
	"github.com/voxline/vox-core/internal/sessionstore"
)

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Provider.Name = "mock"
	cfg.Capture.Mode = "tone"
	cfg.Capture.SampleRate = 48000
	cfg.Capture.FrameSamples = 480 // 10ms blocks keep the test fast
	cfg.SessionStore.Path = filepath.Join(t.TempDir(), "sessions.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	r := New(cfg, logger)

	store, err := sessionstore.Open(context.Background(), cfg.SessionStore, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	r.store = store
	t.Cleanup(func() { _ = store.Close() })

	r.capture = capture.New(cfg.Capture, logger)
	if err := r.capture.Initialize(); err != nil {
		t.Fatalf("initialize capture: %v", err)
	}
	t.Cleanup(func() { _ = r.capture.Destroy() })

	r.manager = session.NewManager(cfg.Provider, cfg.Session, logger)
	if err := r.manager.Initialize(); err != nil {
		t.Fatalf("initialize manager: %v", err)
	}
	r.ready.Store(true)

	srv := httptest.NewServer(r.routes(nil))
	t.Cleanup(srv.Close)
	return r, srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHealthAndReady(t *testing.T) {
	_, srv := newTestRuntime(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", resp.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	_, srv := newTestRuntime(t)

	resp, out := postJSON(t, srv.URL+"/v1/session/start", map[string]string{"user_id": "user-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %v", resp.StatusCode, out)
	}
	sessionID, _ := out["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in %v", out)
	}

	// a second start must not disturb the running session
	resp, _ = postJSON(t, srv.URL+"/v1/session/start", map[string]string{"user_id": "user-2"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", resp.StatusCode)
	}

	// tone frames flow through the mock provider as interim results
	deadline := time.Now().Add(2 * time.Second)
	var transcript map[string]string
	for {
		resp := getJSON(t, srv.URL+"/v1/session/transcript", &transcript)
		if resp.StatusCode == http.StatusOK && transcript["transcript"] != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no transcript before deadline: %v", transcript)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if transcript["session_id"] != sessionID {
		t.Fatalf("transcript for wrong session: %v", transcript)
	}

	resp, out = postJSON(t, srv.URL+"/v1/session/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status %d: %v", resp.StatusCode, out)
	}
	if out["session_id"] != sessionID {
		t.Fatalf("stopped wrong session: %v", out)
	}
	if text, _ := out["transcript"].(string); text == "" {
		t.Fatalf("expected a transcript in stop response: %v", out)
	}

	resp, out = postJSON(t, srv.URL+"/v1/session/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 stopping idle runtime, got %d: %v", resp.StatusCode, out)
	}
}

func TestStoppedSessionIsArchived(t *testing.T) {
	_, srv := newTestRuntime(t)

	resp, out := postJSON(t, srv.URL+"/v1/session/start", map[string]string{"user_id": "user-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %v", resp.StatusCode, out)
	}
	time.Sleep(100 * time.Millisecond)
	resp, out = postJSON(t, srv.URL+"/v1/session/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status %d: %v", resp.StatusCode, out)
	}

	var records []sessionstore.Record
	getJSON(t, srv.URL+"/v1/sessions", &records)
	if len(records) != 1 {
		t.Fatalf("expected 1 archived session, got %d", len(records))
	}
	if records[0].UserID != "user-1" {
		t.Fatalf("unexpected archived record: %+v", records[0])
	}

	var metrics map[string]any
	getJSON(t, srv.URL+"/v1/metrics/stt", &metrics)
	if sessions, _ := metrics["sessions"].(float64); sessions != 1 {
		t.Fatalf("expected 1 session in metrics, got %v", metrics)
	}
}

func TestSecondSessionAfterStopReusesCapture(t *testing.T) {
	_, srv := newTestRuntime(t)

	for i := 0; i < 2; i++ {
		resp, out := postJSON(t, srv.URL+"/v1/session/start", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("start %d status %d: %v", i, resp.StatusCode, out)
		}
		time.Sleep(50 * time.Millisecond)
		resp, out = postJSON(t, srv.URL+"/v1/session/stop", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("stop %d status %d: %v", i, resp.StatusCode, out)
		}
	}

	var records []sessionstore.Record
	getJSON(t, srv.URL+"/v1/sessions", &records)
	if len(records) != 2 {
		t.Fatalf("expected 2 archived sessions, got %d", len(records))
	}
}

func TestTranscriptWithoutActiveSession(t *testing.T) {
	_, srv := newTestRuntime(t)

	var out map[string]string
	resp := getJSON(t, srv.URL+"/v1/session/transcript", &out)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
