package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxline/vox-core/internal/bus"
	"github.com/voxline/vox-core/internal/capture"
	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/natsserver"
	"github.com/voxline/vox-core/internal/pcm"
	"github.com/voxline/vox-core/internal/protocol"
	"github.com/voxline/vox-core/internal/session"
	"github.com/voxline/vox-core/internal/sessionstore"
)

// Runtime assembles the capture service, session manager, session archive and
// event bus behind one HTTP control surface and manages their lifecycles.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *sessionstore.Store
	capture *capture.Service
	manager *session.Manager

	// serializes session orchestration (start/stop) across HTTP handlers
	// and failure salvage
	sessionMu sync.Mutex
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.nats = embedded

		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(busCfg, r.logger)
		if err != nil {
			r.nats.Shutdown()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.bus = client
	}

	store, err := sessionstore.Open(ctx, r.cfg.SessionStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	r.store = store

	// the provider stream must describe the audio the device actually
	// produces
	if r.cfg.Provider.SampleRate != r.cfg.Capture.SampleRate {
		r.logger.Warn("aligning provider sample rate with capture device",
			slog.Int("provider", r.cfg.Provider.SampleRate),
			slog.Int("capture", r.cfg.Capture.SampleRate))
		r.cfg.Provider.SampleRate = r.cfg.Capture.SampleRate
	}

	r.capture = capture.New(r.cfg.Capture, r.logger)
	if err := r.capture.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize capture: %w", err)
	}

	r.manager = session.NewManager(r.cfg.Provider, r.cfg.Session, r.logger)
	if err := r.manager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}

	mux := r.routes(metricHandler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("provider", r.cfg.Provider.Name),
		slog.String("capture_mode", r.cfg.Capture.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if _, err := r.stopActive(shutdownCtx); err != nil {
		r.logger.Error("failed to stop active session", slog.String("error", err.Error()))
	}
	if err := r.capture.Destroy(); err != nil {
		r.logger.Error("capture teardown error", slog.String("error", err.Error()))
	}

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.store.Close(); err != nil {
		r.logger.Error("session store close error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) routes(metricHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	mux.HandleFunc("/v1/session/start", r.handleSessionStart)
	mux.HandleFunc("/v1/session/stop", r.handleSessionStop)
	mux.HandleFunc("/v1/session/transcript", r.handleTranscript)
	mux.HandleFunc("/v1/sessions", r.handleSessions)
	mux.HandleFunc("/v1/metrics/stt", r.handleSTTMetrics)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type startRequest struct {
	UserID string `json:"user_id"`
}

func (r *Runtime) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body startRequest
	if req.Body != nil {
		// an empty body means an anonymous session
		_ = json.NewDecoder(req.Body).Decode(&body)
	}

	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()

	sessionID, err := r.manager.StartSession(req.Context(), body.UserID, session.Handlers{
		OnInterim: func(c session.Chunk) { r.publishChunk(c) },
		OnFinal:   func(c session.Chunk) { r.publishChunk(c) },
		OnError: func(err error) {
			// salvage off the adapter goroutine: StopSession waits for
			// the provider stream to wind down
			go r.salvage("provider stream failed", err)
		},
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = r.capture.Start(
		func(frame pcm.Frame) {
			if err := r.manager.PushAudio(frame); err != nil {
				r.logger.Debug("frame dropped", slog.String("error", err.Error()))
			}
		},
		func(level protocol.LevelSample) {
			level.SessionID = sessionID
			r.bus.Publish(protocol.SubjectLevel, level)
		},
		func(err error) {
			// salvage off the capture goroutine: Stop waits for the
			// capture loops to wind down
			go r.salvage("capture device failed", err)
		},
	)
	if err != nil {
		if _, stopErr := r.stopActiveLocked(req.Context()); stopErr != nil {
			r.logger.Error("failed to unwind session after capture error",
				slog.String("error", stopErr.Error()))
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("start capture: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (r *Runtime) handleSessionStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	sess, err := r.stopActive(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sess.ID,
		"transcript":  sess.Transcript(),
		"duration_ms": sess.TotalDurationMS,
		"chunk_count": len(sess.Chunks),
		"metrics":     sess.Metrics,
	})
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	id, ok := r.manager.ActiveSessionID()
	if !ok {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"transcript": r.manager.FullTranscript(),
	})
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := r.store.ListRecent(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []sessionstore.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Runtime) handleSTTMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, r.manager.Metrics())
}

func (r *Runtime) publishChunk(c session.Chunk) {
	subject := protocol.SubjectTranscriptPartial
	if c.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	r.bus.Publish(subject, protocol.TranscriptEvent{
		SessionID:  c.SessionID,
		Text:       c.Text,
		Final:      c.Final,
		Confidence: c.Confidence,
		Provider:   c.Provider,
		Timestamp:  c.CreatedAt,
	})
}

// salvage stops the active session after a mid-session failure so whatever
// transcript accumulated is archived rather than lost.
func (r *Runtime) salvage(reason string, cause error) {
	r.logger.Error(reason, slog.String("error", cause.Error()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.stopActive(ctx); err != nil {
		r.logger.Error("session salvage failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) stopActive(ctx context.Context) (*session.Session, error) {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	return r.stopActiveLocked(ctx)
}

func (r *Runtime) stopActiveLocked(ctx context.Context) (*session.Session, error) {
	r.capture.Stop()
	sess, err := r.manager.StopSession(ctx)
	if err != nil || sess == nil {
		return sess, err
	}

	if err := r.store.Save(ctx, sess); err != nil {
		r.logger.Error("failed to archive session",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}
	r.bus.Publish(protocol.SubjectSessionClosed, protocol.SessionClosed{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		Transcript: sess.Transcript(),
		DurationMS: sess.TotalDurationMS,
		ChunkCount: len(sess.Chunks),
		Timestamp:  sess.EndTime,
	})
	return sess, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
