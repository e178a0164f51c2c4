package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/pcm"
	"github.com/voxline/vox-core/internal/provider"
)

var (
	// ErrSessionActive is returned when a second session is started while
	// one is running. The active session is left untouched.
	ErrSessionActive = errors.New("a session is already active")
	// ErrNotInitialized is returned when audio is pushed or a session is
	// started before Initialize.
	ErrNotInitialized = errors.New("session manager not initialized")
)

// Handlers receive merged transcript chunks and session-fatal errors.
type Handlers struct {
	OnInterim func(Chunk)
	OnFinal   func(Chunk)
	OnError   func(error)
}

// Manager owns at most one active session and is the merge point between
// device frames and provider events. All session mutation happens under its
// lock on the control path.
type Manager struct {
	providerCfg config.ProviderConfig
	sessionCfg  config.SessionConfig
	log         *slog.Logger
	metrics     *provider.Metrics
	clock       func() time.Time

	sessionsStarted metric.Int64Counter
	chunksMerged    metric.Int64Counter

	mu          sync.Mutex
	initialized bool
	adapter     provider.Adapter
	active      *Session
}

func NewManager(providerCfg config.ProviderConfig, sessionCfg config.SessionConfig, log *slog.Logger) *Manager {
	meter := otel.Meter("vox-core/session")
	sessionsStarted, _ := meter.Int64Counter("voice.sessions.started",
		metric.WithDescription("Capture sessions started"))
	chunksMerged, _ := meter.Int64Counter("voice.transcript.chunks",
		metric.WithDescription("Transcript chunks merged into sessions"))
	return &Manager{
		providerCfg:     providerCfg,
		sessionCfg:      sessionCfg,
		log:             log,
		metrics:         provider.NewMetrics(),
		clock:           time.Now,
		sessionsStarted: sessionsStarted,
		chunksMerged:    chunksMerged,
	}
}

// Initialize resolves the configured provider, failing closed on unknown
// names, and resets the cumulative metrics.
func (m *Manager) Initialize() error {
	if _, err := provider.New(m.providerCfg, m.metrics, m.log); err != nil {
		return err
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.metrics.Reset()
	return nil
}

// StartSession creates a fresh session and binds it to a fresh adapter
// connection. Exactly one session may be active per manager.
func (m *Manager) StartSession(ctx context.Context, userID string, h Handlers) (string, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return "", ErrNotInitialized
	}
	if m.active != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionActive, m.active.ID)
	}

	adapter, err := provider.New(m.providerCfg, m.metrics, m.log)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartTime: m.clock(),
		Config:    m.providerCfg,
	}
	m.active = sess
	m.adapter = adapter
	m.mu.Unlock()

	wrapped := provider.Handlers{
		OnInterim: func(r provider.Result) {
			if chunk, ok := m.applyInterim(r); ok && h.OnInterim != nil {
				h.OnInterim(chunk)
			}
		},
		OnFinal: func(r provider.Result) {
			if chunk, ok := m.applyFinal(r); ok && h.OnFinal != nil {
				h.OnFinal(chunk)
			}
		},
		OnError: func(err error) {
			m.log.Error("provider session error",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
			if h.OnError != nil {
				h.OnError(err)
			}
		},
	}

	if err := adapter.Start(ctx, sess.ID, wrapped); err != nil {
		m.mu.Lock()
		m.active = nil
		m.adapter = nil
		m.mu.Unlock()
		return "", fmt.Errorf("start provider stream: %w", err)
	}

	m.sessionsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", adapter.Name())))
	m.log.Info("session started",
		slog.String("session_id", sess.ID),
		slog.String("user_id", userID),
		slog.String("provider", adapter.Name()))
	return sess.ID, nil
}

// PushAudio forwards one frame to the bound adapter.
func (m *Manager) PushAudio(frame pcm.Frame) error {
	m.mu.Lock()
	adapter := m.adapter
	m.mu.Unlock()
	if adapter == nil {
		return ErrNotInitialized
	}
	return adapter.Push(frame)
}

// StopSession closes the provider stream, freezes the active session and
// returns the snapshot. Returns nil when no session is active; always safe
// to call.
func (m *Manager) StopSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	adapter := m.adapter
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return nil, nil
	}

	// trailing finals arriving during the grace window still merge into the
	// active session
	if adapter != nil {
		if err := adapter.Stop(ctx); err != nil {
			m.log.Warn("provider stop failed", slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	m.resolveTrailing(sess)
	sess.EndTime = m.clock()
	sess.TotalDurationMS = sess.EndTime.Sub(sess.StartTime).Milliseconds()
	sess.Metrics = m.metrics.Snapshot()
	m.active = nil
	m.adapter = nil
	m.mu.Unlock()

	m.log.Info("session stopped",
		slog.String("session_id", sess.ID),
		slog.Int64("duration_ms", sess.TotalDurationMS),
		slog.Int("chunks", len(sess.Chunks)))
	return sess, nil
}

// resolveTrailing applies the configured policy to a trailing chunk the
// provider never finalized (for example after a dropped connection
// mid-utterance).
func (m *Manager) resolveTrailing(sess *Session) {
	n := len(sess.Chunks)
	if n == 0 || sess.Chunks[n-1].Final {
		return
	}
	switch m.sessionCfg.UnfinalizedPolicy {
	case "discard":
		sess.Chunks = sess.Chunks[:n-1]
	default: // promote
		sess.Chunks[n-1].Final = true
	}
}

// FullTranscript returns the canonical transcript of the active session, or
// an empty string when none is active.
func (m *Manager) FullTranscript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.Transcript()
}

// ActiveSessionID returns the id of the running session, if any.
func (m *Manager) ActiveSessionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.ID, true
}

// Metrics returns the cumulative transcription metrics.
func (m *Manager) Metrics() provider.MetricsSnapshot {
	return m.metrics.Snapshot()
}

// applyInterim merges an interim result: it rewrites the trailing non-final
// chunk in place, or appends a new one when the previous chunk was already
// final. The chunk list never holds two non-final entries.
func (m *Manager) applyInterim(r provider.Result) (Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Chunk{}, false
	}
	sess := m.active
	chunk := m.newChunk(sess, r, false)

	if n := len(sess.Chunks); n > 0 && !sess.Chunks[n-1].Final {
		chunk.ID = sess.Chunks[n-1].ID
		sess.Chunks[n-1] = chunk
	} else {
		sess.Chunks = append(sess.Chunks, chunk)
	}
	m.chunksMerged.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("final", false)))
	return chunk, true
}

// applyFinal merges a final result: a trailing non-final chunk is replaced
// in place and sealed, so text already delivered as interim never
// duplicates; otherwise the final starts a new chunk.
func (m *Manager) applyFinal(r provider.Result) (Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Chunk{}, false
	}
	sess := m.active
	chunk := m.newChunk(sess, r, true)

	if n := len(sess.Chunks); n > 0 && !sess.Chunks[n-1].Final {
		chunk.ID = sess.Chunks[n-1].ID
		sess.Chunks[n-1] = chunk
	} else {
		sess.Chunks = append(sess.Chunks, chunk)
	}
	m.chunksMerged.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("final", true)))
	return chunk, true
}

func (m *Manager) newChunk(sess *Session, r provider.Result, final bool) Chunk {
	return Chunk{
		ID:            uuid.NewString(),
		Text:          strings.TrimSpace(r.Text),
		StartOffsetMS: r.StartOffsetMS,
		EndOffsetMS:   r.EndOffsetMS,
		Confidence:    r.Confidence,
		Words:         r.Words,
		Final:         final,
		Provider:      m.providerCfg.Name,
		SessionID:     sess.ID,
		CreatedAt:     m.clock(),
	}
}
