package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/pcm"
)

const stopGraceWindow = time.Second

// deepgramAdapter streams PCM to a Deepgram-style listen endpoint over a
// WebSocket: binary frames out, JSON results in, JSON control messages for
// keep-alive and stream close.
type deepgramAdapter struct {
	cfg     config.ProviderConfig
	log     *slog.Logger
	metrics *Metrics

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	stopping   bool
	h          Handlers
	done       chan struct{}
	cancel     context.CancelFunc
	startedAt  time.Time
	sawInterim bool
	errOnce    sync.Once
}

type controlMessage struct {
	Type string `json:"type"`
}

type listenResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []Word  `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func newDeepgramAdapter(cfg config.ProviderConfig, metrics *Metrics, log *slog.Logger) (Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram adapter requires an api key")
	}
	return &deepgramAdapter{cfg: cfg, log: log, metrics: metrics}, nil
}

func (d *deepgramAdapter) Name() string { return "deepgram" }

func (d *deepgramAdapter) Capabilities() Capabilities {
	return Capabilities{Interim: true, Confidence: true, WordTimestamps: true}
}

func (d *deepgramAdapter) Start(ctx context.Context, sessionID string, h Handlers) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return fmt.Errorf("adapter already started")
	}
	d.mu.Unlock()

	conn, err := d.dial(ctx)
	if err != nil {
		d.metrics.AddError()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.conn = conn
	d.connected = true
	d.stopping = false
	d.h = h
	d.done = make(chan struct{})
	d.cancel = cancel
	d.startedAt = time.Now()
	d.sawInterim = false
	d.errOnce = sync.Once{}
	d.mu.Unlock()

	d.metrics.SessionStarted()
	d.log.Info("provider stream opened",
		slog.String("provider", "deepgram"),
		slog.String("session_id", sessionID))

	go d.readLoop()
	if d.cfg.KeepAliveMS > 0 {
		go d.keepAliveLoop(runCtx)
	}
	return nil
}

// dial attempts both authentication strategies in the configured order. The
// header-borne credential avoids leaking the key into URLs and proxy logs;
// the query parameter exists for intermediaries that drop the header.
func (d *deepgramAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	timeout := time.Duration(d.cfg.ConnectTimeoutMS) * time.Millisecond
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	attempts := []string{"header", "query"}
	if d.cfg.AuthOrder == "query_first" {
		attempts = []string{"query", "header"}
	}

	var lastErr error
	for i, mode := range attempts {
		endpoint, header, err := d.dialTarget(mode)
		if err != nil {
			return nil, err
		}
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, resp, err := dialer.DialContext(dialCtx, endpoint, header)
		cancel()
		if err == nil {
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			return conn, nil
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if isTimeout(err) {
			return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
		}
		lastErr = err
		if i == 0 {
			d.log.Warn("provider dial failed, trying fallback auth",
				slog.String("auth", mode),
				slog.String("error", err.Error()))
		}
	}
	return nil, fmt.Errorf("dial provider: %w", lastErr)
}

func (d *deepgramAdapter) dialTarget(authMode string) (string, http.Header, error) {
	u, err := url.Parse(d.cfg.Endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("parse provider endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	q.Set("language", d.cfg.Language)
	q.Set("encoding", d.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", strconv.FormatBool(d.cfg.InterimResults))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if d.cfg.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(d.cfg.EndpointingMS))
	}

	header := http.Header{}
	switch authMode {
	case "header":
		header.Set("Authorization", "Token "+d.cfg.APIKey)
	case "query":
		q.Set("token", d.cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), header, nil
}

func (d *deepgramAdapter) Push(frame pcm.Frame) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	conn := d.conn
	err := conn.WriteMessage(websocket.BinaryMessage, frame.Data)
	d.mu.Unlock()

	if err != nil {
		// write failure means the connection is gone; the read loop
		// surfaces the diagnosis
		d.log.Warn("provider frame write failed", slog.String("error", err.Error()))
		return nil
	}
	d.metrics.AddBytes(len(frame.Data))
	return nil
}

func (d *deepgramAdapter) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.conn == nil {
		d.mu.Unlock()
		return nil
	}
	conn := d.conn
	done := d.done
	cancel := d.cancel
	d.stopping = true
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	d.mu.Lock()
	_ = conn.WriteJSON(controlMessage{Type: "CloseStream"})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
	d.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(stopGraceWindow):
		case <-ctx.Done():
		}
	}

	d.mu.Lock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	d.connected = false
	d.mu.Unlock()
	return nil
}

func (d *deepgramAdapter) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *deepgramAdapter) readLoop() {
	d.mu.Lock()
	conn := d.conn
	done := d.done
	h := d.h
	d.mu.Unlock()

	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			d.handleDisconnect(err, h)
			return
		}
		d.handleMessage(data, h)
	}
}

func (d *deepgramAdapter) handleMessage(data []byte, h Handlers) {
	var msg listenResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		// one malformed message never kills the session
		d.log.Warn("dropping malformed provider message", slog.String("error", err.Error()))
		return
	}
	if msg.Type != "" && msg.Type != "Results" {
		return
	}
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return
	}

	result := Result{
		Text:          text,
		Confidence:    alt.Confidence,
		Words:         alt.Words,
		StartOffsetMS: int64(msg.Start * 1000),
		EndOffsetMS:   int64((msg.Start + msg.Duration) * 1000),
		Final:         msg.IsFinal,
	}

	d.mu.Lock()
	startedAt := d.startedAt
	first := !d.sawInterim && !msg.IsFinal
	if first {
		d.sawInterim = true
	}
	d.mu.Unlock()

	if msg.IsFinal {
		latency := time.Since(startedAt) - time.Duration(result.EndOffsetMS)*time.Millisecond
		if latency < 0 {
			latency = 0
		}
		d.metrics.ObserveFinal(latency)
		if h.OnFinal != nil {
			h.OnFinal(result)
		}
		return
	}
	if first {
		d.metrics.ObserveFirstInterim(time.Since(startedAt))
	}
	if h.OnInterim != nil {
		h.OnInterim(result)
	}
}

func (d *deepgramAdapter) handleDisconnect(err error, h Handlers) {
	d.mu.Lock()
	stopping := d.stopping
	d.connected = false
	d.mu.Unlock()

	if stopping || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	d.metrics.AddError()
	diagnosis := diagnoseClose(err)
	d.errOnce.Do(func() {
		if h.OnError != nil {
			h.OnError(errors.New(diagnosis))
		}
	})
}

// diagnoseClose maps close conditions to user-actionable messages instead of
// a generic connection error.
func diagnoseClose(err error) string {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return fmt.Sprintf("provider connection error: %v", err)
	}
	switch ce.Code {
	case websocket.CloseProtocolError:
		return "provider closed the stream: protocol violation (1002); verify the audio encoding and control message format"
	case websocket.CloseUnsupportedData:
		return "provider closed the stream: unsupported payload (1003); the configured encoding was not accepted"
	case websocket.CloseNoStatusReceived:
		return "provider closed the stream without a status code (1005); the stream may have idled out"
	case websocket.CloseAbnormalClosure:
		return "provider connection lost abnormally (1006); check network connectivity and credentials"
	default:
		if ce.Text != "" {
			return fmt.Sprintf("provider closed the stream: %s (%d)", ce.Text, ce.Code)
		}
		return fmt.Sprintf("provider closed the stream with code %d", ce.Code)
	}
}

func (d *deepgramAdapter) keepAliveLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.KeepAliveMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			if !d.connected {
				d.mu.Unlock()
				return
			}
			err := d.conn.WriteJSON(controlMessage{Type: "KeepAlive"})
			d.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
