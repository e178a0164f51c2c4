package protocol

import "time"

// LevelSample carries loudness telemetry for UI level meters.
type LevelSample struct {
	SessionID string    `json:"session_id,omitempty"`
	RMS       float64   `json:"rms"`
	Peak      float64   `json:"peak"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptEvent represents one interim or final transcript fragment.
type TranscriptEvent struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Final      bool      `json:"final"`
	Confidence float64   `json:"confidence,omitempty"`
	Provider   string    `json:"provider"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionClosed summarizes a frozen session for downstream consumers.
type SessionClosed struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Transcript string    `json:"transcript"`
	DurationMS int64     `json:"duration_ms"`
	ChunkCount int       `json:"chunk_count"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectLevel             = "voice.level"
	SubjectTranscriptPartial = "voice.transcript.partial"
	SubjectTranscriptFinal   = "voice.transcript.final"
	SubjectSessionClosed     = "voice.session.closed"
)
