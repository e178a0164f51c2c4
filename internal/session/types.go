package session

import (
	"strings"
	"time"

	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/provider"
)

// Chunk is one unit of transcript text. The trailing chunk of a session may
// be rewritten in place while non-final; once final it is immutable.
type Chunk struct {
	ID            string          `json:"id"`
	Text          string          `json:"text"`
	StartOffsetMS int64           `json:"start_offset_ms"`
	EndOffsetMS   int64           `json:"end_offset_ms"`
	Confidence    float64         `json:"confidence,omitempty"`
	Words         []provider.Word `json:"words,omitempty"`
	Final         bool            `json:"final"`
	Provider      string          `json:"provider"`
	SessionID     string          `json:"session_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Session is the record of one capture-to-transcript run. It is mutated only
// by the manager while active and frozen on stop.
type Session struct {
	ID              string                   `json:"id"`
	UserID          string                   `json:"user_id"`
	StartTime       time.Time                `json:"start_time"`
	EndTime         time.Time                `json:"end_time"`
	TotalDurationMS int64                    `json:"total_duration_ms"`
	Chunks          []Chunk                  `json:"chunks"`
	Config          config.ProviderConfig    `json:"config"`
	Metrics         provider.MetricsSnapshot `json:"metrics"`
}

// Transcript joins all chunk texts in order with single-space normalization.
func (s *Session) Transcript() string {
	var words []string
	for _, c := range s.Chunks {
		words = append(words, strings.Fields(c.Text)...)
	}
	return strings.Join(words, " ")
}
