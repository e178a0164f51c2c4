package capture

import (
	"math"
	"sync"
	"time"

	"github.com/voxline/vox-core/internal/protocol"
)

// levelAnalyser tracks loudness of the most recent block. The capture loop
// writes, the level ticker reads; telemetry is advisory only and sampled
// independently of the frame cadence.
type levelAnalyser struct {
	mu   sync.Mutex
	rms  float64
	peak float64
	at   time.Time
}

func (a *levelAnalyser) Observe(block []float32) {
	if len(block) == 0 {
		return
	}
	var sum, peak float64
	for _, s := range block {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		sum += v * v
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
	}
	rms := math.Sqrt(sum / float64(len(block)))
	if rms > 1 {
		rms = 1
	}
	if peak > 1 {
		peak = 1
	}

	a.mu.Lock()
	a.rms = rms
	a.peak = peak
	a.at = time.Now()
	a.mu.Unlock()
}

func (a *levelAnalyser) Snapshot() protocol.LevelSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return protocol.LevelSample{RMS: a.rms, Peak: a.peak, Timestamp: a.at}
}
