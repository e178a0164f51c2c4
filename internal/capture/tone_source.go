package capture

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/voxline/vox-core/internal/config"
)

// toneSource generates a paced 440 Hz sine, standing in for a real device in
// smoke runs and tests. With a zero interval it produces blocks as fast as
// the consumer reads them.
type toneSource struct {
	sampleRate int
	interval   time.Duration
	freq       float64

	mu      sync.Mutex
	phase   float64
	running bool
	quit    chan struct{}
}

func newToneSource(cfg config.CaptureConfig) *toneSource {
	interval := time.Duration(cfg.FrameSamples) * time.Second / time.Duration(cfg.SampleRate)
	return &toneSource{
		sampleRate: cfg.SampleRate,
		interval:   interval,
		freq:       440,
	}
}

func (s *toneSource) Open() error { return nil }

func (s *toneSource) Resume(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.quit = make(chan struct{})
	return nil
}

func (s *toneSource) ReadBlock(buf []float32) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errSuspended
	}
	quit := s.quit
	s.mu.Unlock()

	if s.interval > 0 {
		select {
		case <-time.After(s.interval):
		case <-quit:
			return errSuspended
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errSuspended
	}
	step := 2 * math.Pi * s.freq / float64(s.sampleRate)
	for i := range buf {
		buf[i] = float32(0.2 * math.Sin(s.phase))
		s.phase += step
	}
	return nil
}

func (s *toneSource) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.quit)
	return nil
}

func (s *toneSource) Close() error {
	return s.Suspend()
}
