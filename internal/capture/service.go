package capture

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/pcm"
	"github.com/voxline/vox-core/internal/protocol"
)

type FrameHandler func(pcm.Frame)

type LevelHandler func(protocol.LevelSample)

type ErrorHandler func(error)

// Service owns the device graph: source -> gain -> level analyser -> frame
// producer. Frames cross from the capture loop to the control path over a
// bounded channel with ownership transfer; the capture loop never blocks on
// the consumer and drops frames when the queue is full.
type Service struct {
	cfg      config.CaptureConfig
	log      *slog.Logger
	source   Source
	encoder  *pcm.Encoder
	analyser *levelAnalyser
	tap      *wavTap
	gainBits atomic.Uint64
	dropped  atomic.Uint64

	mu          sync.Mutex
	initialized bool
	running     bool
	destroyed   bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg config.CaptureConfig, log *slog.Logger) *Service {
	s := &Service{cfg: cfg, log: log, analyser: &levelAnalyser{}}
	s.gainBits.Store(math.Float64bits(clampGain(cfg.Gain)))
	return s
}

// Initialize acquires the device handle and assembles the processing graph.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if s.initialized {
		return nil
	}

	source, err := newSource(s.cfg)
	if err != nil {
		return &DeviceError{Op: "initialize", Err: err}
	}
	if err := source.Open(); err != nil {
		return &DeviceError{Op: "open", Err: err}
	}

	encoder, err := pcm.NewEncoder(s.cfg.FrameSamples)
	if err != nil {
		_ = source.Close()
		return &PipelineError{Stage: "frame-producer", Err: err}
	}

	if s.cfg.TapPath != "" {
		tap, err := newWavTap(s.cfg.TapPath, s.cfg.SampleRate)
		if err != nil {
			_ = source.Close()
			return &PipelineError{Stage: "wav-tap", Err: err}
		}
		s.tap = tap
	}

	s.source = source
	s.encoder = encoder
	s.initialized = true
	return nil
}

// Start begins frame delivery and level telemetry.
func (s *Service) Start(onFrame FrameHandler, onLevel LevelHandler, onError ErrorHandler) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.source.Resume(ctx); err != nil {
		cancel()
		s.mu.Unlock()
		return &DeviceError{Op: "resume", Err: err}
	}
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	frames := make(chan pcm.Frame, s.cfg.FrameQueue)
	var errOnce sync.Once

	s.wg.Add(3)
	go s.captureLoop(ctx, frames, &errOnce, onError)
	go s.dispatchLoop(frames, onFrame)
	go s.levelLoop(ctx, onLevel)
	return nil
}

func (s *Service) captureLoop(ctx context.Context, frames chan<- pcm.Frame, errOnce *sync.Once, onError ErrorHandler) {
	defer s.wg.Done()
	defer close(frames)

	block := make([]float32, s.encoder.FrameSize())
	for {
		if err := s.source.ReadBlock(block); err != nil {
			if errors.Is(err, errSuspended) || ctx.Err() != nil {
				return
			}
			s.halt()
			errOnce.Do(func() {
				onError(&DeviceError{Op: "read", Err: err})
			})
			return
		}

		if gain := s.Gain(); gain != 1 {
			for i := range block {
				block[i] *= float32(gain)
			}
		}
		s.analyser.Observe(block)

		frame, ok := s.encoder.Encode(block)
		if !ok {
			continue
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Service) dispatchLoop(frames <-chan pcm.Frame, onFrame FrameHandler) {
	defer s.wg.Done()
	for frame := range frames {
		onFrame(frame)
		if s.tap != nil {
			if err := s.tap.Write(frame); err != nil {
				s.log.Warn("wav tap write failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Service) levelLoop(ctx context.Context, onLevel LevelHandler) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.LevelIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			onLevel(s.analyser.Snapshot())
		}
	}
}

// halt marks the service stopped after a mid-session device failure so the
// capture goroutines wind down and a later Stop is a no-op.
func (s *Service) halt() {
	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = s.source.Suspend()
}

// Stop halts frame delivery and level polling. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	_ = s.source.Suspend()
	s.wg.Wait()
}

// Destroy releases the device handle and tears the graph down. Terminal.
func (s *Service) Destroy() error {
	s.Stop()
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.initialized = false
	source := s.source
	tap := s.tap
	s.source = nil
	s.tap = nil
	s.mu.Unlock()

	var errs []error
	if source != nil {
		if err := source.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if tap != nil {
		if err := tap.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetGain adjusts input gain for subsequent frames, clamped to [0, 2].
func (s *Service) SetGain(multiplier float64) {
	s.gainBits.Store(math.Float64bits(clampGain(multiplier)))
}

func (s *Service) Gain() float64 {
	return math.Float64frombits(s.gainBits.Load())
}

// Dropped reports frames discarded because the control path fell behind.
func (s *Service) Dropped() uint64 {
	return s.dropped.Load()
}

func clampGain(g float64) float64 {
	if math.IsNaN(g) || g < 0 {
		return 0
	}
	if g > 2 {
		return 2
	}
	return g
}
