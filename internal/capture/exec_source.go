package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/voxline/vox-core/internal/config"
)

// execSource captures audio through an external command (parec, arecord,
// sox ...) writing raw little-endian float32 mono samples to stdout. The
// capture profile hints are exported to the child environment so wrapper
// scripts can translate them to device options.
type execSource struct {
	args []string
	cfg  config.CaptureConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	closed bool
}

func newExecSource(cfg config.CaptureConfig) (*execSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &execSource{args: args, cfg: cfg}, nil
}

func (s *execSource) Open() error {
	if _, err := exec.LookPath(s.args[0]); err != nil {
		return fmt.Errorf("capture command not available: %w", err)
	}
	return nil
}

func (s *execSource) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("source closed")
	}
	if s.cmd != nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("VOX_CAPTURE_SAMPLE_RATE=%d", s.cfg.SampleRate),
		fmt.Sprintf("VOX_CAPTURE_ECHO_CANCELLATION=%t", s.cfg.EchoCancellation),
		fmt.Sprintf("VOX_CAPTURE_NOISE_SUPPRESSION=%t", s.cfg.NoiseSuppression),
		fmt.Sprintf("VOX_CAPTURE_AUTO_GAIN=%t", s.cfg.AutoGain),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}
	s.cmd = cmd
	s.stdout = stdout
	return nil
}

func (s *execSource) ReadBlock(buf []float32) error {
	s.mu.Lock()
	stdout := s.stdout
	s.mu.Unlock()
	if stdout == nil {
		return errSuspended
	}

	raw := make([]byte, len(buf)*4)
	if _, err := io.ReadFull(stdout, raw); err != nil {
		return fmt.Errorf("read capture stream: %w", err)
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return nil
}

func (s *execSource) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	_ = s.stdout.Close()
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdout = nil
	return nil
}

func (s *execSource) Close() error {
	if err := s.Suspend(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
