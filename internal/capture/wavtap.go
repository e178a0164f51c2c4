package capture

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/voxline/vox-core/internal/pcm"
)

// wavTap mirrors every emitted frame into a WAV file for diagnostics.
type wavTap struct {
	mu   sync.Mutex
	file *os.File
	enc  *wav.Encoder
}

func newWavTap(path string, sampleRate int) (*wavTap, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav tap: %w", err)
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	return &wavTap{file: file, enc: enc}, nil
}

func (t *wavTap) Write(frame pcm.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc == nil {
		return nil
	}
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: t.enc.SampleRate},
		Data:   make([]int, frame.Samples()),
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(frame.Data[i*2:])))
	}
	if err := t.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav tap: %w", err)
	}
	return nil
}

func (t *wavTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc == nil {
		return nil
	}
	encErr := t.enc.Close()
	fileErr := t.file.Close()
	t.enc = nil
	if encErr != nil {
		return fmt.Errorf("close wav tap: %w", encErr)
	}
	return fileErr
}
