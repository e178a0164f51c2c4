package pcm

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Frame is one fixed-size block of 16-bit little-endian mono PCM. Ownership
// transfers to the consumer on emission; the encoder never touches the
// backing slice again.
type Frame struct {
	Data []byte
	Seq  uint64
	At   time.Time
}

// Samples returns the number of 16-bit samples in the frame.
func (f Frame) Samples() int {
	return len(f.Data) / 2
}

// Encoder converts float blocks in [-1, 1] into PCM frames. It runs on the
// capture loop and must never block or fail; malformed input degrades to
// silence instead.
type Encoder struct {
	frameSize int
	seq       uint64
	clock     func() time.Time
}

func NewEncoder(frameSize int) (*Encoder, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}
	return &Encoder{frameSize: frameSize, clock: time.Now}, nil
}

// FrameSize returns the configured samples-per-frame.
func (e *Encoder) FrameSize() int {
	return e.frameSize
}

// Encode produces one frame from a block of float samples. An empty block
// emits nothing. A short or oversized block still yields a full frame:
// missing samples are zero-filled, extra samples are dropped.
func (e *Encoder) Encode(block []float32) (Frame, bool) {
	if len(block) == 0 {
		return Frame{}, false
	}
	data := make([]byte, e.frameSize*2)
	n := len(block)
	if n > e.frameSize {
		n = e.frameSize
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(quantize(block[i])))
	}
	e.seq++
	return Frame{Data: data, Seq: e.seq, At: e.clock()}, true
}

// quantize clamps to [-1, 1], scales by 32767 and rounds to nearest.
// NaN and infinities collapse to silence.
func quantize(sample float32) int16 {
	s := float64(sample)
	if math.IsNaN(s) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(s * 32767))
}
