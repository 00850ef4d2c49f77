// Package pcm turns captured audio samples into protocol-ready PCM frames.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"sync"
)

const (
	// SampleRate is the only rate the ASR protocol accepts.
	SampleRate = 16000
	// FrameBytes is one 40ms frame of 16kHz mono s16le audio.
	FrameBytes = 1280
)

// Resample converts mono float samples between rates with linear interpolation.
func Resample(samples []float32, fromRate int, toRate int) []float32 {
	if len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate {
		return append([]float32(nil), samples...)
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= len(samples) {
			next = len(samples) - 1
		}
		out[i] = samples[idx] + (samples[next]-samples[idx])*frac
	}
	return out
}

// Quantize maps [-1, 1] float samples to signed 16-bit integers, clamping overflow.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(math.Round(float64(s) * 32768))
			continue
		}
		out[i] = int16(math.Round(float64(s) * 32767))
	}
	return out
}

// EncodeLE serializes samples as little-endian bytes.
func EncodeLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FromFloat32 resamples, quantizes, and encodes one capture buffer.
func FromFloat32(samples []float32, sampleRate int) []byte {
	return EncodeLE(Quantize(Resample(samples, sampleRate, SampleRate)))
}

// Payload encodes one frame for the Middle message audio field.
func Payload(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

// Framer buffers PCM bytes and hands them out in fixed-size frames.
type Framer struct {
	size int

	mu      sync.Mutex
	pending []byte
}

// NewFramer returns a framer emitting size-byte frames; size <= 0 uses FrameBytes.
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = FrameBytes
	}
	return &Framer{size: size}
}

// Write appends raw PCM bytes.
func (f *Framer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	f.mu.Unlock()
}

// Drain returns every complete frame buffered so far.
func (f *Framer) Drain() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	frames := make([][]byte, 0, len(f.pending)/f.size)
	for len(f.pending) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.pending[:f.size])
		f.pending = f.pending[f.size:]
		frames = append(frames, frame)
	}
	return frames
}

// Flush returns the trailing partial frame, if any, and empties the buffer.
func (f *Framer) Flush() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return nil
	}
	tail := append([]byte(nil), f.pending...)
	f.pending = nil
	return tail
}

// Buffered reports the number of bytes waiting for a full frame.
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
