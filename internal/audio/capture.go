package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// chunkBytes is 20ms of 16kHz mono s16le.
const chunkBytes = 640

// Capture records one Pulse source and hands out fixed-size PCM chunks.
type Capture struct {
	device Device
	keep   bool

	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []byte
	halt   chan struct{}

	mu       sync.Mutex
	partial  []byte
	recorded []byte
	stopped  bool

	writers sync.WaitGroup
	total   atomic.Int64
}

// StartCapture opens a 16kHz mono record stream on device. With keep set, every
// captured byte is also retained for Recorded.
func StartCapture(ctx context.Context, device Device, keep bool) (*Capture, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(device.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", device.ID, err)
	}

	c := &Capture{
		device: device,
		keep:   keep,
		client: client,
		chunks: make(chan []byte, 128),
		halt:   make(chan struct{}),
	}

	stream, err := client.NewRecord(
		pulse.NewWriter(writerFunc(c.ingest), pulseproto.FormatInt16LE),
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(16000),
		pulse.RecordBufferFragmentSize(chunkBytes),
		pulse.RecordMediaName("autoeval wake capture"),
	)
	if err != nil {
		_ = c.Stop()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}
	c.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-c.halt:
		}
	}()
	return c, nil
}

// Device returns the capture device.
func (c *Capture) Device() Device {
	return c.device
}

// Chunks yields PCM until Stop; the channel is closed afterwards.
func (c *Capture) Chunks() <-chan []byte {
	return c.chunks
}

// BytesCaptured reports how many bytes Pulse delivered.
func (c *Capture) BytesCaptured() int64 {
	return c.total.Load()
}

// Recorded copies the retained PCM; empty unless the capture keeps audio.
func (c *Capture) Recorded() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.recorded...)
}

// Stop ends the stream, emits any partial chunk, and closes Chunks. Safe to repeat.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.halt)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
	c.writers.Wait()

	c.mu.Lock()
	tail := c.partial
	c.partial = nil
	c.mu.Unlock()

	if len(tail) > 0 {
		select {
		case c.chunks <- tail:
		default:
		}
	}
	close(c.chunks)
	return nil
}

// ingest is the Pulse writer callback.
func (c *Capture) ingest(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same lock as stopped so Stop's Wait cannot race it.
	c.writers.Add(1)
	defer c.writers.Done()

	if c.keep {
		c.recorded = append(c.recorded, buffer...)
	}
	c.partial = append(c.partial, buffer...)
	var ready [][]byte
	for len(c.partial) >= chunkBytes {
		ready = append(ready, append([]byte(nil), c.partial[:chunkBytes]...))
		c.partial = c.partial[chunkBytes:]
	}
	c.mu.Unlock()

	c.total.Add(int64(len(buffer)))

	for _, chunk := range ready {
		select {
		case <-c.halt:
			return 0, io.EOF
		case c.chunks <- chunk:
		}
	}
	return len(buffer), nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
