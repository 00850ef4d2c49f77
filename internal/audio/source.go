package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MicSource adapts Pulse capture to the recognizer's audio source contract.
// One MicSource serves one session at a time.
type MicSource struct {
	Input    string
	Fallback string
	// Keep retains captured PCM so it can be dumped after the session.
	Keep   bool
	Logger *slog.Logger

	// start is swapped in tests.
	start func(ctx context.Context, input, fallback string, keep bool) (capturer, error)

	mu      sync.Mutex
	current capturer
	last    capturer
}

type capturer interface {
	Device() Device
	Chunks() <-chan []byte
	Recorded() []byte
	Stop() error
}

var errSourceBusy = errors.New("audio source already open")

// Open selects the device and starts capture.
func (m *MicSource) Open(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceAcquisition, errSourceBusy)
	}

	start := m.start
	if start == nil {
		start = m.startPulse
	}
	c, err := start(ctx, m.Input, m.Fallback, m.Keep)
	if err != nil {
		if errors.Is(err, ErrDeviceAcquisition) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDeviceAcquisition, err)
	}
	m.current = c
	m.logger().Info("audio capture started", "device", c.Device().ID, "description", c.Device().Description)
	return c.Chunks(), nil
}

// Close stops the active capture; closing an idle source is a no-op.
func (m *MicSource) Close() error {
	m.mu.Lock()
	c := m.current
	m.current = nil
	if c != nil {
		m.last = c
	}
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Stop()
}

// Recorded returns PCM retained by the most recent capture.
func (m *MicSource) Recorded() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.current != nil:
		return m.current.Recorded()
	case m.last != nil:
		return m.last.Recorded()
	}
	return nil
}

func (m *MicSource) startPulse(ctx context.Context, input, fallback string, keep bool) (capturer, error) {
	selection, err := SelectDevice(ctx, input, fallback)
	if err != nil {
		return nil, err
	}
	if selection.Warning != "" {
		m.logger().Warn("audio device fallback", "warning", selection.Warning)
	}
	return StartCapture(ctx, selection.Device, keep)
}

func (m *MicSource) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}
