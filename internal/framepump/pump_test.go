package framepump

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/audio"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
	stopAt int
	err    error
	pushes atomic.Int32
}

func (s *recordingSink) PushFrame(_ context.Context, frame Frame) (bool, error) {
	s.pushes.Add(1)
	if s.err != nil {
		return false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	if s.stopAt > 0 && len(s.frames) >= s.stopAt {
		return false, nil
	}
	return true, nil
}

func (s *recordingSink) snapshot() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func TestPumpRespectsFrameRate(t *testing.T) {
	sink := &recordingSink{}
	p := New(StaticSource{Image: testImage(64, 48)}, sink, Config{FrameRate: 10, Tick: time.Millisecond})

	p.Start(context.Background())
	time.Sleep(500 * time.Millisecond)
	p.Stop()

	frames := sink.snapshot()
	require.NotEmpty(t, frames)
	// 10 fps over 0.5s allows at most 6 frames including the immediate first one.
	require.LessOrEqual(t, len(frames), 6)
	for i := 1; i < len(frames); i++ {
		require.GreaterOrEqual(t, frames[i].Timestamp-frames[i-1].Timestamp, 100*time.Millisecond)
	}
	require.False(t, p.Running())
}

func TestPumpCropsToROIAndEncodesJPEG(t *testing.T) {
	sink := &recordingSink{stopAt: 1}
	p := New(StaticSource{Image: testImage(64, 48)}, sink, Config{FrameRate: 50, Tick: time.Millisecond})
	require.NoError(t, p.SetROI(image.Rect(10, 10, 40, 30)))

	p.Start(context.Background())
	<-p.Done()

	frames := sink.snapshot()
	require.Len(t, frames, 1)
	require.Equal(t, 30, frames[0].Width)
	require.Equal(t, 20, frames[0].Height)

	decoded, err := jpeg.Decode(bytes.NewReader(frames[0].JPEG))
	require.NoError(t, err)
	require.Equal(t, 30, decoded.Bounds().Dx())
	require.NoError(t, p.Err())
}

func TestPumpFallsBackToFullFrameForZeroAreaROI(t *testing.T) {
	sink := &recordingSink{stopAt: 1}
	p := New(StaticSource{Image: testImage(64, 48)}, sink, Config{FrameRate: 50, Tick: time.Millisecond})
	require.NoError(t, p.SetROI(image.Rect(100, 100, 200, 200)))

	p.Start(context.Background())
	<-p.Done()

	frames := sink.snapshot()
	require.Len(t, frames, 1)
	require.Equal(t, 64, frames[0].Width)
	require.Equal(t, 48, frames[0].Height)
}

func TestPumpStopsWhenSinkNotRunning(t *testing.T) {
	sink := &recordingSink{stopAt: 2}
	p := New(StaticSource{Image: testImage(8, 8)}, sink, Config{FrameRate: 100, Tick: time.Millisecond})

	p.Start(context.Background())
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop itself")
	}
	require.Equal(t, int32(2), sink.pushes.Load())
	require.False(t, p.Running())
}

func TestPumpReportsSinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("socket closed")}
	p := New(StaticSource{Image: testImage(8, 8)}, sink, Config{FrameRate: 100, Tick: time.Millisecond})

	p.Start(context.Background())
	<-p.Done()
	require.ErrorContains(t, p.Err(), "socket closed")
}

func TestSetROIRejectedWhileRunning(t *testing.T) {
	p := New(StaticSource{Image: testImage(8, 8)}, &recordingSink{}, Config{FrameRate: 1, Tick: time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	require.ErrorIs(t, p.SetROI(image.Rect(0, 0, 4, 4)), ErrPumpActive)
	require.ErrorIs(t, p.SetFrameRate(5), ErrPumpActive)

	p.Stop()
	require.NoError(t, p.SetROI(image.Rect(4, 4, 0, 0)))
	require.Equal(t, image.Rect(0, 0, 4, 4), p.ROI())
}

func TestClampROI(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 50)

	got, ok := ClampROI(image.Rect(-10, -10, 30, 20), bounds)
	require.True(t, ok)
	require.Equal(t, image.Rect(0, 0, 30, 20), got)

	got, ok = ClampROI(image.Rect(90, 40, 150, 90), bounds)
	require.True(t, ok)
	require.Equal(t, image.Rect(90, 40, 100, 50), got)

	got, ok = ClampROI(image.Rect(100, 0, 120, 10), bounds)
	require.False(t, ok)
	require.Equal(t, bounds, got)
}

func TestCropWithoutSubImage(t *testing.T) {
	base := testImage(20, 20)
	wrapped := struct{ image.Image }{base}
	out := Crop(wrapped, image.Rect(5, 5, 15, 10), nil)
	require.Equal(t, image.Rect(0, 0, 10, 5), out.Bounds())
}

func TestHTTPSourceDecodesSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, testImage(12, 9))
	}))
	defer server.Close()

	img, err := NewHTTPSource(server.URL).Capture(context.Background())
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 12, 9), img.Bounds())
}

func TestHTTPSourceFailuresAreDeviceErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPSource(server.URL).Capture(context.Background())
	require.ErrorIs(t, err, audio.ErrDeviceAcquisition)

	_, err = (&HTTPSource{}).Capture(context.Background())
	require.ErrorIs(t, err, audio.ErrDeviceAcquisition)
}
