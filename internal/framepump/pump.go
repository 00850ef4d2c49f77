// Package framepump feeds a rate-limited stream of cropped JPEG frames to the visual detector.
package framepump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/metrics"
)

const (
	DefaultTick      = 16 * time.Millisecond
	DefaultFrameRate = 10
	DefaultQuality   = 80
)

// ErrPumpActive is returned when the ROI is changed while frames are flowing.
var ErrPumpActive = errors.New("frame pump is running")

// FrameSource captures the current camera frame.
type FrameSource interface {
	Capture(ctx context.Context) (image.Image, error)
}

// Frame is one encoded frame handed to the sink.
type Frame struct {
	JPEG      []byte
	Timestamp time.Duration
	Width     int
	Height    int
}

// Sink receives frames; running=false means the detector stopped and the pump must stop.
type Sink interface {
	PushFrame(ctx context.Context, frame Frame) (running bool, err error)
}

// Config tunes the pump loop.
type Config struct {
	FrameRate float64
	Tick      time.Duration
	Quality   int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Now is the monotonic clock; defaults to time.Now.
	Now func() time.Time
}

// Pump owns the single frame loop for one camera.
type Pump struct {
	source  FrameSource
	sink    Sink
	cfg     Config
	logger  *slog.Logger
	epoch   time.Time
	metrics *metrics.Metrics

	mu      sync.Mutex
	roi     image.Rectangle
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New builds an idle pump.
func New(source FrameSource, sink Sink, cfg Config) *Pump {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pump{source: source, sink: sink, cfg: cfg, logger: logger, metrics: cfg.Metrics, epoch: cfg.Now()}
}

// SetROI changes the crop region. An empty rectangle means the full frame.
func (p *Pump) SetROI(roi image.Rectangle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPumpActive
	}
	p.roi = roi.Canon()
	return nil
}

// ROI returns the configured crop region.
func (p *Pump) ROI() image.Rectangle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roi
}

// SetFrameRate changes the frame budget; like the ROI it is fixed while pumping.
func (p *Pump) SetFrameRate(fps float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPumpActive
	}
	if fps > 0 {
		p.cfg.FrameRate = fps
	}
	return nil
}

// Running reports whether the loop is active.
func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the loop; starting a running pump restarts it.
func (p *Pump) Start(ctx context.Context) {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.err = nil
	go p.loop(loopCtx, p.roi, p.cfg.FrameRate, p.done)
}

// Stop halts the loop and waits for it to exit.
func (p *Pump) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the current loop exits; nil when never started.
func (p *Pump) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the error that ended the last loop, if any.
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pump) loop(ctx context.Context, roi image.Rectangle, fps float64, done chan struct{}) {
	var exitErr error
	defer func() {
		p.mu.Lock()
		p.running = false
		p.err = exitErr
		p.mu.Unlock()
		close(done)
	}()

	interval := time.Duration(float64(time.Second) / fps)
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := p.cfg.Now()
		if !last.IsZero() && now.Sub(last) < interval {
			continue
		}
		last = now

		frame, err := p.grab(ctx, roi, now)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.metrics.FrameSkipped()
			p.logger.Warn("frame capture skipped", "error", err.Error())
			continue
		}

		running, err := p.sink.PushFrame(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			exitErr = fmt.Errorf("push frame: %w", err)
			p.logger.Error("frame sink failed", "error", err.Error())
			return
		}
		p.metrics.FramePushed(len(frame.JPEG))
		if !running {
			p.logger.Info("visual detector stopped; frame pump exiting")
			return
		}
	}
}

// grab captures, crops, and encodes one frame.
func (p *Pump) grab(ctx context.Context, roi image.Rectangle, at time.Time) (Frame, error) {
	img, err := p.source.Capture(ctx)
	if err != nil {
		return Frame{}, err
	}

	frame, err := Encode(Crop(img, roi, p.logger), p.cfg.Quality)
	if err != nil {
		return Frame{}, err
	}
	frame.Timestamp = at.Sub(p.epoch)
	return frame, nil
}

// Encode renders img as a JPEG frame without a timestamp.
func Encode(img image.Image, quality int) (Frame, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return Frame{}, fmt.Errorf("encode jpeg: %w", err)
	}
	bounds := img.Bounds()
	return Frame{JPEG: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// ClampROI intersects roi with bounds. ok is false when the result has no area.
func ClampROI(roi image.Rectangle, bounds image.Rectangle) (image.Rectangle, bool) {
	clamped := roi.Canon().Intersect(bounds)
	if clamped.Empty() {
		return bounds, false
	}
	return clamped, true
}

// Crop returns img restricted to roi. A zero-area region yields the full frame.
func Crop(img image.Image, roi image.Rectangle, logger *slog.Logger) image.Image {
	bounds := img.Bounds()
	if roi.Empty() {
		return img
	}
	rect, ok := ClampROI(roi, bounds)
	if !ok {
		if logger != nil {
			logger.Warn("roi outside frame; using full frame", "roi", roi.String(), "frame", bounds.String())
		}
		return img
	}
	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect)
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}
