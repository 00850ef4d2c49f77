package channel

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/backend"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/framepump"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/metrics"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

type visualBackend interface {
	StartVisual(ctx context.Context, req backend.VisualRequest) error
	StopVisual(ctx context.Context, token string) error
	PushFrame(ctx context.Context, token string, frame framepump.Frame) (bool, error)
	Calibrate(ctx context.Context, jpeg []byte, templates []string, roi *backend.Region) (float64, error)
}

type VisualOptions struct {
	Quality int
	Tick    time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Visual starts template matching on the backend and feeds it camera frames.
// One pump runs at a time; a new start replaces the previous one.
type Visual struct {
	backend visualBackend
	source  framepump.FrameSource
	opts    VisualOptions
	logger  *slog.Logger

	mu    sync.Mutex
	token string
	pump  *framepump.Pump
}

func NewVisual(b visualBackend, source framepump.FrameSource, opts VisualOptions) *Visual {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Visual{backend: b, source: source, opts: opts, logger: logger}
}

func (v *Visual) StartVisual(ctx context.Context, token string, cfg workflow.VisualConfig, post workflow.Poster) error {
	err := v.backend.StartVisual(ctx, backend.VisualRequest{
		Token:     token,
		Templates: cfg.Templates,
		ROI:       backend.RegionOf(cfg.ROI),
		FrameRate: cfg.FrameRate,
		Threshold: cfg.Threshold,
	})
	if err != nil {
		return backendErr("start visual channel", err)
	}

	pump := framepump.New(v.source, tokenSink{backend: v.backend, token: token}, framepump.Config{
		FrameRate: cfg.FrameRate,
		Tick:      v.opts.Tick,
		Quality:   v.opts.Quality,
		Logger:    v.logger.With("token", token),
		Metrics:   v.opts.Metrics,
	})
	if err := pump.SetROI(cfg.ROI); err != nil {
		return err
	}

	v.mu.Lock()
	previous := v.pump
	v.pump, v.token = pump, token
	v.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	pump.Start(context.WithoutCancel(ctx))
	go v.watch(pump, token, post)
	return nil
}

// watch reports a pump that died on a sink error.
func (v *Visual) watch(pump *framepump.Pump, token string, post workflow.Poster) {
	<-pump.Done()
	if err := pump.Err(); err != nil {
		post.Signal(workflow.VisualFailed{Token: token, Message: err.Error()})
	}
}

func (v *Visual) StopVisual(ctx context.Context, token string) error {
	v.mu.Lock()
	var pump *framepump.Pump
	if v.token == token {
		pump = v.pump
		v.pump, v.token = nil, ""
	}
	v.mu.Unlock()
	if pump != nil {
		pump.Stop()
	}

	if err := v.backend.StopVisual(ctx, token); err != nil {
		return backendErr("stop visual channel", err)
	}
	return nil
}

// Calibrate sends one cropped snapshot and returns the backend's threshold.
func (v *Visual) Calibrate(ctx context.Context, roi image.Rectangle, templates []string) (float64, error) {
	if len(templates) == 0 {
		return 0, workflow.ErrNoTemplates
	}
	img, err := v.source.Capture(ctx)
	if err != nil {
		return 0, fmt.Errorf("capture calibration frame: %w", err)
	}
	frame, err := framepump.Encode(framepump.Crop(img, roi, v.logger), v.opts.Quality)
	if err != nil {
		return 0, err
	}
	threshold, err := v.backend.Calibrate(ctx, frame.JPEG, templates, backend.RegionOf(roi))
	if err != nil {
		return 0, backendErr("calibrate", err)
	}
	v.logger.Info("visual threshold calibrated", "threshold", threshold, "templates", len(templates))
	return threshold, nil
}

// Close stops any running pump.
func (v *Visual) Close() {
	v.mu.Lock()
	pump := v.pump
	v.pump, v.token = nil, ""
	v.mu.Unlock()
	if pump != nil {
		pump.Stop()
	}
}

type tokenSink struct {
	backend visualBackend
	token   string
}

func (s tokenSink) PushFrame(ctx context.Context, frame framepump.Frame) (bool, error) {
	return s.backend.PushFrame(ctx, s.token, frame)
}
