// Package notify surfaces run progress and failures as desktop notifications and sound cues.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/config"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/fsm"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/pipeline"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

const (
	dispatchTimeout = 400 * time.Millisecond
	progressTimeout = 0
	errorTimeout    = 5000
	summaryTimeout  = 10000
)

// Notifier reacts to workflow events.
type Notifier interface {
	Handle(context.Context, workflow.Event)
	Error(context.Context, error)
}

// Desktop keeps one replaceable notification per run.
type Desktop struct {
	cfg    config.NotifyConfig
	logger *slog.Logger

	mu      sync.Mutex
	id      uint32
	task    string
	soundMu sync.Mutex
}

func NewDesktop(cfg config.NotifyConfig, logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Desktop{cfg: cfg, logger: logger}
}

// SetTask names the run in notification titles.
func (d *Desktop) SetTask(task string) {
	d.mu.Lock()
	d.task = task
	d.mu.Unlock()
}

func (d *Desktop) Handle(ctx context.Context, ev workflow.Event) {
	switch e := ev.(type) {
	case workflow.StateChanged:
		switch e.To {
		case fsm.StateRunning:
			if e.From == fsm.StatePaused {
				d.show(ctx, "Run resumed", "", progressTimeout)
				return
			}
			d.playCue(cueStart)
			d.show(ctx, "Run started", "", progressTimeout)
		case fsm.StatePaused:
			d.show(ctx, "Run paused", "", progressTimeout)
		}
	case workflow.CaseResolved:
		if e.Result.Success {
			d.playCue(cuePass)
		} else {
			d.playCue(cueFail)
		}
	case workflow.ProgressUpdated:
		p := e.Progress
		d.show(ctx, fmt.Sprintf("%d/%d cases", p.Resolved, p.Total), fmt.Sprintf("%.0f%% complete", p.Percentage), progressTimeout)
	case workflow.RunFinished:
		d.playCue(cueComplete)
		title := "Run complete"
		if e.Stopped {
			title = "Run stopped"
		}
		d.show(ctx, title, summary(e.Stats), summaryTimeout)
	case workflow.RunFailed:
		d.Error(ctx, e.Err)
	}
}

// Error shows an operator-facing failure.
func (d *Desktop) Error(ctx context.Context, err error) {
	if err == nil {
		return
	}
	d.playCue(cueError)
	d.show(ctx, "Evaluation error", Describe(err), errorTimeout)
}

// Dismiss closes the current notification.
func (d *Desktop) Dismiss(ctx context.Context) {
	if !d.cfg.Enable {
		return
	}
	d.mu.Lock()
	id := d.id
	d.id = 0
	d.mu.Unlock()
	if id == 0 {
		return
	}
	d.run(ctx, func(ctx context.Context) error { return desktopDismiss(ctx, id) })
}

func (d *Desktop) show(ctx context.Context, title, body string, timeoutMS int) {
	if !d.cfg.Enable {
		return
	}
	d.mu.Lock()
	replace := d.id
	if d.task != "" {
		title = d.task + ": " + title
	}
	d.mu.Unlock()

	d.run(ctx, func(ctx context.Context) error {
		id, err := desktopNotify(ctx, d.cfg.AppName, replace, title, body, timeoutMS)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.id = id
		d.mu.Unlock()
		return nil
	})
}

func (d *Desktop) run(ctx context.Context, fn func(context.Context) error) {
	runCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	if err := fn(runCtx); err != nil {
		d.logger.Debug("notification dispatch failed", "error", err.Error())
	}
}

// playCue serializes cue playback and plays asynchronously.
func (d *Desktop) playCue(kind cueKind) {
	if !d.cfg.SoundEnable {
		return
	}
	go func() {
		d.soundMu.Lock()
		defer d.soundMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := emitCue(ctx, kind); err != nil {
			d.logger.Debug("audio cue failed", "error", err.Error())
		}
	}()
}

func summary(stats workflow.RunStatistics) string {
	return fmt.Sprintf("%d/%d passed (%.1f%%), avg %s",
		stats.SuccessCount, stats.Count, stats.SuccessRate*100, stats.AverageDuration.Round(time.Millisecond))
}

// Describe renders an error for an operator. ASR failures are worded by the pipeline.
func Describe(err error) string {
	var timeout *workflow.ChannelTimeoutError
	switch {
	case errors.Is(err, workflow.ErrNoTemplates), errors.Is(err, workflow.ErrNoTask), errors.Is(err, workflow.ErrNoCases):
		return err.Error()
	case errors.Is(err, workflow.ErrBackendUnavailable):
		return "Detection backend unavailable; run stopped"
	case errors.As(err, &timeout):
		return fmt.Sprintf("%s channel timed out on case %d", timeout.Channel, timeout.CaseIndex)
	default:
		return pipeline.Describe(err)
	}
}
