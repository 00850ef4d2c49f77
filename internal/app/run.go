package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/channel"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/cli"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/config"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/ipc"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/metrics"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/notify"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/plan"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

// commandRun owns one evaluation run: it serves the control socket, drives the
// coordinator, and reports until the run completes or fails.
func (r Runner) commandRun(ctx context.Context, parsed cli.Parsed, cfg config.Config, logger *slog.Logger) int {
	p, err := plan.Load(r.fs(), parsed.PlanPath)
	if err != nil {
		return r.fail(err)
	}

	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		return r.fail(err)
	}
	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintln(r.Stderr, "error: an evaluation run is already active; use status, pause, resume, or stop")
			return 1
		}
		return r.fail(err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	// The run outlives an interrupt long enough to stop cleanly.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	m := metrics.New(prometheus.NewRegistry())
	if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" {
		go func() {
			if err := m.Serve(runCtx, addr, logger); err != nil {
				logger.Warn("metrics endpoint failed", "addr", addr, "error", err.Error())
			}
		}()
	}

	notifier := notify.NewDesktop(cfg.Notify, logger)
	notifier.SetTask(p.Task)

	client, err := dialBackend(runCtx, cfg.Backend, logger)
	if err != nil {
		notifier.Error(runCtx, err)
		return r.fail(err)
	}
	defer func() { _ = client.Close() }()

	registry, err := loadTemplates(r.fs(), cfg, logger)
	if err != nil {
		return r.fail(err)
	}
	go func() {
		if err := registry.Watch(runCtx); err != nil {
			logger.Warn("template watch stopped", "error", err.Error())
		}
	}()

	store, err := resultStore(r.fs(), cfg)
	if err != nil {
		return r.fail(err)
	}

	wake, err := wakeChannel(cfg, client, m, logger)
	if err != nil {
		return r.fail(err)
	}
	visual := newVisual(client, cfg, m, logger)
	defer visual.Close()

	coord := workflow.New(workflow.Options{
		Wake:      wake,
		Visual:    visual,
		Templates: registry,
		Store:     store,
		Resolver:  r.resolver(),
		Ceiling:   millis(cfg.Workflow.ChannelTimeoutMS),
		Metrics:   m,
		Logger:    logger,
	})
	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(runCtx) }()
	go channel.Relay(runCtx, client.Events(), coord, logger)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(runCtx, listener, coord)
	}()
	shutdown := func() {
		cancel()
		if err := <-serverErrCh; err != nil {
			logger.Warn("ipc server failed", "error", err.Error())
		}
		<-coordDone
	}

	req := p.Request(cfg.Workflow.FrameRate, cfg.Workflow.Threshold, cfg.Workflow.ROIRect())
	req.OnExisting = parsed.OnExisting
	if err := coord.Start(runCtx, req); err != nil {
		shutdown()
		if errors.Is(err, workflow.ErrRunCancelled) {
			fmt.Fprintln(r.Stdout, "cancelled")
			return 0
		}
		notifier.Error(runCtx, err)
		return r.fail(err)
	}

	code := r.follow(ctx, runCtx, coord, notifier, logger)
	shutdown()
	return code
}

// follow reports run events until a terminal one. An interrupt stops the run,
// which keeps every resolved result.
func (r Runner) follow(ctx, runCtx context.Context, coord *workflow.Coordinator, notifier notify.Notifier, logger *slog.Logger) int {
	task := coord.Status().Task
	interrupted := ctx.Done()
	events := coord.Events()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			logger.Info("interrupt received; stopping run", "task", task)
			if err := coord.Stop(runCtx); err != nil {
				logger.Warn("stop after interrupt failed", "error", err.Error())
			}
		case ev, ok := <-events:
			if !ok {
				fmt.Fprintln(r.Stderr, "error: run ended without a result")
				return 1
			}
			notifier.Handle(runCtx, ev)
			switch e := ev.(type) {
			case workflow.CaseStarted:
				fmt.Fprintf(r.Stdout, "case %d: %s\n", e.Case.Index+1, e.Case.WakeWordText)
			case workflow.CaseResolved:
				fmt.Fprintln(r.Stdout, "  "+formatResult(e.Result))
			case workflow.ChannelTimedOut:
				fmt.Fprintf(r.Stderr, "warning: %v\n", e.Err)
			case workflow.ChannelError:
				fmt.Fprintf(r.Stderr, "warning: %s channel failed on case %d: %v\n", e.Channel, e.CaseIndex+1, e.Err)
			case workflow.RunFinished:
				logRunResult(logger, task, e.Stats, e.Stopped, nil)
				if e.Stopped {
					fmt.Fprintln(r.Stdout, "stopped")
				}
				fmt.Fprintln(r.Stdout, formatStats(e.Stats))
				return 0
			case workflow.RunFailed:
				stats := workflow.ComputeStatistics(e.Results)
				logRunResult(logger, task, stats, false, e.Err)
				fmt.Fprintf(r.Stderr, "error: %s\n", notify.Describe(e.Err))
				if stats.Count > 0 {
					fmt.Fprintln(r.Stdout, formatStats(stats))
				}
				return 1
			}
		}
	}
}

// resolver asks on stdin whether to overwrite or append existing results.
// EOF or an unrecognized answer cancels.
func (r Runner) resolver() workflow.ConflictResolver {
	if r.Stdin == nil {
		return nil
	}
	return workflow.ResolverFunc(func(_ context.Context, task string, existing int) (workflow.ConflictChoice, error) {
		fmt.Fprintf(r.Stdout, "task %q already has %d results: [o]verwrite, [a]ppend, or [c]ancel? ", task, existing)
		line, err := bufio.NewReader(r.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(r.Stdout)
			return workflow.ChoiceCancel, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "o", "overwrite":
			return workflow.ChoiceOverwrite, nil
		case "a", "append":
			return workflow.ChoiceAppend, nil
		default:
			return workflow.ChoiceCancel, nil
		}
	})
}

func formatResult(res workflow.WakeDetectionResult) string {
	verdict := "FAIL"
	if res.Success {
		verdict = "PASS"
	}
	parts := []string{verdict}
	if res.RecognizedText != "" {
		parts = append(parts, fmt.Sprintf("heard=%q", res.RecognizedText))
	}
	if res.Confidence != nil {
		parts = append(parts, fmt.Sprintf("confidence=%.3f", *res.Confidence))
	}
	parts = append(parts, fmt.Sprintf("duration=%s", res.Duration.Round(time.Millisecond)))
	return strings.Join(parts, " ")
}

func formatStats(stats workflow.RunStatistics) string {
	return fmt.Sprintf("%d/%d passed (%.1f%%), total %s, average %s",
		stats.SuccessCount, stats.Count, stats.SuccessRate*100,
		stats.TotalDuration.Round(time.Millisecond), stats.AverageDuration.Round(time.Millisecond))
}

func logRunResult(logger *slog.Logger, task string, stats workflow.RunStatistics, stopped bool, err error) {
	if logger == nil {
		return
	}
	fields := []any{
		"task", task,
		"stopped", stopped,
		"cases", stats.Count,
		"passed", stats.SuccessCount,
		"success_rate", stats.SuccessRate,
		"total_ms", stats.TotalDuration.Milliseconds(),
		"average_ms", stats.AverageDuration.Milliseconds(),
	}
	if err != nil {
		logger.Error("run failed", append(fields, "error", err.Error())...)
		return
	}
	logger.Info("run complete", fields...)
}
