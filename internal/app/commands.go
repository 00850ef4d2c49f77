package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/asr"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/config"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/ipc"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/notify"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/results"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

// commandListen recognizes one utterance; partial text goes to stderr.
func (r Runner) commandListen(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	listener, err := newListener(cfg, nil, logger)
	if err != nil {
		return r.fail(err)
	}
	res, err := listener.Utterance(ctx, func(p asr.PartialResult) {
		fmt.Fprintf(r.Stderr, "... %s\n", p.Text)
	})
	if res.DumpPath != "" {
		fmt.Fprintf(r.Stderr, "audio dump: %s\n", res.DumpPath)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(r.Stdout, "cancelled")
			return 0
		}
		fmt.Fprintf(r.Stderr, "error: %s\n", notify.Describe(err))
		return 1
	}
	logger.Info("utterance recognized", "sid", res.SID, "final", res.Final, "duration_ms", res.Duration.Milliseconds(), "length", len(res.Text))
	fmt.Fprintln(r.Stdout, res.Text)
	return 0
}

// commandResults walks a task's resolved results, or lists tasks when none is given.
func (r Runner) commandResults(ctx context.Context, task string, cfg config.Config) int {
	store, err := resultStore(r.fs(), cfg)
	if err != nil {
		return r.fail(err)
	}

	if task == "" {
		tasks, err := store.Tasks()
		if err != nil {
			return r.fail(err)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(r.Stdout, "no stored results")
			return 0
		}
		for _, t := range tasks {
			n, err := store.Count(ctx, t)
			if err != nil {
				return r.fail(err)
			}
			fmt.Fprintf(r.Stdout, "%s\t%d results\n", t, n)
		}
		return 0
	}

	stored, err := store.Load(ctx, task)
	if err != nil {
		return r.fail(err)
	}
	cache := results.NewCache(stored)
	nav := results.NewNavigator(cache)
	if nav.Len() == 0 {
		fmt.Fprintf(r.Stdout, "no results for task %q\n", task)
		return 0
	}
	for res, ok := nav.Current(); ok; res, ok = nav.Next() {
		fmt.Fprintf(r.Stdout, "%3d %-24s %s\n", res.TestIndex+1, res.WakeWordText, formatResult(res))
	}
	fmt.Fprintln(r.Stdout, formatStats(cache.Stats()))
	return 0
}

// commandClear deletes a task's results unless a live run is evaluating it.
func (r Runner) commandClear(ctx context.Context, task string, cfg config.Config, logger *slog.Logger) int {
	if socketPath, err := ipc.RuntimeSocketPath(); err == nil {
		resp, handled, _ := tryForward(ctx, socketPath, ipc.CommandStatus)
		if handled && resp.Task == task {
			return r.fail(fmt.Errorf("task %q is being evaluated; stop the run first", task))
		}
	}

	store, err := resultStore(r.fs(), cfg)
	if err != nil {
		return r.fail(err)
	}
	n, err := store.Count(ctx, task)
	if err != nil {
		return r.fail(err)
	}
	if err := store.Clear(ctx, task); err != nil {
		return r.fail(err)
	}
	logger.Info("results cleared", "task", task, "count", n)
	fmt.Fprintf(r.Stdout, "cleared %d results for task %q\n", n, task)
	return 0
}

// commandCalibrate asks the backend for a threshold from one camera snapshot.
func (r Runner) commandCalibrate(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	registry, err := loadTemplates(r.fs(), cfg, logger)
	if err != nil {
		return r.fail(err)
	}
	names := registry.Templates()
	if len(names) == 0 {
		return r.fail(workflow.ErrNoTemplates)
	}

	client, err := dialBackend(ctx, cfg.Backend, logger)
	if err != nil {
		return r.fail(err)
	}
	defer func() { _ = client.Close() }()

	visual := newVisual(client, cfg, nil, logger)
	defer visual.Close()
	threshold, err := visual.Calibrate(ctx, cfg.Workflow.ROIRect(), names)
	if err != nil {
		return r.fail(err)
	}
	logger.Info("threshold calibrated", "threshold", threshold, "templates", len(names))
	fmt.Fprintf(r.Stdout, "threshold: %.3f\n", threshold)
	return 0
}
