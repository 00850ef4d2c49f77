package channel

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/asr"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/pipeline"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

const DefaultListenWindow = 8 * time.Second

type utteranceListener interface {
	Utterance(ctx context.Context, onPartial func(asr.PartialResult)) (pipeline.Result, error)
}

type asrRun struct {
	cancel  context.CancelFunc
	stopped bool
}

// ASRWake runs the wake channel on this machine's microphone and recognizer.
type ASRWake struct {
	listener utteranceListener
	window   time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*asrRun
}

// NewASRWake listens at most window per case.
func NewASRWake(listener utteranceListener, window time.Duration, logger *slog.Logger) *ASRWake {
	if window <= 0 {
		window = DefaultListenWindow
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ASRWake{listener: listener, window: window, logger: logger, runs: make(map[string]*asrRun)}
}

func (w *ASRWake) StartWake(ctx context.Context, token string, tc workflow.TestCase, post workflow.Poster) error {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.window)
	w.mu.Lock()
	w.runs[token] = &asrRun{cancel: cancel}
	w.mu.Unlock()

	go w.listen(runCtx, token, tc, post)
	return nil
}

func (w *ASRWake) listen(ctx context.Context, token string, tc workflow.TestCase, post workflow.Poster) {
	post.Signal(workflow.WakeStarted{Token: token})

	res, err := w.listener.Utterance(ctx, func(p asr.PartialResult) {
		w.logger.Debug("wake partial", "case", tc.Index, "text", p.Text)
	})

	w.mu.Lock()
	run := w.runs[token]
	delete(w.runs, token)
	w.mu.Unlock()
	if run != nil {
		run.cancel()
		if run.stopped {
			return
		}
	}

	text := strings.TrimSpace(res.Text)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		if text == "" {
			post.Signal(workflow.WakeTimedOut{Token: token})
			return
		}
		w.logger.Info("wake word recognized", "case", tc.Index, "text", text, "final", res.Final)
		post.Signal(workflow.WakeStopped{Token: token, Text: text})
	default:
		w.logger.Warn("wake channel failed", "case", tc.Index, "error", pipeline.Describe(err))
		post.Signal(workflow.WakeFailed{Token: token, Err: err})
	}
}

func (w *ASRWake) StopWake(_ context.Context, token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if run, ok := w.runs[token]; ok {
		run.stopped = true
		run.cancel()
	}
	return nil
}
