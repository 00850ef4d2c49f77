// Package channel adapts the detection backend and the local recognizer to workflow channels.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/backend"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

// Relay forwards backend notifications to post until events closes or ctx ends.
func Relay(ctx context.Context, events <-chan backend.Event, post workflow.Poster, logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sig, ok := Translate(ev)
			if !ok {
				logger.Debug("backend event not relayed", "event", fmt.Sprintf("%T", ev))
				continue
			}
			post.Signal(sig)
		}
	}
}

// Translate maps a backend notification to the workflow signal it stands for.
func Translate(ev backend.Event) (workflow.Signal, bool) {
	switch e := ev.(type) {
	case backend.WakeStarted:
		return workflow.WakeStarted{Token: e.Token}, true
	case backend.WakeStopped:
		return workflow.WakeStopped{Token: e.Token, Text: e.Text}, true
	case backend.WakeTimeout:
		return workflow.WakeTimedOut{Token: e.Token}, true
	case backend.VisualStarted:
		return workflow.VisualStarted{Token: e.Token}, true
	case backend.VisualStopped:
		return workflow.VisualStopped{Token: e.Token}, true
	case backend.VisualPaused:
		return workflow.VisualStopped{Token: e.Token}, true
	case backend.WakeDetected:
		return workflow.VisualDetected{Token: e.Token, Confidence: e.Confidence}, true
	case backend.DetectionError:
		return workflow.VisualFailed{Token: e.Token, Message: e.Message}, true
	case backend.Disconnected:
		return workflow.BackendLost{Err: fmt.Errorf("%w: %v", workflow.ErrBackendUnavailable, e.Err)}, true
	default:
		return nil, false
	}
}

// backendErr marks connection-level failures as fatal to the run.
func backendErr(op string, err error) error {
	if errors.Is(err, backend.ErrUnavailable) {
		return fmt.Errorf("%w: %s: %v", workflow.ErrBackendUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
