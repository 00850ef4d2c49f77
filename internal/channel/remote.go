package channel

import (
	"context"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/backend"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

type wakeBackend interface {
	StartWake(ctx context.Context, token string, tc backend.WakeCase) error
	StopWake(ctx context.Context, token string) error
}

// RemoteWake runs the wake channel inside the detection service. Its signals
// arrive through Relay.
type RemoteWake struct {
	backend wakeBackend
}

func NewRemoteWake(b wakeBackend) *RemoteWake {
	return &RemoteWake{backend: b}
}

func (w *RemoteWake) StartWake(ctx context.Context, token string, tc workflow.TestCase, _ workflow.Poster) error {
	err := w.backend.StartWake(ctx, token, backend.WakeCase{
		Index:        tc.Index,
		WakeWordID:   tc.WakeWordID,
		WakeWordText: tc.WakeWordText,
	})
	if err != nil {
		return backendErr("start wake channel", err)
	}
	return nil
}

func (w *RemoteWake) StopWake(ctx context.Context, token string) error {
	if err := w.backend.StopWake(ctx, token); err != nil {
		return backendErr("stop wake channel", err)
	}
	return nil
}
