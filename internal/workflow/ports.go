package workflow

import "context"

// Poster accepts channel signals; the coordinator implements it.
type Poster interface {
	Signal(Signal)
}

// WakeChannel runs the audio wake-word pipeline for one case.
type WakeChannel interface {
	StartWake(ctx context.Context, token string, tc TestCase, post Poster) error
	StopWake(ctx context.Context, token string) error
}

// VisualChannel runs template matching fed by the frame pump.
type VisualChannel interface {
	StartVisual(ctx context.Context, token string, cfg VisualConfig, post Poster) error
	StopVisual(ctx context.Context, token string) error
}

// TemplateSource lists the configured detection templates.
type TemplateSource interface {
	Templates() []string
}

// TemplateList is a fixed TemplateSource.
type TemplateList []string

func (l TemplateList) Templates() []string { return l }

// ResultStore persists results per task id.
type ResultStore interface {
	Count(ctx context.Context, task string) (int, error)
	Load(ctx context.Context, task string) ([]WakeDetectionResult, error)
	Append(ctx context.Context, task string, result WakeDetectionResult) error
	Clear(ctx context.Context, task string) error
}

// ConflictResolver is asked once per Start when the task already has results.
type ConflictResolver interface {
	Resolve(ctx context.Context, task string, existing int) (ConflictChoice, error)
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(ctx context.Context, task string, existing int) (ConflictChoice, error)

func (f ResolverFunc) Resolve(ctx context.Context, task string, existing int) (ConflictChoice, error) {
	return f(ctx, task, existing)
}
