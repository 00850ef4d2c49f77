package workflow

import "github.com/hahalfx/Auto-Evaluate-App-sub000/internal/fsm"

// Signal is a channel report posted to the coordinator. Token identifies the
// channel start it belongs to; signals carrying a stale token are ignored.
type Signal interface {
	isSignal()
}

type WakeStarted struct{ Token string }

// WakeStopped ends the wake channel with the recognized text, possibly empty.
type WakeStopped struct {
	Token string
	Text  string
}

type WakeTimedOut struct{ Token string }

// WakeFailed aborts only the wake channel, for device or session errors.
type WakeFailed struct {
	Token string
	Err   error
}

type VisualStarted struct{ Token string }
type VisualStopped struct{ Token string }

// VisualDetected reports a template match with its confidence.
type VisualDetected struct {
	Token      string
	Confidence float64
}

type VisualFailed struct {
	Token   string
	Message string
}

// BackendLost fails the active run.
type BackendLost struct{ Err error }

func (WakeStarted) isSignal()    {}
func (WakeStopped) isSignal()    {}
func (WakeTimedOut) isSignal()   {}
func (WakeFailed) isSignal()     {}
func (VisualStarted) isSignal()  {}
func (VisualStopped) isSignal()  {}
func (VisualDetected) isSignal() {}
func (VisualFailed) isSignal()   {}
func (BackendLost) isSignal()    {}

// Event is emitted by the coordinator. The set is closed.
type Event interface {
	isEvent()
}

type StateChanged struct {
	From fsm.State
	To   fsm.State
}

type CaseStarted struct {
	Case TestCase
}

type CaseResolved struct {
	Result WakeDetectionResult
}

type ProgressUpdated struct {
	Progress Progress
}

// ChannelTimedOut is reported when a channel hit the ceiling; the run continues.
type ChannelTimedOut struct {
	Err *ChannelTimeoutError
}

// ChannelError is reported when one channel failed without ending the run.
type ChannelError struct {
	Channel   Channel
	CaseIndex int
	Err       error
}

// RunFinished is emitted once per run that reaches Completed.
type RunFinished struct {
	Stats   RunStatistics
	Results []WakeDetectionResult
	Stopped bool
}

// RunFailed is emitted once when a run reaches Failed; Results holds what was collected.
type RunFailed struct {
	Err     error
	Results []WakeDetectionResult
}

func (StateChanged) isEvent()    {}
func (CaseStarted) isEvent()     {}
func (CaseResolved) isEvent()    {}
func (ProgressUpdated) isEvent() {}
func (ChannelTimedOut) isEvent() {}
func (ChannelError) isEvent()    {}
func (RunFinished) isEvent()     {}
func (RunFailed) isEvent()       {}
