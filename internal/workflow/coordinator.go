package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/fsm"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/metrics"
)

const (
	DefaultChannelCeiling = 30 * time.Second

	channelCallTimeout = 5 * time.Second
	mailboxSize        = 64
	eventBuffer        = 256
)

// Options wires the coordinator's collaborators.
type Options struct {
	Wake      WakeChannel
	Visual    VisualChannel
	Templates TemplateSource
	Store     ResultStore
	Resolver  ConflictResolver
	// Ceiling bounds how long one channel may stay non-terminal.
	Ceiling  time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	NewToken func() string
}

type startMsg struct {
	req       StartRequest
	templates []string
	reply     chan error
}

type controlMsg struct {
	event fsm.Event
	reply chan error
}

type signalMsg struct {
	sig Signal
}

type ceilingMsg struct {
	gen uint64
}

// caseRun is the in-flight case.
type caseRun struct {
	tc          TestCase
	wake        Tracker
	visual      Tracker
	activeSince time.Time
	active      time.Duration
}

// run is the state of one Start..Completed|Failed span.
type run struct {
	id       string
	task     string
	cases    []TestCase
	visual   VisualConfig
	next     int
	current  *caseRun
	results  []WakeDetectionResult
	resolved int
}

// Coordinator is the sole writer of the workflow run state. All mutation happens
// on the Run goroutine; other goroutines post messages to its mailbox.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	mailbox chan any
	done    chan struct{}

	// Events queue without bound; forwardEvents feeds the channel in order.
	eventsMu     sync.Mutex
	events       chan Event
	queued       []Event
	queueKick    chan struct{}
	eventsClosed bool

	statusMu sync.RWMutex
	status   Status

	// Owned by the Run goroutine.
	state   fsm.State
	run     *run
	ceiling *time.Timer
	gen     uint64
}

// New builds an idle coordinator; call Run to start its loop.
func New(opts Options) *Coordinator {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultChannelCeiling
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewToken == nil {
		opts.NewToken = uuid.NewString
	}
	if opts.Templates == nil {
		opts.Templates = TemplateList(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Coordinator{
		opts:      opts,
		logger:    logger,
		mailbox:   make(chan any, mailboxSize),
		done:      make(chan struct{}),
		events:    make(chan Event, eventBuffer),
		queueKick: make(chan struct{}, 1),
		status:    Status{State: fsm.StateIdle},
		state:     fsm.StateIdle,
	}
	go c.forwardEvents()
	return c
}

// Events streams coordinator events in order. It closes once Run has returned
// and every queued event was delivered.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Status returns the latest snapshot.
func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// State returns the current run state.
func (c *Coordinator) State() fsm.State {
	return c.Status().State
}

// Run processes the mailbox until ctx ends. Active channels are stopped on exit.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.closeEvents()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			if c.state.Active() {
				cleanup, cancel := context.WithTimeout(context.Background(), channelCallTimeout)
				c.haltCase(cleanup)
				cancel()
			}
			c.disarmCeiling()
			return nil
		case msg := <-c.mailbox:
			c.dispatch(ctx, msg)
		}
	}
}

// Start validates the request, settles existing results once, and starts the run.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) error {
	templates := c.opts.Templates.Templates()
	if len(templates) == 0 {
		return ErrNoTemplates
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		return ErrNoTask
	}
	if len(req.Cases) == 0 {
		return ErrNoCases
	}
	if state := c.State(); state.Active() {
		return fmt.Errorf("a run is already %s", state)
	}

	if err := c.settleExisting(ctx, req); err != nil {
		return err
	}

	cases := make([]TestCase, len(req.Cases))
	for i, tc := range req.Cases {
		tc.Index = i
		cases[i] = tc
	}
	req.Cases = cases

	reply := make(chan error, 1)
	if err := c.post(ctx, startMsg{req: req, templates: append([]string(nil), templates...), reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// settleExisting asks once what to do with results already stored for the task.
func (c *Coordinator) settleExisting(ctx context.Context, req StartRequest) error {
	if c.opts.Store == nil {
		return nil
	}
	existing, err := c.opts.Store.Count(ctx, req.Task)
	if err != nil {
		return fmt.Errorf("count existing results for %q: %w", req.Task, err)
	}
	if existing == 0 {
		return nil
	}

	choice := req.OnExisting
	if choice == ChoiceAsk {
		if c.opts.Resolver == nil {
			return fmt.Errorf("task %q already has %d results; choose overwrite or append", req.Task, existing)
		}
		choice, err = c.opts.Resolver.Resolve(ctx, req.Task, existing)
		if err != nil {
			return fmt.Errorf("resolve existing results: %w", err)
		}
	}

	switch choice {
	case ChoiceAppend:
		c.logger.Info("appending to existing results", "task", req.Task, "existing", existing)
		return nil
	case ChoiceOverwrite:
		c.logger.Info("discarding existing results", "task", req.Task, "existing", existing)
		if err := c.opts.Store.Clear(ctx, req.Task); err != nil {
			return fmt.Errorf("clear results for %q: %w", req.Task, err)
		}
		return nil
	case ChoiceCancel, ChoiceAsk:
		return ErrRunCancelled
	default:
		return fmt.Errorf("unknown existing-results choice %q", choice)
	}
}

// Pause suspends the in-flight case and stops both channels.
func (c *Coordinator) Pause(ctx context.Context) error {
	return c.control(ctx, fsm.EventPause)
}

// Resume restarts the suspended case with fresh channel starts.
func (c *Coordinator) Resume(ctx context.Context) error {
	return c.control(ctx, fsm.EventResume)
}

// Stop ends the run keeping resolved results; the in-flight case is dropped.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.control(ctx, fsm.EventStop)
}

// Signal posts a channel report. It blocks only while the mailbox is full.
func (c *Coordinator) Signal(sig Signal) {
	_ = c.post(context.Background(), signalMsg{sig: sig})
}

func (c *Coordinator) control(ctx context.Context, event fsm.Event) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, controlMsg{event: event, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

func (c *Coordinator) post(ctx context.Context, msg any) error {
	select {
	case <-c.done:
		return ErrCoordinatorClosed
	default:
	}
	select {
	case c.mailbox <- msg:
		return nil
	case <-c.done:
		return ErrCoordinatorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrCoordinatorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) dispatch(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case startMsg:
		m.reply <- c.handleStart(ctx, m)
	case controlMsg:
		m.reply <- c.handleControl(ctx, m.event)
	case signalMsg:
		c.handleSignal(ctx, m.sig)
	case ceilingMsg:
		if m.gen == c.gen {
			c.handleCeiling(ctx)
		}
	}
}

func (c *Coordinator) handleStart(ctx context.Context, m startMsg) error {
	if err := c.transition(fsm.EventStart); err != nil {
		return err
	}
	c.run = &run{
		id:    uuid.NewString(),
		task:  m.req.Task,
		cases: m.req.Cases,
		visual: VisualConfig{
			Templates: m.templates,
			ROI:       m.req.ROI,
			FrameRate: m.req.FrameRate,
			Threshold: m.req.Threshold,
		},
	}
	c.opts.Metrics.RunStarted()
	c.logger.Info("workflow run started", "run_id", c.run.id, "task", c.run.task, "cases", len(c.run.cases))
	c.publish()
	c.startNextCase(ctx)
	return nil
}

func (c *Coordinator) handleControl(ctx context.Context, event fsm.Event) error {
	switch event {
	case fsm.EventPause:
		if err := c.transition(event); err != nil {
			return err
		}
		c.suspendCase(ctx)
		c.logger.Info("workflow paused", "run_id", c.run.id)
	case fsm.EventResume:
		if err := c.transition(event); err != nil {
			return err
		}
		c.logger.Info("workflow resumed", "run_id", c.run.id)
		if cur := c.run.current; cur != nil {
			cur.activeSince = c.opts.Now()
			c.launchWake(ctx)
		} else {
			c.startNextCase(ctx)
		}
	case fsm.EventStop:
		if _, err := fsm.Transition(c.state, event); err != nil {
			return err
		}
		c.haltCase(ctx)
		c.run.current = nil
		c.complete(event, true)
	default:
		return fmt.Errorf("unsupported control %q", event)
	}
	c.publish()
	return nil
}

func (c *Coordinator) startNextCase(ctx context.Context) {
	r := c.run
	if r.next >= len(r.cases) {
		c.complete(fsm.EventFinish, false)
		return
	}
	tc := r.cases[r.next]
	r.next++
	r.current = &caseRun{
		tc:          tc,
		wake:        newTracker(ChannelWake),
		visual:      newTracker(ChannelVisual),
		activeSince: c.opts.Now(),
	}
	c.emit(CaseStarted{Case: tc})
	c.logger.Info("test case started", "index", tc.Index, "wake_word", tc.WakeWordText)
	c.publish()
	c.launchWake(ctx)
}

// launchWake starts the wake channel of the current case with a new token.
func (c *Coordinator) launchWake(ctx context.Context) {
	cur := c.run.current
	token := c.opts.NewToken()
	cur.wake.start(token)
	c.armCeiling()

	callCtx, cancel := context.WithTimeout(ctx, channelCallTimeout)
	defer cancel()
	if err := c.opts.Wake.StartWake(callCtx, token, cur.tc, c); err != nil {
		if IsBackendUnavailable(err) {
			c.fail(ctx, err)
			return
		}
		c.channelFailed(&cur.wake, err)
		c.closeVisual(ctx, cur)
		c.tryResolve(ctx)
	}
}

// launchVisual starts the visual channel once the wake channel reports started.
func (c *Coordinator) launchVisual(ctx context.Context) {
	cur := c.run.current
	token := c.opts.NewToken()
	cur.visual.start(token)

	callCtx, cancel := context.WithTimeout(ctx, channelCallTimeout)
	defer cancel()
	if err := c.opts.Visual.StartVisual(callCtx, token, c.run.visual, c); err != nil {
		if IsBackendUnavailable(err) {
			c.fail(ctx, err)
			return
		}
		c.channelFailed(&cur.visual, err)
		c.tryResolve(ctx)
	}
}

func (c *Coordinator) handleSignal(ctx context.Context, sig Signal) {
	if lost, ok := sig.(BackendLost); ok {
		if c.state.Active() {
			err := lost.Err
			if !IsBackendUnavailable(err) {
				err = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			c.fail(ctx, err)
		}
		return
	}
	if c.state != fsm.StateRunning || c.run == nil || c.run.current == nil {
		c.logger.Debug("signal ignored outside an active case", "signal", fmt.Sprintf("%T", sig))
		return
	}
	cur := c.run.current

	switch s := sig.(type) {
	case WakeStarted:
		if !cur.wake.accepts(s.Token) {
			return
		}
		if cur.visual.Status == StatusPending {
			c.launchVisual(ctx)
		}
	case WakeStopped:
		if !cur.wake.accepts(s.Token) {
			return
		}
		cur.wake.Text = strings.TrimSpace(s.Text)
		cur.wake.finish(StatusCompleted)
		c.closeVisual(ctx, cur)
	case WakeTimedOut:
		if !cur.wake.accepts(s.Token) {
			return
		}
		cur.wake.finish(StatusFailed)
		c.closeVisual(ctx, cur)
	case WakeFailed:
		if !cur.wake.accepts(s.Token) {
			return
		}
		c.channelFailed(&cur.wake, s.Err)
		c.closeVisual(ctx, cur)
	case VisualStarted:
		c.logger.Debug("visual channel started", "case", cur.tc.Index)
		return
	case VisualDetected:
		if !cur.visual.accepts(s.Token) {
			return
		}
		cur.visual.observe(s.Confidence)
		// A detection counts only above the threshold.
		if s.Confidence <= c.run.visual.Threshold {
			return
		}
		cur.visual.Detected = true
		cur.visual.finish(StatusCompleted)
		c.stopVisual(ctx, s.Token)
	case VisualStopped:
		if !cur.visual.accepts(s.Token) {
			return
		}
		cur.visual.finish(StatusFailed)
	case VisualFailed:
		if !cur.visual.accepts(s.Token) {
			return
		}
		c.channelFailed(&cur.visual, errors.New(s.Message))
		c.stopVisual(ctx, s.Token)
	}
	c.tryResolve(ctx)
}

// closeVisual ends the visual channel after the wake channel ended.
func (c *Coordinator) closeVisual(ctx context.Context, cur *caseRun) {
	switch cur.visual.Status {
	case StatusPending:
		cur.visual.finish(StatusFailed)
	case StatusRunning:
		c.stopVisual(ctx, cur.visual.Token)
		cur.visual.finish(StatusFailed)
	}
}

func (c *Coordinator) stopVisual(ctx context.Context, token string) {
	callCtx, cancel := context.WithTimeout(ctx, channelCallTimeout)
	defer cancel()
	if err := c.opts.Visual.StopVisual(callCtx, token); err != nil {
		c.logger.Warn("stop visual channel failed", "error", err.Error())
	}
}

func (c *Coordinator) stopWake(ctx context.Context, token string) {
	callCtx, cancel := context.WithTimeout(ctx, channelCallTimeout)
	defer cancel()
	if err := c.opts.Wake.StopWake(callCtx, token); err != nil {
		c.logger.Warn("stop wake channel failed", "error", err.Error())
	}
}

func (c *Coordinator) channelFailed(t *Tracker, err error) {
	t.finish(StatusFailed)
	c.logger.Warn("channel failed", "channel", string(t.Channel), "case", c.run.current.tc.Index, "error", err.Error())
	c.emit(ChannelError{Channel: t.Channel, CaseIndex: c.run.current.tc.Index, Err: err})
}

// handleCeiling forces every non-terminal channel of the current case to Failed.
func (c *Coordinator) handleCeiling(ctx context.Context) {
	if c.state != fsm.StateRunning || c.run == nil || c.run.current == nil {
		return
	}
	cur := c.run.current
	for _, t := range []*Tracker{&cur.wake, &cur.visual} {
		if t.Status.Terminal() {
			continue
		}
		if t.Status == StatusRunning {
			if t.Channel == ChannelWake {
				c.stopWake(ctx, t.Token)
			} else {
				c.stopVisual(ctx, t.Token)
			}
		}
		t.finish(StatusFailed)
		timeout := &ChannelTimeoutError{Channel: t.Channel, CaseIndex: cur.tc.Index, Ceiling: c.opts.Ceiling}
		c.opts.Metrics.ChannelTimeout(string(t.Channel))
		c.logger.Warn("channel timed out", "channel", string(t.Channel), "case", cur.tc.Index)
		c.emit(ChannelTimedOut{Err: timeout})
	}
	c.tryResolve(ctx)
}

func (c *Coordinator) tryResolve(ctx context.Context) {
	if c.run == nil || c.run.current == nil || c.state != fsm.StateRunning {
		return
	}
	cur := c.run.current
	if !cur.wake.Status.Terminal() || !cur.visual.Status.Terminal() {
		return
	}
	c.disarmCeiling()

	now := c.opts.Now()
	result := WakeDetectionResult{
		TestIndex:           cur.tc.Index,
		WakeWordID:          cur.tc.WakeWordID,
		WakeWordText:        cur.tc.WakeWordText,
		WakeTaskCompleted:   cur.wake.Status == StatusCompleted,
		VisualTaskCompleted: cur.visual.Status == StatusCompleted,
		RecognizedText:      cur.wake.Text,
		Success:             successOf(cur.wake.Text, cur.visual.Detected),
		Confidence:          cur.visual.Confidence,
		Timestamp:           now,
		Duration:            cur.active + now.Sub(cur.activeSince),
	}

	r := c.run
	r.results = append(r.results, result)
	r.resolved++
	r.current = nil

	if c.opts.Store != nil {
		if err := c.opts.Store.Append(ctx, r.task, result); err != nil {
			c.logger.Error("persist result failed", "task", r.task, "index", result.TestIndex, "error", err.Error())
		}
	}

	progress := progressOf(r.resolved, len(r.cases), result.TestIndex)
	c.opts.Metrics.CaseResolved(result.Success, result.Duration, progress.Percentage/100)
	c.logger.Info("test case resolved",
		"index", result.TestIndex,
		"success", result.Success,
		"wake_completed", result.WakeTaskCompleted,
		"visual_completed", result.VisualTaskCompleted,
		"duration_ms", result.Duration.Milliseconds(),
	)
	c.emit(CaseResolved{Result: result})
	c.emit(ProgressUpdated{Progress: progress})
	c.publish()

	c.startNextCase(ctx)
}

// suspendCase stops channels of the in-flight case and banks its active time.
func (c *Coordinator) suspendCase(ctx context.Context) {
	cur := c.run.current
	if cur == nil {
		return
	}
	c.haltCase(ctx)
	cur.active += c.opts.Now().Sub(cur.activeSince)
	cur.wake.reset()
	cur.visual.reset()
}

// haltCase stops the ceiling timer and any running channel of the current case.
func (c *Coordinator) haltCase(ctx context.Context) {
	c.disarmCeiling()
	if c.run == nil || c.run.current == nil {
		return
	}
	cur := c.run.current
	if cur.visual.Status == StatusRunning {
		c.stopVisual(ctx, cur.visual.Token)
	}
	if cur.wake.Status == StatusRunning {
		c.stopWake(ctx, cur.wake.Token)
	}
}

// complete moves the run to Completed and emits statistics once.
func (c *Coordinator) complete(event fsm.Event, stopped bool) {
	if err := c.transition(event); err != nil {
		c.logger.Error("complete run", "error", err.Error())
		return
	}
	r := c.run
	stats := ComputeStatistics(r.results)
	c.opts.Metrics.RunFinished(string(fsm.StateCompleted))
	c.logger.Info("workflow run completed",
		"run_id", r.id,
		"stopped", stopped,
		"resolved", r.resolved,
		"total", len(r.cases),
		"success_rate", stats.SuccessRate,
	)
	c.emit(RunFinished{Stats: stats, Results: append([]WakeDetectionResult(nil), r.results...), Stopped: stopped})
	c.publish()
}

// fail stops all channels and moves the run to Failed, keeping its results.
func (c *Coordinator) fail(ctx context.Context, err error) {
	c.haltCase(ctx)
	if c.run != nil {
		c.run.current = nil
	}
	if terr := c.transition(fsm.EventFail); terr != nil {
		c.logger.Error("fail run", "error", terr.Error())
	}
	var results []WakeDetectionResult
	if c.run != nil {
		results = append(results, c.run.results...)
	}
	c.opts.Metrics.RunFinished(string(fsm.StateFailed))
	c.logger.Error("workflow run failed", "error", err.Error(), "kept_results", len(results))
	c.emit(RunFailed{Err: err, Results: results})
	c.publish()
}

func (c *Coordinator) transition(event fsm.Event) error {
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	prev := c.state
	c.state = next
	if prev != next {
		c.emit(StateChanged{From: prev, To: next})
	}
	return nil
}

func (c *Coordinator) armCeiling() {
	c.disarmCeiling()
	c.gen++
	gen := c.gen
	c.ceiling = time.AfterFunc(c.opts.Ceiling, func() {
		_ = c.post(context.Background(), ceilingMsg{gen: gen})
	})
}

func (c *Coordinator) disarmCeiling() {
	if c.ceiling != nil {
		c.ceiling.Stop()
		c.ceiling = nil
	}
	c.gen++
}

// publish refreshes the snapshot served to readers.
func (c *Coordinator) publish() {
	s := Status{State: c.state}
	if r := c.run; r != nil {
		s.RunID = r.id
		s.Task = r.task
		current := -1
		if r.current != nil {
			current = r.current.tc.Index
		} else if n := len(r.results); n > 0 {
			current = r.results[n-1].TestIndex
		}
		s.Progress = progressOf(r.resolved, len(r.cases), current)
		s.Stats = ComputeStatistics(r.results)
	}
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

func (c *Coordinator) emit(ev Event) {
	c.eventsMu.Lock()
	if c.eventsClosed {
		c.eventsMu.Unlock()
		return
	}
	c.queued = append(c.queued, ev)
	c.eventsMu.Unlock()
	c.kick()
}

func (c *Coordinator) closeEvents() {
	c.eventsMu.Lock()
	c.eventsClosed = true
	c.eventsMu.Unlock()
	c.kick()
}

func (c *Coordinator) kick() {
	select {
	case c.queueKick <- struct{}{}:
	default:
	}
}

// forwardEvents moves queued events onto the channel and closes it after the
// queue drains following closeEvents.
func (c *Coordinator) forwardEvents() {
	defer close(c.events)
	for {
		c.eventsMu.Lock()
		batch := c.queued
		c.queued = nil
		closed := c.eventsClosed
		c.eventsMu.Unlock()

		for _, ev := range batch {
			c.events <- ev
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-c.queueKick
	}
}
