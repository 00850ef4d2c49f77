// Package pipeline runs one microphone-to-transcript recognition at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/asr"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/audio"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/metrics"
)

// Result is the outcome of one listened utterance.
type Result struct {
	Text     string
	Final    bool
	SID      string
	Duration time.Duration
	DumpPath string
}

// recorder is implemented by sources that retain captured PCM.
type recorder interface {
	Recorded() []byte
}

// Listener owns the single active microphone session.
type Listener struct {
	cfg     asr.Config
	source  asr.AudioSource
	creds   asr.CredentialProvider
	dump    *AudioDump
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	current *asr.Session
}

// Options are the optional collaborators of a Listener.
type Options struct {
	Dump    *AudioDump
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewListener builds a listener for source with the given session config.
func NewListener(cfg asr.Config, source asr.AudioSource, creds asr.CredentialProvider, opts Options) *Listener {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	return &Listener{cfg: cfg, source: source, creds: creds, dump: opts.Dump, metrics: opts.Metrics, logger: logger}
}

// Start opens a new session, first tearing down any session still open.
func (l *Listener) Start(ctx context.Context) (*asr.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil {
		l.logger.Info("replacing active microphone session")
		stopCtx, cancel := context.WithTimeout(ctx, l.stopBudget())
		_ = l.current.Stop(stopCtx)
		cancel()
		l.current = nil
	}

	session, err := asr.Start(ctx, l.cfg, l.source, l.creds)
	if err != nil {
		l.metrics.ASRError(errorKind(err))
		return nil, err
	}
	l.metrics.ASRSessionOpened()
	l.current = session
	return session, nil
}

// Stop ends the active session, if any.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	session := l.current
	l.current = nil
	l.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Stop(ctx)
}

// Active reports whether a session is open.
func (l *Listener) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current != nil
}

// Utterance listens until the transcript settles, the session fails, or ctx ends.
// onPartial, when set, receives every incremental result.
func (l *Listener) Utterance(ctx context.Context, onPartial func(asr.PartialResult)) (Result, error) {
	started := time.Now()
	session, err := l.Start(ctx)
	if err != nil {
		return Result{}, err
	}
	defer l.release(session)

	var (
		result  Result
		failure error
	)
	events := session.Events()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), l.stopBudget())
			_ = session.Stop(stopCtx)
			cancel()
			// Background never fires, so the loop now drains until the session closes.
			ctx = context.Background()
			if failure == nil {
				failure = context.Canceled
			}
		case ev, ok := <-events:
			if !ok {
				result.SID = session.SID()
				result.Duration = time.Since(started)
				l.metrics.ASRSessionClosed(result.Duration, result.Final)
				result.DumpPath = l.writeDump(started)
				if failure != nil && !(errors.Is(failure, context.Canceled) && result.Final) {
					return result, failure
				}
				return result, nil
			}
			switch e := ev.(type) {
			case asr.PartialResult:
				if onPartial != nil {
					onPartial(e)
				}
			case asr.UtteranceFinal:
				result.Text = e.Text
				result.Final = true
			case asr.SessionError:
				failure = e.Err
				l.metrics.ASRError(errorKind(e.Err))
			case asr.SessionClosed:
				if !result.Final {
					result.Text = e.Transcript
				}
			}
		}
	}
}

func (l *Listener) release(session *asr.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == session {
		l.current = nil
	}
}

func (l *Listener) writeDump(at time.Time) string {
	if l.dump == nil {
		return ""
	}
	rec, ok := l.source.(recorder)
	if !ok {
		return ""
	}
	raw := rec.Recorded()
	if len(raw) == 0 {
		return ""
	}
	path, err := l.dump.Write(raw, at)
	if err != nil {
		l.logger.Warn("unable to write debug audio dump", "error", err.Error())
		return ""
	}
	l.logger.Debug("debug audio dump written", "path", path)
	return path
}

func (l *Listener) stopBudget() time.Duration {
	grace := l.cfg.Grace
	if grace <= 0 {
		grace = asr.DefaultGrace
	}
	return 2 * grace
}

// errorKind buckets session failures for metrics and notifications.
func errorKind(err error) string {
	var recErr *asr.RecognitionError
	switch {
	case errors.Is(err, asr.ErrAuth):
		return "auth"
	case errors.Is(err, asr.ErrConnect):
		return "connect"
	case errors.Is(err, audio.ErrDeviceAcquisition):
		return "device"
	case errors.As(err, &recErr):
		return "recognition"
	case errors.Is(err, asr.ErrStream):
		return "stream"
	default:
		return "other"
	}
}

// Describe renders a failure for operator-facing notifications.
func Describe(err error) string {
	switch errorKind(err) {
	case "auth":
		return "ASR credentials are missing or were rejected"
	case "connect":
		return "Could not reach the ASR service"
	case "device":
		return "No usable microphone"
	case "recognition":
		return fmt.Sprintf("Recognition failed: %v", err)
	default:
		return err.Error()
	}
}
