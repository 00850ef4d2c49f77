// Package metrics exposes Prometheus instrumentation for runs, channels, frames, and ASR sessions.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every autoeval collector. A nil *Metrics records nothing.
type Metrics struct {
	RunsStarted     prometheus.Counter
	RunsFinished    *prometheus.CounterVec
	CasesResolved   *prometheus.CounterVec
	CaseDuration    prometheus.Histogram
	ChannelTimeouts *prometheus.CounterVec
	Progress        prometheus.Gauge

	FramesPushed  prometheus.Counter
	FramesSkipped prometheus.Counter
	FrameBytes    prometheus.Histogram

	ASRSessions       prometheus.Counter
	ASRErrors         *prometheus.CounterVec
	ASRFinalizations  prometheus.Counter
	ASRSessionSeconds prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers collectors on reg; tests pass a fresh prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "autoeval_runs_started_total",
			Help: "Workflow runs started",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoeval_runs_finished_total",
			Help: "Workflow runs that reached a terminal state",
		}, []string{"state"}),
		CasesResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoeval_cases_resolved_total",
			Help: "Test cases resolved, by outcome",
		}, []string{"outcome"}),
		CaseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoeval_case_duration_seconds",
			Help:    "Active time from case start to resolution",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		ChannelTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoeval_channel_timeouts_total",
			Help: "Channels forced to failed at the ceiling",
		}, []string{"channel"}),
		Progress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autoeval_run_progress_ratio",
			Help: "Resolved cases over total cases for the current run",
		}),
		FramesPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "autoeval_frames_pushed_total",
			Help: "Frames handed to the visual backend",
		}),
		FramesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "autoeval_frames_skipped_total",
			Help: "Frames dropped because capture or encoding failed",
		}),
		FrameBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoeval_frame_bytes",
			Help:    "Encoded frame size",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
		}),
		ASRSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "autoeval_asr_sessions_total",
			Help: "ASR sessions opened",
		}),
		ASRErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoeval_asr_errors_total",
			Help: "ASR session failures by kind",
		}, []string{"kind"}),
		ASRFinalizations: factory.NewCounter(prometheus.CounterOpts{
			Name: "autoeval_asr_finalizations_total",
			Help: "Utterances declared final by the stability detector",
		}),
		ASRSessionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoeval_asr_session_seconds",
			Help:    "ASR session lifetime",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		gatherer: reg,
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
	m.Progress.Set(0)
}

func (m *Metrics) RunFinished(state string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(state).Inc()
}

// CaseResolved records one resolution and the run's progress ratio.
func (m *Metrics) CaseResolved(success bool, duration time.Duration, ratio float64) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.CasesResolved.WithLabelValues(outcome).Inc()
	m.CaseDuration.Observe(duration.Seconds())
	m.Progress.Set(ratio)
}

func (m *Metrics) ChannelTimeout(channel string) {
	if m == nil {
		return
	}
	m.ChannelTimeouts.WithLabelValues(channel).Inc()
}

func (m *Metrics) FramePushed(size int) {
	if m == nil {
		return
	}
	m.FramesPushed.Inc()
	m.FrameBytes.Observe(float64(size))
}

func (m *Metrics) FrameSkipped() {
	if m == nil {
		return
	}
	m.FramesSkipped.Inc()
}

func (m *Metrics) ASRSessionOpened() {
	if m == nil {
		return
	}
	m.ASRSessions.Inc()
}

func (m *Metrics) ASRSessionClosed(lifetime time.Duration, final bool) {
	if m == nil {
		return
	}
	m.ASRSessionSeconds.Observe(lifetime.Seconds())
	if final {
		m.ASRFinalizations.Inc()
	}
}

func (m *Metrics) ASRError(kind string) {
	if m == nil {
		return
	}
	m.ASRErrors.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
