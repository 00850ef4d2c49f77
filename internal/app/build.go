package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/asr"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/audio"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/backend"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/channel"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/config"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/framepump"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/metrics"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/pipeline"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/results"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/templates"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func asrConfig(cfg config.ASRConfig, logger *slog.Logger) asr.Config {
	return asr.Config{
		Endpoint: cfg.URL,
		Business: asr.BusinessParams{
			Language:          cfg.Language,
			Domain:            cfg.Domain,
			Accent:            cfg.Accent,
			DynamicCorrection: cfg.DynamicCorrection,
		},
		SendInterval: millis(cfg.SendIntervalMS),
		QuietWindow:  millis(cfg.QuietWindowMS),
		Cooldown:     millis(cfg.CooldownMS),
		Grace:        millis(cfg.GraceMS),
		DialTimeout:  millis(cfg.DialTimeoutMS),
		Logger:       logger,
	}
}

func newListener(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*pipeline.Listener, error) {
	source := &audio.MicSource{
		Input:    cfg.Audio.Input,
		Fallback: cfg.Audio.Fallback,
		Keep:     cfg.Debug.AudioDump,
		Logger:   logger,
	}
	opts := pipeline.Options{Metrics: m, Logger: logger}
	if cfg.Debug.AudioDump {
		dump, err := pipeline.NewAudioDump()
		if err != nil {
			return nil, fmt.Errorf("debug audio dump: %w", err)
		}
		opts.Dump = dump
	}
	creds := asr.StaticCredentials{AppID: cfg.ASR.AppID, APIKey: cfg.ASR.APIKey, APISecret: cfg.ASR.APISecret}
	return pipeline.NewListener(asrConfig(cfg.ASR, logger), source, creds, opts), nil
}

// dialBackend checks gRPC health when configured, then opens the command socket.
func dialBackend(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (*backend.Client, error) {
	if strings.TrimSpace(cfg.HealthGRPC) != "" {
		if err := backend.CheckHealth(ctx, cfg.HealthGRPC, cfg.HealthService, 0); err != nil {
			return nil, err
		}
	}
	return backend.Dial(ctx, cfg.URL, backend.Options{
		RequestTimeout: millis(cfg.RequestTimeoutMS),
		Logger:         logger,
	})
}

func loadTemplates(fs afero.Fs, cfg config.Config, logger *slog.Logger) (*templates.Registry, error) {
	dir, err := config.TemplatesDir(cfg)
	if err != nil {
		return nil, err
	}
	reg := templates.NewRegistry(fs, dir, logger)
	if err := reg.Reload(); err != nil {
		return nil, err
	}
	return reg, nil
}

func resultStore(fs afero.Fs, cfg config.Config) (*results.FileStore, error) {
	dir := strings.TrimSpace(cfg.Workflow.ResultsDir)
	if dir == "" {
		var err error
		if dir, err = results.DefaultDir(); err != nil {
			return nil, err
		}
	}
	return results.NewFileStore(fs, dir), nil
}

func newVisual(client *backend.Client, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *channel.Visual {
	return channel.NewVisual(client, framepump.NewHTTPSource(cfg.Camera.SnapshotURL), channel.VisualOptions{
		Quality: cfg.Camera.Quality,
		Metrics: m,
		Logger:  logger,
	})
}

// wakeChannel picks the detection service pipeline or the local recognizer.
func wakeChannel(cfg config.Config, client *backend.Client, m *metrics.Metrics, logger *slog.Logger) (workflow.WakeChannel, error) {
	if cfg.Workflow.WakeMode != "local" {
		return channel.NewRemoteWake(client), nil
	}
	listener, err := newListener(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	return channel.NewASRWake(listener, millis(cfg.Workflow.ListenWindowMS), logger), nil
}
