package config

import (
	"fmt"
	"net/url"
	"strings"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if err := requireURL("asr.url", cfg.ASR.URL, "ws", "wss"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ASR.Language) == "" {
		return nil, fmt.Errorf("asr.language must not be empty")
	}
	if cfg.ASR.SendIntervalMS <= 0 {
		return nil, fmt.Errorf("asr.send_interval_ms must be > 0")
	}
	if cfg.ASR.QuietWindowMS <= 0 || cfg.ASR.CooldownMS <= 0 {
		return nil, fmt.Errorf("asr.quiet_window_ms and asr.cooldown_ms must be > 0")
	}
	if cfg.ASR.GraceMS < 0 || cfg.ASR.DialTimeoutMS <= 0 {
		return nil, fmt.Errorf("asr.grace_ms must be >= 0 and asr.dial_timeout_ms > 0")
	}
	if !cfg.ASR.HasCredentials() {
		warnings = append(warnings, Warning{Message: "asr credentials incomplete; local recognition will fail until app_id, api_key, and api_secret are set"})
	}

	if err := requireURL("backend.url", cfg.Backend.URL, "ws", "wss"); err != nil {
		return nil, err
	}
	if cfg.Backend.RequestTimeoutMS <= 0 {
		return nil, fmt.Errorf("backend.request_timeout_ms must be > 0")
	}
	if strings.TrimSpace(cfg.Backend.HealthGRPC) == "" {
		warnings = append(warnings, Warning{Message: "backend.health_grpc not set; readiness checks are skipped"})
	}

	if cfg.Workflow.FrameRate <= 0 {
		return nil, fmt.Errorf("workflow.frame_rate must be > 0")
	}
	if cfg.Workflow.Threshold < 0 || cfg.Workflow.Threshold > 1 {
		return nil, fmt.Errorf("workflow.threshold must be within [0, 1]")
	}
	if cfg.Workflow.ChannelTimeoutMS <= 0 {
		return nil, fmt.Errorf("workflow.channel_timeout_ms must be > 0")
	}
	switch cfg.Workflow.WakeMode {
	case "backend":
	case "local":
		if cfg.Workflow.ListenWindowMS <= 0 {
			return nil, fmt.Errorf("workflow.listen_window_ms must be > 0 when wake_mode=local")
		}
		if cfg.Workflow.ListenWindowMS >= cfg.Workflow.ChannelTimeoutMS {
			warnings = append(warnings, Warning{Message: "workflow.listen_window_ms is not below channel_timeout_ms; wake cases will end at the ceiling"})
		}
	default:
		return nil, fmt.Errorf("workflow.wake_mode must be one of: backend, local")
	}
	if roi := cfg.Workflow.ROI; roi != [4]int{} && (roi[2] <= 0 || roi[3] <= 0) {
		return nil, fmt.Errorf("workflow.roi width and height must be > 0")
	}

	if err := requireURL("camera.snapshot_url", cfg.Camera.SnapshotURL, "http", "https"); err != nil {
		return nil, err
	}
	if cfg.Camera.Quality <= 0 || cfg.Camera.Quality > 100 {
		return nil, fmt.Errorf("camera.quality must be within 1..100")
	}

	if cfg.Notify.Enable && strings.TrimSpace(cfg.Notify.AppName) == "" {
		return nil, fmt.Errorf("notify.app_name must not be empty when notify.enable=true")
	}
	if !logLevels[cfg.Logging.Level] {
		return nil, fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	return warnings, nil
}

func requireURL(key, raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s must not be empty", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL", key, strings.Join(schemes, "/"))
}
