package config

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	ASR      *fileASR      `yaml:"asr"`
	Audio    *fileAudio    `yaml:"audio"`
	Backend  *fileBackend  `yaml:"backend"`
	Workflow *fileWorkflow `yaml:"workflow"`
	Camera   *fileCamera   `yaml:"camera"`
	Metrics  *fileMetrics  `yaml:"metrics"`
	Notify   *fileNotify   `yaml:"notify"`
	Logging  *fileLogging  `yaml:"logging"`
	Debug    *fileDebug    `yaml:"debug"`
}

type fileASR struct {
	URL               *string `yaml:"url"`
	AppID             *string `yaml:"app_id"`
	APIKey            *string `yaml:"api_key"`
	APISecret         *string `yaml:"api_secret"`
	Language          *string `yaml:"language"`
	Domain            *string `yaml:"domain"`
	Accent            *string `yaml:"accent"`
	DynamicCorrection *bool   `yaml:"dynamic_correction"`
	SendIntervalMS    *int    `yaml:"send_interval_ms"`
	QuietWindowMS     *int    `yaml:"quiet_window_ms"`
	CooldownMS        *int    `yaml:"cooldown_ms"`
	GraceMS           *int    `yaml:"grace_ms"`
	DialTimeoutMS     *int    `yaml:"dial_timeout_ms"`
}

type fileAudio struct {
	Input    *string `yaml:"input"`
	Fallback *string `yaml:"fallback"`
}

type fileBackend struct {
	URL              *string `yaml:"url"`
	HealthGRPC       *string `yaml:"health_grpc"`
	HealthService    *string `yaml:"health_service"`
	RequestTimeoutMS *int    `yaml:"request_timeout_ms"`
}

type fileWorkflow struct {
	FrameRate        *float64 `yaml:"frame_rate"`
	Threshold        *float64 `yaml:"threshold"`
	ChannelTimeoutMS *int     `yaml:"channel_timeout_ms"`
	WakeMode         *string  `yaml:"wake_mode"`
	ListenWindowMS   *int     `yaml:"listen_window_ms"`
	ROI              []int    `yaml:"roi"`
	TemplatesDir     *string  `yaml:"templates_dir"`
	ResultsDir       *string  `yaml:"results_dir"`
}

type fileCamera struct {
	SnapshotURL *string `yaml:"snapshot_url"`
	Quality     *int    `yaml:"quality"`
}

type fileMetrics struct {
	Listen *string `yaml:"listen"`
}

type fileNotify struct {
	Enable      *bool   `yaml:"enable"`
	SoundEnable *bool   `yaml:"sound_enable"`
	AppName     *string `yaml:"app_name"`
}

type fileLogging struct {
	Level *string `yaml:"level"`
}

type fileDebug struct {
	AudioDump *bool `yaml:"audio_dump"`
}

// Parse overlays YAML content on base and validates the result. Unknown keys are errors.
func Parse(content string, base Config) (Config, []Warning, error) {
	return parse(content, base, nil)
}

// parse applies content then env overrides, then validates.
func parse(content string, base Config, lookup func(string) (string, bool)) (Config, []Warning, error) {
	cfg := base
	var warnings []Warning

	if strings.TrimSpace(content) != "" {
		decoder := yaml.NewDecoder(strings.NewReader(content))
		decoder.KnownFields(true)

		var payload fileConfig
		if err := decoder.Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, nil, wrapYAMLError(err)
		}
		var extra any
		if err := decoder.Decode(&extra); !errors.Is(err, io.EOF) {
			return Config{}, nil, errors.New("config must contain a single YAML document")
		}

		applied, err := payload.applyTo(&cfg)
		if err != nil {
			return Config{}, nil, err
		}
		warnings = append(warnings, applied...)
	}

	if lookup != nil {
		applyEnv(&cfg, lookup)
	}

	validated, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, append(warnings, validated...), nil
}

func (payload fileConfig) applyTo(cfg *Config) ([]Warning, error) {
	var warnings []Warning

	if a := payload.ASR; a != nil {
		setString(&cfg.ASR.URL, a.URL)
		setString(&cfg.ASR.AppID, a.AppID)
		setString(&cfg.ASR.APIKey, a.APIKey)
		setString(&cfg.ASR.APISecret, a.APISecret)
		setString(&cfg.ASR.Language, a.Language)
		setString(&cfg.ASR.Domain, a.Domain)
		setString(&cfg.ASR.Accent, a.Accent)
		if a.DynamicCorrection != nil {
			cfg.ASR.DynamicCorrection = *a.DynamicCorrection
		}
		setInt(&cfg.ASR.SendIntervalMS, a.SendIntervalMS)
		setInt(&cfg.ASR.QuietWindowMS, a.QuietWindowMS)
		setInt(&cfg.ASR.CooldownMS, a.CooldownMS)
		setInt(&cfg.ASR.GraceMS, a.GraceMS)
		setInt(&cfg.ASR.DialTimeoutMS, a.DialTimeoutMS)
		if a.APISecret != nil && strings.TrimSpace(*a.APISecret) != "" {
			warnings = append(warnings, Warning{Message: "asr.api_secret stored in config file; prefer AUTOEVAL_ASR_API_SECRET"})
		}
	}

	if a := payload.Audio; a != nil {
		setString(&cfg.Audio.Input, a.Input)
		setString(&cfg.Audio.Fallback, a.Fallback)
	}

	if b := payload.Backend; b != nil {
		setString(&cfg.Backend.URL, b.URL)
		setString(&cfg.Backend.HealthGRPC, b.HealthGRPC)
		setString(&cfg.Backend.HealthService, b.HealthService)
		setInt(&cfg.Backend.RequestTimeoutMS, b.RequestTimeoutMS)
	}

	if w := payload.Workflow; w != nil {
		if w.FrameRate != nil {
			cfg.Workflow.FrameRate = *w.FrameRate
		}
		if w.Threshold != nil {
			cfg.Workflow.Threshold = *w.Threshold
		}
		setInt(&cfg.Workflow.ChannelTimeoutMS, w.ChannelTimeoutMS)
		setString(&cfg.Workflow.WakeMode, w.WakeMode)
		setInt(&cfg.Workflow.ListenWindowMS, w.ListenWindowMS)
		if w.ROI != nil {
			if len(w.ROI) != 4 {
				return nil, fmt.Errorf("workflow.roi must be [x, y, width, height]")
			}
			copy(cfg.Workflow.ROI[:], w.ROI)
		}
		setString(&cfg.Workflow.TemplatesDir, w.TemplatesDir)
		setString(&cfg.Workflow.ResultsDir, w.ResultsDir)
	}

	if c := payload.Camera; c != nil {
		setString(&cfg.Camera.SnapshotURL, c.SnapshotURL)
		setInt(&cfg.Camera.Quality, c.Quality)
	}

	if m := payload.Metrics; m != nil {
		setString(&cfg.Metrics.Listen, m.Listen)
	}

	if n := payload.Notify; n != nil {
		if n.Enable != nil {
			cfg.Notify.Enable = *n.Enable
		}
		if n.SoundEnable != nil {
			cfg.Notify.SoundEnable = *n.SoundEnable
		}
		setString(&cfg.Notify.AppName, n.AppName)
	}

	if l := payload.Logging; l != nil {
		setString(&cfg.Logging.Level, l.Level)
		cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	}

	if d := payload.Debug; d != nil && d.AudioDump != nil {
		cfg.Debug.AudioDump = *d.AudioDump
	}

	return warnings, nil
}

// applyEnv lets credentials and endpoints come from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for key, dst := range map[string]*string{
		"AUTOEVAL_ASR_URL":        &cfg.ASR.URL,
		"AUTOEVAL_ASR_APP_ID":     &cfg.ASR.AppID,
		"AUTOEVAL_ASR_API_KEY":    &cfg.ASR.APIKey,
		"AUTOEVAL_ASR_API_SECRET": &cfg.ASR.APISecret,
		"AUTOEVAL_BACKEND_URL":    &cfg.Backend.URL,
	} {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

// wrapYAMLError keeps the decoder message and surfaces its line number first.
func wrapYAMLError(err error) error {
	if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
		line, _ := strconv.Atoi(m[1])
		return fmt.Errorf("line %d: invalid config: %w", line, err)
	}
	return fmt.Errorf("invalid config: %w", err)
}
