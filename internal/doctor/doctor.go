// Package doctor runs readiness diagnostics for config, credentials, devices, the detection backend, and templates.
package doctor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/asr"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/audio"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/backend"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/config"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/framepump"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/templates"
)

const probeTimeout = 2 * time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(ctx context.Context, loaded config.Loaded) Report {
	cfg := loaded.Config
	checks := []Check{{
		Name:    "config",
		Pass:    true,
		Message: fmt.Sprintf("loaded %q", loaded.Path),
	}}

	checks = append(checks, checkCredentials(cfg.ASR))
	checks = append(checks, checkAudioSelection(ctx, cfg))
	checks = append(checks, checkBackend(ctx, cfg.Backend))
	checks = append(checks, checkBackendHealth(ctx, cfg.Backend))
	checks = append(checks, checkCamera(ctx, cfg.Camera))
	checks = append(checks, checkTemplates(afero.NewOsFs(), cfg))
	if cfg.Notify.Enable {
		checks = append(checks, checkBinary("busctl", "desktop notifications"))
	}

	return Report{Checks: checks}
}

// checkCredentials validates the credential triple and that the endpoint can be signed.
func checkCredentials(cfg config.ASRConfig) Check {
	creds, err := asr.StaticCredentials{AppID: cfg.AppID, APIKey: cfg.APIKey, APISecret: cfg.APISecret}.Credentials(context.Background())
	if err != nil {
		return Check{Name: "asr.credentials", Pass: false, Message: err.Error()}
	}
	if _, err := asr.SignURL(cfg.URL, creds, time.Now()); err != nil {
		return Check{Name: "asr.credentials", Pass: false, Message: err.Error()}
	}
	return Check{Name: "asr.credentials", Pass: true, Message: fmt.Sprintf("app %s signs %s", creds.AppID, cfg.URL)}
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(ctx context.Context, cfg config.Config) Check {
	selection, err := audio.SelectDevice(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

// checkBackend opens and closes the detection websocket.
func checkBackend(ctx context.Context, cfg config.BackendConfig) Check {
	client, err := backend.Dial(ctx, cfg.URL, backend.Options{DialTimeout: probeTimeout})
	if err != nil {
		return Check{Name: "backend.websocket", Pass: false, Message: err.Error()}
	}
	_ = client.Close()
	return Check{Name: "backend.websocket", Pass: true, Message: fmt.Sprintf("connected to %s", cfg.URL)}
}

// checkBackendHealth probes the optional gRPC health endpoint.
func checkBackendHealth(ctx context.Context, cfg config.BackendConfig) Check {
	if strings.TrimSpace(cfg.HealthGRPC) == "" {
		return Check{Name: "backend.health", Pass: true, Message: "health_grpc not configured; skipped"}
	}
	if err := backend.CheckHealth(ctx, cfg.HealthGRPC, cfg.HealthService, probeTimeout); err != nil {
		return Check{Name: "backend.health", Pass: false, Message: err.Error()}
	}
	return Check{Name: "backend.health", Pass: true, Message: fmt.Sprintf("serving at %s", cfg.HealthGRPC)}
}

// checkCamera fetches one snapshot.
func checkCamera(ctx context.Context, cfg config.CameraConfig) Check {
	src := framepump.NewHTTPSource(cfg.SnapshotURL)
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	img, err := src.Capture(probeCtx)
	if err != nil {
		return Check{Name: "camera.snapshot", Pass: false, Message: err.Error()}
	}
	b := img.Bounds()
	return Check{Name: "camera.snapshot", Pass: true, Message: fmt.Sprintf("%dx%d frame from %s", b.Dx(), b.Dy(), cfg.SnapshotURL)}
}

// checkTemplates requires at least one template image.
func checkTemplates(fs afero.Fs, cfg config.Config) Check {
	dir, err := config.TemplatesDir(cfg)
	if err != nil {
		return Check{Name: "templates", Pass: false, Message: err.Error()}
	}
	reg := templates.NewRegistry(fs, dir, nil)
	if err := reg.Reload(); err != nil {
		return Check{Name: "templates", Pass: false, Message: err.Error()}
	}
	n := len(reg.Templates())
	if n == 0 {
		return Check{Name: "templates", Pass: false, Message: fmt.Sprintf("no templates in %s", dir)}
	}
	return Check{Name: "templates", Pass: true, Message: fmt.Sprintf("%d templates in %s", n, dir)}
}
