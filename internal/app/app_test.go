package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/ipc"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/results"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

func TestExecuteHelp(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"--help"}, nil, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "Usage:")
	require.Empty(t, stderr.String())
}

func TestExecuteVersion(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"version"}, nil, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "autoeval")
	require.Empty(t, stderr.String())
}

func TestExecuteUnknownCommand(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"toggle"}, nil, &stdout, &stderr)
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
	require.Contains(t, stderr.String(), "Usage:")
}

func TestExecuteInvalidConfigFails(t *testing.T) {
	paths := setupRunnerEnv(t, "workflow:\n  wake_mode: cloud\n")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	exitCode := Execute(context.Background(), []string{"--config", paths.configPath, "status"}, nil, &stdout, &stderr)
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "wake_mode")
}

func TestRunnerStatusIdleWhenSocketUnavailable(t *testing.T) {
	paths := setupRunnerEnv(t, "")

	var stdout bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &bytes.Buffer{}}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "status"})
	require.Equal(t, 0, exitCode)
	require.Equal(t, "idle\n", stdout.String())
}

func TestRunnerStopReturnsNoActiveRun(t *testing.T) {
	paths := setupRunnerEnv(t, "")

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "stop"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "no active evaluation run")
}

func TestRunnerForwardsControlCommandsToActiveRun(t *testing.T) {
	paths := setupRunnerEnv(t, "")
	commands := make(chan string, 8)

	shutdown := startIPCServerForRunnerTest(t, paths.socketPath(), func(_ context.Context, req ipc.Request) ipc.Response {
		commands <- req.Command
		switch req.Command {
		case ipc.CommandStatus:
			return ipc.Response{OK: true, State: "running", Task: "cabin", Message: "cabin running: 2/5 cases (40%)"}
		case ipc.CommandPause, ipc.CommandResume, ipc.CommandStop:
			return ipc.Response{OK: true, Message: req.Command + " handled"}
		default:
			return ipc.Response{OK: false, Error: "unsupported"}
		}
	})
	defer shutdown()

	for _, cmd := range []string{"status", "pause", "resume", "stop"} {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		runner := Runner{Stdout: stdout, Stderr: stderr}

		exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, cmd})
		require.Equal(t, 0, exitCode, cmd)
		if cmd == "status" {
			require.Equal(t, "cabin running: 2/5 cases (40%)\n", stdout.String())
		} else {
			require.Equal(t, cmd+" handled\n", stdout.String())
		}
	}

	got := []string{<-commands, <-commands, <-commands, <-commands}
	require.ElementsMatch(t, []string{"status", "pause", "resume", "stop"}, got)
}

func TestRunnerForwardSurfacesRejection(t *testing.T) {
	paths := setupRunnerEnv(t, "")
	shutdown := startIPCServerForRunnerTest(t, paths.socketPath(), func(_ context.Context, req ipc.Request) ipc.Response {
		return ipc.Failure("idle", fmt.Errorf("invalid transition: idle --(%s)--> ?", req.Command))
	})
	defer shutdown()

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}
	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "pause"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "invalid transition")
}

func TestTryForwardTreatsReadFailuresAsHandledErrors(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "autoeval.sock")

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			_ = conn.Close()
		}
	}()

	_, handled, err := tryForward(context.Background(), socketPath, "status")
	require.True(t, handled)
	require.Error(t, err)
	require.Contains(t, err.Error(), "forward command \"status\":")

	<-done
	require.NoError(t, listener.Close())
}

func TestTryForwardDoesNotRemoveStaleSocketFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "autoeval.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0o600))

	_, handled, err := tryForward(context.Background(), socketPath, "status")
	require.False(t, handled)
	require.NoError(t, err)

	_, statErr := os.Stat(socketPath)
	require.NoError(t, statErr)
}

func TestRunnerDoctorCommandDispatchesAndPrintsReport(t *testing.T) {
	paths := setupRunnerEnv(t, "backend:\n  url: ws://127.0.0.1:1/ws\nnotify:\n  enable: false\n")
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")

	var stdout bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &bytes.Buffer{}}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "doctor"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stdout.String(), "config: loaded")
	require.Contains(t, stdout.String(), "[FAIL] backend.websocket")
}

func TestRunnerDevicesCommandDispatches(t *testing.T) {
	paths := setupRunnerEnv(t, "")
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "devices"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "error:")
}

func TestRunnerResultsListsAndWalksTasks(t *testing.T) {
	paths := setupRunnerEnv(t, "")
	store := results.NewFileStore(afero.NewOsFs(), paths.resultsDir)
	ctx := context.Background()
	confidence := 0.91
	require.NoError(t, store.Append(ctx, "cabin", workflow.WakeDetectionResult{
		TestIndex: 0, WakeWordText: "你好小车", WakeTaskCompleted: true, VisualTaskCompleted: true,
		RecognizedText: "你好小车", Success: true, Confidence: &confidence, Duration: 1200 * time.Millisecond,
	}))
	require.NoError(t, store.Append(ctx, "cabin", workflow.WakeDetectionResult{
		TestIndex: 1, WakeWordText: "小车小车", WakeTaskCompleted: true, VisualTaskCompleted: false,
		RecognizedText: "小车小车", Success: true, Duration: 600 * time.Millisecond,
	}))
	require.NoError(t, store.Append(ctx, "cabin", workflow.WakeDetectionResult{
		TestIndex: 3, WakeWordText: "嗨小车", Duration: 800 * time.Millisecond,
	}))

	var stdout bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &bytes.Buffer{}}
	require.Equal(t, 0, runner.Execute(ctx, []string{"--config", paths.configPath, "results"}))
	require.Equal(t, "cabin\t3 results\n", stdout.String())

	stdout.Reset()
	require.Equal(t, 0, runner.Execute(ctx, []string{"--config", paths.configPath, "results", "--task", "cabin"}))
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], "PASS heard=\"你好小车\" confidence=0.910 duration=1.2s")
	require.Contains(t, lines[1], "  2 ")
	require.Contains(t, lines[1], "PASS heard=\"小车小车\"")
	require.Contains(t, lines[2], "  4 ")
	require.Contains(t, lines[2], "FAIL")
	require.Equal(t, "2/3 passed (66.7%), total 2.6s, average 867ms", lines[3])

	stdout.Reset()
	require.Equal(t, 0, runner.Execute(ctx, []string{"--config", paths.configPath, "results", "--task", "other"}))
	require.Equal(t, "no results for task \"other\"\n", stdout.String())
}

func TestRunnerClearRemovesResults(t *testing.T) {
	paths := setupRunnerEnv(t, "")
	store := results.NewFileStore(afero.NewOsFs(), paths.resultsDir)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "cabin", workflow.WakeDetectionResult{TestIndex: 0}))

	var stdout bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &bytes.Buffer{}}
	require.Equal(t, 0, runner.Execute(ctx, []string{"--config", paths.configPath, "clear", "--task", "cabin"}))
	require.Equal(t, "cleared 1 results for task \"cabin\"\n", stdout.String())

	n, err := store.Count(ctx, "cabin")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunnerClearRefusesTaskUnderEvaluation(t *testing.T) {
	paths := setupRunnerEnv(t, "")
	shutdown := startIPCServerForRunnerTest(t, paths.socketPath(), func(context.Context, ipc.Request) ipc.Response {
		return ipc.Response{OK: true, State: "running", Task: "cabin"}
	})
	defer shutdown()

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}
	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "clear", "--task", "cabin"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "being evaluated")
}

func TestRunnerRunCompletesPlanAgainstDetectionService(t *testing.T) {
	svc := newFakeDetectionService(t)
	paths := setupRunnerEnv(t, svc.config(t))
	planPath := writePlan(t, "task: cabin\ncases:\n  - id: w1\n    text: 你好小车\n  - id: w2\n    text: 小车小车\n")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}
	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "run", "--plan", planPath})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Contains(t, stdout.String(), "case 1: 你好小车")
	require.Contains(t, stdout.String(), "case 2: 小车小车")
	require.Contains(t, stdout.String(), "2/2 passed (100.0%)")

	store := results.NewFileStore(afero.NewOsFs(), paths.resultsDir)
	stored, err := store.Load(context.Background(), "cabin")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for i, res := range stored {
		require.Equal(t, i, res.TestIndex)
		require.True(t, res.Success)
		require.True(t, res.WakeTaskCompleted)
		require.NotEmpty(t, res.RecognizedText)
	}

	_, statErr := os.Stat(paths.socketPath())
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestRunnerRunCancelledAtExistingResultsPrompt(t *testing.T) {
	svc := newFakeDetectionService(t)
	paths := setupRunnerEnv(t, svc.config(t))
	planPath := writePlan(t, "task: cabin\ncases:\n  - id: w1\n    text: 你好小车\n")
	store := results.NewFileStore(afero.NewOsFs(), paths.resultsDir)
	require.NoError(t, store.Append(context.Background(), "cabin", workflow.WakeDetectionResult{TestIndex: 0}))

	var stdout bytes.Buffer
	runner := Runner{Stdin: strings.NewReader("c\n"), Stdout: &stdout, Stderr: &bytes.Buffer{}}
	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "run", "--plan", planPath})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "task \"cabin\" already has 1 results")
	require.Contains(t, stdout.String(), "cancelled")

	n, err := store.Count(context.Background(), "cabin")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRunnerRunRejectsSecondOwner(t *testing.T) {
	paths := setupRunnerEnv(t, "")
	planPath := writePlan(t, "task: cabin\ncases:\n  - text: 你好小车\n")
	shutdown := startIPCServerForRunnerTest(t, paths.socketPath(), func(context.Context, ipc.Request) ipc.Response {
		return ipc.Response{OK: true, State: "running"}
	})
	defer shutdown()

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}
	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "run", "--plan", planPath})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "already active")
}

func TestRunnerRunFailsWhenBackendUnreachable(t *testing.T) {
	paths := setupRunnerEnv(t, "backend:\n  url: ws://127.0.0.1:1/ws\nnotify:\n  enable: false\n")
	planPath := writePlan(t, "task: cabin\ncases:\n  - text: 你好小车\n")

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}
	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "run", "--plan", planPath})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "detection backend unavailable")

	_, statErr := os.Stat(paths.socketPath())
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestResolverParsesAnswers(t *testing.T) {
	tests := map[string]workflow.ConflictChoice{
		"o\n":         workflow.ChoiceOverwrite,
		"Append\n":    workflow.ChoiceAppend,
		"whatever\n":  workflow.ChoiceCancel,
		"":            workflow.ChoiceCancel,
		"overwrite":   workflow.ChoiceOverwrite,
		" a \n extra": workflow.ChoiceAppend,
	}
	for input, want := range tests {
		runner := Runner{Stdin: strings.NewReader(input), Stdout: &bytes.Buffer{}}
		got, err := runner.resolver().Resolve(context.Background(), "cabin", 3)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
	require.Nil(t, Runner{}.resolver())
}

func TestLogRunResultWritesFailureAndSuccess(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	stats := workflow.RunStatistics{Count: 4, SuccessCount: 3, SuccessRate: 0.75, TotalDuration: 4 * time.Second, AverageDuration: time.Second}
	logRunResult(logger, "cabin", stats, false, nil)
	require.Contains(t, logBuf.String(), "run complete")
	require.Contains(t, logBuf.String(), "\"passed\":3")

	logBuf.Reset()
	logRunResult(logger, "cabin", stats, false, workflow.ErrBackendUnavailable)
	require.Contains(t, logBuf.String(), "run failed")
	require.Contains(t, logBuf.String(), "detection backend unavailable")
}

type runnerPaths struct {
	configPath string
	runtimeDir string
	resultsDir string
}

func (p runnerPaths) socketPath() string {
	return filepath.Join(p.runtimeDir, "autoeval.sock")
}

func setupRunnerEnv(t *testing.T, extra string) runnerPaths {
	t.Helper()

	runtimeDir := t.TempDir()
	resultsDir := filepath.Join(t.TempDir(), "results")
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	content := strings.ReplaceAll(extra, "%RESULTS%", resultsDir)
	if !strings.Contains(extra, "workflow:") {
		content += fmt.Sprintf("workflow:\n  results_dir: %s\n", resultsDir)
	}
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	return runnerPaths{configPath: configPath, runtimeDir: runtimeDir, resultsDir: resultsDir}
}

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func startIPCServerForRunnerTest(t *testing.T, socketPath string, handler func(context.Context, ipc.Request) ipc.Response) func() {
	t.Helper()

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ipc.Serve(ctx, listener, ipc.HandlerFunc(handler))
	}()

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

// fakeDetectionService plays the wake and visual pipelines: the first frame of
// every visual start matches, then the wake pipeline reports the case text.
type fakeDetectionService struct {
	server *httptest.Server
	camera *httptest.Server
}

type wireEnvelope struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newFakeDetectionService(t *testing.T) *fakeDetectionService {
	t.Helper()
	upgrader := websocket.Upgrader{}
	svc := &fakeDetectionService{}
	svc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		send := func(env wireEnvelope) {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteJSON(env)
		}
		event := func(kind string, data map[string]any) {
			raw, _ := json.Marshal(data)
			send(wireEnvelope{Op: "event", Type: kind, Data: raw})
		}
		detected := map[string]bool{}
		var wakeToken, wakeText string

		for {
			var req wireEnvelope
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var payload struct {
				Token string `json:"token"`
				Case  struct {
					Text string `json:"wake_word_text"`
				} `json:"case"`
			}
			_ = json.Unmarshal(req.Data, &payload)

			resp := wireEnvelope{Op: "response", ID: req.ID, Type: req.Type, OK: true}
			if req.Type == "visual.frame" {
				resp.Data = json.RawMessage(`{"running":true}`)
			}
			send(resp)

			switch req.Type {
			case "wake.start":
				wakeToken, wakeText = payload.Token, payload.Case.Text
				event("wake.started", map[string]any{"token": payload.Token})
			case "visual.start":
				event("visual.started", map[string]any{"token": payload.Token})
			case "visual.frame":
				if !detected[payload.Token] {
					detected[payload.Token] = true
					event("visual.wake_detected", map[string]any{"token": payload.Token, "confidence": 0.95, "timestamp_ms": 120})
					event("wake.stopped", map[string]any{"token": wakeToken, "text": wakeText})
				}
			}
		}
	}))
	t.Cleanup(svc.server.Close)

	svc.camera = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, image.NewGray(image.Rect(0, 0, 64, 48)))
	}))
	t.Cleanup(svc.camera.Close)
	return svc
}

// config renders a config file pointing at the fake service with one template;
// setupRunnerEnv fills in the results directory.
func (s *fakeDetectionService) config(t *testing.T) string {
	t.Helper()
	templatesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templatesDir, "home.png"), []byte("png"), 0o600))
	return fmt.Sprintf(`backend:
  url: %s
camera:
  snapshot_url: %s
workflow:
  channel_timeout_ms: 5000
  templates_dir: %s
  results_dir: %%RESULTS%%
notify:
  enable: false
  sound_enable: false
`, "ws"+strings.TrimPrefix(s.server.URL, "http"), s.camera.URL, templatesDir)
}
