// Package results persists wake detection results per task and supports reviewing them.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

// FileStore keeps one JSON document per task under Dir.
type FileStore struct {
	fs  afero.Fs
	dir string

	mu sync.Mutex
}

type document struct {
	Task    string                         `json:"task"`
	Results []workflow.WakeDetectionResult `json:"results"`
}

// NewFileStore stores under dir on fs; a nil fs means the OS filesystem.
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, dir: dir}
}

// DefaultDir is $XDG_DATA_HOME/autoeval/results.
func DefaultDir() (string, error) {
	base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "autoeval", "results"), nil
}

func (s *FileStore) Count(ctx context.Context, task string) (int, error) {
	results, err := s.Load(ctx, task)
	return len(results), err
}

func (s *FileStore) Load(_ context.Context, task string) ([]workflow.WakeDetectionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(task)
	if err != nil {
		return nil, err
	}
	return doc.Results, nil
}

func (s *FileStore) Append(_ context.Context, task string, result workflow.WakeDetectionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(task)
	if err != nil {
		return err
	}
	doc.Results = append(doc.Results, result)
	return s.write(task, doc)
}

func (s *FileStore) Clear(_ context.Context, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.path(task)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove results %s: %w", path, err)
	}
	return nil
}

// Tasks lists task ids that have stored results.
func (s *FileStore) Tasks() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list results dir: %w", err)
	}
	var tasks []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		tasks = append(tasks, strings.TrimSuffix(e.Name(), ".json"))
	}
	return tasks, nil
}

func (s *FileStore) read(task string) (document, error) {
	path, err := s.path(task)
	if err != nil {
		return document{}, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return document{Task: task}, nil
		}
		return document{}, fmt.Errorf("read results %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("decode results %s: %w", path, err)
	}
	doc.Task = task
	return doc, nil
}

// write replaces the task file through a temp file and rename.
func (s *FileStore) write(task string, doc document) error {
	path, err := s.path(task)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write results %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit results %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) path(task string) (string, error) {
	name := strings.TrimSpace(task)
	if name == "" {
		return "", workflow.ErrNoTask
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid task id %q", task)
	}
	return filepath.Join(s.dir, name+".json"), nil
}
