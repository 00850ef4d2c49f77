package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath applies CLI/XDG/home fallback rules for config.yaml location.
func ResolvePath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}

	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "autoeval", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for config fallback")
	}

	return filepath.Join(home, ".config", "autoeval", "config.yaml"), nil
}

// DefaultTemplatesDir is $XDG_CONFIG_HOME/autoeval/templates.
func DefaultTemplatesDir() (string, error) {
	path, err := ResolvePath("")
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(path), "templates"), nil
}

// TemplatesDir returns workflow.templates_dir or the default location.
func TemplatesDir(cfg Config) (string, error) {
	if dir := strings.TrimSpace(cfg.Workflow.TemplatesDir); dir != "" {
		return dir, nil
	}
	return DefaultTemplatesDir()
}
