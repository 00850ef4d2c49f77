package pipeline

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/pcm"
)

// AudioDump writes captured utterances as 16-bit mono WAV files.
type AudioDump struct {
	Fs  afero.Fs
	Dir string
}

// NewAudioDump targets $XDG_STATE_HOME/autoeval/debug on the OS filesystem.
func NewAudioDump() (*AudioDump, error) {
	stateDir, err := resolveStateDir()
	if err != nil {
		return nil, err
	}
	return &AudioDump{Fs: afero.NewOsFs(), Dir: filepath.Join(stateDir, "autoeval", "debug")}, nil
}

// Write stores raw s16le PCM and returns the file path.
func (d *AudioDump) Write(raw []byte, at time.Time) (string, error) {
	if len(raw) < 2 {
		return "", fmt.Errorf("debug audio dump: no samples")
	}
	if err := d.Fs.MkdirAll(d.Dir, 0o700); err != nil {
		return "", fmt.Errorf("create debug dir: %w", err)
	}

	path := filepath.Join(d.Dir, fmt.Sprintf("utterance-%s.wav", at.Format("20060102-150405.000")))
	file, err := d.Fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("open debug file %q: %w", path, err)
	}
	defer file.Close()

	samples := make([]int, len(raw)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(raw[2*i:])))
	}

	enc := wav.NewEncoder(file, pcm.SampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: pcm.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("finalize wav: %w", err)
	}
	return path, nil
}

func resolveStateDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		return xdg, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory for state: %w", err)
	}
	return filepath.Join(home, ".local", "state"), nil
}
