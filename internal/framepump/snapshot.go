package framepump

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/audio"
)

const maxSnapshotBytes = 16 << 20

// HTTPSource polls a camera snapshot endpoint for each frame.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource builds a source with a short per-request timeout.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{URL: url, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Capture fetches and decodes one snapshot. Camera failures wrap audio.ErrDeviceAcquisition
// so the operator sees the same device-level error kind as for microphones.
func (s *HTTPSource) Capture(ctx context.Context) (image.Image, error) {
	if s.URL == "" {
		return nil, fmt.Errorf("%w: camera snapshot url is empty", audio.ErrDeviceAcquisition)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch snapshot: %v", audio.ErrDeviceAcquisition, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: snapshot returned HTTP %d", audio.ErrDeviceAcquisition, resp.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

// StaticSource always returns the same image; used for calibration replays.
type StaticSource struct {
	Image image.Image
}

func (s StaticSource) Capture(context.Context) (image.Image, error) {
	if s.Image == nil {
		return nil, errors.New("static frame source has no image")
	}
	return s.Image, nil
}
