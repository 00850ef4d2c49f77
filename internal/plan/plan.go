// Package plan loads test plans: a task id and its ordered wake-word cases.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

// Plan is one test task. Zero FrameRate, Threshold, or ROI fall back to config.
type Plan struct {
	Task      string              `yaml:"task"`
	FrameRate float64             `yaml:"frame_rate"`
	Threshold float64             `yaml:"threshold"`
	ROI       *Region             `yaml:"roi"`
	Cases     []workflow.TestCase `yaml:"cases"`
}

type Region struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

func (r *Region) Rect() image.Rectangle {
	if r == nil {
		return image.Rectangle{}
	}
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Load reads and validates a plan file.
func Load(fs afero.Fs, path string) (Plan, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan %q: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return Plan{}, fmt.Errorf("plan %q: %w", path, err)
	}
	return p, nil
}

// Parse decodes a plan document; unknown keys are rejected.
func Parse(data []byte) (Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Plan{}, fmt.Errorf("decode: %w", err)
	}
	if err := p.validate(); err != nil {
		return Plan{}, err
	}
	for i := range p.Cases {
		p.Cases[i].Index = i
	}
	return p, nil
}

func (p *Plan) validate() error {
	p.Task = strings.TrimSpace(p.Task)
	if p.Task == "" {
		return workflow.ErrNoTask
	}
	if len(p.Cases) == 0 {
		return workflow.ErrNoCases
	}
	for i, c := range p.Cases {
		if strings.TrimSpace(c.WakeWordText) == "" {
			return fmt.Errorf("case %d has no wake word text", i)
		}
	}
	if p.FrameRate < 0 {
		return fmt.Errorf("frame_rate must be positive")
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1]")
	}
	if p.ROI != nil && (p.ROI.Width <= 0 || p.ROI.Height <= 0) {
		return fmt.Errorf("roi width and height must be positive")
	}
	return nil
}

// Request builds a StartRequest, filling unset tuning values from defaults.
func (p Plan) Request(frameRate, threshold float64, roi image.Rectangle) workflow.StartRequest {
	req := workflow.StartRequest{
		Task:      p.Task,
		Cases:     append([]workflow.TestCase(nil), p.Cases...),
		FrameRate: frameRate,
		Threshold: threshold,
		ROI:       roi,
	}
	if p.FrameRate > 0 {
		req.FrameRate = p.FrameRate
	}
	if p.Threshold > 0 {
		req.Threshold = p.Threshold
	}
	if p.ROI != nil {
		req.ROI = p.ROI.Rect()
	}
	return req
}
