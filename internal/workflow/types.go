// Package workflow runs ordered wake-word test cases against the wake and visual detection channels.
package workflow

import (
	"image"
	"strings"
	"time"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/fsm"
)

// TestCase is one wake word to exercise. Index is its position in the run.
type TestCase struct {
	Index        int    `json:"index" yaml:"-"`
	WakeWordID   string `json:"wake_word_id" yaml:"id"`
	WakeWordText string `json:"wake_word_text" yaml:"text"`
}

// WakeDetectionResult is the resolved outcome of one test case.
type WakeDetectionResult struct {
	TestIndex           int           `json:"test_index"`
	WakeWordID          string        `json:"wake_word_id"`
	WakeWordText        string        `json:"wake_word_text"`
	WakeTaskCompleted   bool          `json:"wake_task_completed"`
	VisualTaskCompleted bool          `json:"visual_task_completed"`
	RecognizedText      string        `json:"recognized_text,omitempty"`
	Success             bool          `json:"success"`
	Confidence          *float64      `json:"confidence,omitempty"`
	Timestamp           time.Time     `json:"timestamp"`
	Duration            time.Duration `json:"duration_ns"`
}

// RunStatistics are always derived from a result list.
type RunStatistics struct {
	Count           int           `json:"count"`
	SuccessCount    int           `json:"success_count"`
	SuccessRate     float64       `json:"success_rate"`
	TotalDuration   time.Duration `json:"total_duration_ns"`
	AverageDuration time.Duration `json:"average_duration_ns"`
}

// ComputeStatistics recomputes run statistics from results.
func ComputeStatistics(results []WakeDetectionResult) RunStatistics {
	stats := RunStatistics{Count: len(results)}
	for _, r := range results {
		if r.Success {
			stats.SuccessCount++
		}
		stats.TotalDuration += r.Duration
	}
	if stats.Count > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.Count)
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Count)
	}
	return stats
}

// Progress is reported after every resolution.
type Progress struct {
	Percentage   float64 `json:"percentage"`
	CurrentIndex int     `json:"current_index"`
	Resolved     int     `json:"resolved"`
	Total        int     `json:"total"`
}

func progressOf(resolved, total, current int) Progress {
	p := Progress{Resolved: resolved, Total: total, CurrentIndex: current}
	if total > 0 {
		p.Percentage = 100 * float64(resolved) / float64(total)
	}
	return p
}

// StartRequest carries everything a run needs; nothing is read from ambient state.
type StartRequest struct {
	Task      string
	Cases     []TestCase
	FrameRate float64
	Threshold float64
	ROI       image.Rectangle
	// OnExisting, when set, answers the existing-results question without asking.
	OnExisting ConflictChoice
}

// VisualConfig is sent with every visual channel start.
type VisualConfig struct {
	Templates []string
	ROI       image.Rectangle
	FrameRate float64
	Threshold float64
}

// Status is a read-only snapshot of the coordinator.
type Status struct {
	RunID    string        `json:"run_id,omitempty"`
	State    fsm.State     `json:"state"`
	Task     string        `json:"task,omitempty"`
	Progress Progress      `json:"progress"`
	Stats    RunStatistics `json:"stats"`
}

// ConflictChoice answers what to do with results already stored for a task.
type ConflictChoice string

const (
	ChoiceAsk       ConflictChoice = ""
	ChoiceCancel    ConflictChoice = "cancel"
	ChoiceOverwrite ConflictChoice = "overwrite"
	ChoiceAppend    ConflictChoice = "append"
)

// ParseConflictChoice accepts cancel, overwrite, append, or empty.
func ParseConflictChoice(raw string) (ConflictChoice, bool) {
	switch c := ConflictChoice(strings.ToLower(strings.TrimSpace(raw))); c {
	case ChoiceAsk, ChoiceCancel, ChoiceOverwrite, ChoiceAppend:
		return c, true
	}
	return ChoiceAsk, false
}

func successOf(recognized string, detected bool) bool {
	return detected || strings.TrimSpace(recognized) != ""
}
