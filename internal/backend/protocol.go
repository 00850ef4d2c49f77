// Package backend talks to the detection service that runs the wake-word and visual pipelines.
package backend

import (
	"encoding/json"
	"fmt"
	"image"
	"time"
)

// Envelope ops.
const (
	opRequest  = "request"
	opResponse = "response"
	opEvent    = "event"
)

// Request types.
const (
	reqWakeStart       = "wake.start"
	reqWakeStop        = "wake.stop"
	reqVisualStart     = "visual.start"
	reqVisualStop      = "visual.stop"
	reqVisualFrame     = "visual.frame"
	reqVisualCalibrate = "visual.calibrate"
)

// envelope is one websocket text frame in either direction.
type envelope struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Region is a rectangle in source-frame pixels.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RegionOf converts an image rectangle; an empty rectangle means no ROI.
func RegionOf(r image.Rectangle) *Region {
	r = r.Canon()
	if r.Empty() {
		return nil
	}
	return &Region{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Rect converts back to an image rectangle.
func (r *Region) Rect() image.Rectangle {
	if r == nil {
		return image.Rectangle{}
	}
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// WakeCase identifies the wake word under test.
type WakeCase struct {
	Index        int    `json:"index"`
	WakeWordID   string `json:"wake_word_id"`
	WakeWordText string `json:"wake_word_text"`
}

type wakeStartData struct {
	Token string   `json:"token"`
	Case  WakeCase `json:"case"`
}

type tokenData struct {
	Token string `json:"token"`
}

// VisualRequest carries the whole visual configuration with every start.
type VisualRequest struct {
	Token     string   `json:"token"`
	Templates []string `json:"templates"`
	ROI       *Region  `json:"roi,omitempty"`
	FrameRate float64  `json:"frame_rate"`
	Threshold float64  `json:"threshold"`
}

type frameData struct {
	Token       string `json:"token"`
	JPEG        []byte `json:"jpeg"`
	TimestampMS int64  `json:"timestamp_ms"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

type frameReply struct {
	Running bool `json:"running"`
}

type calibrateData struct {
	JPEG      []byte   `json:"jpeg"`
	Templates []string `json:"templates"`
	ROI       *Region  `json:"roi,omitempty"`
}

type calibrateReply struct {
	Threshold float64 `json:"threshold"`
}

// Event is one backend notification. The set is closed.
type Event interface {
	isEvent()
}

type WakeStarted struct{ Token string }
type WakeStopped struct {
	Token string
	Text  string
}
type WakeTimeout struct{ Token string }
type VisualStarted struct{ Token string }
type VisualStopped struct{ Token string }
type VisualPaused struct{ Token string }
type VisualCalibrated struct{ Threshold float64 }

// WakeDetected reports a template match on the visual channel.
type WakeDetected struct {
	Token      string
	Confidence float64
	Timestamp  time.Duration
}

// DetectionError reports a failure inside the visual pipeline.
type DetectionError struct {
	Token   string
	Message string
}

// Disconnected is emitted once when the connection is lost.
type Disconnected struct{ Err error }

func (WakeStarted) isEvent()      {}
func (WakeStopped) isEvent()      {}
func (WakeTimeout) isEvent()      {}
func (VisualStarted) isEvent()    {}
func (VisualStopped) isEvent()    {}
func (VisualPaused) isEvent()     {}
func (VisualCalibrated) isEvent() {}
func (WakeDetected) isEvent()     {}
func (DetectionError) isEvent()   {}
func (Disconnected) isEvent()     {}

type eventPayload struct {
	Token       string  `json:"token"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	TimestampMS int64   `json:"timestamp_ms"`
	Message     string  `json:"message"`
	Threshold   float64 `json:"threshold"`
}

// decodeEvent maps a typed event envelope to its Go value.
func decodeEvent(kind string, raw json.RawMessage) (Event, error) {
	var p eventPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	switch kind {
	case "wake.started":
		return WakeStarted{Token: p.Token}, nil
	case "wake.stopped":
		return WakeStopped{Token: p.Token, Text: p.Text}, nil
	case "wake.timeout":
		return WakeTimeout{Token: p.Token}, nil
	case "visual.started":
		return VisualStarted{Token: p.Token}, nil
	case "visual.stopped":
		return VisualStopped{Token: p.Token}, nil
	case "visual.paused":
		return VisualPaused{Token: p.Token}, nil
	case "visual.calibrated":
		return VisualCalibrated{Threshold: p.Threshold}, nil
	case "visual.wake_detected":
		return WakeDetected{Token: p.Token, Confidence: p.Confidence, Timestamp: time.Duration(p.TimestampMS) * time.Millisecond}, nil
	case "visual.detection_error":
		return DetectionError{Token: p.Token, Message: p.Message}, nil
	default:
		return nil, fmt.Errorf("unknown backend event %q", kind)
	}
}
