// Package config resolves, parses, validates, and defaults autoeval configuration.
package config

import "image"

// Config is the fully materialized runtime configuration.
type Config struct {
	ASR      ASRConfig
	Audio    AudioConfig
	Backend  BackendConfig
	Workflow WorkflowConfig
	Camera   CameraConfig
	Metrics  MetricsConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
	Debug    DebugConfig
}

// ASRConfig locates the streaming recognizer and tunes utterance finalization.
type ASRConfig struct {
	URL               string
	AppID             string
	APIKey            string
	APISecret         string
	Language          string
	Domain            string
	Accent            string
	DynamicCorrection bool
	SendIntervalMS    int
	QuietWindowMS     int
	CooldownMS        int
	GraceMS           int
	DialTimeoutMS     int
}

// HasCredentials reports whether all three signing values are set.
func (c ASRConfig) HasCredentials() bool {
	return c.AppID != "" && c.APIKey != "" && c.APISecret != ""
}

// AudioConfig controls preferred and fallback input-source selection.
type AudioConfig struct {
	Input    string
	Fallback string
}

// BackendConfig locates the detection service.
type BackendConfig struct {
	URL              string
	HealthGRPC       string
	HealthService    string
	RequestTimeoutMS int
}

// WorkflowConfig holds run defaults a plan may override.
type WorkflowConfig struct {
	FrameRate        float64
	Threshold        float64
	ChannelTimeoutMS int
	// WakeMode selects where the wake channel runs: "backend" or "local".
	WakeMode       string
	ListenWindowMS int
	ROI            [4]int
	TemplatesDir   string
	ResultsDir     string
}

// ROIRect converts roi [x, y, width, height]; the zero value means the full frame.
func (w WorkflowConfig) ROIRect() image.Rectangle {
	if w.ROI == [4]int{} {
		return image.Rectangle{}
	}
	return image.Rect(w.ROI[0], w.ROI[1], w.ROI[0]+w.ROI[2], w.ROI[1]+w.ROI[3])
}

// CameraConfig locates the snapshot endpoint frames are pulled from.
type CameraConfig struct {
	SnapshotURL string
	Quality     int
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string
}

// NotifyConfig controls desktop notifications and sound cues.
type NotifyConfig struct {
	Enable      bool
	SoundEnable bool
	AppName     string
}

type LoggingConfig struct {
	Level string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	AudioDump bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
