// Package ipc carries control commands between the CLI and a running evaluation over a unix socket.
package ipc

const (
	CommandStatus = "status"
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandStop   = "stop"
)

type Request struct {
	Command string `json:"command"`
}

type Response struct {
	OK       bool      `json:"ok"`
	State    string    `json:"state,omitempty"`
	Task     string    `json:"task,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
}

// Progress mirrors the run counters for remote status queries.
type Progress struct {
	Resolved     int     `json:"resolved"`
	Total        int     `json:"total"`
	CurrentIndex int     `json:"current_index"`
	Percentage   float64 `json:"percentage"`
	SuccessCount int     `json:"success_count"`
	SuccessRate  float64 `json:"success_rate"`
}

// Failure builds an error response.
func Failure(state string, err error) Response {
	return Response{OK: false, State: state, Error: err.Error()}
}
