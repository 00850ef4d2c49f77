package workflow

import (
	"context"
	"fmt"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/ipc"
)

// Handle serves control requests from the socket.
func (c *Coordinator) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	var err error
	switch req.Command {
	case ipc.CommandStatus:
	case ipc.CommandPause:
		err = c.Pause(ctx)
	case ipc.CommandResume:
		err = c.Resume(ctx)
	case ipc.CommandStop:
		err = c.Stop(ctx)
	default:
		err = fmt.Errorf("unknown command %q", req.Command)
	}

	status := c.Status()
	if err != nil {
		resp := ipc.Failure(string(status.State), err)
		resp.Task = status.Task
		return resp
	}
	return ipc.Response{
		OK:      true,
		State:   string(status.State),
		Task:    status.Task,
		Message: describeStatus(status),
		Progress: &ipc.Progress{
			Resolved:     status.Progress.Resolved,
			Total:        status.Progress.Total,
			CurrentIndex: status.Progress.CurrentIndex,
			Percentage:   status.Progress.Percentage,
			SuccessCount: status.Stats.SuccessCount,
			SuccessRate:  status.Stats.SuccessRate,
		},
	}
}

func describeStatus(s Status) string {
	if s.Task == "" {
		return string(s.State)
	}
	return fmt.Sprintf("%s %s: %d/%d cases (%.0f%%)", s.Task, s.State, s.Progress.Resolved, s.Progress.Total, s.Progress.Percentage)
}
