package asr

// Event is one notification from a recognition session.
type Event interface {
	isEvent()
}

// PartialResult carries the accumulator after a successful merge.
type PartialResult struct {
	Text string
	Mode CorrectionMode
}

// UtteranceFinal carries the stable text; emitted at most once per session.
type UtteranceFinal struct {
	Text string
}

// SessionError reports a socket or recognition failure that ended the session.
type SessionError struct {
	Err error
}

// SessionClosed is the last event of every session.
type SessionClosed struct {
	Transcript string
}

func (PartialResult) isEvent()  {}
func (UtteranceFinal) isEvent() {}
func (SessionError) isEvent()   {}
func (SessionClosed) isEvent()  {}
