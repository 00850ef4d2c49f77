package asr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth indicates session credentials could not be obtained or signed.
	ErrAuth = errors.New("asr credentials unavailable")
	// ErrConnect indicates the websocket session could not be opened.
	ErrConnect = errors.New("asr connect failed")
	// ErrStream indicates the socket failed after the session was established.
	ErrStream = errors.New("asr stream failed")
	// ErrSessionClosed is returned when operating on a stopped session.
	ErrSessionClosed = errors.New("asr session closed")
)

// RecognitionError is a non-zero status code reported by the ASR service.
type RecognitionError struct {
	Code    int
	Message string
	SID     string
}

func (e *RecognitionError) Error() string {
	if e.SID == "" {
		return fmt.Sprintf("asr recognition error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("asr recognition error %d: %s (sid=%s)", e.Code, e.Message, e.SID)
}

// IsAuthError reports whether err came from credential resolution.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsConnectError reports whether err came from opening the websocket.
func IsConnectError(err error) bool {
	return errors.Is(err, ErrConnect)
}
