package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/framepump"
)

const (
	defaultRequestTimeout = 5 * time.Second
	writeTimeout          = 2 * time.Second
	eventBuffer           = 128
)

// ErrUnavailable is returned when the detection service cannot be reached.
var ErrUnavailable = errors.New("detection backend unavailable")

// RequestError is a request the backend answered with ok=false.
type RequestError struct {
	Type    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("backend rejected %s: %s", e.Type, e.Message)
}

// Client is one websocket connection to the detection service.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	// Events queue without bound; forwardEvents feeds the channel in order.
	eventsMu     sync.Mutex
	events       chan Event
	queued       []Event
	queueKick    chan struct{}
	eventsClosed bool

	closeOnce sync.Once
	done      chan struct{}
}

// Options tune a Client.
type Options struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Dial connects to the detection service websocket.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: backend url is empty", ErrUnavailable)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, url, err)
	}

	c := &Client{
		conn:      conn,
		logger:    logger,
		timeout:   opts.RequestTimeout,
		pending:   make(map[string]chan envelope),
		events:    make(chan Event, eventBuffer),
		queueKick: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go c.forwardEvents()
	go c.readLoop()
	logger.Info("detection backend connected", "url", url)
	return c, nil
}

// Events streams backend notifications in order; it closes after Disconnected
// once every queued event was delivered.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// StartWake asks the audio pipeline to run for one case.
func (c *Client) StartWake(ctx context.Context, token string, tc WakeCase) error {
	return c.call(ctx, reqWakeStart, wakeStartData{Token: token, Case: tc}, nil)
}

// StopWake stops the audio pipeline run identified by token.
func (c *Client) StopWake(ctx context.Context, token string) error {
	return c.call(ctx, reqWakeStop, tokenData{Token: token}, nil)
}

// StartVisual starts template matching with the full visual configuration.
func (c *Client) StartVisual(ctx context.Context, req VisualRequest) error {
	return c.call(ctx, reqVisualStart, req, nil)
}

// StopVisual stops template matching for token.
func (c *Client) StopVisual(ctx context.Context, token string) error {
	return c.call(ctx, reqVisualStop, tokenData{Token: token}, nil)
}

// PushFrame submits one frame and reports whether detection is still running.
func (c *Client) PushFrame(ctx context.Context, token string, frame framepump.Frame) (bool, error) {
	var reply frameReply
	err := c.call(ctx, reqVisualFrame, frameData{
		Token:       token,
		JPEG:        frame.JPEG,
		TimestampMS: frame.Timestamp.Milliseconds(),
		Width:       frame.Width,
		Height:      frame.Height,
	}, &reply)
	if err != nil {
		return false, err
	}
	return reply.Running, nil
}

// Calibrate asks the backend for a match threshold derived from one snapshot.
func (c *Client) Calibrate(ctx context.Context, jpeg []byte, templates []string, roi *Region) (float64, error) {
	var reply calibrateReply
	if err := c.call(ctx, reqVisualCalibrate, calibrateData{JPEG: jpeg, Templates: templates, ROI: roi}, &reply); err != nil {
		return 0, err
	}
	return reply.Threshold, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// call sends a request and waits for the matching response.
func (c *Client) call(ctx context.Context, kind string, data any, out any) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", ErrUnavailable)
	default:
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	id := uuid.NewString()
	reply := make(chan envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.conn.WriteJSON(envelope{Op: opRequest, ID: id, Type: kind, Data: payload})
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return fmt.Errorf("%w: send %s: %v", ErrUnavailable, kind, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if !resp.OK {
			return &RequestError{Type: kind, Message: resp.Error}
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", kind, err)
			}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection lost during %s", ErrUnavailable, kind)
	case <-timer.C:
		return fmt.Errorf("%s timed out after %s", kind, c.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.shutdown(err)
			return
		}
		switch env.Op {
		case opResponse:
			c.pendingMu.Lock()
			reply, ok := c.pending[env.ID]
			c.pendingMu.Unlock()
			if ok {
				reply <- env
			}
		case opEvent:
			ev, err := decodeEvent(env.Type, env.Data)
			if err != nil {
				c.logger.Warn("backend event ignored", "type", env.Type, "error", err.Error())
				continue
			}
			c.emit(ev)
		default:
			c.logger.Warn("backend frame ignored", "op", env.Op)
		}
	}
}

func (c *Client) emit(ev Event) {
	c.eventsMu.Lock()
	if c.eventsClosed {
		c.eventsMu.Unlock()
		return
	}
	c.queued = append(c.queued, ev)
	c.eventsMu.Unlock()
	c.kick()
}

func (c *Client) kick() {
	select {
	case c.queueKick <- struct{}{}:
	default:
	}
}

func (c *Client) forwardEvents() {
	defer close(c.events)
	for {
		c.eventsMu.Lock()
		batch := c.queued
		c.queued = nil
		closed := c.eventsClosed
		c.eventsMu.Unlock()

		for _, ev := range batch {
			c.events <- ev
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-c.queueKick
	}
}

// shutdown closes the socket once; a non-nil cause that is not a normal close
// is reported as Disconnected.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.done)

		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			c.logger.Error("detection backend connection lost", "error", cause.Error())
			c.emit(Disconnected{Err: fmt.Errorf("%w: %v", ErrUnavailable, cause)})
		}

		c.eventsMu.Lock()
		c.eventsClosed = true
		c.eventsMu.Unlock()
		c.kick()
	})
}
