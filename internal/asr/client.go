// Package asr streams microphone audio to a cloud recognizer over a framed websocket protocol.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/pcm"
)

const (
	DefaultSendInterval = 40 * time.Millisecond
	DefaultGrace        = time.Second
	DefaultDialTimeout  = 5 * time.Second

	writeTimeout = 2 * time.Second
	eventBuffer  = 128
)

// AudioSource yields raw 16kHz mono s16le PCM chunks until closed.
type AudioSource interface {
	Open(context.Context) (<-chan []byte, error)
	Close() error
}

// Config controls one recognition session.
type Config struct {
	Endpoint     string
	Business     BusinessParams
	SendInterval time.Duration
	QuietWindow  time.Duration
	Cooldown     time.Duration
	Grace        time.Duration
	DialTimeout  time.Duration
	FrameBytes   int
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SendInterval <= 0 {
		c.SendInterval = DefaultSendInterval
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.FrameBytes <= 0 {
		c.FrameBytes = pcm.FrameBytes
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Session is one open recognition stream. Writes happen only on the send loop
// after First, so message order is First, Middle*, End.
type Session struct {
	cfg    Config
	logger *slog.Logger
	conn   *websocket.Conn
	source AudioSource
	framer *pcm.Framer

	detector *StabilityDetector

	mu           sync.Mutex
	transcript   Transcript
	sid          string
	closing      bool
	endRequested bool
	middleSent   int

	eventsMu     sync.Mutex
	events       chan Event
	eventsClosed bool

	stopCapture chan struct{}
	stopSend    chan struct{}
	captureDone chan struct{}
	sendDone    chan struct{}
	recvDone    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Start acquires the audio source, opens the websocket, sends First, and starts
// the capture, send, and receive loops.
func Start(ctx context.Context, cfg Config, source AudioSource, creds CredentialProvider) (*Session, error) {
	cfg = cfg.withDefaults()
	if source == nil {
		return nil, errors.New("asr audio source is nil")
	}
	if creds == nil {
		return nil, fmt.Errorf("%w: no credential provider", ErrAuth)
	}

	chunks, err := source.Open(ctx)
	if err != nil {
		return nil, err
	}

	conn, appID, err := dial(ctx, cfg, creds)
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(FirstMessage(appID, cfg.Business)); err != nil {
		_ = conn.Close()
		_ = source.Close()
		return nil, fmt.Errorf("%w: send first frame: %v", ErrConnect, err)
	}

	s := &Session{
		cfg:         cfg,
		logger:      cfg.Logger,
		conn:        conn,
		source:      source,
		framer:      pcm.NewFramer(cfg.FrameBytes),
		events:      make(chan Event, eventBuffer),
		stopCapture: make(chan struct{}),
		stopSend:    make(chan struct{}),
		captureDone: make(chan struct{}),
		sendDone:    make(chan struct{}),
		recvDone:    make(chan struct{}),
		closed:      make(chan struct{}),
	}
	s.detector = NewStabilityDetector(cfg.QuietWindow, cfg.Cooldown, s.Text, s.finalize)

	go s.captureLoop(chunks)
	go s.sendLoop()
	go s.recvLoop()

	s.logger.Info("asr session started", "endpoint", redactEndpoint(cfg.Endpoint))
	return s, nil
}

// dial resolves credentials, signs the endpoint, and opens the socket.
func dial(ctx context.Context, cfg Config, creds CredentialProvider) (*websocket.Conn, string, error) {
	resolved, err := creds.Credentials(ctx)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	signed, err := SignURL(cfg.Endpoint, resolved, cfg.Now())
	if err != nil {
		return nil, "", err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, resp, err := cfg.Dialer.DialContext(dialCtx, signed, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, "", fmt.Errorf("%w: handshake rejected with HTTP %d", ErrAuth, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("%w: dial %s: %v", ErrConnect, redactEndpoint(cfg.Endpoint), err)
	}
	return conn, resolved.AppID, nil
}

// Events returns the session event stream; it closes after SessionClosed.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Text returns the current transcript accumulator.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Text()
}

// SID returns the server session id once the first response arrived.
func (s *Session) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Done is closed once teardown completed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Stop sends End, waits up to the grace period for trailing results, then closes
// the socket and releases the audio source. Calling Stop again is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	go s.shutdown(true, nil)

	select {
	case <-s.closed:
		return s.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// captureLoop feeds source chunks into the framer until teardown.
func (s *Session) captureLoop(chunks <-chan []byte) {
	defer close(s.captureDone)
	for {
		select {
		case <-s.stopCapture:
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			s.framer.Write(chunk)
		}
	}
}

// sendLoop drains buffered frames as Middle messages every tick and writes End on stop.
func (s *Session) sendLoop() {
	defer close(s.sendDone)

	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sendFrames(s.framer.Drain()); err != nil {
				s.fail(fmt.Errorf("%w: send audio: %v", ErrStream, err))
				return
			}
		case <-s.stopSend:
			s.mu.Lock()
			sendEnd := s.endRequested
			s.mu.Unlock()
			if !sendEnd {
				return
			}
			frames := s.framer.Drain()
			if tail := s.framer.Flush(); len(tail) > 0 {
				frames = append(frames, tail)
			}
			if err := s.sendFrames(frames); err != nil {
				s.logger.Warn("asr flush failed", "error", err.Error())
				return
			}
			if err := s.write(EndMessage()); err != nil {
				s.logger.Warn("asr end frame failed", "error", err.Error())
			}
			return
		}
	}
}

func (s *Session) sendFrames(frames [][]byte) error {
	for _, frame := range frames {
		if err := s.write(MiddleMessage(frame)); err != nil {
			return err
		}
		s.mu.Lock()
		s.middleSent++
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) write(msg Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// recvLoop merges server results until the stream ends or fails.
func (s *Session) recvLoop() {
	defer close(s.recvDone)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosing() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.fail(fmt.Errorf("%w: read: %v", ErrStream, err))
			return
		}

		resp, err := DecodeResponse(raw)
		if err != nil {
			s.logger.Warn("asr response ignored", "error", err.Error())
			continue
		}
		if err := resp.Err(); err != nil {
			s.fail(err)
			return
		}
		s.onServerMessage(resp)
		if resp.Final() {
			if !s.isClosing() {
				s.logger.Info("asr stream ended by server")
				go s.shutdown(false, nil)
			}
			return
		}
	}
}

// onServerMessage merges a successful response and restarts the quiet timer.
func (s *Session) onServerMessage(resp Response) {
	s.mu.Lock()
	if resp.SID != "" {
		s.sid = resp.SID
	}
	if !resp.HasResult() {
		s.mu.Unlock()
		return
	}
	mode := resp.Mode()
	text := s.transcript.Merge(resp.Words(), mode)
	s.mu.Unlock()

	s.emit(PartialResult{Text: text, Mode: mode})
	s.detector.Observe(text)
}

// finalize runs on the stability timer once the transcript settled.
func (s *Session) finalize(text string) {
	if s.isClosing() {
		return
	}
	s.logger.Info("asr utterance final", "length", len([]rune(text)))
	s.emit(UtteranceFinal{Text: text})
	go s.shutdown(true, nil)
}

// fail surfaces err and tears the session down without End.
func (s *Session) fail(err error) {
	if s.isClosing() {
		return
	}
	s.logger.Error("asr session failed", "error", err.Error())
	s.emit(SessionError{Err: err})
	go s.shutdown(false, err)
}

func (s *Session) shutdown(sendEnd bool, cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.endRequested = sendEnd
		s.mu.Unlock()

		s.detector.Stop()
		close(s.stopCapture)
		close(s.stopSend)

		grace := time.NewTimer(s.cfg.Grace)
		defer grace.Stop()
		expired := false
		select {
		case <-s.sendDone:
		case <-grace.C:
			expired = true
		}
		if sendEnd && !expired {
			select {
			case <-s.recvDone:
			case <-grace.C:
			}
		}

		_ = s.conn.Close()
		if err := s.source.Close(); err != nil {
			s.logger.Warn("release audio source failed", "error", err.Error())
		}
		<-s.captureDone
		<-s.sendDone
		<-s.recvDone

		s.mu.Lock()
		text := s.transcript.Text()
		middle := s.middleSent
		s.mu.Unlock()

		s.closeErr = cause
		s.emit(SessionClosed{Transcript: text})
		s.closeEvents()
		s.logger.Info("asr session closed", "frames_sent", middle, "clean", cause == nil)
		close(s.closed)
	})
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// emit delivers ev without blocking; overflow drops the event with a warning.
func (s *Session) emit(ev Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("asr event dropped; consumer too slow", "event", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) closeEvents() {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.eventsClosed {
		return
	}
	s.eventsClosed = true
	close(s.events)
}

// redactEndpoint strips query parameters so signatures never reach logs.
func redactEndpoint(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
