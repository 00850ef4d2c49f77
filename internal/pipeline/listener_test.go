package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/asr"
	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/audio"
)

type scriptedSource struct {
	mu     sync.Mutex
	chunks chan []byte
	opens  atomic.Int32
	closes atomic.Int32
}

func (s *scriptedSource) Open(context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens.Add(1)
	s.chunks = make(chan []byte, 4)
	s.chunks <- make([]byte, 2560)
	return s.chunks, nil
}

func (s *scriptedSource) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *scriptedSource) Recorded() []byte {
	return []byte{1, 0, 2, 0}
}

// newRecognizer answers the first audio frame with text and acknowledges End.
func newRecognizer(t *testing.T, text string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		answered := false
		for {
			var msg asr.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch {
			case msg.Status() == asr.StatusContinue && !answered && text != "":
				answered = true
				_ = conn.WriteMessage(websocket.TextMessage, []byte(resultJSON(1, text)))
			case msg.Status() == asr.StatusLast:
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"code":0,"sid":"s1","data":{"status":2}}`))
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/v2/iat"
}

func resultJSON(status int, text string) string {
	payload := map[string]any{
		"code": 0,
		"sid":  "s1",
		"data": map[string]any{
			"status": status,
			"result": map[string]any{"pgs": "apd", "ws": []any{map[string]any{"cw": []any{map[string]any{"w": text}}}}},
		},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func listenerConfig(endpoint string) asr.Config {
	return asr.Config{
		Endpoint:     endpoint,
		Business:     asr.BusinessParams{Language: "zh_cn", Domain: "iat", Accent: "mandarin"},
		SendInterval: 5 * time.Millisecond,
		QuietWindow:  50 * time.Millisecond,
		Cooldown:     time.Second,
		Grace:        300 * time.Millisecond,
	}
}

var testCreds = asr.StaticCredentials{AppID: "app", APIKey: "key", APISecret: "secret"}

func TestUtteranceReturnsFinalTextAndDumpsAudio(t *testing.T) {
	source := &scriptedSource{}
	fs := afero.NewMemMapFs()
	l := NewListener(listenerConfig(newRecognizer(t, "你好小车")), source, testCreds, Options{Dump: &AudioDump{Fs: fs, Dir: "/dump"}})

	var partials []string
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := l.Utterance(ctx, func(p asr.PartialResult) { partials = append(partials, p.Text) })
	require.NoError(t, err)
	require.True(t, result.Final)
	require.Equal(t, "你好小车", result.Text)
	require.Equal(t, []string{"你好小车"}, partials)
	require.NotEmpty(t, result.DumpPath)

	exists, err := afero.Exists(fs, result.DumpPath)
	require.NoError(t, err)
	require.True(t, exists)
	require.False(t, l.Active())
	require.Equal(t, int32(1), source.closes.Load())
}

func TestUtteranceCancelledWithoutSpeech(t *testing.T) {
	source := &scriptedSource{}
	l := NewListener(listenerConfig(newRecognizer(t, "")), source, testCreds, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	result, err := l.Utterance(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, result.Final)
	require.Empty(t, result.Text)
}

func TestStartReplacesActiveSession(t *testing.T) {
	source := &scriptedSource{}
	l := NewListener(listenerConfig(newRecognizer(t, "")), source, testCreds, Options{})

	first, err := l.Start(context.Background())
	require.NoError(t, err)
	second, err := l.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("first session still open")
	}
	require.Equal(t, int32(2), source.opens.Load())

	require.NoError(t, l.Stop(context.Background()))
	<-second.Done()
	require.False(t, l.Active())
	require.NoError(t, l.Stop(context.Background()))
}

func TestUtteranceAuthFailure(t *testing.T) {
	l := NewListener(listenerConfig("ws://127.0.0.1:1/v2/iat"), &scriptedSource{}, asr.StaticCredentials{}, Options{})
	_, err := l.Utterance(context.Background(), nil)
	require.ErrorIs(t, err, asr.ErrAuth)
}

func TestErrorKindAndDescribe(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{fmt.Errorf("wrap: %w", asr.ErrAuth), "auth"},
		{fmt.Errorf("wrap: %w", asr.ErrConnect), "connect"},
		{fmt.Errorf("wrap: %w", audio.ErrDeviceAcquisition), "device"},
		{&asr.RecognitionError{Code: 10105, Message: "illegal"}, "recognition"},
		{fmt.Errorf("x: %w", asr.ErrStream), "stream"},
		{errors.New("boom"), "other"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.kind, errorKind(tc.err))
		require.NotEmpty(t, Describe(tc.err))
	}
	require.Contains(t, Describe(&asr.RecognitionError{Code: 1, Message: "x"}), "Recognition failed")
}
