package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/framepump"
)

// fakeService answers requests through handle and exposes the live connection.
type fakeService struct {
	t      *testing.T
	server *httptest.Server
	handle func(env envelope) envelope

	mu       sync.Mutex
	conn     *websocket.Conn
	requests []envelope
	ready    chan struct{}
}

func newFakeService(t *testing.T, handle func(env envelope) envelope) *fakeService {
	t.Helper()
	fs := &fakeService{t: t, handle: handle, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		close(fs.ready)

		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			fs.mu.Lock()
			fs.requests = append(fs.requests, env)
			fs.mu.Unlock()

			resp := envelope{Op: opResponse, ID: env.ID, Type: env.Type, OK: true}
			if fs.handle != nil {
				resp = fs.handle(env)
				resp.Op = opResponse
				resp.ID = env.ID
			}
			fs.mu.Lock()
			_ = conn.WriteJSON(resp)
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeService) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *fakeService) sendEvent(kind string, data any) {
	<-fs.ready
	raw, _ := json.Marshal(data)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NoError(fs.t, fs.conn.WriteJSON(envelope{Op: opEvent, Type: kind, Data: raw}))
}

func (fs *fakeService) dropConnection() {
	<-fs.ready
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_ = fs.conn.Close()
}

func (fs *fakeService) seen() []envelope {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]envelope(nil), fs.requests...)
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no backend event")
		return nil
	}
}

func TestClientSendsCommandsWithPayloads(t *testing.T) {
	fs := newFakeService(t, nil)
	c, err := Dial(context.Background(), fs.url(), Options{})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.StartWake(ctx, "tok-1", WakeCase{Index: 2, WakeWordID: "w7", WakeWordText: "你好小车"}))
	require.NoError(t, c.StartVisual(ctx, VisualRequest{Token: "tok-2", Templates: []string{"a.png"}, ROI: RegionOf(image.Rect(1, 2, 11, 22)), FrameRate: 5, Threshold: 0.8}))
	require.NoError(t, c.StopVisual(ctx, "tok-2"))
	require.NoError(t, c.StopWake(ctx, "tok-1"))

	seen := fs.seen()
	require.Len(t, seen, 4)
	require.Equal(t, reqWakeStart, seen[0].Type)
	require.NotEmpty(t, seen[0].ID)

	var start wakeStartData
	require.NoError(t, json.Unmarshal(seen[0].Data, &start))
	require.Equal(t, "tok-1", start.Token)
	require.Equal(t, "w7", start.Case.WakeWordID)

	var visual VisualRequest
	require.NoError(t, json.Unmarshal(seen[1].Data, &visual))
	require.Equal(t, image.Rect(1, 2, 11, 22), visual.ROI.Rect())
	require.Equal(t, 0.8, visual.Threshold)
	require.Equal(t, []string{reqWakeStart, reqVisualStart, reqVisualStop, reqWakeStop}, []string{seen[0].Type, seen[1].Type, seen[2].Type, seen[3].Type})
}

func TestPushFrameReportsRunningFlag(t *testing.T) {
	running := true
	fs := newFakeService(t, func(env envelope) envelope {
		data, _ := json.Marshal(frameReply{Running: running})
		running = false
		return envelope{OK: true, Data: data}
	})
	c, err := Dial(context.Background(), fs.url(), Options{})
	require.NoError(t, err)
	defer c.Close()

	frame := framepump.Frame{JPEG: []byte{0xff, 0xd8}, Timestamp: 1500 * time.Millisecond, Width: 4, Height: 3}
	ok, err := c.PushFrame(context.Background(), "tok", frame)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.PushFrame(context.Background(), "tok", frame)
	require.NoError(t, err)
	require.False(t, ok)

	var sent frameData
	require.NoError(t, json.Unmarshal(fs.seen()[0].Data, &sent))
	require.Equal(t, int64(1500), sent.TimestampMS)
	require.Equal(t, []byte{0xff, 0xd8}, sent.JPEG)
}

func TestCalibrateReturnsThreshold(t *testing.T) {
	fs := newFakeService(t, func(envelope) envelope {
		data, _ := json.Marshal(calibrateReply{Threshold: 0.72})
		return envelope{OK: true, Data: data}
	})
	c, err := Dial(context.Background(), fs.url(), Options{})
	require.NoError(t, err)
	defer c.Close()

	threshold, err := c.Calibrate(context.Background(), []byte{1}, []string{"t.png"}, nil)
	require.NoError(t, err)
	require.InDelta(t, 0.72, threshold, 1e-9)
}

func TestRejectedRequestSurfacesRequestError(t *testing.T) {
	fs := newFakeService(t, func(env envelope) envelope {
		return envelope{OK: false, Error: "no templates loaded"}
	})
	c, err := Dial(context.Background(), fs.url(), Options{})
	require.NoError(t, err)
	defer c.Close()

	err = c.StartVisual(context.Background(), VisualRequest{Token: "t"})
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, reqVisualStart, reqErr.Type)
	require.Contains(t, reqErr.Error(), "no templates loaded")
}

func TestEventsDecodeIntoTypedValues(t *testing.T) {
	fs := newFakeService(t, nil)
	c, err := Dial(context.Background(), fs.url(), Options{})
	require.NoError(t, err)
	defer c.Close()

	fs.sendEvent("wake.started", map[string]any{"token": "a"})
	fs.sendEvent("visual.wake_detected", map[string]any{"token": "b", "confidence": 0.91, "timestamp_ms": 250})
	fs.sendEvent("bogus.event", map[string]any{})
	fs.sendEvent("wake.stopped", map[string]any{"token": "a", "text": "你好小车"})

	require.Equal(t, WakeStarted{Token: "a"}, nextEvent(t, c))
	require.Equal(t, WakeDetected{Token: "b", Confidence: 0.91, Timestamp: 250 * time.Millisecond}, nextEvent(t, c))
	require.Equal(t, WakeStopped{Token: "a", Text: "你好小车"}, nextEvent(t, c))
}

func TestConnectionLossEmitsDisconnected(t *testing.T) {
	fs := newFakeService(t, nil)
	c, err := Dial(context.Background(), fs.url(), Options{})
	require.NoError(t, err)

	fs.dropConnection()

	ev := nextEvent(t, c)
	lost, ok := ev.(Disconnected)
	require.True(t, ok, "got %T", ev)
	require.ErrorIs(t, lost.Err, ErrUnavailable)

	<-c.Done()
	err = c.StartWake(context.Background(), "t", WakeCase{})
	require.ErrorIs(t, err, ErrUnavailable)
	require.NoError(t, c.Close())
}

func TestSlowConsumerStillSeesDisconnected(t *testing.T) {
	fs := newFakeService(t, nil)
	c, err := Dial(context.Background(), fs.url(), Options{})
	require.NoError(t, err)

	const n = 2 * eventBuffer
	for i := 0; i < n; i++ {
		fs.sendEvent("visual.started", map[string]any{"token": fmt.Sprintf("t%d", i)})
	}
	fs.dropConnection()
	<-c.Done()

	var events []Event
	for ev := range c.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, n+1)
	for i, ev := range events[:n] {
		require.Equal(t, VisualStarted{Token: fmt.Sprintf("t%d", i)}, ev)
	}
	_, ok := events[n].(Disconnected)
	require.True(t, ok, "got %T", events[n])
}

func TestDialFailureIsUnavailable(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/", Options{DialTimeout: 200 * time.Millisecond})
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = Dial(context.Background(), "", Options{})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDecodeEventCoversAllKinds(t *testing.T) {
	kinds := map[string]Event{
		"wake.timeout":           WakeTimeout{Token: "x"},
		"visual.started":         VisualStarted{Token: "x"},
		"visual.stopped":         VisualStopped{Token: "x"},
		"visual.paused":          VisualPaused{Token: "x"},
		"visual.calibrated":      VisualCalibrated{Threshold: 0.5},
		"visual.detection_error": DetectionError{Token: "x", Message: "m"},
	}
	for kind, want := range kinds {
		ev, err := decodeEvent(kind, json.RawMessage(`{"token":"x","threshold":0.5,"message":"m"}`))
		require.NoError(t, err, kind)
		require.Equal(t, want, ev, kind)
	}
	_, err := decodeEvent("wake.started", json.RawMessage(`{`))
	require.Error(t, err)
}

func TestRegionConversion(t *testing.T) {
	require.Nil(t, RegionOf(image.Rectangle{}))
	r := RegionOf(image.Rect(30, 40, 10, 20))
	require.Equal(t, Region{X: 10, Y: 20, Width: 20, Height: 20}, *r)
	var none *Region
	require.True(t, none.Rect().Empty())
}

func startHealthServer(t *testing.T, status healthpb.HealthCheckResponse_ServingStatus) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("autoeval.Detection", status)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestCheckHealthServing(t *testing.T) {
	addr := startHealthServer(t, healthpb.HealthCheckResponse_SERVING)
	require.NoError(t, CheckHealth(context.Background(), addr, "autoeval.Detection", 2*time.Second))
}

func TestCheckHealthNotServing(t *testing.T) {
	addr := startHealthServer(t, healthpb.HealthCheckResponse_NOT_SERVING)
	err := CheckHealth(context.Background(), addr, "autoeval.Detection", 2*time.Second)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Contains(t, err.Error(), "NOT_SERVING")
}

func TestCheckHealthUnreachable(t *testing.T) {
	err := CheckHealth(context.Background(), "127.0.0.1:1", "", 300*time.Millisecond)
	require.ErrorIs(t, err, ErrUnavailable)

	require.ErrorIs(t, CheckHealth(context.Background(), " ", "", time.Second), ErrUnavailable)
}
