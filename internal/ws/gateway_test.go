package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pulsecast/internal/broadcast"
	"pulsecast/internal/lifecycle"
	"pulsecast/internal/models"
	"pulsecast/internal/observability/metrics"
	"pulsecast/internal/presence"
	"pulsecast/internal/storage"
)

type gatewayFixture struct {
	gateway *Gateway
	engine  *lifecycle.Engine
	store   *storage.Storage
	queue   broadcast.Queue
	server  *httptest.Server
	cancel  context.CancelFunc
}

// storeTempDir creates a temp dir for the store file whose cleanup retries
// removal: client close() goroutines outlive server.Close() (the sockets are
// hijacked) and their final persist can recreate store.json concurrently with
// a single-shot RemoveAll.
func storeTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ws-gateway-store-*")
	if err != nil {
		t.Fatalf("MkdirTemp error: %v", err)
	}
	t.Cleanup(func() {
		deadline := time.Now().Add(2 * time.Second)
		for {
			err := os.RemoveAll(dir)
			if err == nil {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf("TempDir RemoveAll cleanup: %v", err)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	})
	return dir
}

func newGatewayFixture(t *testing.T, registryCfg presence.Config) *gatewayFixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(storeTempDir(t), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	queue := broadcast.NewMemoryQueue(0)
	engine := lifecycle.NewEngine(lifecycle.Config{Repository: store, Queue: queue})
	registry := presence.NewRegistry(registryCfg)
	gateway := NewGateway(GatewayConfig{Registry: registry, Lifecycle: engine, Queue: queue})

	ctx, cancel := context.WithCancel(context.Background())
	go gateway.Run(ctx)
	// Let the fan-out goroutine register its subscription before any client
	// publishes.
	time.Sleep(50 * time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		streamID := strings.TrimPrefix(r.URL.Path, "/ws/")
		gateway.HandleConnection(w, r, streamID)
	})
	server := httptest.NewServer(mux)

	f := &gatewayFixture{gateway: gateway, engine: engine, store: store, queue: queue, server: server, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return f
}

func (f *gatewayFixture) dial(t *testing.T, streamID, userID string) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/" + streamID
	if userID != "" {
		url += "?userId=" + userID
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, resp
	}
	return conn, resp
}

func (f *gatewayFixture) liveStream(t *testing.T, streamKey string) models.Stream {
	t.Helper()
	stream, err := f.engine.OnPublish(context.Background(), streamKey)
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}
	return stream
}

func waitForViewerCount(t *testing.T, store *storage.Storage, streamID string, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		stream, ok := store.GetStream(streamID)
		if ok && stream.ViewerCount == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for viewer count %d, have %d", want, stream.ViewerCount)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleConnectionRejectsUnknownStream(t *testing.T) {
	f := newGatewayFixture(t, presence.Config{})

	_, resp := f.dial(t, "no-such-stream", "alice")
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %+v", resp)
	}
}

func TestViewerCountTracksConnections(t *testing.T) {
	f := newGatewayFixture(t, presence.Config{})
	stream := f.liveStream(t, "popular")

	first, resp := f.dial(t, stream.ID, "alice")
	if first == nil {
		t.Fatalf("dial failed: %+v", resp)
	}
	defer first.Close()
	waitForViewerCount(t, f.store, stream.ID, 1)

	// A second tab for the same user does not change the count.
	second, resp := f.dial(t, stream.ID, "alice")
	if second == nil {
		t.Fatalf("dial failed: %+v", resp)
	}
	waitForViewerCount(t, f.store, stream.ID, 1)

	third, resp := f.dial(t, stream.ID, "bob")
	if third == nil {
		t.Fatalf("dial failed: %+v", resp)
	}
	defer third.Close()
	waitForViewerCount(t, f.store, stream.ID, 2)

	// Closing one of Alice's tabs keeps her counted.
	second.Close()
	time.Sleep(100 * time.Millisecond)
	got, _ := f.store.GetStream(stream.ID)
	if got.ViewerCount != 2 {
		t.Fatalf("expected count 2 while a socket remains, got %d", got.ViewerCount)
	}

	first.Close()
	waitForViewerCount(t, f.store, stream.ID, 1)
}

func TestAnonymousViewersCountSeparately(t *testing.T) {
	f := newGatewayFixture(t, presence.Config{})
	stream := f.liveStream(t, "anon-room")

	first, resp := f.dial(t, stream.ID, "")
	if first == nil {
		t.Fatalf("dial failed: %+v", resp)
	}
	defer first.Close()
	second, resp := f.dial(t, stream.ID, "")
	if second == nil {
		t.Fatalf("dial failed: %+v", resp)
	}
	defer second.Close()

	waitForViewerCount(t, f.store, stream.ID, 2)
}

func TestAdmissionRejectionsSurfaceAsHTTPErrors(t *testing.T) {
	f := newGatewayFixture(t, presence.Config{MaxConnections: 1, MaxPerUser: 1})
	stream := f.liveStream(t, "tiny")

	conn, resp := f.dial(t, stream.ID, "alice")
	if conn == nil {
		t.Fatalf("dial failed: %+v", resp)
	}
	defer conn.Close()
	waitForViewerCount(t, f.store, stream.ID, 1)

	_, resp = f.dial(t, stream.ID, "bob")
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when full, got %+v", resp)
	}
}

func TestPerUserLimitSurfacesAs429(t *testing.T) {
	f := newGatewayFixture(t, presence.Config{MaxPerUser: 1})
	stream := f.liveStream(t, "one-tab")

	conn, resp := f.dial(t, stream.ID, "alice")
	if conn == nil {
		t.Fatalf("dial failed: %+v", resp)
	}
	defer conn.Close()
	waitForViewerCount(t, f.store, stream.ID, 1)

	_, resp = f.dial(t, stream.ID, "alice")
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for extra tab, got %+v", resp)
	}
}

func TestBroadcastEventsReachRoomClients(t *testing.T) {
	f := newGatewayFixture(t, presence.Config{})
	stream := f.liveStream(t, "noisy")
	other := f.liveStream(t, "quiet")

	conn, resp := f.dial(t, stream.ID, "alice")
	if conn == nil {
		t.Fatalf("dial failed: %+v", resp)
	}
	defer conn.Close()
	waitForViewerCount(t, f.store, stream.ID, 1)

	// The join itself broadcast a viewer count update to the room.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage returned error: %v", err)
	}
	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != models.EventViewerCountUpdate || event.ViewerCount != 1 {
		t.Fatalf("unexpected event %+v", event)
	}

	// Events for another room must not reach this client.
	if _, err := f.engine.ToggleLike(context.Background(), other.ID, true); err != nil {
		t.Fatalf("ToggleLike returned error: %v", err)
	}
	if _, err := f.engine.ToggleLike(context.Background(), stream.ID, true); err != nil {
		t.Fatalf("ToggleLike returned error: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage returned error: %v", err)
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != models.EventStreamLike || event.Room != stream.ID {
		t.Fatalf("expected like event for %s, got %+v", stream.ID, event)
	}
}

func hasMetricLine(m *metrics.Metrics, line string) bool {
	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, got := range strings.Split(recorder.Body.String(), "\n") {
		if got == line {
			return true
		}
	}
	return false
}

func TestConnectionGaugeCountsEachSocketOnce(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(storeTempDir(t), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	recorder := metrics.New()
	queue := broadcast.NewMemoryQueue(0)
	engine := lifecycle.NewEngine(lifecycle.Config{Repository: store, Queue: queue, Metrics: recorder})
	registry := presence.NewRegistry(presence.Config{Metrics: recorder})
	// Registry and gateway share the recorder like the production wiring;
	// each socket must still move the gauge by exactly one.
	gateway := NewGateway(GatewayConfig{Registry: registry, Lifecycle: engine, Queue: queue, Metrics: recorder})

	ctx, cancel := context.WithCancel(context.Background())
	go gateway.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		gateway.HandleConnection(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	stream, err := engine.OnPublish(context.Background(), "gauged")
	if err != nil {
		t.Fatalf("OnPublish returned error: %v", err)
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + stream.ID + "?userId=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitForViewerCount(t, store, stream.ID, 1)

	if !hasMetricLine(recorder, "presence_connections 1") {
		t.Fatal("expected gauge 1 for a single socket")
	}

	conn.Close()
	deadline := time.After(2 * time.Second)
	for !hasMetricLine(recorder, "presence_connections 0") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for gauge to return to zero")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestInboundLikeMessage(t *testing.T) {
	f := newGatewayFixture(t, presence.Config{})
	stream := f.liveStream(t, "likable")

	conn, resp := f.dial(t, stream.ID, "alice")
	if conn == nil {
		t.Fatalf("dial failed: %+v", resp)
	}
	defer conn.Close()
	waitForViewerCount(t, f.store, stream.ID, 1)

	if err := conn.WriteJSON(map[string]any{"type": "like", "liked": true}); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, _ := f.store.GetStream(stream.ID)
		if got.LikeCount == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for like, have %d", got.LikeCount)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
