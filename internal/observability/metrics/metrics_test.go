package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestStreamLifecycleCounters(t *testing.T) {
	m := New()

	m.StreamStarted()
	m.StreamStarted()
	m.StreamStopped()
	m.ObserveStreamEvent("publish")

	body := scrape(t, m)
	for _, want := range []string{
		`stream_lifecycle_events_total{event="started"} 2`,
		`stream_lifecycle_events_total{event="ended"} 1`,
		`stream_lifecycle_events_total{event="publish"} 1`,
		`stream_active_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected scrape to contain %q, got:\n%s", want, body)
		}
	}
}

func TestRoomViewerGaugeLifecycle(t *testing.T) {
	m := New()

	m.SetRoomViewers("stream-1", 7)
	body := scrape(t, m)
	if !strings.Contains(body, `presence_room_viewers{room="stream-1"} 7`) {
		t.Fatalf("expected room gauge, got:\n%s", body)
	}

	m.ClearRoom("stream-1")
	body = scrape(t, m)
	if strings.Contains(body, `presence_room_viewers{room="stream-1"}`) {
		t.Fatalf("expected room gauge to be deleted, got:\n%s", body)
	}
}

func TestPresenceAndReconcileCounters(t *testing.T) {
	m := New()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ConnectionsClosed(2)
	m.ConnectionsClosed(0)
	m.ObserveRejection("server_full")
	m.ObserveEviction(3)
	m.ObserveEviction(0)
	m.ObserveEventDropped()
	m.ObserveReconcileTick(false)
	m.ObserveReconcileTick(true)
	m.ObserveCorrection("down")
	m.ObserveTranscodeJob("completed")
	m.ObserveBroadcast("stream:started")
	m.ObserveSuppressedBroadcast()
	m.ObservePlaySignal("play")

	body := scrape(t, m)
	for _, want := range []string{
		`presence_connections 1`,
		`presence_rejections_total{reason="server_full"} 1`,
		`presence_idle_evictions_total 3`,
		`presence_events_dropped_total 1`,
		`reconcile_ticks_total 1`,
		`reconcile_ticks_skipped_total 1`,
		`reconcile_corrections_total{direction="down"} 1`,
		`transcode_jobs_total{status="completed"} 1`,
		`broadcast_events_total{event="stream:started"} 1`,
		`broadcast_suppressed_total 1`,
		`play_signals_total{action="play"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected scrape to contain %q, got:\n%s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.StreamStarted()
	m.StreamStopped()
	m.ObserveStreamEvent("publish")
	m.SetActiveStreams(5)
	m.SetRoomViewers("room", 1)
	m.ClearRoom("room")
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ConnectionsClosed(2)
	m.ObserveRejection("server_full")
	m.ObserveEviction(1)
	m.ObserveEventDropped()
	m.ObserveReconcileTick(true)
	m.ObserveCorrection("up")
	m.ObserveTranscodeJob("failed")
	m.ObserveBroadcast("stream:ended")
	m.ObserveSuppressedBroadcast()
	m.ObservePlaySignal("play_done")
}
