package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the Prometheus collectors for the lifecycle engine,
// presence registry, reconciliation loop, transcode pipeline, and broadcast
// gateway.
type Metrics struct {
	registry *prometheus.Registry

	streamEvents        *prometheus.CounterVec
	activeStreams       prometheus.Gauge
	roomViewers         *prometheus.GaugeVec
	presenceConnections prometheus.Gauge
	presenceRejections  *prometheus.CounterVec
	presenceEvictions   prometheus.Counter
	eventsDropped       prometheus.Counter
	reconcileTicks      prometheus.Counter
	reconcileSkipped    prometheus.Counter
	reconcileCorrected  *prometheus.CounterVec
	transcodeJobs       *prometheus.CounterVec
	broadcastsPublished *prometheus.CounterVec
	broadcastsSuppress  prometheus.Counter
	playSignals         *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_lifecycle_events_total",
			Help: "Lifecycle transitions by type (started, ended, reactivated, deleted)",
		}, []string{"event"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_active_total",
			Help: "Number of streams currently marked live",
		}),
		roomViewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "presence_room_viewers",
			Help: "Deduplicated viewer count per room",
		}, []string{"room"}),
		presenceConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presence_connections",
			Help: "Live socket connections tracked by the presence registry",
		}),
		presenceRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_rejections_total",
			Help: "Connection admissions rejected by capacity limits",
		}, []string{"reason"}),
		presenceEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_idle_evictions_total",
			Help: "Registry entries removed by the idle sweep",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_events_dropped_total",
			Help: "Viewer events dropped by the per-user budget",
		}),
		reconcileTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_ticks_total",
			Help: "Completed reconciliation passes",
		}),
		reconcileSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_ticks_skipped_total",
			Help: "Reconciliation ticks skipped because the previous pass was still running",
		}),
		reconcileCorrected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_corrections_total",
			Help: "Drift corrections applied by direction (ended, reactivated, deleted)",
		}, []string{"direction"}),
		transcodeJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_jobs_total",
			Help: "Transcode pipeline outcomes by status",
		}, []string{"status"}),
		broadcastsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_events_total",
			Help: "Events published to the broadcast gateway by type",
		}, []string{"event"}),
		broadcastsSuppress: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_suppressed_total",
			Help: "Viewer-count broadcasts suppressed because the count did not change",
		}),
		playSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "play_signals_total",
			Help: "Advisory play/stop signals received from the media server",
		}, []string{"action"}),
	}

	registry.MustRegister(
		m.streamEvents,
		m.activeStreams,
		m.roomViewers,
		m.presenceConnections,
		m.presenceRejections,
		m.presenceEvictions,
		m.eventsDropped,
		m.reconcileTicks,
		m.reconcileSkipped,
		m.reconcileCorrected,
		m.transcodeJobs,
		m.broadcastsPublished,
		m.broadcastsSuppress,
		m.playSignals,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveStreamEvent(event string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues("started").Inc()
	m.activeStreams.Inc()
}

func (m *Metrics) StreamStopped() {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues("ended").Inc()
	m.activeStreams.Dec()
}

func (m *Metrics) SetRoomViewers(room string, count int) {
	if m == nil {
		return
	}
	m.roomViewers.WithLabelValues(room).Set(float64(count))
}

func (m *Metrics) ClearRoom(room string) {
	if m == nil {
		return
	}
	m.roomViewers.DeleteLabelValues(room)
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.presenceConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.presenceConnections.Dec()
}

// ConnectionsClosed decrements the connection gauge by n. Used when an idle
// eviction releases several sockets at once.
func (m *Metrics) ConnectionsClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.presenceConnections.Sub(float64(n))
}

func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.presenceRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveEviction(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.presenceEvictions.Add(float64(count))
}

func (m *Metrics) ObserveEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) ObserveReconcileTick(skipped bool) {
	if m == nil {
		return
	}
	if skipped {
		m.reconcileSkipped.Inc()
		return
	}
	m.reconcileTicks.Inc()
}

func (m *Metrics) ObserveCorrection(direction string) {
	if m == nil {
		return
	}
	m.reconcileCorrected.WithLabelValues(direction).Inc()
}

func (m *Metrics) ObserveTranscodeJob(status string) {
	if m == nil {
		return
	}
	m.transcodeJobs.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveBroadcast(event string) {
	if m == nil {
		return
	}
	m.broadcastsPublished.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSuppressedBroadcast() {
	if m == nil {
		return
	}
	m.broadcastsSuppress.Inc()
}

func (m *Metrics) ObservePlaySignal(action string) {
	if m == nil {
		return
	}
	m.playSignals.WithLabelValues(action).Inc()
}
