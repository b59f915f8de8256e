package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
)

type PrometheusCollector struct {
	// Gauges
	connectionsOpen prometheus.Gauge
	roomsActive     prometheus.Gauge
	participants    prometheus.Gauge

	// Counters
	connectionsTotal prometheus.Counter
	signalsRelayed   *prometheus.CounterVec
	controlEvents    *prometheus.CounterVec
	eventsRejected   *prometheus.CounterVec
	persistenceOps   *prometheus.CounterVec
	meetingsReaped   prometheus.Counter
	httpRequests     *prometheus.CounterVec

	// Histograms
	meetingDuration prometheus.Histogram
	httpDuration    *prometheus.HistogramVec
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetmesh_signal_connections_open",
			Help: "Number of open signaling connections",
		}),
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetmesh_rooms_active",
			Help: "Number of meetings with at least one participant on this instance",
		}),
		participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetmesh_participants",
			Help: "Number of participants across all meetings on this instance",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetmesh_signal_connections_total",
			Help: "Total number of signaling connections accepted",
		}),
		signalsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetmesh_signals_relayed_total",
			Help: "Offers, answers and candidates relayed between participants",
		}, []string{"kind"}),
		controlEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetmesh_control_events_total",
			Help: "Control events accepted by the gateway",
		}, []string{"event"}),
		eventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetmesh_events_rejected_total",
			Help: "Inbound events dropped or answered with an error",
		}, []string{"reason"}),
		persistenceOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetmesh_persistence_operations_total",
			Help: "Meeting store writes by operation and result",
		}, []string{"op", "result"}),
		meetingsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetmesh_meetings_reaped_total",
			Help: "Meetings ended by the stale meeting reaper",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetmesh_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		meetingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetmesh_meeting_duration_seconds",
			Help:    "Duration of ended meetings",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetmesh_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsOpen.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsOpen.Dec()
}

func (p *PrometheusCollector) RoomsChanged(stats ports.RegistryStats) {
	p.roomsActive.Set(float64(stats.Rooms))
	p.participants.Set(float64(stats.Participants))
}

func (p *PrometheusCollector) SignalRelayed(kind domain.SignalKind) {
	p.signalsRelayed.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ControlEvent(event domain.EventType) {
	p.controlEvents.WithLabelValues(string(event)).Inc()
}

func (p *PrometheusCollector) EventRejected(reason string) {
	p.eventsRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) PersistenceOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.persistenceOps.WithLabelValues(op, result).Inc()
}

func (p *PrometheusCollector) MeetingEnded(duration time.Duration) {
	p.meetingDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) MeetingsReaped(n int) {
	p.meetingsReaped.Add(float64(n))
}

func (p *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
