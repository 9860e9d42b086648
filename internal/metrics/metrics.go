package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the daemon's collectors. A nil *Metrics is valid and records
// nothing, so components can run without a registry in tests.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	Updates          *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	PollFailures     prometheus.Counter
	ActiveMonitors   prometheus.Gauge
	Subscribers      prometheus.Gauge
	PushEvents       *prometheus.CounterVec
	PushConnected    prometheus.Gauge
	PushReconnects   prometheus.Counter
	TransitionsPurge prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigbridge_transitions_total",
			Help: "Applied connection state writes by kind, phase and update source",
		}, []string{"kind", "phase", "source"}),
		Updates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigbridge_status_updates_total",
			Help: "Push and poll updates by reconcile decision",
		}, []string{"source", "decision"}),
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigbridge_provider_calls_total",
			Help: "External provider calls by provider, operation and outcome",
		}, []string{"provider", "op", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigbridge_provider_call_duration_seconds",
			Help:    "External provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		PollFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sigbridge_poll_failures_total",
			Help: "Status polls that failed and were skipped",
		}),
		ActiveMonitors: f.NewGauge(prometheus.GaugeOpts{
			Name: "sigbridge_active_monitors",
			Help: "Provisioning attempts currently being monitored",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "sigbridge_subscribers",
			Help: "Open state subscriptions",
		}),
		PushEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sigbridge_push_events_total",
			Help: "Push events received by transport",
		}, []string{"transport"}),
		PushConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "sigbridge_push_connected",
			Help: "1 while the push websocket is connected",
		}),
		PushReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "sigbridge_push_reconnects_total",
			Help: "Push websocket reconnect attempts",
		}),
		TransitionsPurge: f.NewCounter(prometheus.CounterOpts{
			Name: "sigbridge_transitions_purged_total",
			Help: "Audit rows removed by retention",
		}),
	}
}

func (m *Metrics) RecordTransition(kind, phase, source string) {
	if m == nil || m.Transitions == nil {
		return
	}
	m.Transitions.WithLabelValues(kind, phase, source).Inc()
}

func (m *Metrics) RecordUpdate(source, decision string) {
	if m == nil || m.Updates == nil {
		return
	}
	m.Updates.WithLabelValues(source, decision).Inc()
}

// ObserveCall records one provider call. err decides the outcome label.
func (m *Metrics) ObserveCall(provider, op string, started time.Time, err error) {
	if m == nil || m.ProviderCalls == nil || m.ProviderLatency == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProviderCalls.WithLabelValues(provider, op, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider, op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) PollFailed() {
	if m == nil || m.PollFailures == nil {
		return
	}
	m.PollFailures.Inc()
}

func (m *Metrics) MonitorStarted() {
	if m == nil || m.ActiveMonitors == nil {
		return
	}
	m.ActiveMonitors.Inc()
}

func (m *Metrics) MonitorStopped() {
	if m == nil || m.ActiveMonitors == nil {
		return
	}
	m.ActiveMonitors.Dec()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil || m.Subscribers == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil || m.Subscribers == nil {
		return
	}
	m.Subscribers.Dec()
}

func (m *Metrics) PushReceived(transport string) {
	if m == nil || m.PushEvents == nil {
		return
	}
	m.PushEvents.WithLabelValues(transport).Inc()
}

func (m *Metrics) SetPushConnected(up bool) {
	if m == nil || m.PushConnected == nil {
		return
	}
	if up {
		m.PushConnected.Set(1)
		return
	}
	m.PushConnected.Set(0)
}

func (m *Metrics) PushReconnecting() {
	if m == nil || m.PushReconnects == nil {
		return
	}
	m.PushReconnects.Inc()
}

func (m *Metrics) TransitionsPurged(n int64) {
	if m == nil || m.TransitionsPurge == nil || n <= 0 {
		return
	}
	m.TransitionsPurge.Add(float64(n))
}
