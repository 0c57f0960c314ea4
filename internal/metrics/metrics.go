// Package metrics exposes Prometheus collectors fed by the client's
// subscription streams.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/mentality/internal/call"
	"github.com/petervdpas/mentality/internal/notify"
	"github.com/petervdpas/mentality/internal/presence"
	"github.com/petervdpas/mentality/internal/toast"
	"github.com/petervdpas/mentality/internal/transport"
)

var (
	states    = []transport.State{transport.StateDisconnected, transport.StateConnecting, transport.StateConnected, transport.StateReconnecting, transport.StateFailed}
	qualities = []transport.Quality{transport.QualityUnknown, transport.QualityGood, transport.QualityFair, transport.QualityPoor}
)

type Metrics struct {
	reg *prometheus.Registry

	ConnState    *prometheus.GaugeVec
	ConnQuality  *prometheus.GaugeVec
	RTT          prometheus.Gauge
	Reconnects   prometheus.Counter
	Online       prometheus.Gauge
	Unread       prometheus.Gauge
	NotifyEvents *prometheus.CounterVec
	CallStatus   *prometheus.CounterVec
	CallDuration prometheus.Histogram
	Toasts       *prometheus.CounterVec

	mu        sync.Mutex
	lastState transport.State
	lastCall  string
	lastDur   int
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ConnState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mentality_connection_state",
			Help: "1 for the current realtime connection state",
		}, []string{"state"}),
		ConnQuality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mentality_connection_quality",
			Help: "1 for the current connection quality estimate",
		}, []string{"quality"}),
		RTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mentality_connection_rtt_ms",
			Help: "Average round trip over the recent samples",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentality_connection_reconnects_total",
			Help: "Times the connection entered reconnecting",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mentality_presence_online",
			Help: "Users in the latest presence snapshot",
		}),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mentality_notifications_unread",
			Help: "Unread notifications visible to the user",
		}),
		NotifyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentality_notification_events_total",
			Help: "Notification feed changes by type",
		}, []string{"type"}),
		CallStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentality_call_transitions_total",
			Help: "Call status transitions by target status",
		}, []string{"status"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mentality_call_duration_seconds",
			Help:    "Connected time of finished calls",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600},
		}),
		Toasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentality_toasts_total",
			Help: "Toasts shown by level",
		}, []string{"level"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnState, m.ConnQuality, m.RTT, m.Reconnects, m.Online, m.Unread,
		m.NotifyEvents, m.CallStatus, m.CallDuration, m.Toasts,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveTransport(st transport.Status) {
	for _, s := range states {
		m.ConnState.WithLabelValues(string(s)).Set(b2f(s == st.State))
	}
	for _, q := range qualities {
		m.ConnQuality.WithLabelValues(string(q)).Set(b2f(q == st.Quality))
	}
	m.RTT.Set(float64(st.AvgRTTMs))

	m.mu.Lock()
	if st.State == transport.StateReconnecting && m.lastState != transport.StateReconnecting {
		m.Reconnects.Inc()
	}
	m.lastState = st.State
	m.mu.Unlock()
}

func (m *Metrics) ObservePresence(evt presence.Event) {
	m.Online.Set(float64(evt.Online))
}

func (m *Metrics) ObserveNotify(evt notify.Event) {
	m.NotifyEvents.WithLabelValues(evt.Type).Inc()
	m.Unread.Set(float64(evt.Unread))
}

// ObserveCall counts transitions. The duration is taken from the last tick
// because an ended session reports zero.
func (m *Metrics) ObserveCall(evt call.Event) {
	if evt.Session == nil {
		return
	}
	s := evt.Session

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CallID != m.lastCall {
		m.lastCall, m.lastDur = s.CallID, 0
	}
	switch evt.Type {
	case "duration":
		m.lastDur = s.Duration
	case "status":
		m.CallStatus.WithLabelValues(string(s.Status)).Inc()
		if s.Status == call.StatusEnded && m.lastDur > 0 {
			m.CallDuration.Observe(float64(m.lastDur))
			m.lastDur = 0
		}
	}
}

func (m *Metrics) ObserveToast(evt toast.Event) {
	if evt.Type == "show" {
		m.Toasts.WithLabelValues(evt.Toast.Level).Inc()
	}
}

// Sources are the subscription streams the collectors follow. Nil entries
// are skipped.
type Sources struct {
	Transport func() (chan transport.Status, func())
	Presence  func() (chan presence.Event, func())
	Notify    func() (chan notify.Event, func())
	Call      func() (chan call.Event, func())
	Toasts    func() (chan toast.Event, func())
}

// Watch feeds the collectors until ctx is done. It returns immediately.
func (m *Metrics) Watch(ctx context.Context, src Sources) {
	follow(ctx, src.Transport, m.ObserveTransport)
	follow(ctx, src.Presence, m.ObservePresence)
	follow(ctx, src.Notify, m.ObserveNotify)
	follow(ctx, src.Call, m.ObserveCall)
	follow(ctx, src.Toasts, m.ObserveToast)
}

func follow[T any](ctx context.Context, sub func() (chan T, func()), fn func(T)) {
	if sub == nil {
		return
	}
	ch, cancel := sub()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				fn(v)
			}
		}
	}()
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
