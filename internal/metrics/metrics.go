// Package metrics: Prometheus-метрики шлюза.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rideshare_ws_connections",
		Help: "Open WebSocket connections.",
	})
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rideshare_sessions_active",
		Help: "Live per-tab sessions.",
	})
	FeedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rideshare_feed_events_total",
		Help: "Change events delivered to subscriptions, by table.",
	}, []string{"table"})
	FeedDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rideshare_feed_events_dropped_total",
		Help: "Change events dropped because a subscription buffer was full.",
	})
	FeedReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rideshare_feed_reconnects_total",
		Help: "Feed transport reconnect attempts.",
	})
	UnreadCorrections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rideshare_unread_corrections_total",
		Help: "Authoritative recounts that changed the locally held unread total.",
	})
	PushSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rideshare_push_sent_total",
		Help: "Web push deliveries, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(Connections, Sessions, FeedEvents, FeedDropped, FeedReconnects, UnreadCorrections, PushSent)
}

// Handler возвращает http.Handler для сбора метрик Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}
