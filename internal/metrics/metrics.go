// Package metrics exposes engine health as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine records.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	CoinTimeoutsTotal  prometheus.Counter
	OrdersTotal        *prometheus.CounterVec
	OpenPositions      prometheus.Gauge
	DailyPnLPct        prometheus.Gauge
	ConsecutiveLosses  prometheus.Gauge
	ObservationMode    prometheus.Gauge
	NotificationsDrops prometheus.Gauge
}

// New registers all collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Completed trading cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Wall-clock duration of a full cycle.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		CoinTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_coin_timeouts_total",
			Help: "Per-coin analysis tasks that exceeded their timeout.",
		}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders placed, by side and result.",
		}, []string{"side", "result"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently open positions.",
		}),
		DailyPnLPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_daily_pnl_pct",
			Help: "Realized PnL percent for the current trading day.",
		}),
		ConsecutiveLosses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_consecutive_losses",
			Help: "Current realized-loss streak.",
		}),
		ObservationMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_observation_mode",
			Help: "1 while new entries are suppressed after consecutive losses.",
		}),
		NotificationsDrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_notifications_dropped_total",
			Help: "Notifications discarded by the bounded queue.",
		}),
	}

	registry.MustRegister(
		m.CyclesTotal, m.CycleDuration, m.CoinTimeoutsTotal, m.OrdersTotal,
		m.OpenPositions, m.DailyPnLPct, m.ConsecutiveLosses, m.ObservationMode,
		m.NotificationsDrops,
	)

	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
