package main

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/davidleathers/compliance-tracker/internal/api/websocket"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/events"
)

// Process level metrics for the compliance tracker. Request metrics live in
// the rest package; tracker operation metrics go out over OpenTelemetry.

// registerRuntimeMetrics exposes pool, websocket and publisher state on the
// default prometheus registry. publisher may be nil.
func registerRuntimeMetrics(db *sql.DB, hub *websocket.NotificationHub, publisher *events.RedisPublisher) {
	prometheus.MustRegister(
		collectors.NewDBStatsCollector(db, "compliance"),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "compliance_tracker",
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of connected notification clients",
		}, func() float64 { return float64(hub.ClientCount()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "compliance_tracker",
			Subsystem: "websocket",
			Name:      "dropped_notifications_total",
			Help:      "Notifications dropped because the hub was saturated or stopped",
		}, func() float64 { return float64(hub.Dropped()) }),
	)

	if publisher == nil {
		return
	}

	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "compliance_tracker",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Notifications published to redis",
		}, func() float64 {
			published, _ := publisher.Stats()
			return float64(published)
		}),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "compliance_tracker",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Notifications dropped by the redis publisher",
		}, func() float64 {
			_, dropped := publisher.Stats()
			return float64(dropped)
		}),
	)
}
