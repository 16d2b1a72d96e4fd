package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthReport summarizes connectivity and pool pressure of a database
type HealthReport struct {
	Healthy         bool          `json:"healthy"`
	Dialect         Dialect       `json:"dialect"`
	PingLatency     time.Duration `json:"ping_latency"`
	Error           string        `json:"error,omitempty"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	Saturation      float64       `json:"connection_saturation"`
}

// SaturationThreshold is the share of MaxOpenConnections in use above which
// the pool is reported unhealthy.
const SaturationThreshold = 90.0

// RunHealthCheck pings db and samples its pool statistics
func RunHealthCheck(ctx context.Context, db *sql.DB, dialect Dialect) HealthReport {
	report := HealthReport{Dialect: dialect}

	start := time.Now()
	var one int
	err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	report.PingLatency = time.Since(start)
	if err != nil {
		report.Error = err.Error()
	}

	stats := db.Stats()
	report.OpenConnections = stats.OpenConnections
	report.InUse = stats.InUse
	report.Idle = stats.Idle
	report.WaitCount = stats.WaitCount
	if stats.MaxOpenConnections > 0 {
		report.Saturation = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	// A single-connection sqlite pool is fully saturated during any query.
	saturated := dialect == Postgres && report.Saturation >= SaturationThreshold
	report.Healthy = err == nil && !saturated
	return report
}
