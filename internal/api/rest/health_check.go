package rest

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/compliance-tracker/internal/infrastructure/database"
)

// HealthChecker checks the health of a dependency
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheckResult
}

// HealthStatus represents the health status
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusWarn HealthStatus = "warn"
	HealthStatusFail HealthStatus = "fail"
)

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status       HealthStatus           `json:"status"`
	Error        string                 `json:"error,omitempty"`
	ResponseTime string                 `json:"response_time"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    HealthStatus                 `json:"status"`
	Version   string                       `json:"version"`
	Uptime    string                       `json:"uptime"`
	Timestamp time.Time                    `json:"timestamp"`
	Checks    map[string]HealthCheckResult `json:"checks,omitempty"`
}

// HealthService aggregates dependency checks
type HealthService struct {
	checkers  []HealthChecker
	version   string
	timeout   time.Duration
	tracer    trace.Tracer
	startTime time.Time
}

// NewHealthService creates a new health service
func NewHealthService(version string, checkers ...HealthChecker) *HealthService {
	return &HealthService{
		checkers:  checkers,
		version:   version,
		timeout:   5 * time.Second,
		tracer:    otel.Tracer("compliance-tracker/rest/health"),
		startTime: time.Now(),
	}
}

// Handler runs every check. Any failing check turns the response into a 503;
// warnings keep it at 200.
func (h *HealthService) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "health.check")
		defer span.End()

		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()

		resp := HealthResponse{
			Status:    HealthStatusPass,
			Version:   h.version,
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
			Timestamp: time.Now().UTC(),
			Checks:    make(map[string]HealthCheckResult, len(h.checkers)),
		}

		for _, c := range h.checkers {
			result := c.Check(ctx)
			resp.Checks[c.Name()] = result

			switch {
			case result.Status == HealthStatusFail:
				resp.Status = HealthStatusFail
			case result.Status == HealthStatusWarn && resp.Status == HealthStatusPass:
				resp.Status = HealthStatusWarn
			}
		}
		span.SetAttributes(attribute.String("health.status", string(resp.Status)))

		status := http.StatusOK
		if resp.Status == HealthStatusFail {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Names lists the registered checks, sorted
func (h *HealthService) Names() []string {
	names := make([]string, 0, len(h.checkers))
	for _, c := range h.checkers {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

// DatabaseHealthChecker checks database connectivity and pool saturation
type DatabaseHealthChecker struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewDatabaseHealthChecker creates a database checker
func NewDatabaseHealthChecker(db *sql.DB, dialect database.Dialect) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, dialect: dialect}
}

func (d *DatabaseHealthChecker) Name() string { return "database" }

func (d *DatabaseHealthChecker) Check(ctx context.Context) HealthCheckResult {
	report := database.RunHealthCheck(ctx, d.db, d.dialect)

	result := HealthCheckResult{
		Status:       HealthStatusPass,
		ResponseTime: report.PingLatency.String(),
		Metadata: map[string]interface{}{
			"dialect":          string(report.Dialect),
			"open_connections": report.OpenConnections,
			"in_use":           report.InUse,
			"idle":             report.Idle,
		},
	}
	switch {
	case !report.Healthy && report.Error != "":
		result.Status = HealthStatusFail
		result.Error = report.Error
	case !report.Healthy:
		result.Status = HealthStatusWarn
		result.Metadata["saturation"] = report.Saturation
	}
	return result
}

// RedisHealthChecker pings redis
type RedisHealthChecker struct {
	client *redis.Client
}

// NewRedisHealthChecker creates a redis checker
func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string { return "redis" }

// Check reports a redis outage as a warning: the tracker keeps serving from
// the database and local rate limits without it.
func (c *RedisHealthChecker) Check(ctx context.Context) HealthCheckResult {
	start := time.Now()
	err := c.client.Ping(ctx).Err()
	result := HealthCheckResult{
		Status:       HealthStatusPass,
		ResponseTime: time.Since(start).String(),
	}
	if err != nil {
		result.Status = HealthStatusWarn
		result.Error = err.Error()
	}
	return result
}

// CheckFunc adapts a plain error check into a HealthChecker
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Check(ctx context.Context) HealthCheckResult {
	start := time.Now()
	err := c.Fn(ctx)
	result := HealthCheckResult{
		Status:       HealthStatusPass,
		ResponseTime: time.Since(start).String(),
	}
	if err != nil {
		result.Status = HealthStatusFail
		result.Error = err.Error()
	}
	return result
}
