package rest

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/davidleathers/compliance-tracker/internal/api/websocket"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/cache"
)

// RouterConfig holds the collaborators of the HTTP surface
type RouterConfig struct {
	Service ComplianceService
	Auth    *AuthMiddleware
	Health  *HealthService

	// WebSocket serves the live notification stream. Optional.
	WebSocket *websocket.Handler

	RateLimit RateLimitConfig
	// DistributedLimiter shares rate limits through redis. Optional.
	DistributedLimiter cache.RateLimiter

	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter builds the API handler
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("router requires a compliance service")
	}
	if cfg.Auth == nil {
		return nil, errors.New("router requires an auth middleware")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthService("dev")
	}

	contract, err := NewContractValidator()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	h := NewComplianceHandler(cfg.Service, cfg.Logger)

	handle := func(pattern string, handler http.HandlerFunc, mws ...Middleware) {
		mux.Handle(pattern, instrument(pattern, NewMiddlewareChain(mws...).Then(handler)))
	}
	read := []Middleware{contract.Middleware(cfg.Logger)}
	write := []Middleware{cfg.Auth.Require(ScopeWrite), contract.Middleware(cfg.Logger)}

	handle("GET /health", cfg.Health.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(OpenAPISpec())
	})

	handle("GET /api/v1/compliance/metrics", h.GetMetrics, read...)
	handle("POST /api/v1/compliance/metrics/refresh", h.RefreshMetrics, write...)
	handle("GET /api/v1/compliance/data-mappings", h.ListDataMappings, read...)
	handle("POST /api/v1/compliance/data-mappings", h.AddDataMapping, write...)
	handle("GET /api/v1/compliance/consents", h.ListConsents, read...)
	handle("POST /api/v1/compliance/consents", h.RecordConsent, write...)
	handle("POST /api/v1/compliance/breaches", h.ReportDataBreach, write...)
	handle("GET /api/v1/compliance/audit-report", h.DownloadAuditReport, write...)

	if cfg.WebSocket != nil {
		handle("GET /api/v1/notifications/ws", cfg.WebSocket.HandleNotifications)
	}

	chain := NewMiddlewareChain(
		RecoveryMiddleware(cfg.Logger),
		RequestIDMiddleware(),
		TracingMiddleware(otel.Tracer("compliance-tracker/rest")),
		RequestLoggingMiddleware(cfg.Logger),
		SecurityHeadersMiddleware(),
		CORSMiddleware(cfg.AllowedOrigins),
		NewRateLimiter(cfg.RateLimit, cfg.DistributedLimiter, cfg.Logger).Middleware(),
	)

	return chain.Then(mux), nil
}
