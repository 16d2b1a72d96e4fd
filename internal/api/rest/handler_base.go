package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	domainErrors "github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

type contextKey string

const contextKeyRequestMeta contextKey = "request_meta"

// maxBodySize bounds JSON request bodies
const maxBodySize = 1 << 20

// RequestMeta contains metadata about the current request
type RequestMeta struct {
	RequestID string
	Subject   string
	TraceID   string
	ClientIP  string
	StartTime time.Time
}

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

// ResponseMeta contains response metadata
type ResponseMeta struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseTime string    `json:"response_time,omitempty"`
}

// ErrorResponse provides detailed error information
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
}

// BaseHandler provides the envelope, decoding and error mapping shared by
// all handlers
type BaseHandler struct {
	validator *validator.Validate
	errors    *ErrorHandler
	logger    *slog.Logger
}

// NewBaseHandler creates a base handler
func NewBaseHandler(logger *slog.Logger) *BaseHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &BaseHandler{
		validator: v,
		errors:    NewErrorHandler(logger),
		logger:    logger,
	}
}

// decodeJSON reads a bounded JSON body into v and validates it
func (h *BaseHandler) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return domainErrors.NewValidationError("INVALID_CONTENT_TYPE", "Content-Type must be application/json")
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return domainErrors.NewValidationError("BODY_TOO_LARGE",
				fmt.Sprintf("Request body too large (max %d bytes)", maxBodySize))
		}
		return domainErrors.NewValidationError("INVALID_BODY", "Failed to read request body").WithCause(err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return domainErrors.NewValidationError("INVALID_JSON", "Request body is not valid JSON").WithCause(err)
	}

	if err := h.validator.Struct(v); err != nil {
		return h.formatValidationError(err)
	}
	return nil
}

// formatValidationError converts validator errors to a validation AppError
func (h *BaseHandler) formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return domainErrors.NewValidationError("VALIDATION_FAILED", "Validation error").WithCause(err)
	}

	fields := make(map[string]interface{}, len(validationErrors))
	for _, fe := range validationErrors {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "This field is required"
		case "oneof":
			msg = fmt.Sprintf("Must be one of: %s", fe.Param())
		case "ip":
			msg = "Must be a valid IP address"
		case "gte":
			msg = fmt.Sprintf("Minimum value is %s", fe.Param())
		default:
			msg = fmt.Sprintf("Failed %s validation", fe.Tag())
		}
		fields[fe.Field()] = msg
	}

	return domainErrors.NewValidationError("VALIDATION_FAILED", "Validation failed").WithDetails(fields)
}

// writeSuccess writes a successful enveloped response
func (h *BaseHandler) writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	meta := requestMeta(r.Context())
	h.writeJSON(w, status, ResponseEnvelope{
		Success: true,
		Data:    data,
		Meta:    responseMeta(meta),
	})
}

// writeError maps err onto an enveloped error response
func (h *BaseHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := h.errors.HandleError(r.Context(), err)
	h.writeErrorResponse(w, r, status, resp)
}

func (h *BaseHandler) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, resp *ErrorResponse) {
	meta := requestMeta(r.Context())
	if resp.TraceID == "" {
		resp.TraceID = meta.TraceID
	}
	h.writeJSON(w, status, ResponseEnvelope{
		Success: false,
		Error:   resp,
		Meta:    responseMeta(meta),
	})
}

// writeJSON writes JSON response with proper headers
func (h *BaseHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func responseMeta(meta *RequestMeta) ResponseMeta {
	m := ResponseMeta{
		RequestID: meta.RequestID,
		Timestamp: time.Now().UTC(),
	}
	if !meta.StartTime.IsZero() {
		m.ResponseTime = time.Since(meta.StartTime).String()
	}
	return m
}

// requestMeta returns the metadata stored by RequestIDMiddleware, or a fresh
// one for requests that bypassed it
func requestMeta(ctx context.Context) *RequestMeta {
	if meta, ok := ctx.Value(contextKeyRequestMeta).(*RequestMeta); ok {
		return meta
	}
	meta := &RequestMeta{RequestID: uuid.NewString()}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		meta.TraceID = span.SpanContext().TraceID().String()
	}
	return meta
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return strings.Trim(ip, "[]")
}
