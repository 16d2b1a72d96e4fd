package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domainErrors "github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// ErrorHandler maps errors onto HTTP status codes and error bodies
type ErrorHandler struct {
	logger *slog.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError converts err into a status and response body. Server side
// failures are logged with their cause; the cause never reaches the client.
func (h *ErrorHandler) HandleError(ctx context.Context, err error) (int, *ErrorResponse) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(
		attribute.String("error.type", fmt.Sprintf("%T", err)),
	))

	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		status := domainErrors.GetStatusCode(err)
		if status == 0 {
			status = http.StatusInternalServerError
		}

		resp := &ErrorResponse{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: domainErrors.IsRetryable(err),
		}
		if appErr.Type == domainErrors.ErrorTypeValidation && len(appErr.Details) > 0 {
			resp.Fields = appErr.Details
		}

		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "request failed",
				slog.String("code", appErr.Code),
				slog.Int("status", status),
				slog.String("error", err.Error()),
			)
		}
		return status, resp
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, &ErrorResponse{Code: "REQUEST_TIMEOUT", Message: "Request timed out", Retryable: true}
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, &ErrorResponse{Code: "REQUEST_CANCELED", Message: "Request was canceled"}
	}

	h.logger.ErrorContext(ctx, "unhandled error", slog.String("error", err.Error()))
	return http.StatusInternalServerError, &ErrorResponse{Code: "INTERNAL_ERROR", Message: "An internal error occurred"}
}
