package rest

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	domainErrors "github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec returns the embedded API contract
func OpenAPISpec() []byte {
	return openAPISpec
}

// ContractValidator validates HTTP requests and responses against the
// embedded OpenAPI document
type ContractValidator struct {
	doc    *openapi3.T
	router routers.Router
}

// NewContractValidator loads and validates the embedded OpenAPI document
func NewContractValidator() (*ContractValidator, error) {
	loader := openapi3.NewLoader()

	doc, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	return &ContractValidator{doc: doc, router: router}, nil
}

// Doc returns the parsed document
func (cv *ContractValidator) Doc() *openapi3.T {
	return cv.doc
}

// ValidateRequest validates req against its operation. Authentication is
// enforced by AuthMiddleware, not here. The body is restored for the next
// reader.
func (cv *ContractValidator) ValidateRequest(req *http.Request) error {
	route, pathParams, err := cv.router.FindRoute(req)
	if err != nil {
		return fmt.Errorf("no matching route found: %w", err)
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			MultiError:         false,
		},
	}
	if err := openapi3filter.ValidateRequest(req.Context(), input); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	return nil
}

// ValidateResponse validates a recorded response for req
func (cv *ContractValidator) ValidateResponse(req *http.Request, status int, header http.Header, body []byte) error {
	route, pathParams, err := cv.router.FindRoute(req)
	if err != nil {
		return fmt.Errorf("no matching route found: %w", err)
	}

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
		},
		Status: status,
		Header: header,
		Options: &openapi3filter.Options{
			IncludeResponseStatus: true,
		},
	}
	input.SetBodyBytes(body)

	if err := openapi3filter.ValidateResponse(context.Background(), input); err != nil {
		return fmt.Errorf("response validation failed: %w", err)
	}
	return nil
}

// Middleware rejects requests that violate the contract with a 400
// envelope. Requests for routes outside the contract pass through.
func (cv *ContractValidator) Middleware(logger *slog.Logger) Middleware {
	base := NewBaseHandler(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := cv.ValidateRequest(r); err != nil {
				if strings.HasPrefix(err.Error(), "no matching route found") {
					next.ServeHTTP(w, r)
					return
				}
				logger.InfoContext(r.Context(), "request violates API contract",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				base.writeError(w, r, domainErrors.NewValidationError("CONTRACT_VIOLATION", contractMessage(err)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// contractMessage keeps the first line of a kin-openapi error, which names
// the offending field without dumping the schema
func contractMessage(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		msg = msg[:i]
	}
	return msg
}
