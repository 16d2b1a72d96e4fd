package rest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	domainErrors "github.com/davidleathers/compliance-tracker/internal/domain/errors"
	trackersvc "github.com/davidleathers/compliance-tracker/internal/service/compliance"
)

const (
	defaultConsentLimit = 100
	maxConsentLimit     = 1000
)

// ComplianceService is the tracker surface the HTTP layer drives
type ComplianceService interface {
	Metrics() compliance.Metrics
	Busy() bool
	DataMappings() []*compliance.DataMapping
	ConsentRecords(limit int) []*compliance.ConsentRecord
	FetchMetrics(ctx context.Context) (compliance.Metrics, error)
	AddDataMapping(ctx context.Context, in compliance.DataMappingInput) (*compliance.DataMapping, error)
	RecordConsent(ctx context.Context, in compliance.ConsentInput) (*compliance.ConsentRecord, error)
	ReportDataBreach(ctx context.Context, in compliance.BreachInput) (*compliance.BreachNotification, error)
	DeliverAuditReport(ctx context.Context, sink trackersvc.ReportSink, format trackersvc.ReportFormat) (*trackersvc.ReportResult, error)
}

// MetricsView is the body of GET /metrics
type MetricsView struct {
	Metrics compliance.Metrics `json:"metrics"`
	Busy    bool               `json:"busy"`
}

// RecordConsentRequest is the body of POST /consents. The ip address
// defaults to the caller's address.
type RecordConsentRequest struct {
	UserID    string                   `json:"userId" validate:"required"`
	Category  string                   `json:"category" validate:"required"`
	Action    compliance.ConsentAction `json:"action" validate:"required,oneof=opt_in opt_out"`
	IPAddress string                   `json:"ipAddress" validate:"omitempty,ip"`
}

// ComplianceHandler serves the compliance tracker over HTTP
type ComplianceHandler struct {
	*BaseHandler
	service ComplianceService
}

// NewComplianceHandler creates the compliance handlers
func NewComplianceHandler(service ComplianceService, logger *slog.Logger) *ComplianceHandler {
	return &ComplianceHandler{
		BaseHandler: NewBaseHandler(logger),
		service:     service,
	}
}

// GetMetrics returns the current metrics snapshot
func (h *ComplianceHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, r, http.StatusOK, MetricsView{
		Metrics: h.service.Metrics(),
		Busy:    h.service.Busy(),
	})
}

// RefreshMetrics fetches fresh metrics from the source
func (h *ComplianceHandler) RefreshMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.FetchMetrics(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, m)
}

// ListDataMappings returns the data inventory, newest first
func (h *ComplianceHandler) ListDataMappings(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, r, http.StatusOK, h.service.DataMappings())
}

// AddDataMapping catalogues a new data flow
func (h *ComplianceHandler) AddDataMapping(w http.ResponseWriter, r *http.Request) {
	var in compliance.DataMappingInput
	if err := h.decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	mapping, err := h.service.AddDataMapping(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusCreated, mapping)
}

// ListConsents returns up to ?limit= consent records, newest first
func (h *ComplianceHandler) ListConsents(w http.ResponseWriter, r *http.Request) {
	limit := defaultConsentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxConsentLimit {
			h.writeError(w, r, domainErrors.NewValidationError("INVALID_LIMIT",
				fmt.Sprintf("limit must be an integer between 1 and %d", maxConsentLimit)))
			return
		}
		limit = n
	}
	h.writeSuccess(w, r, http.StatusOK, h.service.ConsentRecords(limit))
}

// RecordConsent records a data subject's consent decision
func (h *ComplianceHandler) RecordConsent(w http.ResponseWriter, r *http.Request) {
	var req RecordConsentRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ip := req.IPAddress
	if ip == "" {
		ip = getClientIP(r)
	}

	record, err := h.service.RecordConsent(r.Context(), compliance.ConsentInput{
		UserID:    req.UserID,
		Category:  req.Category,
		Action:    req.Action,
		IPAddress: ip,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusCreated, record)
}

// ReportDataBreach submits a breach notification
func (h *ComplianceHandler) ReportDataBreach(w http.ResponseWriter, r *http.Request) {
	var in compliance.BreachInput
	if err := h.decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	notice, err := h.service.ReportDataBreach(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusCreated, notice)
}

// DownloadAuditReport generates an audit report and returns it as an
// attachment instead of an enveloped body
func (h *ComplianceHandler) DownloadAuditReport(w http.ResponseWriter, r *http.Request) {
	format, err := trackersvc.ParseReportFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, r, domainErrors.NewValidationError("INVALID_FORMAT", err.Error()))
		return
	}

	download := &downloadSink{}
	result, err := h.service.DeliverAuditReport(r.Context(), download, format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(download.buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := download.buf.WriteTo(w); err != nil {
		h.logger.WarnContext(r.Context(), "audit report download interrupted",
			slog.String("filename", result.Filename),
			slog.String("error", err.Error()),
		)
	}
}

// downloadSink buffers a report so it can be written as the response body.
// Nothing reaches the client unless the whole report was produced.
type downloadSink struct {
	buf bytes.Buffer
}

func (s *downloadSink) Deliver(ctx context.Context, _ string, _ string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.buf.Reset()
	_, err := s.buf.Write(payload)
	return err
}
