package rest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	domainErrors "github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

const mappingBody = `{
	"dataType": "Student CV",
	"category": "Personal Information",
	"purpose": "Internship matching",
	"legalBasis": "Consent",
	"retention": "2 years",
	"riskLevel": "medium"
}`

func TestGetMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/compliance/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var view struct {
		Metrics compliance.Metrics `json:"metrics"`
		Busy    bool               `json:"busy"`
	}
	decodeData(t, rec, &view)

	want := env.tracker.Metrics()
	assert.Equal(t, want.OverallScore, view.Metrics.OverallScore)
	assert.True(t, want.ConsentRate.Equal(view.Metrics.ConsentRate))
	assert.False(t, view.Busy)
}

func TestRefreshMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/compliance/metrics/refresh", "", env.writeToken(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var m compliance.Metrics
	decodeData(t, rec, &m)
	assert.Equal(t, 88, m.GDPRCompliance)
	assert.Equal(t, 20, m.DataSubjectRequests)
	assert.Equal(t, "90.5", m.ConsentRate.String())
	assert.True(t, testNow.Equal(m.LastUpdate))
	assert.Equal(t, compliance.CalculateScore(m), m.OverallScore)
}

func TestRefreshMetrics_SourceFailureKeepsPrevious(t *testing.T) {
	env := newTestEnv(t)
	before := env.tracker.Metrics()
	env.source.err = errors.New("connection refused")

	rec := env.do(t, http.MethodPost, "/api/v1/compliance/metrics/refresh", "", env.writeToken(t))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeEnvelope(t, rec)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, domainErrors.CodeFetchFailed, body.Error.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")

	assert.Equal(t, before, env.tracker.Metrics())
}

func TestAddDataMapping(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/compliance/data-mappings", mappingBody, env.writeToken(t))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created compliance.DataMapping
	decodeData(t, rec, &created)
	assert.Equal(t, "Student CV", created.DataType)
	assert.Equal(t, compliance.RiskMedium, created.RiskLevel)
	assert.True(t, testNow.Equal(created.LastUpdated))

	require.Len(t, env.repo.mappings, 1)
	assert.Equal(t, created.ID, env.repo.mappings[0].ID)

	list := env.do(t, http.MethodGet, "/api/v1/compliance/data-mappings", "", "")
	require.Equal(t, http.StatusOK, list.Code)

	var mappings []compliance.DataMapping
	decodeData(t, list, &mappings)
	require.Len(t, mappings, 1)
	assert.Equal(t, created.ID, mappings[0].ID)
}

func TestAddDataMapping_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		token  func(env *testEnv) string
		status int
		code   string
	}{
		{
			name:   "missing token",
			body:   mappingBody,
			token:  func(*testEnv) string { return "" },
			status: http.StatusUnauthorized,
			code:   "UNAUTHORIZED",
		},
		{
			name:   "token without write scope",
			body:   mappingBody,
			token:  func(env *testEnv) string { return env.token(t, "compliance:read") },
			status: http.StatusForbidden,
			code:   "FORBIDDEN",
		},
		{
			name:   "missing risk level",
			body:   `{"dataType":"CV","category":"PI","purpose":"x","legalBasis":"Consent","retention":"1y"}`,
			token:  func(env *testEnv) string { return env.writeToken(t) },
			status: http.StatusBadRequest,
			code:   "CONTRACT_VIOLATION",
		},
		{
			name:   "unknown risk level",
			body:   strings.Replace(mappingBody, `"medium"`, `"extreme"`, 1),
			token:  func(env *testEnv) string { return env.writeToken(t) },
			status: http.StatusBadRequest,
			code:   "CONTRACT_VIOLATION",
		},
		{
			name:   "blank data type",
			body:   strings.Replace(mappingBody, `"Student CV"`, `"   "`, 1),
			token:  func(env *testEnv) string { return env.writeToken(t) },
			status: http.StatusBadRequest,
			code:   "INVALID_DATA_MAPPING",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.do(t, http.MethodPost, "/api/v1/compliance/data-mappings", tt.body, tt.token(env))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			body := decodeEnvelope(t, rec)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Empty(t, env.repo.mappings)
			assert.Empty(t, env.tracker.DataMappings())
		})
	}
}

func TestAddDataMapping_PersistFailure(t *testing.T) {
	env := newTestEnv(t)
	env.repo.setErr(errors.New("disk full"))

	rec := env.do(t, http.MethodPost, "/api/v1/compliance/data-mappings", mappingBody, env.writeToken(t))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeEnvelope(t, rec)
	assert.Equal(t, domainErrors.CodePersistFailed, body.Error.Code)
	assert.Empty(t, env.tracker.DataMappings())
}

func TestRecordConsent(t *testing.T) {
	t.Run("ip defaults to the caller", func(t *testing.T) {
		env := newTestEnv(t)
		before := env.tracker.Metrics()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/compliance/consents",
			strings.NewReader(`{"userId":"student-42","category":"marketing","action":"opt_in"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+env.writeToken(t))
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var record compliance.ConsentRecord
		decodeData(t, rec, &record)
		assert.Equal(t, "203.0.113.7", record.IPAddress)
		assert.Equal(t, compliance.ActionOptIn, record.Action)

		after := env.tracker.Metrics()
		assert.Equal(t, before.ConsentRate.Add(decimal.New(1, -1)).String(), after.ConsentRate.String())
	})

	t.Run("explicit ip is kept", func(t *testing.T) {
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/api/v1/compliance/consents",
			`{"userId":"student-42","category":"marketing","action":"opt_out","ipAddress":"198.51.100.4"}`,
			env.writeToken(t))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var record compliance.ConsentRecord
		decodeData(t, rec, &record)
		assert.Equal(t, "198.51.100.4", record.IPAddress)
	})

	t.Run("malformed ip", func(t *testing.T) {
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/api/v1/compliance/consents",
			`{"userId":"student-42","category":"marketing","action":"opt_in","ipAddress":"not-an-ip"}`,
			env.writeToken(t))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		body := decodeEnvelope(t, rec)
		assert.Equal(t, "VALIDATION_FAILED", body.Error.Code)
		assert.Contains(t, body.Error.Fields, "ipAddress")
		assert.Empty(t, env.tracker.ConsentRecords(0))
	})
}

func TestListConsents(t *testing.T) {
	env := newTestEnv(t)
	token := env.writeToken(t)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"userId":"user-%d","category":"marketing","action":"opt_in"}`, i)
		rec := env.do(t, http.MethodPost, "/api/v1/compliance/consents", body, token)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/compliance/consents?limit=2", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []compliance.ConsentRecord
	decodeData(t, rec, &records)
	require.Len(t, records, 2)
	assert.Equal(t, "user-2", records[0].UserID)
	assert.Equal(t, "user-1", records[1].UserID)

	rec = env.do(t, http.MethodGet, "/api/v1/compliance/consents?limit=0", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListConsents_LimitBounds(t *testing.T) {
	env := newTestEnv(t)
	h := NewComplianceHandler(env.tracker, discardLogger())

	for _, raw := range []string{"0", "-3", "1001", "ten"} {
		t.Run(raw, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ListConsents(rec, httptest.NewRequest(http.MethodGet, "/api/v1/compliance/consents?limit="+raw, nil))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_LIMIT", decodeEnvelope(t, rec).Error.Code)
		})
	}
}

func TestReportDataBreach(t *testing.T) {
	env := newTestEnv(t)
	before := env.tracker.Metrics()

	rec := env.do(t, http.MethodPost, "/api/v1/compliance/breaches",
		`{"description":"Laptop stolen","affectedUsers":120,"severity":"high","containmentActions":"Remote wipe"}`,
		env.writeToken(t))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var notice compliance.BreachNotification
	decodeData(t, rec, &notice)
	assert.Equal(t, 3, notice.FindingsAdded)
	assert.Equal(t, compliance.BreachRegulation, notice.Regulation)
	assert.Equal(t, 72*time.Hour, notice.NotificationDeadline.Sub(notice.ReportedAt))

	require.Len(t, env.repo.breaches, 1)
	assert.Equal(t, before.AuditFindings+3, env.tracker.Metrics().AuditFindings)
}

func TestReportDataBreach_NegativeAffectedUsers(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/compliance/breaches",
		`{"description":"Leak","affectedUsers":-1,"severity":"low"}`, env.writeToken(t))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.repo.breaches)
}

func TestDownloadAuditReport(t *testing.T) {
	env := newTestEnv(t)
	token := env.writeToken(t)

	rec := env.do(t, http.MethodPost, "/api/v1/compliance/data-mappings", mappingBody, token)
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("json", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/compliance/audit-report", "", token)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, `attachment; filename="compliance-audit-report-2026-10-19.json"`, rec.Header().Get("Content-Disposition"))
		assert.Equal(t, fmt.Sprint(rec.Body.Len()), rec.Header().Get("Content-Length"))
		assert.Contains(t, rec.Body.String(), `"recommendations"`)
		assert.Contains(t, rec.Body.String(), "Student CV")
	})

	t.Run("yaml", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/compliance/audit-report?format=yml", "", token)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "compliance-audit-report-2026-10-19.yaml")

		var report map[string]interface{}
		require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &report))
		assert.Len(t, report["dataMappings"], 1)
		assert.Len(t, report["recommendations"], len(compliance.DefaultRecommendations))
	})

	t.Run("requires a token", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/compliance/audit-report", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unsupported format", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/compliance/audit-report?format=xml", "", token)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		h := NewComplianceHandler(env.tracker, discardLogger())
		direct := httptest.NewRecorder()
		h.DownloadAuditReport(direct, httptest.NewRequest(http.MethodGet, "/api/v1/compliance/audit-report?format=xml", nil))
		require.Equal(t, http.StatusBadRequest, direct.Code)
		assert.Equal(t, "INVALID_FORMAT", decodeEnvelope(t, direct).Error.Code)
	})
}

func TestDecodeJSON_Errors(t *testing.T) {
	h := NewComplianceHandler(newTestEnv(t).tracker, discardLogger())

	tests := []struct {
		name        string
		contentType string
		body        string
		code        string
	}{
		{"wrong content type", "text/plain", mappingBody, "INVALID_CONTENT_TYPE"},
		{"malformed json", "application/json", `{"dataType":`, "INVALID_JSON"},
		{"too large", "application/json", `{"dataType":"` + strings.Repeat("a", maxBodySize) + `"}`, "BODY_TOO_LARGE"},
		{"missing fields", "application/json", `{"dataType":"CV"}`, "VALIDATION_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/compliance/data-mappings", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()

			h.AddDataMapping(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeEnvelope(t, rec).Error.Code)
		})
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.2"}, "10.0.0.2:1", "203.0.113.1"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.9"}, "10.0.0.2:1", "198.51.100.9"},
		{"remote addr", nil, "192.0.2.5:5555", "192.0.2.5"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:443", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
