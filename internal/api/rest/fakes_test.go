package rest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	trackersvc "github.com/davidleathers/compliance-tracker/internal/service/compliance"
	"github.com/davidleathers/compliance-tracker/internal/testutil"
)

const (
	testSecret = "test-secret-for-handlers"
	testIssuer = "compliance-tracker"
)

var testNow = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

// memRepo is an in-memory compliance.Repository
type memRepo struct {
	mu       sync.Mutex
	mappings []*compliance.DataMapping
	consents []*compliance.ConsentRecord
	breaches []*compliance.BreachNotification
	err      error
}

func (r *memRepo) SaveDataMapping(_ context.Context, m *compliance.DataMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.mappings = append([]*compliance.DataMapping{m}, r.mappings...)
	return nil
}

func (r *memRepo) SaveConsentRecord(_ context.Context, c *compliance.ConsentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.consents = append([]*compliance.ConsentRecord{c}, r.consents...)
	return nil
}

func (r *memRepo) SubmitBreachNotification(_ context.Context, n *compliance.BreachNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.breaches = append(r.breaches, n)
	return nil
}

func (r *memRepo) ListDataMappings(context.Context) ([]*compliance.DataMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mappings, r.err
}

func (r *memRepo) ListConsentRecords(_ context.Context, limit int) ([]*compliance.ConsentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.consents) > limit {
		return r.consents[:limit], r.err
	}
	return r.consents, r.err
}

func (r *memRepo) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// stubSource returns fixed figures, or err when set
type stubSource struct {
	mu      sync.Mutex
	metrics compliance.Metrics
	err     error
}

func (s *stubSource) FetchMetrics(context.Context) (*compliance.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	m := s.metrics
	return &m, nil
}

type testEnv struct {
	handler http.Handler
	auth    *AuthMiddleware
	tracker *trackersvc.Tracker
	repo    *memRepo
	source  *stubSource
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, configure ...func(*RouterConfig)) *testEnv {
	t.Helper()

	repo := &memRepo{}
	source := &stubSource{metrics: compliance.Metrics{
		GDPRCompliance:      88,
		PIPPACompliance:     81,
		DataSubjectRequests: 20,
		ConsentRate:         decimal.RequireFromString("90.5"),
		AuditFindings:       4,
	}}

	tracker := trackersvc.NewTracker(zaptest.NewLogger(t), source, repo, nil, nil, trackersvc.Options{
		Now: testutil.FixedClock(testNow),
	})

	logger := discardLogger()
	auth := NewAuthMiddleware(&AuthConfig{JWTSecret: []byte(testSecret), Issuer: testIssuer}, logger)
	auth.now = testutil.FixedClock(time.Now())

	cfg := RouterConfig{
		Service: tracker,
		Auth:    auth,
		Logger:  logger,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	handler, err := NewRouter(cfg)
	require.NoError(t, err)

	return &testEnv{
		handler: handler,
		auth:    auth,
		tracker: tracker,
		repo:    repo,
		source:  source,
	}
}

func (e *testEnv) token(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := e.auth.GenerateToken("operator-1", time.Hour, scopes...)
	require.NoError(t, err)
	return token
}

func (e *testEnv) writeToken(t *testing.T) string {
	return e.token(t, ScopeWrite)
}

// do sends a request through the full router
func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:41000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorResponse  `json:"error"`
	Meta    ResponseMeta    `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	env := decodeEnvelope(t, rec)
	require.True(t, env.Success, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, v))
}
