package compliance

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

type MockMetricsSource struct {
	mock.Mock
}

func (m *MockMetricsSource) FetchMetrics(ctx context.Context) (*compliance.Metrics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*compliance.Metrics), args.Error(1)
}

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) SaveDataMapping(ctx context.Context, mapping *compliance.DataMapping) error {
	args := m.Called(ctx, mapping)
	return args.Error(0)
}

func (m *MockRepository) SaveConsentRecord(ctx context.Context, record *compliance.ConsentRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockRepository) SubmitBreachNotification(ctx context.Context, notification *compliance.BreachNotification) error {
	args := m.Called(ctx, notification)
	return args.Error(0)
}

func (m *MockRepository) ListDataMappings(ctx context.Context) ([]*compliance.DataMapping, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*compliance.DataMapping), args.Error(1)
}

func (m *MockRepository) ListConsentRecords(ctx context.Context, limit int) ([]*compliance.ConsentRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*compliance.ConsentRecord), args.Error(1)
}

type MockReportSink struct {
	mock.Mock
}

func (m *MockReportSink) Deliver(ctx context.Context, filename, contentType string, payload []byte) error {
	args := m.Called(ctx, filename, contentType, payload)
	return args.Error(0)
}

// recordingNotifier captures every notification it receives
type recordingNotifier struct {
	mu    sync.Mutex
	notes []compliance.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n compliance.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) all() []compliance.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]compliance.Notification(nil), r.notes...)
}

func (r *recordingNotifier) count(v compliance.Variant) int {
	n := 0
	for _, note := range r.all() {
		if note.Variant == v {
			n++
		}
	}
	return n
}

type MockMetricsRecorder struct {
	mock.Mock
}

func (m *MockMetricsRecorder) RecordMetrics(ctx context.Context, metrics compliance.Metrics) error {
	args := m.Called(ctx, metrics)
	return args.Error(0)
}

// memoryMetricsStore is a MetricsSource that serves the last snapshot it
// recorded, like the database store does.
type memoryMetricsStore struct {
	mu      sync.Mutex
	latest  *compliance.Metrics
	records int
}

func (s *memoryMetricsStore) FetchMetrics(context.Context) (*compliance.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, errors.NewNotFoundError("compliance metrics")
	}
	m := *s.latest
	return &m, nil
}

func (s *memoryMetricsStore) RecordMetrics(_ context.Context, m compliance.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &m
	s.records++
	return nil
}
