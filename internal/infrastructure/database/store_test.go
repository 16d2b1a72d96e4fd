package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/config"
	trackersvc "github.com/davidleathers/compliance-tracker/internal/service/compliance"
)

var storeNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

// newSQLiteStore opens a file-backed sqlite database and migrates it in place.
// The migrator is left open; closing it would close db.
func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, dialect, err := Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "compliance.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m, err := NewMigrator(db, dialect)
	require.NoError(t, err)
	require.NoError(t, ApplyUp(m, logger))

	return NewStore(db, dialect, logger)
}

func TestStore_FetchMetrics_Empty(t *testing.T) {
	store := newSQLiteStore(t)

	_, err := store.FetchMetrics(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_FetchMetrics_ReturnsLatest(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	older := compliance.DefaultMetrics(storeNow.Add(-time.Hour))
	newer := compliance.Metrics{
		GDPRCompliance:      80,
		PIPPACompliance:     70,
		DataSubjectRequests: 4,
		ConsentRate:         decimal.RequireFromString("88.5"),
		AuditFindings:       6,
		LastUpdate:          storeNow,
	}
	require.NoError(t, store.RecordMetrics(ctx, newer))
	require.NoError(t, store.RecordMetrics(ctx, older))

	got, err := store.FetchMetrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 80, got.GDPRCompliance)
	assert.Equal(t, 70, got.PIPPACompliance)
	assert.Equal(t, 4, got.DataSubjectRequests)
	assert.True(t, got.ConsentRate.Equal(decimal.RequireFromString("88.5")), "consent rate %s", got.ConsentRate)
	assert.Equal(t, 6, got.AuditFindings)
	assert.True(t, got.LastUpdate.Equal(storeNow))
	assert.Equal(t, compliance.CalculateScore(*got), got.OverallScore)
}

func TestStore_TrackerMetricsSurviveRefresh(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	tracker := trackersvc.NewTracker(zaptest.NewLogger(t), store, store, nil, nil, trackersvc.Options{
		Now:      func() time.Time { return storeNow },
		Recorder: store,
	})

	seeded, err := tracker.FetchMetrics(ctx)
	require.NoError(t, err, "an empty table is seeded")

	stored, err := store.FetchMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, seeded.AuditFindings, stored.AuditFindings)

	_, err = tracker.ReportDataBreach(ctx, compliance.BreachInput{
		Description: "Exposed resume bucket",
		Severity:    compliance.SeverityHigh,
	})
	require.NoError(t, err)
	committed := tracker.Metrics()

	refreshed, err := tracker.FetchMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, seeded.AuditFindings+3, refreshed.AuditFindings)
	assert.Equal(t, committed.OverallScore, refreshed.OverallScore)
}

func TestStore_DataMappings_NewestFirst(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	inputs := []compliance.DataMappingInput{
		{DataType: "Email", Category: "Contact", Purpose: "Billing", LegalBasis: "Contract", Retention: "7 years", RiskLevel: compliance.RiskLow},
		{DataType: "Health", Category: "Special", Purpose: "Care", LegalBasis: "Consent", Retention: "10 years", RiskLevel: compliance.RiskHigh},
	}
	var saved []*compliance.DataMapping
	for i, in := range inputs {
		m, err := compliance.NewDataMapping(in, storeNow.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, store.SaveDataMapping(ctx, m))
		saved = append(saved, m)
	}

	got, err := store.ListDataMappings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, saved[1].ID, got[0].ID)
	assert.Equal(t, saved[0].ID, got[1].ID)
	assert.Equal(t, "Health", got[0].DataType)
	assert.Equal(t, compliance.RiskHigh, got[0].RiskLevel)
	assert.True(t, got[0].LastUpdated.Equal(saved[1].LastUpdated))
	assert.Equal(t, time.UTC, got[0].LastUpdated.Location())
}

func TestStore_ConsentRecords_Limit(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	var last *compliance.ConsentRecord
	for i := 0; i < 5; i++ {
		action := compliance.ActionOptIn
		if i%2 == 1 {
			action = compliance.ActionOptOut
		}
		r, err := compliance.NewConsentRecord(compliance.ConsentInput{
			UserID:    "user-1",
			Category:  "marketing",
			Action:    action,
			IPAddress: "203.0.113.7",
		}, storeNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, store.SaveConsentRecord(ctx, r))
		last = r
	}

	got, err := store.ListConsentRecords(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, last.ID, got[0].ID)
	assert.Equal(t, compliance.ActionOptIn, got[0].Action)
	assert.Equal(t, "203.0.113.7", got[0].IPAddress)
	assert.True(t, got[0].Timestamp.Equal(last.Timestamp))

	none, err := store.ListConsentRecords(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_BreachNotifications(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	n, err := compliance.NewBreachNotification(compliance.BreachInput{
		Description:        "Leaked export",
		AffectedUsers:      42,
		Severity:           compliance.SeverityMedium,
		ContainmentActions: "Rotated credentials",
	}, storeNow)
	require.NoError(t, err)
	require.NoError(t, store.SubmitBreachNotification(ctx, n))

	got, err := store.ListBreachNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, n.ID, got[0].ID)
	assert.Equal(t, 42, got[0].AffectedUsers)
	assert.Equal(t, compliance.SeverityMedium, got[0].Severity)
	assert.Equal(t, 2, got[0].FindingsAdded)
	assert.Equal(t, compliance.BreachRegulation, got[0].Regulation)
	assert.True(t, got[0].NotificationDeadline.Equal(storeNow.Add(72*time.Hour)))
}

func TestStore_RejectsDuplicateIDs(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	r, err := compliance.NewConsentRecord(compliance.ConsentInput{
		UserID: "u", Category: "c", Action: compliance.ActionOptOut, IPAddress: "10.0.0.1",
	}, storeNow)
	require.NoError(t, err)
	require.NoError(t, store.SaveConsentRecord(ctx, r))

	err = store.SaveConsentRecord(ctx, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert consent record")
}

func TestStore_PostgresQueriesAreRebound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, Postgres, zaptest.NewLogger(t))
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $1")).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "category", "action", "ip_address", "recorded_at"}))

	records, err := store.ListConsentRecords(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FailurePaths(t *testing.T) {
	boom := stderrors.New("connection reset")

	tests := []struct {
		name    string
		expect  func(mock sqlmock.Sqlmock)
		call    func(ctx context.Context, s *Store) error
		wantMsg string
	}{
		{
			name: "fetch metrics",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("FROM compliance_metrics")).WillReturnError(boom)
			},
			call: func(ctx context.Context, s *Store) error {
				_, err := s.FetchMetrics(ctx)
				return err
			},
			wantMsg: "failed to query compliance metrics",
		},
		{
			name: "save data mapping",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data_mappings")).WillReturnError(boom)
			},
			call: func(ctx context.Context, s *Store) error {
				m, err := compliance.NewDataMapping(compliance.DataMappingInput{
					DataType: "a", Category: "b", Purpose: "c", LegalBasis: "d", Retention: "e", RiskLevel: compliance.RiskMedium,
				}, storeNow)
				require.NoError(t, err)
				return s.SaveDataMapping(ctx, m)
			},
			wantMsg: "failed to insert data mapping",
		},
		{
			name: "submit breach",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO breach_notifications")).WillReturnError(boom)
			},
			call: func(ctx context.Context, s *Store) error {
				n, err := compliance.NewBreachNotification(compliance.BreachInput{
					Description: "x", Severity: compliance.SeverityLow,
				}, storeNow)
				require.NoError(t, err)
				return s.SubmitBreachNotification(ctx, n)
			},
			wantMsg: "failed to insert breach notification",
		},
		{
			name: "list data mappings",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("FROM data_mappings")).WillReturnError(boom)
			},
			call: func(ctx context.Context, s *Store) error {
				_, err := s.ListDataMappings(ctx)
				return err
			},
			wantMsg: "failed to query data mappings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			tt.expect(mock)
			err = tt.call(context.Background(), NewStore(db, Postgres, zaptest.NewLogger(t)))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.ErrorIs(t, err, boom)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_FetchMetrics_NoRowsFromDriver(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM compliance_metrics")).WillReturnError(sql.ErrNoRows)

	_, err = NewStore(db, Postgres, zaptest.NewLogger(t)).FetchMetrics(context.Background())
	assert.True(t, errors.IsNotFound(err))
}

func TestRunHealthCheck(t *testing.T) {
	store := newSQLiteStore(t)

	report := RunHealthCheck(context.Background(), store.DB(), SQLite)
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Error)
	assert.Equal(t, SQLite, report.Dialect)
	assert.Equal(t, 1, report.OpenConnections)
}

func TestRunHealthCheck_Unreachable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnError(stderrors.New("dial tcp: refused"))

	report := RunHealthCheck(context.Background(), db, Postgres)
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Error, "refused")
}
