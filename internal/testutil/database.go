package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/compliance-tracker/internal/testutil/containers"
)

// TestDB is a postgres database running in a throwaway container
type TestDB struct {
	t       *testing.T
	db      *sql.DB
	connStr string
}

// NewTestDB starts a postgres container and connects to it. The schema is
// left empty; callers run migrations themselves.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed database in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pg.Terminate(context.Background())
	})

	db, err := sql.Open("pgx", pg.ConnectionString)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	require.NoError(t, db.PingContext(ctx))

	return &TestDB{t: t, db: db, connStr: pg.ConnectionString}
}

// DB returns the underlying database connection
func (tdb *TestDB) DB() *sql.DB {
	return tdb.db
}

// ConnectionString is the pgx URL of the container
func (tdb *TestDB) ConnectionString() string {
	return tdb.connStr
}

// TruncateTables empties every tracker table for test isolation
func (tdb *TestDB) TruncateTables() {
	tdb.t.Helper()

	tables := []string{
		"compliance_metrics",
		"data_mappings",
		"consent_records",
		"breach_notifications",
	}
	for _, table := range tables {
		_, err := tdb.db.Exec(fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY", table))
		require.NoError(tdb.t, err)
	}
}

// AssertRowCount asserts the number of rows in a table
func (tdb *TestDB) AssertRowCount(table string, expected int) {
	tdb.t.Helper()

	var count int
	err := tdb.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	require.NoError(tdb.t, err)
	require.Equal(tdb.t, expected, count, "expected %d rows in %s, got %d", expected, table, count)
}
