//go:build integration

package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/testutil"
)

func TestStore_Postgres(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	logger := zaptest.NewLogger(t)
	ctx := testutil.TestContext(t)

	m, err := NewMigrator(tdb.DB(), Postgres)
	require.NoError(t, err)
	require.NoError(t, ApplyUp(m, logger))

	store := NewStore(tdb.DB(), Postgres, logger)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("metrics round trip", func(t *testing.T) {
		tdb.TruncateTables()
		require.NoError(t, store.RecordMetrics(ctx, compliance.DefaultMetrics(now)))

		got, err := store.FetchMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 95, got.OverallScore)
		assert.Equal(t, "94.2", got.ConsentRate.String())
		assert.True(t, got.LastUpdate.Equal(now))
	})

	t.Run("mutations are listed newest first", func(t *testing.T) {
		tdb.TruncateTables()

		for i := 0; i < 3; i++ {
			r, err := compliance.NewConsentRecord(compliance.ConsentInput{
				UserID: "user-42", Category: "analytics", Action: compliance.ActionOptIn, IPAddress: "198.51.100.4",
			}, now)
			require.NoError(t, err)
			require.NoError(t, store.SaveConsentRecord(ctx, r))
		}
		tdb.AssertRowCount("consent_records", 3)

		records, err := store.ListConsentRecords(ctx, 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Greater(t, records[0].ID.String(), records[1].ID.String())

		mapping, err := compliance.NewDataMapping(compliance.DataMappingInput{
			DataType: "Phone", Category: "Contact", Purpose: "Support", LegalBasis: "Legitimate interest", Retention: "2 years", RiskLevel: compliance.RiskMedium,
		}, now)
		require.NoError(t, err)
		require.NoError(t, store.SaveDataMapping(ctx, mapping))

		mappings, err := store.ListDataMappings(ctx)
		require.NoError(t, err)
		require.Len(t, mappings, 1)
		assert.Equal(t, mapping.ID, mappings[0].ID)
		assert.True(t, mappings[0].LastUpdated.Equal(now))
	})
}
