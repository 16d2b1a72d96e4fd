package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliance-tracker/internal/infrastructure/config"
)

func newSQLiteMigrator(t *testing.T) *Migrator {
	t.Helper()
	m, err := NewMigrator(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "migrate.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestMigrator_UpDownStatus(t *testing.T) {
	m := newSQLiteMigrator(t)

	var out bytes.Buffer
	require.NoError(t, m.Status(&out))
	assert.Equal(t, "sqlite: no migrations applied\n", out.String())

	require.NoError(t, m.Up(0))
	require.NoError(t, m.Up(0), "up on a current schema is not an error")

	out.Reset()
	require.NoError(t, m.Status(&out))
	assert.Equal(t, "sqlite: version 1 (clean)\n", out.String())

	require.NoError(t, m.Down(1))

	out.Reset()
	require.NoError(t, m.Status(&out))
	assert.Equal(t, "sqlite: no migrations applied\n", out.String())

	require.NoError(t, m.Down(0), "down on an empty schema is not an error")
}

func TestMigrator_Force(t *testing.T) {
	m := newSQLiteMigrator(t)

	require.NoError(t, m.Force(1))

	var out bytes.Buffer
	require.NoError(t, m.Status(&out))
	assert.Equal(t, "sqlite: version 1 (clean)\n", out.String())
}

func TestCreate(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	first, err := Create(dir, "add_retention_index", now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "000001_add_retention_index.up.sql"), first)
	assert.FileExists(t, filepath.Join(dir, "000001_add_retention_index.down.sql"))

	second, err := Create(dir, "add_breach_status", now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "000002_add_breach_status.up.sql"), second)

	content, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(content), "-- Migration: add_breach_status")

	_, err = Create(dir, "Bad Name", now)
	assert.Error(t, err)
}
