package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/infrastructure/config"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/database"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/telemetry"
)

// migrationsDir is where create writes new migration pairs, relative to the
// repository root
const migrationsDir = "internal/infrastructure/database/migrations"

var migrationName = regexp.MustCompile(`^[a-z0-9_]+$`)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status, force, create")
		name       = flag.String("name", "", "Migration name (for create action)")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
		version    = flag.Int("version", -1, "Version to force (for force action)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewZapLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *action == "create" {
		dialect, err := database.ParseDialect(cfg.Database.Driver)
		if err == nil {
			_, err = Create(filepath.Join(migrationsDir, string(dialect)), *name, time.Now())
		}
		if err != nil {
			slog.Error("migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	migrator, err := NewMigrator(context.Background(), cfg.Database, logger)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer migrator.Close()

	switch *action {
	case "up":
		err = migrator.Up(*steps)
	case "down":
		err = migrator.Down(*steps)
	case "status":
		err = migrator.Status(os.Stdout)
	case "force":
		if *version < 0 {
			slog.Error("version is required for force action")
			os.Exit(1)
		}
		err = migrator.Force(*version)
	default:
		slog.Error("unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

// Migrator drives the embedded schema migrations of one database
type Migrator struct {
	m       *migrate.Migrate
	dialect database.Dialect
	logger  *zap.Logger
}

// NewMigrator opens the configured database for migration
func NewMigrator(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Migrator, error) {
	db, dialect, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	m, err := database.NewMigrator(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Migrator{m: m, dialect: dialect, logger: logger}, nil
}

// Close releases the migrator and its database connection
func (m *Migrator) Close() {
	srcErr, dbErr := m.m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		m.logger.Warn("failed to close migrator", zap.Error(err))
	}
}

// Up applies steps pending migrations, or all of them when steps is 0
func (m *Migrator) Up(steps int) error {
	if steps <= 0 {
		return database.ApplyUp(m.m, m.logger)
	}
	if err := m.m.Steps(steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply %d migrations: %w", steps, err)
	}
	m.logVersion("migrations applied")
	return nil
}

// Down rolls back steps migrations, or all of them when steps is 0
func (m *Migrator) Down(steps int) error {
	var err error
	if steps <= 0 {
		err = m.m.Down()
	} else {
		err = m.m.Steps(-steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	m.logVersion("migrations rolled back")
	return nil
}

// Force marks the schema as being at version without running anything. It
// clears the dirty flag left by a failed migration.
func (m *Migrator) Force(version int) error {
	if err := m.m.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	m.logger.Warn("schema version forced", zap.Int("version", version))
	return nil
}

// Status writes the current schema version to w
func (m *Migrator) Status(w io.Writer) error {
	version, dirty, err := m.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		_, err = fmt.Fprintf(w, "%s: no migrations applied\n", m.dialect)
		return err
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty"
	}
	_, err = fmt.Fprintf(w, "%s: version %d (%s)\n", m.dialect, version, state)
	return err
}

func (m *Migrator) logVersion(msg string) {
	version, dirty, err := m.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		m.logger.Warn("failed to read schema version", zap.Error(err))
		return
	}
	m.logger.Info(msg, zap.Uint("version", version), zap.Bool("dirty", dirty))
}

// Create writes an empty up/down migration pair numbered after the newest
// migration in dir and returns the up file
func Create(dir, name string, now time.Time) (string, error) {
	if !migrationName.MatchString(name) {
		return "", fmt.Errorf("migration name %q must be lower_snake_case", name)
	}

	ups, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return "", fmt.Errorf("failed to list migration files: %w", err)
	}
	next := 1
	for _, up := range ups {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(up), "%06d_", &n); err == nil && n >= next {
			next = n + 1
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	base := fmt.Sprintf("%06d_%s", next, name)
	header := fmt.Sprintf("-- Migration: %s\n-- Created at: %s\n\n", name, now.UTC().Format(time.RFC3339))

	upPath := filepath.Join(dir, base+".up.sql")
	for _, path := range []string{upPath, filepath.Join(dir, base+".down.sql")} {
		if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
			return "", fmt.Errorf("failed to create migration file: %w", err)
		}
	}

	slog.Info("created migration", "file", upPath)
	return upPath, nil
}
