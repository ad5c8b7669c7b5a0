package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
	Filename    string
}

// Migrator handles database migrations
type Migrator struct {
	db  *sql.DB
	dir string
}

// NewMigrator creates a migration runner reading SQL files from dir
func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{db: db, dir: dir}
}

// ensureSchemaVersionTable creates the schema_version table if it doesn't exist
func (m *Migrator) ensureSchemaVersionTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			description TEXT
		);
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// getCurrentVersion returns the current schema version
func (m *Migrator) getCurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// loadMigrations loads all migration files from the migrations directory
func (m *Migrator) loadMigrations() ([]Migration, error) {
	var migrations []Migration

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	for _, entry := range entries {
		// Skip directories, non-SQL files, and DOWN migrations
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if strings.HasSuffix(entry.Name(), "_down.sql") {
			continue
		}

		// Keep reads confined to the migrations directory
		filePath := filepath.Join(m.dir, entry.Name())
		cleanPath := filepath.Clean(filePath)
		if !strings.HasPrefix(cleanPath, filepath.Clean(m.dir)) {
			return nil, fmt.Errorf("invalid migration file path: %s", entry.Name())
		}
		content, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		filename := entry.Name()
		var version int
		var description string

		// Parse filename format: 001_description.sql
		if _, err := fmt.Sscanf(filename, "%d_%s", &version, &description); err != nil {
			return nil, fmt.Errorf("invalid migration filename format: %s (expected: NNN_description.sql)", filename)
		}

		description = strings.TrimSuffix(description, ".sql")
		description = strings.ReplaceAll(description, "_", " ")

		migrations = append(migrations, Migration{
			Version:     version,
			Description: description,
			SQL:         string(content),
			Filename:    filename,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// Pending reports how many migrations have not been applied yet.
// Servers refuse to boot against an out-of-date schema.
func (m *Migrator) Pending(ctx context.Context) (int, error) {
	if err := m.ensureSchemaVersionTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return 0, err
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return 0, err
	}

	pending := 0
	for _, migration := range migrations {
		if migration.Version > currentVersion {
			pending++
		}
	}
	return pending, nil
}

// Migrate runs all pending migrations
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.ensureSchemaVersionTable(ctx); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return err
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return err
	}

	if len(migrations) == 0 {
		log.Warn().Str("dir", m.dir).Msg("No migrations found")
		return nil
	}

	pendingMigrations := []Migration{}
	for _, migration := range migrations {
		if migration.Version > currentVersion {
			pendingMigrations = append(pendingMigrations, migration)
		}
	}

	if len(pendingMigrations) == 0 {
		log.Info().Int("version", currentVersion).Msg("Database schema is up to date")
		return nil
	}

	log.Info().
		Int("current_version", currentVersion).
		Int("pending", len(pendingMigrations)).
		Msg("Applying migrations")

	for _, migration := range pendingMigrations {
		if err := m.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	finalVersion, _ := m.getCurrentVersion(ctx)
	log.Info().Int("version", finalVersion).Msg("Migration complete")

	return nil
}

// applyMigration applies a single migration inside a transaction
func (m *Migrator) applyMigration(ctx context.Context, migration Migration) error {
	log.Info().
		Int("version", migration.Version).
		Str("description", migration.Description).
		Msg("Applying migration")

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // Rollback on error - commit overrides if successful

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING",
		migration.Version,
		migration.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	fmt.Printf("Migration %d applied successfully\n", migration.Version)

	return nil
}

// Status shows the current migration status
func (m *Migrator) Status(ctx context.Context) error {
	if err := m.ensureSchemaVersionTable(ctx); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return err
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return err
	}

	fmt.Printf("Current schema version: %d\n", currentVersion)
	fmt.Printf("Available migrations: %d\n", len(migrations))
	fmt.Println("\nMigration history:")
	fmt.Println("VERSION | STATUS  | DESCRIPTION")
	fmt.Println("--------|---------|-----------------------------------")

	for _, migration := range migrations {
		status := "pending"
		if migration.Version <= currentVersion {
			status = "applied"
		}
		fmt.Printf("%-7d | %-7s | %s\n", migration.Version, status, migration.Description)
	}

	return nil
}
