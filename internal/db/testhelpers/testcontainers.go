package testhelpers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/neontrader/backend/internal/db"
)

// PostgresContainer holds the testcontainer instance and connection details
type PostgresContainer struct {
	Container     *postgres.PostgresContainer
	ConnectionStr string
	DB            *db.DB
	cleanupFuncs  []func()
	t             *testing.T
}

// SetupTestDatabase starts a throwaway PostgreSQL container and wires a
// db.DB to it. The container and pool are torn down via t.Cleanup.
// Environments without a reachable Docker daemon skip instead of fail.
func SetupTestDatabase(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()
	requireDocker(t, ctx)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("neontrader_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to parse connection string: %v", err)
	}

	config.MaxConns = 5
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create connection pool: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to ping database: %v", err)
	}

	database := &db.DB{}
	database.SetPool(pool)

	tc := &PostgresContainer{
		Container:     container,
		ConnectionStr: connStr,
		DB:            database,
		cleanupFuncs:  []func(){},
		t:             t,
	}

	t.Cleanup(func() {
		tc.Cleanup()
	})

	return tc
}

// requireDocker skips the calling test when no Docker daemon answers.
func requireDocker(t *testing.T, ctx context.Context) {
	t.Helper()

	// testcontainers panics (rather than returning an error) when no
	// Docker host can be located at all; treat that the same as an error.
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("Docker unavailable, skipping integration test: %v", r)
		}
	}()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		t.Skipf("Docker unavailable, skipping integration test: %v", err)
	}
	defer provider.Close()

	if err := provider.Health(ctx); err != nil {
		t.Skipf("Docker unavailable, skipping integration test: %v", err)
	}
}

// ApplyMigrations runs SQL migrations from the migrations directory
func (tc *PostgresContainer) ApplyMigrations(migrationsPath string) error {
	tc.t.Helper()

	ctx := context.Background()
	pool := tc.DB.Pool()

	files, err := filepath.Glob(filepath.Join(migrationsPath, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to list migration files: %w", err)
	}

	// Numeric filename prefixes (001, 002, ...) make lexicographic
	// order the application order.
	sort.Slice(files, func(i, j int) bool {
		return filepath.Base(files[i]) < filepath.Base(files[j])
	})

	for _, migrationFile := range files {
		tc.t.Logf("Applying migration: %s", filepath.Base(migrationFile))

		sqlBytes, err := os.ReadFile(migrationFile)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", migrationFile, err)
		}

		if _, err := pool.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", filepath.Base(migrationFile), err)
		}
	}

	return nil
}

// AddCleanup registers a cleanup function to be called during teardown
func (tc *PostgresContainer) AddCleanup(fn func()) {
	tc.cleanupFuncs = append(tc.cleanupFuncs, fn)
}

// Cleanup terminates the container and runs cleanup functions
func (tc *PostgresContainer) Cleanup() {
	ctx := context.Background()

	// Run cleanup functions in reverse order
	for i := len(tc.cleanupFuncs) - 1; i >= 0; i-- {
		tc.cleanupFuncs[i]()
	}

	if tc.DB != nil {
		tc.DB.Close()
	}

	if tc.Container != nil {
		if err := tc.Container.Terminate(ctx); err != nil {
			tc.t.Logf("Failed to terminate container: %v", err)
		}
	}
}

// TruncateAllTables clears all data from tables (useful for test isolation)
func (tc *PostgresContainer) TruncateAllTables() error {
	ctx := context.Background()
	pool := tc.DB.Pool()

	// Order respects foreign keys; kill_switch_state keeps its seed row.
	tables := []string{
		"audit_logs",
		"notifications",
		"device_tokens",
		"alerts",
		"trade_approvals",
		"portfolio_journal",
		"portfolio_snapshots",
		"trades",
		"positions",
		"portfolios",
		"platform_credentials",
		"users",
	}

	for _, table := range tables {
		_, err := pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}

	if _, err := pool.Exec(ctx, "UPDATE kill_switch_state SET engaged = FALSE, reason = '', engaged_by = '' WHERE id = 1"); err != nil {
		return fmt.Errorf("failed to reset kill switch state: %w", err)
	}

	return nil
}

// ExecuteSQL executes arbitrary SQL (useful for test setup)
func (tc *PostgresContainer) ExecuteSQL(sql string) error {
	ctx := context.Background()
	pool := tc.DB.Pool()

	_, err := pool.Exec(ctx, sql)
	return err
}
