// Package testutil provides a migrated PostgreSQL database for integration
// tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/mbd888/txguard/migrations"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

// TransactionTables are the tables Reset clears.
var TransactionTables = []string{"transactions"}

// Postgres returns a database with every embedded migration applied. It
// connects to POSTGRES_URL when set and otherwise starts a disposable
// container. The test is skipped under -short without POSTGRES_URL, and when
// no container runtime is available. Connections and containers are released
// by t.Cleanup.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		if testing.Short() {
			t.Skip("POSTGRES_URL not set and -short given")
		}
		dsn = startContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("testutil: open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("testutil: ping postgres: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("testutil: migrate: %v", err)
	}

	Reset(t, db)
	t.Cleanup(func() { Reset(t, db) })
	return db
}

// Reset empties TransactionTables.
func Reset(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range TransactionTables {
		if _, err := db.Exec("TRUNCATE " + table); err != nil {
			t.Fatalf("testutil: truncate %s: %v", table, err)
		}
	}
}

func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("txguard"),
		postgres.WithUsername("txguard"),
		postgres.WithPassword("txguard"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("testutil: start postgres container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("testutil: container dsn: %v", err)
	}
	return dsn
}
