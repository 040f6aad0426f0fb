package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"PositionLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestNATSURL returns the NATS URL for integration tests.
func TestNATSURL() string {
	if url := os.Getenv("TEST_NATS_URL"); url != "" {
		return url
	}
	return "nats://localhost:4223"
}

// RequireIntegration skips the test if not running integration tests.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}

// SetupTestDB returns a migrated Postgres connection and a cleanup function.
// TEST_POSTGRES_DSN selects an existing server; otherwise a throwaway
// container is started.
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	RequireIntegration(t)
	ctx := context.Background()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	var container testcontainers.Container
	if dsn == "" {
		pg, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("posledger_test"),
			tcpostgres.WithUsername("posledger"),
			tcpostgres.WithPassword("posledger"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		container = pg
		dsn, err = pg.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			terminate(t, container)
			t.Fatalf("container connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		terminate(t, container)
		t.Fatalf("open test db: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		terminate(t, container)
		t.Skipf("test postgres not available: %v", err)
	}

	migrator, err := persistence.NewMigrator(db)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		for _, table := range []string{
			"projections.open_positions",
			"projections.open_interest",
			"projections.ledger_status",
		} {
			db.Exec(fmt.Sprintf("TRUNCATE %s", table))
		}
		db.Close()
		terminate(t, container)
	}
	return db, cleanup
}

func terminate(t *testing.T, c testcontainers.Container) {
	t.Helper()
	if c == nil {
		return
	}
	if err := c.Terminate(context.Background()); err != nil {
		t.Errorf("terminate container: %v", err)
	}
}
