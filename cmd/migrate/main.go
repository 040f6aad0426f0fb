package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"PositionLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|version>")
		fmt.Println("  up      - apply all pending migrations")
		fmt.Println("  down    - roll back the last migration")
		fmt.Println("  version - print the current schema version")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  POSLEDGER_POSTGRES_DSN - Postgres connection string")
		os.Exit(1)
	}

	dsn := os.Getenv("POSLEDGER_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/positionledger?sslmode=disable"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	migrator, err := persistence.NewMigrator(db)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "version":
		version, dirty, err := migrator.Version()
		if err != nil {
			log.Fatalf("FATAL: read version: %v", err)
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'version')\n", os.Args[1])
		os.Exit(1)
	}
}
