// Command migrate applies or rolls back the Postgres schema backing
// pkg/persistence (spec.md §6, "Persisted state"): runs, tasks,
// connections, credentials, audit_logs, and rule_change_proposals.
// Grounded on github.com/pressly/goose/v3's documented
// goose.SetBaseFS/goose.Up usage against an embed.FS of .sql files — the
// teacher's go.mod lists goose as a direct dependency with no migration
// runner of its own in the retrieval pack.
package main

import (
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/yuhi-dope/ai-agent-all/internal/dbconn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	direction := flag.String("direction", "up", "up, down, or status")
	flag.Parse()

	cfg := dbconn.DefaultConfig()
	cfg.LoadFromEnv()

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: set dialect: %v\n", err)
		os.Exit(1)
	}

	switch *direction {
	case "up":
		err = goose.Up(db, "migrations")
	case "down":
		err = goose.Down(db, "migrations")
	case "status":
		err = goose.Status(db, "migrations")
	default:
		fmt.Fprintf(os.Stderr, "migrate: unknown direction %q\n", *direction)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}
