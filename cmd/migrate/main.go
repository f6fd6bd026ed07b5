// Command migrate manages the export archive schema.
//
//	migrate up | down | status | version | redo | up-to <v> | down-to <v>
//
// It reads DATABASE_URL (and LOG_LEVEL/LOG_FORMAT) the same way the server
// does, including a local .env file.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/loanlens/internal/config"
	"github.com/mbd888/loanlens/internal/logging"
	"github.com/mbd888/loanlens/migrations"
)

const migrateTimeout = 5 * time.Minute

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to|down-to> [version]")
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required; the export archive lives in PostgreSQL")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()

	if err := run(ctx, cfg.DatabaseURL, command, args); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return migrations.Run(ctx, command, db, args...)
}
