// Command migrate applies or inspects the warehouse schema.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
//
// DATABASE_URL selects the target; the server also runs "up" on startup.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/eelnxz09/anamoly-processing/internal/config"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/migrations"
)

var commands = map[string]int{
	"up":      0,
	"down":    0,
	"status":  0,
	"version": 0,
	"redo":    0,
	"up-to":   1,
	"down-to": 1,
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command, args := os.Args[1], os.Args[2:]
	if n, ok := commands[command]; !ok || len(args) != n {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Component(logging.New(cfg.LogLevel, cfg.LogFormat), "migrate")

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.DatabaseURL, command, args); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := migrations.Setup(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
