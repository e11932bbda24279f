// Command migrate applies or rolls back the Postgres schema.
//
//	migrate [-postgres-dsn DSN] up
//	migrate [-postgres-dsn DSN] down [N]
//	migrate [-postgres-dsn DSN] version
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: os.Getenv("PLAYOUT_LOG_LEVEL"), Format: "text"})
	if err := run(os.Args[1:], logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

type command struct {
	dsn    string
	action string
	steps  int
}

func parseCommand(args []string) (command, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	if err := fs.Parse(args); err != nil {
		return command{}, err
	}

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("PLAYOUT_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		return command{}, errors.New("postgres DSN required: set -postgres-dsn, PLAYOUT_POSTGRES_DSN, or DATABASE_URL")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return command{}, errors.New("missing action: up, down, or version")
	}
	cmd := command{dsn: dsn, action: rest[0]}
	switch cmd.action {
	case "up", "version":
		if len(rest) > 1 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.action)
		}
	case "down":
		cmd.steps = 1
		if len(rest) > 2 {
			return command{}, errors.New("down takes at most one argument")
		}
		if len(rest) == 2 {
			steps, err := strconv.Atoi(rest[1])
			if err != nil || steps <= 0 {
				return command{}, fmt.Errorf("invalid step count %q", rest[1])
			}
			cmd.steps = steps
		}
	default:
		return command{}, fmt.Errorf("unknown action %q", cmd.action)
	}
	return cmd, nil
}

func run(args []string, logger *slog.Logger) error {
	cmd, err := parseCommand(args)
	if err != nil {
		return err
	}
	switch cmd.action {
	case "up":
		if err := storage.MigrateUp(cmd.dsn); err != nil {
			return err
		}
	case "down":
		if err := storage.MigrateDown(cmd.dsn, cmd.steps); err != nil {
			return err
		}
	}
	version, dirty, err := storage.MigrationVersion(cmd.dsn)
	if err != nil {
		return err
	}
	logger.Info("schema version", "action", cmd.action, "version", version, "dirty", dirty)
	return nil
}
