package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/technosupport/licensegate/internal/config"
	"github.com/technosupport/licensegate/internal/ledger/postgres"
	"github.com/technosupport/licensegate/internal/logging"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	cfgPath := flag.String("config", "", "optional YAML config providing storage.dsn")
	source := flag.String("source", "file://db/migrations", "migration source URL")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: "text", Service: "licensegate-migrator"})

	// Storage settings come from the config file and the same DB_* /
	// LICENSEGATE_DSN variables the server reads.
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.Storage.DSN == "" {
		logger.Error("no postgres DSN: set LICENSEGATE_DSN or DB_HOST, DB_USER and DB_NAME")
		os.Exit(1)
	}

	store, err := postgres.Open(context.Background(), cfg.Storage.DSN)
	if err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	db, err := store.SQLDB()
	if err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		logger.Error("create migrate driver", "error", err)
		os.Exit(1)
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		logger.Error("initialize migrate", "source", *source, "error", err)
		os.Exit(1)
	}

	start := time.Now()
	if err := apply(m, *upCmd, *downCmd, *stepsCmd); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("no migrations applied")
	case err != nil:
		logger.Error("read version", "error", err)
	default:
		logger.Info("schema version", "version", version, "dirty", dirty)
	}
	logger.Info("done", "duration", time.Since(start).String())
}

func apply(m *migrate.Migrate, up, down bool, steps int) error {
	var err error
	switch {
	case up:
		err = m.Up()
	case down:
		err = m.Down()
	case steps != 0:
		err = m.Steps(steps)
	default:
		fmt.Fprintln(os.Stderr, "No command specified. Use -up, -down, or -steps.")
		return nil
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
