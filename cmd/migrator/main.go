package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"applylens/pkg/config"
	"applylens/pkg/store"
)

type migratorDB interface {
	store.MigrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context, pc config.Postgres) (migratorDB, error) {
		return store.NewPostgresPool(ctx, pc)
	}
)

func main() {
	cfg := config.FromEnv()
	dir := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR"))
	if dir == "" {
		dir = "migrations"
	}
	if err := runMigrator(cfg.Postgres, dir, openDBFn); err != nil {
		logFatalf("migration: %v", err)
	}
}

func runMigrator(pc config.Postgres, dir string, openDB func(context.Context, config.Postgres) (migratorDB, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	db, err := openDB(ctx, pc)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = store.Migrate(ctx, db, dir, store.MigrateOptions{Logf: log.Printf})
	return err
}
