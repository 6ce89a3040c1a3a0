package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"applylens/pkg/config"
)

type fakeMigratorDB struct {
	execErr  error
	applied  map[string]string
	executed []string
	closed   bool
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	sum, ok := f.applied[args[0].(string)]
	if !ok {
		return fakeMigratorRow{err: pgx.ErrNoRows}
	}
	return fakeMigratorRow{checksum: sum}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeMigratorTx{db: f}, nil
}

func (f *fakeMigratorDB) Close() { f.closed = true }

type fakeMigratorRow struct {
	checksum string
	err      error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	s, ok := dest[0].(*string)
	if !ok {
		return errors.New("expected string destination")
	}
	*s = r.checksum
	return nil
}

// fakeMigratorTx records applied SQL on its parent db; only Exec and the
// commit path are exercised by store.Migrate.
type fakeMigratorTx struct {
	pgx.Tx
	db *fakeMigratorDB
}

func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if !strings.HasPrefix(sql, "INSERT INTO schema_migrations") {
		t.db.executed = append(t.db.executed, sql)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (t *fakeMigratorTx) Commit(ctx context.Context) error   { return nil }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error { return nil }

func migrationsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"0001_init.sql":  "CREATE TABLE bundles (version BIGINT PRIMARY KEY);",
		"0002_audit.sql": "CREATE TABLE audit_events (id BIGSERIAL PRIMARY KEY);",
		"README.md":      "not a migration",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestRunMigratorAppliesPending(t *testing.T) {
	db := &fakeMigratorDB{}
	var gotCfg config.Postgres
	open := func(_ context.Context, pc config.Postgres) (migratorDB, error) {
		gotCfg = pc
		return db, nil
	}
	if err := runMigrator(config.Postgres{Host: "db", Name: "applylens"}, migrationsDir(t), open); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotCfg.Host != "db" || gotCfg.Name != "applylens" {
		t.Fatalf("expected postgres config to be passed through, got %+v", gotCfg)
	}
	if len(db.executed) != 2 || !strings.Contains(db.executed[0], "bundles") {
		t.Fatalf("expected both migrations in order, got %v", db.executed)
	}
	if !db.closed {
		t.Fatal("expected db to be closed")
	}
}

func TestRunMigratorErrors(t *testing.T) {
	open := func(context.Context, config.Postgres) (migratorDB, error) { return nil, errors.New("refused") }
	if err := runMigrator(config.Postgres{}, migrationsDir(t), open); err == nil || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("expected open error, got %v", err)
	}

	db := &fakeMigratorDB{execErr: errors.New("permission denied")}
	open = func(context.Context, config.Postgres) (migratorDB, error) { return db, nil }
	if err := runMigrator(config.Postgres{}, migrationsDir(t), open); err == nil || !strings.Contains(err.Error(), "schema_migrations") {
		t.Fatalf("expected bookkeeping table error, got %v", err)
	}
	if !db.closed {
		t.Fatal("expected db to be closed after a failed run")
	}

	tampered := &fakeMigratorDB{applied: map[string]string{"0001_init.sql": "stale"}}
	open = func(context.Context, config.Postgres) (migratorDB, error) { return tampered, nil }
	if err := runMigrator(config.Postgres{}, migrationsDir(t), open); err == nil || !strings.Contains(err.Error(), "changed after it was applied") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

// TestMainDirectMigrator tests the actual main() function by overriding global vars
func TestMainDirectMigrator(t *testing.T) {
	origLogFatalf := logFatalf
	origOpenDB := openDBFn
	defer func() {
		logFatalf = origLogFatalf
		openDBFn = origOpenDB
	}()
	t.Setenv("MIGRATIONS_DIR", migrationsDir(t))

	t.Run("main success path", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		openDBFn = func(context.Context, config.Postgres) (migratorDB, error) { return &fakeMigratorDB{}, nil }

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
	})

	t.Run("main db error calls logFatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		openDBFn = func(context.Context, config.Postgres) (migratorDB, error) {
			return nil, errors.New("db connection failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on db error")
		}
	})
}
