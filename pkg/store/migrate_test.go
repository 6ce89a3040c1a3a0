package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigrationDB struct {
	execErr  error
	recorded map[string]string
	lookErr  error
	tx       *fakeTx
	beginErr error
}

func (f *fakeMigrationDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func (f *fakeMigrationDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if f.lookErr != nil {
		return fakeRow{err: f.lookErr}
	}
	sum, ok := f.recorded[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{values: []any{sum}}
}

func (f *fakeMigrationDB) Begin(context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if f.tx == nil {
		f.tx = &fakeTx{}
	}
	return f.tx, nil
}

// fakeTx embeds pgx.Tx so only the methods Migrate calls need bodies.
type fakeTx struct {
	pgx.Tx
	execs       []string
	failOnExec  int
	commitErr   error
	rollbacks   int
	commitCalls int
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	if t.failOnExec > 0 && len(t.execs) == t.failOnExec {
		return pgconn.CommandTag{}, errors.New("exec fail")
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.commitCalls++
	return t.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rollbacks++
	return nil
}

func checksumOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func staticFiles(files ...string) MigrateOptions {
	return MigrateOptions{
		ReadFile: func(string) ([]byte, error) { return []byte("SELECT 1;"), nil },
		Glob:     func(string) ([]string, error) { return files, nil },
		Logf:     func(string, ...any) {},
	}
}

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()
	clean, err := validateMigrationPath("migrations", "migrations/0001_init.sql")
	if err != nil || clean != filepath.Clean("migrations/0001_init.sql") {
		t.Fatalf("expected valid migration path, got %q %v", clean, err)
	}
	if _, err := validateMigrationPath("migrations", "../outside.sql"); err == nil {
		t.Fatal("expected rejection for outside migration path")
	}
	if _, err := validateMigrationPath("migrations", "other/0001_init.sql"); err == nil {
		t.Fatal("expected rejection for different directory")
	}
}

func TestMigrateAppliesPendingInOrder(t *testing.T) {
	db := &fakeMigrationDB{recorded: map[string]string{"0001_init.sql": checksumOf("SELECT 1;")}}
	opts := staticFiles("migrations/0002_audit.sql", "migrations/0001_init.sql")
	n, err := Migrate(context.Background(), db, "migrations", opts)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 applied migration, got %d", n)
	}
	if len(db.tx.execs) != 2 || !strings.Contains(db.tx.execs[1], "INSERT INTO schema_migrations") {
		t.Fatalf("expected apply and mark statements, got %v", db.tx.execs)
	}
	if db.tx.commitCalls != 1 || db.tx.rollbacks != 0 {
		t.Fatalf("unexpected tx usage commit=%d rollback=%d", db.tx.commitCalls, db.tx.rollbacks)
	}
}

func TestMigrateAcceptsLegacyChecksumAndRejectsDrift(t *testing.T) {
	db := &fakeMigrationDB{recorded: map[string]string{"0001_init.sql": ""}}
	if n, err := Migrate(context.Background(), db, "migrations", staticFiles("migrations/0001_init.sql")); err != nil || n != 0 {
		t.Fatalf("expected legacy row to be skipped, got %d %v", n, err)
	}
	db.recorded["0001_init.sql"] = checksumOf("SELECT 2;")
	_, err := Migrate(context.Background(), db, "migrations", staticFiles("migrations/0001_init.sql"))
	if err == nil || !strings.Contains(err.Error(), "changed after it was applied") {
		t.Fatalf("expected drift error, got %v", err)
	}
}

func TestMigrateErrorBranches(t *testing.T) {
	one := staticFiles("migrations/0001.sql")
	cases := []struct {
		name string
		db   *fakeMigrationDB
		opts MigrateOptions
		want string
	}{
		{name: "create table", db: &fakeMigrationDB{execErr: errors.New("boom")}, opts: one, want: "create schema_migrations"},
		{name: "glob", db: &fakeMigrationDB{}, opts: MigrateOptions{Glob: func(string) ([]string, error) { return nil, errors.New("boom") }}, want: "glob migrations"},
		{name: "path", db: &fakeMigrationDB{}, opts: staticFiles("../evil.sql"), want: "invalid migration path"},
		{name: "read", db: &fakeMigrationDB{}, opts: MigrateOptions{
			Glob:     one.Glob,
			ReadFile: func(string) ([]byte, error) { return nil, errors.New("boom") },
		}, want: "read migration"},
		{name: "lookup", db: &fakeMigrationDB{lookErr: errors.New("boom")}, opts: one, want: "migration lookup"},
		{name: "begin", db: &fakeMigrationDB{beginErr: errors.New("boom")}, opts: one, want: "begin migration tx"},
		{name: "apply", db: &fakeMigrationDB{tx: &fakeTx{failOnExec: 1}}, opts: one, want: "apply migration"},
		{name: "mark", db: &fakeMigrationDB{tx: &fakeTx{failOnExec: 2}}, opts: one, want: "mark migration"},
		{name: "commit", db: &fakeMigrationDB{tx: &fakeTx{commitErr: errors.New("boom")}}, opts: one, want: "commit migration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Migrate(context.Background(), tc.db, "migrations", tc.opts)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
			if tc.db.tx != nil && (tc.name == "apply" || tc.name == "mark") && tc.db.tx.rollbacks != 1 {
				t.Fatalf("expected rollback, got %d", tc.db.tx.rollbacks)
			}
		})
	}
	if _, err := Migrate(context.Background(), nil, "migrations", MigrateOptions{}); err == nil {
		t.Fatal("expected db required error")
	}
}
