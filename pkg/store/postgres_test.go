package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"applylens/pkg/config"
)

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "verify_full_allowed", url: "postgres://u:p@db:5432/x?sslmode=verify-full"},
		{name: "require_allowed", url: "postgres://u:p@db:5432/x?sslmode=require"},
		{name: "prefer_denied", url: "postgres://u:p@db:5432/x?sslmode=prefer", wantErr: true},
		{name: "missing_sslmode_denied", url: "postgres://u:p@db:5432/x", wantErr: true},
		{name: "invalid_url_denied", url: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validatePostgresTLS(tt.url)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %q", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.url, err)
			}
		})
	}
}

func TestNewPostgresPoolRejectsInvalidInputs(t *testing.T) {
	if _, err := NewPostgresPool(context.Background(), config.Postgres{URL: "://bad"}); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}
	_, err := NewPostgresPool(context.Background(), config.Postgres{
		URL:        "postgres://u:p@db:5432/x?sslmode=disable",
		RequireTLS: true,
	})
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("expected insecure transport error, got %v", err)
	}
}

func stubPoolDeps(t *testing.T) {
	t.Helper()
	origPing := postgresPingTimeout
	origSleep := postgresSleep
	origNew := pgxPoolNewWithConfig
	t.Cleanup(func() {
		postgresPingTimeout = origPing
		postgresSleep = origSleep
		pgxPoolNewWithConfig = origNew
	})
	postgresPingTimeout = 50 * time.Millisecond
	postgresSleep = func(time.Duration) {}
}

func TestNewPostgresPoolRetryExhaustedPing(t *testing.T) {
	stubPoolDeps(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = NewPostgresPool(context.Background(), config.Postgres{
		URL:            "postgres://u:p@" + addr + "/x?sslmode=disable",
		ConnectRetries: 1,
	})
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected retry exhausted error, got %v", err)
	}
}

func TestNewPostgresPoolAppliesPoolSettings(t *testing.T) {
	stubPoolDeps(t)
	attempts := 0
	var seen *pgxpool.Config
	pgxPoolNewWithConfig = func(_ context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		seen = cfg
		return nil, errors.New("boom")
	}
	_, err := NewPostgresPool(context.Background(), config.Postgres{
		URL:            "postgres://u:p@127.0.0.1:5432/x?sslmode=disable",
		MaxConns:       4,
		ConnectRetries: 3,
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected wrapped pool error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if seen.MaxConns != 4 {
		t.Fatalf("expected max conns 4, got %d", seen.MaxConns)
	}
	if got := seen.ConnConfig.RuntimeParams["application_name"]; got != "applylens-policyd" {
		t.Fatalf("expected application_name runtime param, got %q", got)
	}
}
