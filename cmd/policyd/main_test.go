package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"applylens/pkg/config"
	"applylens/pkg/ratelimit"
	"applylens/pkg/store"
	"applylens/pkg/telemetry"
)

func noopTelemetry(context.Context, telemetry.Config) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunPolicydBuildsServer(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Kafka = config.Kafka{Brokers: []string{"127.0.0.1:1"}, Topic: "applylens.test"}
	cfg.Executor = config.Executor{URL: "http://127.0.0.1:1/execute", Retries: 1}

	var served *http.Server
	err := runPolicyd(cfg, noopTelemetry, nil, func(s *http.Server) error {
		served = s
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if served == nil || served.Addr != "127.0.0.1:0" || served.Handler == nil {
		t.Fatalf("expected configured server, got %+v", served)
	}
}

func TestRunPolicydErrors(t *testing.T) {
	okStore := func(context.Context, config.Config) (*backends, error) {
		return &backends{Cache: store.NewMemoryCache()}, nil
	}
	listenOK := func(*http.Server) error { return nil }

	prod := testConfig()
	prod.Environment = "production"
	if err := runPolicyd(prod, noopTelemetry, okStore, listenOK); err == nil {
		t.Fatal("expected hardening to reject memory storage in production")
	}

	badTelemetry := func(context.Context, telemetry.Config) (func(context.Context) error, error) {
		return nil, errors.New("collector down")
	}
	if err := runPolicyd(testConfig(), badTelemetry, okStore, listenOK); err == nil || !strings.Contains(err.Error(), "collector down") {
		t.Fatalf("expected telemetry error, got %v", err)
	}

	failStore := func(context.Context, config.Config) (*backends, error) { return nil, errors.New("no db") }
	if err := runPolicyd(testConfig(), noopTelemetry, failStore, listenOK); err == nil || !strings.Contains(err.Error(), "no db") {
		t.Fatalf("expected store error, got %v", err)
	}

	missing := testConfig()
	missing.WeightsFile = filepath.Join(t.TempDir(), "weights.yaml")
	if err := runPolicyd(missing, noopTelemetry, okStore, listenOK); err == nil {
		t.Fatal("expected missing weights file error")
	}

	if err := runPolicyd(testConfig(), noopTelemetry, okStore, func(*http.Server) error { return errors.New("bind") }); err == nil {
		t.Fatal("expected listen error")
	}
	if err := runPolicyd(testConfig(), noopTelemetry, okStore, func(*http.Server) error { return http.ErrServerClosed }); err != nil {
		t.Fatalf("expected closed server to be a clean exit, got %v", err)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	done := make(chan error, 1)
	server := &http.Server{Addr: "127.0.0.1:0"}
	server.RegisterOnShutdown(func() { close(release) })
	go func() {
		done <- serve(ctx, server, func(*http.Server) error {
			<-release
			return http.ErrServerClosed
		}, time.Second)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestOpenBackends(t *testing.T) {
	cfg := testConfig()
	be, err := openBackends(context.Background(), cfg)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if be.Repo != nil || be.Audit != nil {
		t.Fatal("expected no repository in memory mode")
	}
	if _, ok := be.Cache.(*store.MemoryCache); !ok {
		t.Fatalf("expected memory cache, got %T", be.Cache)
	}
	if _, ok := be.Limiter.(*ratelimit.InMemoryLimiter); !ok {
		t.Fatalf("expected in-memory limiter, got %T", be.Limiter)
	}
	be.Close()

	mr := miniredis.RunT(t)
	cfg.Redis.Addr = mr.Addr()
	be, err = openBackends(context.Background(), cfg)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer be.Close()
	if _, ok := be.Cache.(*store.RedisCache); !ok {
		t.Fatalf("expected redis cache, got %T", be.Cache)
	}
	if _, ok := be.Limiter.(*ratelimit.RedisLimiter); !ok {
		t.Fatalf("expected redis limiter, got %T", be.Limiter)
	}

	cfg.Storage = "sqlite"
	if _, err := openBackends(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "unknown STORAGE") {
		t.Fatalf("expected unknown storage error, got %v", err)
	}
}

func TestSeedBundle(t *testing.T) {
	hs := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "bundle.yaml")
	if err := os.WriteFile(path, []byte(labelBundle), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := hs.s.seedBundle(context.Background(), path); err != nil {
		t.Fatalf("seed: %v", err)
	}
	list := hs.s.Bundles.List()
	if len(list) != 1 || list[0].CreatedBy != "bootstrap" || len(list[0].Rules) != 1 {
		t.Fatalf("expected one seeded draft, got %+v", list)
	}
	if err := hs.s.seedBundle(context.Background(), path); err != nil || len(hs.s.Bundles.List()) != 1 {
		t.Fatalf("expected seeding to skip a non-empty store, got %v", err)
	}
	if err := newHarness(t, nil).s.seedBundle(context.Background(), path+".missing"); err == nil {
		t.Fatal("expected missing bundle file error")
	}
}

// TestMainDirect tests the actual main() function by overriding global vars
func TestMainDirect(t *testing.T) {
	origLogFatalf := logFatalf
	origInitTelemetry := initTelemetryFn
	origOpenStore := openStoreFn
	origListen := listenFn
	defer func() {
		logFatalf = origLogFatalf
		initTelemetryFn = origInitTelemetry
		openStoreFn = origOpenStore
		listenFn = origListen
	}()

	t.Setenv("ADDR", "127.0.0.1:0")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("STORAGE", "memory")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")

	t.Run("main success path", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		initTelemetryFn = noopTelemetry
		openStoreFn = nil
		listenFn = func(*http.Server) error { return nil }

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
	})

	t.Run("main error path calls logFatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		initTelemetryFn = func(context.Context, telemetry.Config) (func(context.Context) error, error) {
			return nil, errors.New("telemetry init failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on error")
		}
	})
}
