package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"applylens/pkg/approval"
	"applylens/pkg/audit"
	"applylens/pkg/bundle"
	"applylens/pkg/config"
	"applylens/pkg/dispatch"
	"applylens/pkg/hardening"
	"applylens/pkg/lint"
	"applylens/pkg/metrics"
	"applylens/pkg/models"
	"applylens/pkg/ratelimit"
	"applylens/pkg/risk"
	"applylens/pkg/rulefile"
	"applylens/pkg/runtimectl"
	"applylens/pkg/statebus"
	"applylens/pkg/store"
	"applylens/pkg/stream"
	"applylens/pkg/telemetry"
)

// repository is the persistence policyd needs; *store.Repo implements it.
type repository interface {
	approval.Observer
	SaveBundles(ctx context.Context, bundles []models.Bundle) error
	SaveApproval(ctx context.Context, a models.BundleApproval) error
	SaveSettingsChange(ctx context.Context, c models.SettingsChange) error
	LoadBundles(ctx context.Context) ([]models.Bundle, error)
	LoadApprovals(ctx context.Context) ([]models.BundleApproval, error)
	LoadActions(ctx context.Context) ([]models.ProposedAction, error)
	LoadStats(ctx context.Context) ([]models.PolicyStats, error)
	LoadSettings(ctx context.Context) (models.RuntimeSettings, []models.SettingsChange, bool, error)
}

// auditor is implemented by *audit.Writer.
type auditor interface {
	approval.Observer
	Forward(ctx context.Context) func(models.SettingsChange)
	BundlesChanged(ctx context.Context, op, actor string, bundles []models.Bundle) error
	ApprovalRecorded(ctx context.Context, a models.BundleApproval) error
	List(ctx context.Context, kind, ref string, limit int) ([]audit.Record, error)
}

// backends groups the stateful dependencies opened at startup. Repo and
// Audit are nil in memory mode.
type backends struct {
	Repo    repository
	Audit   auditor
	Cache   store.Cache
	Limiter ratelimit.Limiter
	Close   func()
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openStoreFn     func(context.Context, config.Config) (*backends, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runPolicyd(config.FromEnv(), initTelemetryFn, openStoreFn, listenFn); err != nil {
		logFatalf("policyd: %v", err)
	}
}

func runPolicyd(
	cfg config.Config,
	initTelemetry func(context.Context, telemetry.Config) (func(context.Context) error, error),
	openStore func(context.Context, config.Config) (*backends, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openStore == nil {
		openStore = openBackends
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}
	if err := hardening.ValidateProduction(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, telemetry.ConfigFromEnv(cfg.Service, cfg.Environment))
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	be, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if be.Close != nil {
		defer be.Close()
	}

	weights := risk.DefaultWeights()
	if cfg.WeightsFile != "" {
		if weights, err = rulefile.LoadWeights(cfg.WeightsFile); err != nil {
			return err
		}
	}

	var publisher *statebus.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err = statebus.NewKafkaPublisher(statebus.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
	}

	var executor approval.Executor = dispatch.LogOnly{}
	if cfg.Executor.URL != "" {
		hook, err := dispatch.NewWebhook(cfg.Executor)
		if err != nil {
			return err
		}
		executor = hook
	}

	s, err := newServer(ctx, cfg, weights, be, publisher, executor)
	if err != nil {
		return err
	}
	if err := s.seedBundle(ctx, cfg.BundleFile); err != nil {
		return err
	}
	go s.Workflow.RunRecompute(ctx, cfg.RecomputeInterval)

	log.Printf("policyd listening on %s (storage=%s)", cfg.Addr, cfg.Storage)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(cfg),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return serve(ctx, server, listen, cfg.ShutdownTimeout)
}

// newServer builds the decision components, hydrates them from be.Repo and
// registers every change observer.
func newServer(
	ctx context.Context,
	cfg config.Config,
	weights risk.WeightTable,
	be *backends,
	publisher *statebus.Publisher,
	executor approval.Executor,
) (*Server, error) {
	reg := metrics.NewRegistry()
	hub := stream.NewHub()

	rt := runtimectl.New(runtimectl.Defaults())
	lintOpts := lint.Options{MinRationale: cfg.MinRationale}
	mgr := bundle.New(bundle.Options{
		Runtime: rt,
		Lint:    func(rules []models.Rule) models.LintResult { return lint.LintWithOptions(rules, lintOpts) },
	})

	observers := []approval.Observer{}
	if be.Repo != nil {
		observers = append(observers, be.Repo)
	}
	if be.Audit != nil {
		observers = append(observers, be.Audit)
	}
	if publisher != nil {
		observers = append(observers, publisher)
	}
	observers = append(observers, hub, reg)
	wf := approval.New(approval.Options{Runtime: rt, Executor: executor, Observers: observers})

	if be.Repo != nil {
		if err := hydrate(ctx, be.Repo, rt, mgr, wf); err != nil {
			return nil, err
		}
	}

	rt.OnChange(func(c models.SettingsChange) {
		if be.Repo != nil {
			if err := be.Repo.SaveSettingsChange(ctx, c); err != nil {
				log.Printf("policyd save settings revision %d: %v", c.Revision, err)
			}
		}
	})
	if be.Audit != nil {
		rt.OnChange(be.Audit.Forward(ctx))
	}
	if publisher != nil {
		rt.OnChange(func(c models.SettingsChange) {
			if err := publisher.SettingsChanged(ctx, c); err != nil {
				log.Printf("policyd publish settings revision %d: %v", c.Revision, err)
			}
		})
	}
	rt.OnChange(hub.SettingsChanged)
	rt.OnChange(reg.SettingsChanged)

	reg.SetRuntime(rt.Snapshot())
	if active, ok := mgr.Active(); ok {
		reg.SetActiveBundle(active.Version)
	}

	var idem *store.Idempotency
	if be.Cache != nil {
		idem = store.NewIdempotency(be.Cache, cfg.IdempotencyTTL)
	}
	return &Server{
		Weights:             weights,
		Bundles:             mgr,
		Workflow:            wf,
		Runtime:             rt,
		LintOptions:         lintOpts,
		Idempotency:         idem,
		Repo:                be.Repo,
		Audit:               be.Audit,
		Limiter:             be.Limiter,
		Hub:                 hub,
		Metrics:             reg,
		OperatorTokenHeader: cfg.OperatorTokenHeader,
		OperatorToken:       cfg.OperatorToken,
		WSAllowedOrigins:    cfg.WSAllowedOrigins,
	}, nil
}

func hydrate(ctx context.Context, repo repository, rt *runtimectl.Controller, mgr *bundle.Manager, wf *approval.Workflow) error {
	settings, history, found, err := repo.LoadSettings(ctx)
	if err != nil {
		return err
	}
	if found {
		rt.Load(settings, history)
	}
	bundles, err := repo.LoadBundles(ctx)
	if err != nil {
		return err
	}
	approvals, err := repo.LoadApprovals(ctx)
	if err != nil {
		return err
	}
	if err := mgr.Load(bundles, approvals); err != nil {
		return fmt.Errorf("hydrate bundles: %w", err)
	}
	actions, err := repo.LoadActions(ctx)
	if err != nil {
		return err
	}
	stats, err := repo.LoadStats(ctx)
	if err != nil {
		return err
	}
	wf.Load(actions, stats)
	log.Printf("policyd hydrated %d bundles, %d actions, %d stats rows (settings revision %d)",
		len(bundles), len(actions), len(stats), rt.Snapshot().Revision)
	return nil
}

func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	be := &backends{}
	var closers []func()
	be.Close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	switch cfg.Storage {
	case "postgres":
		pool, err := store.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pool.Close)
		be.Repo = store.NewRepo(pool)
		be.Audit = &audit.Writer{DB: pool, HashSalt: []byte(cfg.Audit.HashSalt), Redact: cfg.Audit.Redact}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown STORAGE %q (want postgres or memory)", cfg.Storage)
	}

	if cfg.Redis.Addr == "" {
		be.Cache = store.NewMemoryCache()
		be.Limiter = ratelimit.NewInMemory(time.Minute)
		return be, nil
	}
	client, err := store.NewRedis(ctx, cfg.Redis)
	if err != nil {
		be.Close()
		return nil, err
	}
	closers = append(closers, func() { _ = client.Close() })
	be.Cache = store.NewCache(ctx, client)
	be.Limiter = ratelimit.NewRedis(client, time.Minute)
	return be, nil
}

// serve runs listen until it returns or ctx is cancelled, then drains
// in-flight requests for at most grace.
func serve(ctx context.Context, server *http.Server, listen func(*http.Server) error, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	log.Printf("policyd shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return server.Shutdown(sctx)
}
