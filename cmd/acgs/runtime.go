package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dislovemartin/ACGS-sub005/pkg/artifacts"
	"github.com/dislovemartin/ACGS-sub005/pkg/audit"
	"github.com/dislovemartin/ACGS-sub005/pkg/config"
	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/detector"
	"github.com/dislovemartin/ACGS-sub005/pkg/escalation"
	"github.com/dislovemartin/ACGS-sub005/pkg/lock"
	"github.com/dislovemartin/ACGS-sub005/pkg/notify"
	"github.com/dislovemartin/ACGS-sub005/pkg/observability"
	"github.com/dislovemartin/ACGS-sub005/pkg/orchestrator"
	"github.com/dislovemartin/ACGS-sub005/pkg/principle"
	"github.com/dislovemartin/ACGS-sub005/pkg/resolution"
	"github.com/dislovemartin/ACGS-sub005/pkg/scoring"
	"github.com/dislovemartin/ACGS-sub005/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// runtime is a fully wired pipeline plus the resources to release.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	orch       *orchestrator.Orchestrator
	principles *principle.MemoryStore
	log        audit.Log
	writer     *audit.Writer
	closers    []func() error
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// newRuntime wires every component from cfg. On error everything opened so
// far is released.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	r := &runtime{cfg: cfg, logger: logger, principles: principle.NewMemoryStore()}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	db, err := openDB(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if db != nil {
		r.onClose(db.Close)
	}

	conflicts, err := newConflictStore(ctx, cfg.Store, db)
	if err != nil {
		return nil, err
	}

	r.log, err = newAuditLog(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	r.writer, err = audit.NewWriter(ctx, r.log, audit.WriterOptions{Logger: logger, QueueSize: cfg.Audit.QueueSize})
	if err != nil {
		return nil, fmt.Errorf("start audit writer: %w", err)
	}
	r.onClose(func() error { r.writer.Close(); return nil })

	locker, err := newLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return nil, err
	}
	if rl, ok := locker.(*lock.RedisLocker); ok {
		r.onClose(rl.Close)
	}

	dispatcher, err := newDispatcher(cfg.Notify, logger, r)
	if err != nil {
		return nil, err
	}

	pack, err := loadRulePack(cfg.Escalation.RulePack)
	if err != nil {
		return nil, err
	}
	extraRules, err := pack.CompileRules()
	if err != nil {
		return nil, err
	}

	telemetry, err := observability.New(ctx, &cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	r.onClose(func() error { return telemetry.Shutdown(context.Background()) })

	var archiver *audit.Archiver
	bundles, err := artifacts.New(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("open archive store: %w", err)
	}
	if bundles != nil {
		archiver = audit.NewArchiver(r.log, bundles, logger)
	}

	rates := make(map[contracts.StrategyName]float64, len(cfg.Resolution.SuccessRates))
	for name, rate := range cfg.Resolution.SuccessRates {
		rates[contracts.StrategyName(name)] = rate
	}

	r.orch, err = orchestrator.New(orchestrator.Options{
		Principles: r.principles,
		Store:      conflicts,
		Detector: detector.New(newScorer(cfg.Scoring), detector.Options{
			Threshold:      cfg.Detector.Threshold,
			ExtendedPasses: cfg.Detector.ExtendedPasses,
			Patterns:       pack.Patterns,
			Logger:         logger,
		}),
		Engine: resolution.NewEngine(resolution.Options{
			AutoResolutionThreshold: cfg.Resolution.AutoResolutionThreshold,
			SuccessRates:            rates,
			Logger:                  logger,
		}),
		Escalation: escalation.NewSystem(escalation.Options{
			ExtraRules: extraRules,
			Notifier:   dispatcher,
			Logger:     logger,
		}),
		Audit:                 r.writer,
		Locker:                locker,
		Telemetry:             telemetry,
		Archiver:              archiver,
		Logger:                logger,
		MaxResolutionAttempts: cfg.Orchestrator.MaxResolutionAttempts,
		PerAttemptTimeout:     cfg.Orchestrator.PerAttemptTimeout,
		VersionRetries:        cfg.Orchestrator.VersionRetries,
		AutoResolveConfidence: cfg.Orchestrator.AutoResolveConfidence,
		Workers:               cfg.Orchestrator.Workers,
		QueueSize:             cfg.Orchestrator.QueueSize,
		MonitorInterval:       cfg.Escalation.MonitorInterval,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// loadPrinciples fills the principle store from a YAML or JSON document.
func (r *runtime) loadPrinciples(path string) (int, error) {
	ps, err := principle.LoadFile(path)
	if err != nil {
		return 0, err
	}
	for _, p := range ps {
		r.principles.Put(p)
	}
	return len(ps), nil
}

func openDB(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	var driver string
	switch cfg.Driver {
	case config.StoreDriverMemory:
		return nil, nil
	case config.StoreDriverSQLite:
		driver = "sqlite"
	case config.StoreDriverPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == config.StoreDriverSQLite {
		// One connection keeps sqlite writes serialized.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func newConflictStore(ctx context.Context, cfg config.StoreConfig, db *sql.DB) (store.ConflictStore, error) {
	if db == nil {
		return store.NewMemoryStore(), nil
	}
	dialect, err := store.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	s := store.NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate conflict store: %w", err)
	}
	return s, nil
}

func newAuditLog(ctx context.Context, cfg *config.Config, db *sql.DB) (audit.Log, error) {
	switch cfg.Audit.Backend {
	case config.AuditBackendFile:
		return audit.OpenFileLog(cfg.Audit.Path)
	case config.AuditBackendSQL:
		if db == nil {
			return nil, fmt.Errorf("audit backend sql needs a sql store driver")
		}
		dialect, err := store.ParseDialect(cfg.Store.Driver)
		if err != nil {
			return nil, err
		}
		l := audit.NewSQLLog(db, dialect)
		if err := l.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate audit log: %w", err)
		}
		return l, nil
	default:
		return audit.NewMemoryLog(), nil
	}
}

func newLocker(ctx context.Context, cfg config.LockConfig, logger *slog.Logger) (lock.Locker, error) {
	if cfg.Backend != config.LockBackendRedis {
		return lock.NewKeyedMutex(), nil
	}
	rl := lock.NewRedisLocker(lock.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.TTL,
		Logger:   logger,
	})
	if err := rl.Ping(ctx); err != nil {
		_ = rl.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return rl, nil
}

func newDispatcher(cfg config.NotifyConfig, logger *slog.Logger, r *runtime) (*notify.Dispatcher, error) {
	d := notify.NewDispatcher(logger).WithTimeout(cfg.Timeout)
	d.Register(contracts.ChannelLog, notify.NewLogSender(logger))

	if cfg.WebhookURL != "" {
		headers := map[string]string{}
		if cfg.WebhookAuthHeader != "" {
			headers["Authorization"] = cfg.WebhookAuthHeader
		}
		d.Register(contracts.ChannelWebhook, notify.NewWebhookSender(notify.WebhookConfig{
			URL:               cfg.WebhookURL,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.WebhookRateLimit,
			Headers:           headers,
		}))
	}
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		r.onClose(func() error { nc.Close(); return nil })
		d.Register(contracts.ChannelNATS, notify.NewNATSSender(nc, cfg.NATSSubject))
	}
	return d, nil
}

func newScorer(cfg config.ScoringConfig) scoring.Scorer {
	if cfg.Backend == config.ScorerHTTP {
		return scoring.NewHTTPScorer(scoring.HTTPConfig{
			URL:               cfg.URL,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	}
	return scoring.NewLexicalScorer()
}

func loadRulePack(path string) (*config.RulePack, error) {
	if path == "" {
		return &config.RulePack{}, nil
	}
	return config.LoadRulePack(path)
}
