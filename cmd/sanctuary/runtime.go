package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/Mindburn-Labs/sanctuary/pkg/archive"
	"github.com/Mindburn-Labs/sanctuary/pkg/audit"
	"github.com/Mindburn-Labs/sanctuary/pkg/config"
	"github.com/Mindburn-Labs/sanctuary/pkg/emergency"
	"github.com/Mindburn-Labs/sanctuary/pkg/framework"
	"github.com/Mindburn-Labs/sanctuary/pkg/monitor"
	"github.com/Mindburn-Labs/sanctuary/pkg/observability"
	"github.com/Mindburn-Labs/sanctuary/pkg/profile"
)

// runtime is the assembled service and everything it must release.
type runtime struct {
	cfg       *config.Config
	fw        *framework.Framework
	profiles  *profile.Store
	audit     *audit.Log
	telemetry *observability.Provider
	closers   []func(context.Context) error
}

func (rt *runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openProfiles builds the profile store on the configured backend and
// applies the seed file.
func openProfiles(ctx context.Context, cfg *config.Config, rt *runtime) (*profile.Store, error) {
	store := profile.NewStore(cfg.Policy.Weights)

	switch cfg.ProfileBackend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		rt.onClose(func(context.Context) error { return db.Close() })
		backend := profile.NewPostgresBackend(db)
		if err := backend.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate profiles: %w", err)
		}
		store.SetBackend(backend, cfg.CallTimeout)
	case config.BackendRedis:
		backend := profile.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		rt.onClose(func(context.Context) error { return backend.Close() })
		if err := backend.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		store.SetBackend(backend, cfg.CallTimeout)
	}

	if cfg.ProfileSeed != "" {
		n, err := store.Seed(ctx, cfg.ProfileSeed)
		if err != nil {
			return nil, fmt.Errorf("seed profiles: %w", err)
		}
		slog.Info("profiles seeded", "count", n, "file", cfg.ProfileSeed)
	}
	return store, nil
}

// openAudit restores the persisted audit chain and attaches the sink.
func openAudit(ctx context.Context, cfg *config.Config, rt *runtime) (*audit.Log, error) {
	log := audit.NewLog().WithWriteTimeout(cfg.CallTimeout)
	if cfg.AuditDB == "" {
		return log, nil
	}
	sink, err := audit.OpenSQLiteSink(cfg.AuditDB)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	rt.onClose(func(context.Context) error { return sink.Close() })
	entries, err := sink.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("read audit db: %w", err)
	}
	if err := log.Restore(entries); err != nil {
		return nil, fmt.Errorf("restore audit chain: %w", err)
	}
	log.SetSink(sink)
	rt.onClose(log.Close)
	return log, nil
}

func archiveConfig(cfg *config.Config) archive.Config {
	return archive.Config{
		Type:     archive.Kind(cfg.Archive.Type),
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Prefix:   cfg.Archive.Prefix,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
	}
}

func notifier(cfg *config.Config) emergency.Notifier {
	logN := emergency.LogNotifier{}
	return emergency.ChannelRouter{
		"webhook": emergency.NewWebhookNotifier(&http.Client{Timeout: cfg.CallTimeout}),
		"email":   logN,
		"sms":     logN,
	}
}

// buildRuntime assembles the framework from configuration.
func buildRuntime(ctx context.Context, cfg *config.Config) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = framework.Version
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.Insecure = cfg.OTelInsecure
	if rt.telemetry, err = observability.New(ctx, otelCfg); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rt.onClose(rt.telemetry.Shutdown)

	if rt.profiles, err = openProfiles(ctx, cfg, rt); err != nil {
		return nil, err
	}
	if rt.audit, err = openAudit(ctx, cfg, rt); err != nil {
		return nil, err
	}
	store, err := archive.NewStore(ctx, archiveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("report archive: %w", err)
	}
	if c, ok := store.(interface{ Close() error }); ok {
		rt.onClose(func(context.Context) error { return c.Close() })
	}
	classifier, err := cfg.Policy.Classifier()
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	fwCfg := framework.Config{
		RiskCeiling: cfg.Ceiling(),
		MaxWorkers:  cfg.MaxWorkers,
		CallTimeout: cfg.CallTimeout,
		Fallback:    framework.FallbackBehavior(cfg.FallbackBehavior),
		Assessor:    cfg.Policy.Assessor,
		Pacing:      cfg.Policy.Pacing,
		Monitor: monitor.Config{
			CheckpointInterval: cfg.CheckpointInterval,
			TimeoutInterval:    cfg.TimeoutSweepInterval,
			SessionTimeout:     cfg.SessionTimeout(),
			ExemptPaused:       !cfg.TimeoutPaused,
			Retention:          cfg.SessionRetention,
		},
		Emergency: emergency.Config{CallTimeout: cfg.CallTimeout},
	}
	rt.fw, err = framework.New(fwCfg, framework.Deps{
		Profiles:   rt.profiles,
		Classifier: classifier,
		Notifier:   notifier(cfg),
		Audit:      rt.audit,
		Archive:    store,
		Telemetry:  rt.telemetry,
	})
	if err != nil {
		return nil, err
	}
	rt.onClose(rt.fw.Close)
	return rt, nil
}
