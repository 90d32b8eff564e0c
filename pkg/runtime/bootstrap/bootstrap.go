package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/de-tools/health-audit/pkg/services/audit"
	"github.com/de-tools/health-audit/pkg/services/audit/archive"
	"github.com/de-tools/health-audit/pkg/services/audit/coordinator"
	"github.com/de-tools/health-audit/pkg/services/audit/diff"
	"github.com/de-tools/health-audit/pkg/services/audit/scanner"
	"github.com/de-tools/health-audit/pkg/services/audit/scoring"
	"github.com/de-tools/health-audit/pkg/services/audit/trend"
	"github.com/de-tools/health-audit/pkg/services/config"
	"github.com/de-tools/health-audit/pkg/store/datasource"
	"github.com/de-tools/health-audit/pkg/store/duckdb"
	auditstore "github.com/de-tools/health-audit/pkg/store/duckdb/audit"
	"github.com/de-tools/health-audit/pkg/store/duckdb/claim"
	"github.com/rs/zerolog"
)

// App is a fully wired audit engine.
type App struct {
	Config  *config.Config
	Service audit.Service

	db                     *sql.DB
	sources                *datasource.Registry
	engine                 *scoring.Engine
	setRegressionThreshold func(float64) error
}

type Option func(*options)

type options struct {
	scanners []scanner.Scanner
	mirror   archive.Mirror
}

// WithScanners registers scanners in addition to the check catalogue.
func WithScanners(s ...scanner.Scanner) Option {
	return func(o *options) {
		o.scanners = append(o.scanners, s...)
	}
}

// WithMirror replaces the S3 mirror built from the archive settings.
func WithMirror(m archive.Mirror) Option {
	return func(o *options) {
		o.mirror = m
	}
}

// New opens the store and data sources described by cfg and wires the engine on top.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	logger := zerolog.Ctx(ctx)
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	scoringSettings, err := cfg.ScoringSettings()
	if err != nil {
		return nil, err
	}
	engine, err := scoring.NewEngine(scoringSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to create scoring engine: %w", err)
	}

	catalogue, err := scanner.LoadCatalogue(cfg.Checks.Path)
	if err != nil {
		return nil, err
	}
	registry, err := scanner.NewRegistry(append(catalogue.Scanners(), o.scanners...)...)
	if err != nil {
		return nil, err
	}
	if len(registry.Scanners()) == 0 {
		return nil, fmt.Errorf("no checks configured in %s", cfg.Checks.Path)
	}

	var profiles config.Registry
	if _, statErr := os.Stat(cfg.DataSources.Path); statErr == nil {
		profiles, err = config.NewRegistry(cfg.DataSources.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load data source profiles: %w", err)
		}
	} else {
		logger.Warn().
			Str("path", cfg.DataSources.Path).
			Msg("data source profile file not found, every dimension will be unavailable")
	}
	sources := datasource.NewRegistry(profiles)

	db, err := duckdb.NewDB(duckdb.Settings{
		DbPath:  cfg.Store.Path,
		Threads: cfg.Store.Threads,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB instance: %w", err)
	}
	app := &App{Config: cfg, db: db, sources: sources, engine: engine}

	store, err := auditstore.NewStore(db)
	if err != nil {
		return nil, app.abort(fmt.Errorf("failed to create audit store: %w", err))
	}

	coordOpts := []coordinator.Option{}
	switch cfg.Engine.Lock {
	case config.LockClaim:
		locker, err := claim.NewLocker(db, cfg.Engine.LockLease)
		if err != nil {
			return nil, app.abort(err)
		}
		coordOpts = append(coordOpts, coordinator.WithLocker(locker))
	default:
		coordOpts = append(coordOpts, coordinator.WithLocker(coordinator.NewMemoryLocker()))
	}

	var arch *archive.Archive
	if cfg.Archive.Dir != "" {
		mirror := o.mirror
		if mirror == nil && cfg.Archive.S3.Bucket != "" {
			s3Mirror, err := archive.NewS3Mirror(ctx, cfg.Archive.S3)
			if err != nil {
				return nil, app.abort(err)
			}
			mirror = s3Mirror
		}
		var archOpts []archive.Option
		if mirror != nil {
			archOpts = append(archOpts, archive.WithMirror(mirror))
		}
		arch, err = archive.New(cfg.Archive.Dir, archOpts...)
		if err != nil {
			return nil, app.abort(err)
		}
		coordOpts = append(coordOpts, coordinator.WithArchiver(arch))
	}

	coordSettings := coordinator.DefaultSettings()
	coordSettings.RunTimeout = cfg.Engine.RunTimeout
	coordSettings.ScannerTimeout = cfg.Engine.ScannerTimeout
	coordSettings.NeutralDefault = cfg.Engine.NeutralDefault
	coordSettings.MaxScore = catalogue.MaxScore
	coordSettings.ScoringVersion = catalogue.ScoringVersion
	coordSettings.Environment = cfg.Engine.Environment
	coordSettings.Revision = cfg.Engine.Revision

	coord, err := coordinator.New(registry, sources, engine, store, coordSettings, coordOpts...)
	if err != nil {
		return nil, app.abort(fmt.Errorf("failed to create audit coordinator: %w", err))
	}
	analyzer, err := trend.NewAnalyzer(store)
	if err != nil {
		return nil, app.abort(err)
	}
	diffEngine, err := diff.NewEngine(store)
	if err != nil {
		return nil, app.abort(err)
	}

	svc, err := audit.NewService(audit.Dependencies{
		Coordinator: coord,
		Store:       store,
		Analyzer:    analyzer,
		Diff:        diffEngine,
		Archive:     arch,
	}, audit.Settings{
		RetentionDays:       cfg.Retention.Days,
		RegressionThreshold: cfg.Engine.RegressionThreshold,
		RegressionWindow:    cfg.Engine.RegressionWindow,
	})
	if err != nil {
		return nil, app.abort(err)
	}
	app.Service = svc
	app.setRegressionThreshold = svc.SetRegressionThreshold

	logger.Info().
		Str("store", cfg.Store.Path).
		Str("lock", cfg.Engine.Lock).
		Int("scanners", len(registry.Scanners())).
		Msg("audit engine ready")
	return app, nil
}

// Reload applies the settings that can change without a restart: risk thresholds and the
// default regression threshold.
func (a *App) Reload(ctx context.Context, cfg *config.Config) error {
	if err := a.engine.SetThresholds(cfg.Engine.Thresholds); err != nil {
		return fmt.Errorf("risk thresholds: %w", err)
	}
	if err := a.setRegressionThreshold(cfg.Engine.RegressionThreshold); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().
		Float64("low", cfg.Engine.Thresholds.Low).
		Float64("medium", cfg.Engine.Thresholds.Medium).
		Float64("high", cfg.Engine.Thresholds.High).
		Float64("regression_threshold", cfg.Engine.RegressionThreshold).
		Msg("configuration reloaded")
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.sources != nil {
		errs = append(errs, a.sources.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

func (a *App) abort(err error) error {
	return errors.Join(err, a.Close())
}
