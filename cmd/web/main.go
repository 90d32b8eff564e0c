package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/de-tools/health-audit/pkg/runtime/bootstrap"
	"github.com/de-tools/health-audit/pkg/server"
	"github.com/de-tools/health-audit/pkg/server/middleware"
	"github.com/de-tools/health-audit/pkg/services/config"
	"github.com/de-tools/health-audit/pkg/services/schedule"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	var rootCmd = &cobra.Command{
		Use:   "web",
		Short: "Start the audit engine web server and scheduler",
		RunE:  runServer,
	}

	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to the YAML config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil {
		fmt.Printf("Error loading .env file: %v\n", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx, stop := signal.NotifyContext(logger.WithContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The watcher may fire before the engine is up.
	var (
		current   atomic.Pointer[bootstrap.App]
		scheduler atomic.Pointer[schedule.Scheduler]
	)
	cfg, err := config.Watch(cfgPath, func(next *config.Config) {
		app := current.Load()
		if app == nil {
			return
		}
		if err := app.Reload(ctx, next); err != nil {
			logger.Error().Err(err).Msg("failed to apply reloaded configuration")
			return
		}
		if s := scheduler.Load(); s != nil {
			if err := s.SetInterval(next.Schedule.Interval); err != nil {
				logger.Error().Err(err).Msg("failed to apply reloaded schedule interval")
			}
		}
		logger.Info().Msg("configuration reloaded")
	}, func(err error) {
		logger.Error().Err(err).Msg("ignoring invalid configuration change")
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Info().Msgf("Configuration found at `%s` successfully loaded.", cfgPath)

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	current.Store(app)
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close audit engine")
		}
	}()

	if cfg.Schedule.Enabled {
		policy, err := schedule.ParseInterval(cfg.Schedule.Interval)
		if err != nil {
			return err
		}
		s, err := schedule.New(app.Service, policy, cfg.Schedule.Tenants, cfg.Schedule.Tick)
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		scheduler.Store(s)
		go s.Run(ctx)
		logger.Info().Str("interval", policy.String()).Strs("tenants", cfg.Schedule.Tenants).Msg("scheduler started")
	}

	tokens := make(map[string]middleware.Principal, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens[t.Token] = middleware.Principal{
			ID:         t.Principal,
			Tenant:     t.Tenant,
			CanTrigger: t.Trigger,
			CanRead:    t.Read,
		}
	}
	if len(tokens) == 0 {
		logger.Warn().Msg("no API tokens configured, every API request will be rejected")
	}

	api := server.NewWebAPI(logger, server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Dependencies: server.Dependencies{
			Audit:      app.Service,
			Authorizer: middleware.NewStaticTokens(tokens),
			Limiter:    middleware.NewTenantLimiter(cfg.RateLimit.PerHour, cfg.RateLimit.Burst),
		},
	})

	return api.Start(ctx)
}
