package commands

import (
	"context"
	"fmt"

	"github.com/de-tools/health-audit/pkg/runtime/terminal/export"
	"github.com/de-tools/health-audit/pkg/services/audit"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Opener builds the audit service for a config file. The returned func releases it.
type Opener func(ctx context.Context, configPath string) (audit.Service, func() error, error)

// Env is shared by every command; the persistent flags are bound to it.
type Env struct {
	Open       Opener
	Reporter   *export.Reporter
	Logger     zerolog.Logger
	ConfigPath string
	Tenant     string
}

// withService is withEngine for tenant-scoped commands.
func (e *Env) withService(cmd *cobra.Command, fn func(ctx context.Context, svc audit.Service) error) error {
	if e.Tenant == "" {
		return fmt.Errorf("a tenant is required (--tenant or AUDIT_TENANT)")
	}
	return e.withEngine(cmd, fn)
}

// withEngine opens the service, runs fn and releases the service again.
func (e *Env) withEngine(cmd *cobra.Command, fn func(ctx context.Context, svc audit.Service) error) error {
	if e.Open == nil {
		return fmt.Errorf("audit service is not configured")
	}

	ctx := e.Logger.WithContext(cmd.Context())
	svc, release, err := e.Open(ctx, e.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to open audit engine: %w", err)
	}
	defer func() {
		if release == nil {
			return
		}
		if err := release(); err != nil {
			e.Logger.Warn().Err(err).Msg("failed to release audit engine")
		}
	}()

	return fn(ctx, svc)
}
