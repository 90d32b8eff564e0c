package commands

import (
	"context"
	"fmt"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit"
	"github.com/de-tools/health-audit/pkg/services/audit/trend"
	"github.com/spf13/cobra"
)

type RunsCmd struct {
	env   *Env
	limit int
}

func NewRunsCmd(env *Env) *cobra.Command {
	rc := &RunsCmd{env: env}
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent audit runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  rc.run,
	}

	cmd.Flags().IntVar(&rc.limit, "limit", 20, "Maximum number of runs to list")

	return cmd
}

func (rc *RunsCmd) run(cmd *cobra.Command, _ []string) error {
	if rc.limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", rc.limit)
	}
	return rc.env.withService(cmd, func(ctx context.Context, svc audit.Service) error {
		runs, err := svc.ListRuns(ctx, rc.env.Tenant, rc.limit)
		if err != nil {
			return err
		}
		return rc.env.Reporter.Runs(runs)
	})
}

type ShowCmd struct {
	env      *Env
	archived bool
}

func NewShowCmd(env *Env) *cobra.Command {
	sc := &ShowCmd{env: env}
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its dimension scores and findings",
		Args:  cobra.ExactArgs(1),
		RunE:  sc.run,
	}

	cmd.Flags().BoolVar(&sc.archived, "archived", false, "Read the archived report instead of the store")

	return cmd
}

func (sc *ShowCmd) run(cmd *cobra.Command, args []string) error {
	return sc.env.withService(cmd, func(ctx context.Context, svc audit.Service) error {
		get := svc.GetRun
		if sc.archived {
			get = svc.GetReport
		}
		detail, err := get(ctx, sc.env.Tenant, args[0])
		if err != nil {
			return err
		}
		return sc.env.Reporter.Detail(detail)
	})
}

type TrendCmd struct {
	env  *Env
	days int
}

func NewTrendCmd(env *Env) *cobra.Command {
	tc := &TrendCmd{env: env}
	cmd := &cobra.Command{
		Use:   "trend <dimension>",
		Short: "Show a dimension's score history",
		Args:  cobra.ExactArgs(1),
		RunE:  tc.run,
	}

	cmd.Flags().IntVar(&tc.days, "days", trend.DefaultWindowDays, "Window in days")

	return cmd
}

func (tc *TrendCmd) run(cmd *cobra.Command, args []string) error {
	dim, err := domain.ParseDimension(args[0])
	if err != nil {
		return err
	}
	return tc.env.withService(cmd, func(ctx context.Context, svc audit.Service) error {
		series, err := svc.GetTrend(ctx, tc.env.Tenant, dim, tc.days)
		if err != nil {
			return err
		}
		return tc.env.Reporter.Trend(series)
	})
}

type RegressionsCmd struct {
	env       *Env
	threshold float64
}

func NewRegressionsCmd(env *Env) *cobra.Command {
	rc := &RegressionsCmd{env: env}
	cmd := &cobra.Command{
		Use:   "regressions",
		Short: "List score drops between consecutive recent runs",
		Args:  cobra.NoArgs,
		RunE:  rc.run,
	}

	cmd.Flags().Float64Var(&rc.threshold, "threshold", 0, "Minimum drop to report (default from config)")

	return cmd
}

func (rc *RegressionsCmd) run(cmd *cobra.Command, _ []string) error {
	var threshold *float64
	if cmd.Flags().Changed("threshold") {
		if rc.threshold < 0 {
			return fmt.Errorf("threshold must be non-negative, got %v", rc.threshold)
		}
		threshold = &rc.threshold
	}
	return rc.env.withService(cmd, func(ctx context.Context, svc audit.Service) error {
		alerts, err := svc.GetRegressions(ctx, rc.env.Tenant, threshold)
		if err != nil {
			return err
		}
		return rc.env.Reporter.Regressions(alerts)
	})
}

type DiffCmd struct {
	env *Env
}

func NewDiffCmd(env *Env) *cobra.Command {
	dc := &DiffCmd{env: env}
	return &cobra.Command{
		Use:   "diff <base-run-id> <comparison-run-id>",
		Short: "Compare two runs",
		Args:  cobra.ExactArgs(2),
		RunE:  dc.run,
	}
}

func (dc *DiffCmd) run(cmd *cobra.Command, args []string) error {
	return dc.env.withService(cmd, func(ctx context.Context, svc audit.Service) error {
		d, err := svc.DiffRuns(ctx, dc.env.Tenant, args[0], args[1])
		if err != nil {
			return err
		}
		return dc.env.Reporter.Diff(d)
	})
}
