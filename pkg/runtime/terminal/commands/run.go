package commands

import (
	"context"
	"os/user"

	"github.com/de-tools/health-audit/pkg/services/audit"
	"github.com/spf13/cobra"
)

type RunCmd struct {
	env         *Env
	triggeredBy string
}

func NewRunCmd(env *Env) *cobra.Command {
	rc := &RunCmd{env: env}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an audit now and print its summary",
		Args:  cobra.NoArgs,
		RunE:  rc.run,
	}

	cmd.Flags().StringVar(&rc.triggeredBy, "as", currentUser(), "Name recorded as the run's trigger")

	return cmd
}

func (rc *RunCmd) run(cmd *cobra.Command, _ []string) error {
	return rc.env.withService(cmd, func(ctx context.Context, svc audit.Service) error {
		summary, err := svc.RunAudit(ctx, rc.env.Tenant, "cli:"+rc.triggeredBy)
		if err != nil {
			return err
		}
		return rc.env.Reporter.Summary(summary)
	})
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
