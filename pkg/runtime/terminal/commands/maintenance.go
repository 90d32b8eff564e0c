package commands

import (
	"context"

	"github.com/de-tools/health-audit/pkg/services/audit"
	"github.com/spf13/cobra"
)

type AckCmd struct {
	env  *Env
	by   string
	note string
}

func NewAckCmd(env *Env) *cobra.Command {
	ac := &AckCmd{env: env}
	cmd := &cobra.Command{
		Use:   "ack <finding-id>",
		Short: "Acknowledge a finding",
		Args:  cobra.ExactArgs(1),
		RunE:  ac.run,
	}

	cmd.Flags().StringVar(&ac.by, "as", currentUser(), "Name recorded as the acknowledging user")
	cmd.Flags().StringVar(&ac.note, "note", "", "Optional note")

	return cmd
}

func (ac *AckCmd) run(cmd *cobra.Command, args []string) error {
	return ac.env.withService(cmd, func(ctx context.Context, svc audit.Service) error {
		finding, err := svc.AcknowledgeFinding(ctx, ac.env.Tenant, args[0], ac.by, ac.note)
		if err != nil {
			return err
		}
		return ac.env.Reporter.Acknowledged(finding)
	})
}

type PruneCmd struct {
	env *Env
}

func NewPruneCmd(env *Env) *cobra.Command {
	pc := &PruneCmd{env: env}
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than the retention window",
		Args:  cobra.NoArgs,
		RunE:  pc.run,
	}
}

func (pc *PruneCmd) run(cmd *cobra.Command, _ []string) error {
	return pc.env.withEngine(cmd, func(ctx context.Context, svc audit.Service) error {
		pruned, err := svc.Prune(ctx)
		if err != nil {
			return err
		}
		return pc.env.Reporter.Pruned(pruned)
	})
}
