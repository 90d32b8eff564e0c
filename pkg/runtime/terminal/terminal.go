package terminal

import (
	"context"
	"io"
	"os"

	"github.com/de-tools/health-audit/pkg/runtime/terminal/commands"
	"github.com/de-tools/health-audit/pkg/runtime/terminal/export"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// CLI represents the command-line interface
type CLI struct {
	env     *commands.Env
	rootCmd *cobra.Command
}

// Options contain configuration for the CLI
type Options struct {
	// Open builds the audit service from the config file at path.
	Open   commands.Opener
	Output io.Writer
	Logger *zerolog.Logger
}

// NewCLI creates a new CLI instance
func NewCLI(opts Options) *CLI {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	cli := &CLI{
		env: &commands.Env{
			Open:     opts.Open,
			Reporter: export.NewReporter(opts.Output),
			Logger:   logger,
		},
	}

	cli.rootCmd = cli.newRootCmd()
	return cli
}

func (cli *CLI) Execute() error {
	return cli.ExecuteContext(context.Background())
}

func (cli *CLI) ExecuteContext(ctx context.Context) error {
	return cli.rootCmd.ExecuteContext(ctx)
}

// SetArgs overrides os.Args, mainly for tests.
func (cli *CLI) SetArgs(args []string) {
	cli.rootCmd.SetArgs(args)
}

func (cli *CLI) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "audit",
		Short:         "System health audit engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&cli.env.ConfigPath, "config", "c", "", "Path to the YAML config file")
	cmd.PersistentFlags().StringVarP(&cli.env.Tenant, "tenant", "t", os.Getenv("AUDIT_TENANT"), "Tenant to audit (default $AUDIT_TENANT)")

	cmd.AddCommand(commands.NewRunCmd(cli.env))
	cmd.AddCommand(commands.NewRunsCmd(cli.env))
	cmd.AddCommand(commands.NewShowCmd(cli.env))
	cmd.AddCommand(commands.NewTrendCmd(cli.env))
	cmd.AddCommand(commands.NewRegressionsCmd(cli.env))
	cmd.AddCommand(commands.NewDiffCmd(cli.env))
	cmd.AddCommand(commands.NewAckCmd(cli.env))
	cmd.AddCommand(commands.NewPruneCmd(cli.env))

	return cmd
}
