package main

import (
	"context"
	"fmt"
	"os"

	"github.com/de-tools/health-audit/pkg/runtime/bootstrap"
	"github.com/de-tools/health-audit/pkg/runtime/terminal"
	"github.com/de-tools/health-audit/pkg/services/audit"
	"github.com/de-tools/health-audit/pkg/services/config"
	"github.com/rs/zerolog"
)

func open(ctx context.Context, configPath string) (audit.Service, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return app.Service, app.Close, nil
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.WarnLevel).
		With().Timestamp().Logger()

	cli := terminal.NewCLI(terminal.Options{
		Open:   open,
		Output: os.Stdout,
		Logger: &logger,
	})

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
