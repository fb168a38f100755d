// Command actionbook-bridge is the CLI front-end: it parses arguments,
// loads persistent configuration, and drives the bridge router and the
// isolated-extension orchestrator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/actionbook/bridge/internal/config"
)

func main() {
	settings, err := config.LoadOrCreate("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(settings.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:  "actionbook-bridge",
		Usage: "local control plane for driving a browser through the Actionbook extension",
		Commands: []*cli.Command{
			extensionCommand(settings),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
