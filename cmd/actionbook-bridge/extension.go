package main

import (
	"github.com/urfave/cli/v3"

	"github.com/actionbook/bridge/internal/config"
)

func extensionCommand(settings config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "extension",
		Usage: "manage the bridge that connects this CLI to the companion browser extension",
		Commands: []*cli.Command{
			serveCommand(settings),
			statusCommand(settings),
			pingCommand(settings),
			stopCommand(settings),
		},
	}
}

func portFlag(settings config.Settings) *cli.IntFlag {
	return &cli.IntFlag{
		Name:  "port",
		Usage: "bridge port",
		Value: settings.DefaultPort,
	}
}
