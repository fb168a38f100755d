package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/actionbook/bridge/internal/bridge"
	"github.com/actionbook/bridge/internal/config"
	"github.com/actionbook/bridge/internal/state"
)

func pingCommand(settings config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "send Extension.ping over a running bridge and print the reply",
		Flags: []cli.Flag{portFlag(settings)},
		Action: func(ctx context.Context, c *cli.Command) error {
			port := c.Int("port")
			scope := resolveScopeForPort(port)
			token, ok, err := state.New(scope).ReadToken()
			if err != nil {
				return fmt.Errorf("read token record: %w", err)
			}
			if !ok {
				return fmt.Errorf("no bridge token on record for port %d", port)
			}

			result, err := bridge.SendCommand(ctx, port, token, "Extension.ping", nil)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
}

// resolveScopeForPort picks whichever scope's recorded port matches,
// defaulting to standard when neither record matches.
func resolveScopeForPort(port int) state.Scope {
	for _, scope := range []state.Scope{state.Standard, state.Isolated} {
		if _, recordedPort, ok, err := state.New(scope).ReadPID(); err == nil && ok && recordedPort == port {
			return scope
		}
	}
	return state.Standard
}
