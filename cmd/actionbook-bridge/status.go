package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/actionbook/bridge/internal/bridge"
	"github.com/actionbook/bridge/internal/config"
	"github.com/actionbook/bridge/internal/state"
)

func statusCommand(settings config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "report whether a bridge is running, standard and isolated scopes separately",
		Flags: []cli.Flag{portFlag(settings)},
		Action: func(ctx context.Context, c *cli.Command) error {
			requestedPort := c.Int("port")
			for _, scope := range []state.Scope{state.Standard, state.Isolated} {
				printScopeStatus(ctx, scope, requestedPort, c.IsSet("port"))
			}
			return nil
		},
	}
}

func printScopeStatus(ctx context.Context, scope state.Scope, requestedPort int, portSet bool) {
	store := state.New(scope)
	pid, port, ok, err := store.ReadPID()
	if err != nil {
		fmt.Printf("%s: error reading pid record: %v\n", scope, err)
		return
	}
	if !ok {
		fmt.Printf("%s: not running\n", scope)
		return
	}
	if portSet && port != requestedPort {
		fmt.Printf("%s: not running on port %d\n", scope, requestedPort)
		return
	}
	running := state.IsPIDAlive(pid) && bridge.IsRunning(port)
	fmt.Printf("%s: pid=%d port=%d running=%t\n", scope, pid, port, running)
	if running {
		printRegistryStatus(ctx, scope, port)
	}
}

// printRegistryStatus queries the running bridge's session registry over the
// cli wire protocol, since registry state lives only in the serve process.
func printRegistryStatus(ctx context.Context, scope state.Scope, port int) {
	token, ok, err := state.New(scope).ReadToken()
	if err != nil || !ok {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	result, err := bridge.SendCommand(reqCtx, port, token, bridge.StatusMethod, nil)
	if err != nil {
		fmt.Printf("%s:   connections: error querying registry: %v\n", scope, err)
		return
	}
	var status bridge.StatusResult
	if err := json.Unmarshal(result, &status); err != nil {
		fmt.Printf("%s:   connections: error parsing registry reply: %v\n", scope, err)
		return
	}
	fmt.Printf("%s:   connections: %d\n", scope, status.Count)
	for _, client := range status.Clients {
		fmt.Printf("%s:     %s transport=%s last_seen=%s\n", scope, client.ID, client.Transport, client.LastSeen.Format(time.RFC3339))
	}
}
