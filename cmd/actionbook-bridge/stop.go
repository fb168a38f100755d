package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/actionbook/bridge/internal/bridge"
	"github.com/actionbook/bridge/internal/config"
	"github.com/actionbook/bridge/internal/state"
)

// stopGraceFirst and stopGraceSecond mirror the two-stage wait from the
// original implementation: a short initial grace, then a longer one, before
// escalating to SIGKILL.
const (
	stopGraceFirst  = 500 * time.Millisecond
	stopGraceSecond = 2 * time.Second
)

func stopCommand(settings config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "stop a running bridge, reconciling standard and isolated pid records",
		Flags: []cli.Flag{portFlag(settings)},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runStop(c.Int("port"), c.IsSet("port"))
		},
	}
}

type stopCandidate struct {
	scope state.Scope
	pid   int
	port  int
}

func runStop(requestedPort int, portSet bool) error {
	var candidates []stopCandidate
	for _, scope := range []state.Scope{state.Standard, state.Isolated} {
		pid, port, ok, err := state.New(scope).ReadPID()
		if err != nil || !ok {
			continue
		}
		if portSet && port != requestedPort {
			continue
		}
		candidates = append(candidates, stopCandidate{scope: scope, pid: pid, port: port})
	}

	var alive []stopCandidate
	for _, cand := range candidates {
		// Re-verify the bridge is actually listening, not just that the pid
		// happens to be alive, guarding against pid reuse by an unrelated
		// process after an unclean exit.
		if state.IsPIDAlive(cand.pid) && bridge.IsRunning(cand.port) {
			alive = append(alive, cand)
		}
	}

	if len(alive) == 0 {
		fmt.Println("not running")
		return nil
	}
	if len(alive) > 1 {
		return fmt.Errorf("ambiguous: both standard and isolated bridges are alive on the same port; refusing to guess")
	}

	target := alive[0]
	if err := terminate(target.pid); err != nil {
		return fmt.Errorf("stop bridge (pid %d): %w", target.pid, err)
	}
	if err := state.New(target.scope).DeletePID(); err != nil {
		return fmt.Errorf("delete %s pid record: %w", target.scope, err)
	}
	fmt.Printf("stopped %s bridge (pid %d, port %d)\n", target.scope, target.pid, target.port)
	return nil
}

func terminate(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if !state.IsPIDAlive(pid) {
			return nil
		}
		return err
	}

	time.Sleep(stopGraceFirst)
	if !state.IsPIDAlive(pid) {
		return nil
	}
	time.Sleep(stopGraceSecond)
	if !state.IsPIDAlive(pid) {
		return nil
	}

	if err := process.Signal(syscall.SIGKILL); err != nil && state.IsPIDAlive(pid) {
		return err
	}
	return nil
}
