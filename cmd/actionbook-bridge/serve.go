package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/actionbook/bridge/internal/bridge"
	"github.com/actionbook/bridge/internal/config"
	"github.com/actionbook/bridge/internal/orchestrator"
	"github.com/actionbook/bridge/internal/state"
)

func serveCommand(settings config.Settings) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start the bridge, optionally in a dedicated isolated browser instance",
		Flags: []cli.Flag{
			portFlag(settings),
			&cli.BoolFlag{Name: "isolated", Usage: "spawn a dedicated isolated browser instance"},
			&cli.StringFlag{Name: "browser-binary", Usage: "path to the Chromium-family binary (isolated mode only)"},
			&cli.StringFlag{Name: "extension-path", Usage: "path to the unpacked extension directory (isolated mode only)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			port := c.Int("port")
			if c.Bool("isolated") {
				return serveIsolated(ctx, port, c.String("browser-binary"), c.String("extension-path"), settings.ClientMaxIdle)
			}
			return serveStandard(ctx, port, settings.ClientMaxIdle)
		},
	}
}

func serveStandard(ctx context.Context, port int, maxIdle time.Duration) error {
	store := state.New(state.Standard)
	if pid, _, ok, _ := store.ReadPID(); ok && !state.IsPIDAlive(pid) {
		if err := store.DeleteAll(); err != nil {
			slog.Warn("failed to sweep stale standard scope records", "error", err)
		}
	}

	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("generate session token: %w", err)
	}

	if err := store.WriteToken(token); err != nil {
		return fmt.Errorf("write token record: %w", err)
	}
	defer func() { _ = store.DeleteToken() }()

	fmt.Printf("bridge token: %s\n", token)

	router := bridge.New(bridge.Options{Token: token, Scope: state.Standard, MaxIdle: maxIdle})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("bridge starting", "port", port, "scope", "standard")
	return router.Serve(sigCtx, port)
}

func serveIsolated(ctx context.Context, port int, binaryPath, extensionPath string, maxIdle time.Duration) error {
	if binaryPath == "" || extensionPath == "" {
		return fmt.Errorf("--browser-binary and --extension-path are required with --isolated")
	}

	root, err := state.RootDir()
	if err != nil {
		return fmt.Errorf("resolve state root: %w", err)
	}

	slog.Info("bridge starting", "port", port, "scope", "isolated")
	return orchestrator.ServeIsolated(ctx, orchestrator.Config{
		BinaryPath:    binaryPath,
		ExtensionPath: extensionPath,
		BridgePort:    port,
		ProfileRoot:   root,
		ClientMaxIdle: maxIdle,
	})
}

func generateToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
