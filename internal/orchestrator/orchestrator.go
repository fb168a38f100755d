// Package orchestrator implements the isolated-extension orchestrator: the
// state machine that launches (or reuses) a dedicated browser instance,
// starts the bridge router, loads the extension over the pipe transport,
// injects the session token through the debugging protocol, and reacts to
// browser exit, bridge exit, and process signals.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/actionbook/bridge/internal/bridge"
	"github.com/actionbook/bridge/internal/bridgeerr"
	"github.com/actionbook/bridge/internal/cdp"
	"github.com/actionbook/bridge/internal/launcher"
	"github.com/actionbook/bridge/internal/pipe"
	"github.com/actionbook/bridge/internal/state"
)

// isolatedProfileScope is the fixed scope name the isolated profile
// directory is derived from; it need not exist before launch.
const isolatedProfileScope = "extension"

// State is one of the forward-only OrchestratorState values; every
// non-terminal state also permits a direct transition to ShuttingDown on
// error.
type State int

const (
	Preflight State = iota
	BrowserStarting
	BridgeStarting
	ExtensionLoading
	TokenInjecting
	Running
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Preflight:
		return "preflight"
	case BrowserStarting:
		return "browser_starting"
	case BridgeStarting:
		return "bridge_starting"
	case ExtensionLoading:
		return "extension_loading"
	case TokenInjecting:
		return "token_injecting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

type shutdownKind int

const (
	shutdownBridgeExited shutdownKind = iota
	shutdownBrowserExited
	shutdownSignal
)

type shutdownReason struct {
	kind      shutdownKind
	bridgeErr error
}

// Config configures a single isolated-mode run.
type Config struct {
	BinaryPath    string
	ExtensionPath string
	BridgePort    int
	ProfileRoot   string
	ClientMaxIdle time.Duration
	Logger        *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ServeIsolated runs the full isolated-mode state machine until the bridge
// task completes, the browser process exits, or a terminate signal arrives.
// Bridge errors are returned verbatim; a clean signal or clean browser exit
// returns nil.
func ServeIsolated(ctx context.Context, cfg Config) error {
	logger := cfg.logger()
	state_ := Preflight

	// --- Preflight ---
	if _, err := os.Stat(cfg.ExtensionPath); err != nil {
		return bridgeerr.Wrap(bridgeerr.Extension, "extension is not installed", err)
	}
	profileDir := filepath.Join(cfg.ProfileRoot, isolatedProfileScope)

	// --- BrowserStarting ---
	state_ = BrowserStarting
	logger.Info("orchestrator state", "state", state_.String())

	reusing := isIsolatedBrowserRunning(ctx, launcher.IsolatedDebugPort, profileDir)

	var proc *launcher.Process
	var pipeClient *pipe.Client
	var keepAlive *pipe.KeepAlive
	if !reusing {
		var err error
		proc, pipeClient, err = launcher.Launch(launcher.Options{
			BinaryPath: cfg.BinaryPath,
			ProfileDir: profileDir,
			DebugPort:  launcher.IsolatedDebugPort,
		})
		if err != nil {
			return err
		}
	}

	// Sweep stale scope records: isolated files are always stale at this
	// point; standard-scope files are swept only if their pid is dead.
	isolatedStore := state.New(state.Isolated)
	if err := isolatedStore.DeleteAll(); err != nil {
		logger.Warn("failed to sweep isolated scope records", "error", err)
	}
	if pid, _, ok, _ := state.New(state.Standard).ReadPID(); ok && !state.IsPIDAlive(pid) {
		if err := state.New(state.Standard).DeleteAll(); err != nil {
			logger.Warn("failed to sweep stale standard scope records", "error", err)
		}
	}

	token := generateToken()
	if err := isolatedStore.WriteToken(token); err != nil {
		logger.Warn("failed to write isolated token record", "error", err)
	}
	if err := isolatedStore.WritePID(os.Getpid(), cfg.BridgePort); err != nil {
		logger.Warn("failed to write isolated pid record", "error", err)
	}

	cleanup := func(reason shutdownReason) error {
		state_ = ShuttingDown
		logger.Info("orchestrator state", "state", state_.String())
		if err := isolatedStore.DeleteAll(); err != nil {
			logger.Warn("failed to delete isolated scope records", "error", err)
		}
		if reason.kind != shutdownBrowserExited {
			if keepAlive != nil {
				if err := keepAlive.Close(); err != nil {
					logger.Warn("failed to close pipe keep-alive", "error", err)
				}
			}
			if proc != nil {
				if err := proc.Terminate(); err != nil {
					logger.Warn("failed to terminate browser", "error", err)
				}
			}
		}
		if reason.kind == shutdownBridgeExited {
			return reason.bridgeErr
		}
		return nil
	}

	// --- BridgeStarting ---
	state_ = BridgeStarting
	logger.Info("orchestrator state", "state", state_.String())

	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	defer cancelBridge()

	router := bridge.New(bridge.Options{Token: token, Scope: state.Isolated, Logger: logger, MaxIdle: cfg.ClientMaxIdle})
	bridgeErrCh := make(chan error, 1)
	go func() { bridgeErrCh <- router.Serve(bridgeCtx, cfg.BridgePort) }()

	if !waitForBridge(cfg.BridgePort) {
		cancelBridge()
		return cleanup(shutdownReason{kind: shutdownBridgeExited, bridgeErr: bridgeerr.New(bridgeerr.Timeout, "Timeout waiting for bridge server to start")})
	}

	// --- ExtensionLoading ---
	state_ = ExtensionLoading
	logger.Info("orchestrator state", "state", state_.String())

	var extensionID string
	if !reusing {
		id, ka, err := loadExtensionWithDeadline(pipeClient, cfg.ExtensionPath, 30*time.Second)
		if err != nil {
			cancelBridge()
			return cleanup(shutdownReason{kind: shutdownBridgeExited, bridgeErr: err})
		}
		extensionID = id
		keepAlive = ka
	}

	// --- TokenInjecting ---
	state_ = TokenInjecting
	logger.Info("orchestrator state", "state", state_.String())

	injectCtx, cancelInject := context.WithTimeout(context.Background(), 30*time.Second)
	var injectErr error
	if !reusing {
		injectErr = cdp.InjectTokenViaCDP(injectCtx, launcher.IsolatedDebugPort, extensionID, token, cfg.BridgePort)
	} else {
		injectErr = cdp.InjectTokenExisting(injectCtx, launcher.IsolatedDebugPort, token, cfg.BridgePort)
	}
	cancelInject()
	if injectErr != nil {
		logger.Warn("token injection failed; manual token entry remains possible", "error", injectErr)
	}

	// --- Running ---
	state_ = Running
	logger.Info("orchestrator state", "state", state_.String())

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var browserExited chan error
	if proc != nil {
		browserExited = proc.Exited
	}

	var reason shutdownReason
	select {
	case err := <-bridgeErrCh:
		reason = shutdownReason{kind: shutdownBridgeExited, bridgeErr: err}
	case err := <-browserExited:
		_ = err
		reason = shutdownReason{kind: shutdownBrowserExited}
	case <-sigCtx.Done():
		reason = shutdownReason{kind: shutdownSignal}
	}

	cancelBridge()
	if reason.kind != shutdownBridgeExited {
		// Drain the bridge's own exit so its goroutine doesn't leak.
		<-bridgeErrCh
	}
	return cleanup(reason)
}

func generateToken() string {
	return "abk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// waitForBridge polls IsRunning up to 20 times at 100ms intervals.
func waitForBridge(port int) bool {
	for attempt := 0; attempt < 20; attempt++ {
		if bridge.IsRunning(port) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// loadExtensionWithDeadline runs the blocking pipe exchange on a dedicated
// goroutine and enforces the overall deadline from the caller side, since
// pipe I/O must never run on a path other code depends on. The returned
// KeepAlive must be held for the lifetime of the run and closed to signal
// the browser to exit; dropping it without closing leaks the pipe fd.
func loadExtensionWithDeadline(client *pipe.Client, extensionPath string, deadline time.Duration) (string, *pipe.KeepAlive, error) {
	type outcome struct {
		id        string
		keepAlive *pipe.KeepAlive
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		id, keepAlive, err := client.LoadExtension(extensionPath)
		done <- outcome{id: id, keepAlive: keepAlive, err: err}
	}()
	select {
	case out := <-done:
		return out.id, out.keepAlive, out.err
	case <-time.After(deadline):
		return "", nil, bridgeerr.New(bridgeerr.Timeout, "Timed out loading extension over pipe (30s)")
	}
}

// isIsolatedBrowserRunning implements the reuse rule: the browser is ours
// iff the profile directory contains a singleton lock (probed the same way
// a dangling symlink would still count as proof of life) and the debugging
// port answers a version request.
func isIsolatedBrowserRunning(ctx context.Context, debugPort int, profileDir string) bool {
	lockPath := filepath.Join(profileDir, "SingletonLock")
	if _, err := os.Lstat(lockPath); err != nil {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	url := fmt.Sprintf("http://127.0.0.1:%d/version", debugPort)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	client := &http.Client{Transport: &http.Transport{Proxy: nil}}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
