// Package launcher spawns the Chromium-family binary used by isolated mode,
// wiring a pair of OS pipes onto the child's file descriptors 3 and 4 so the
// pipe debugging transport is available from the moment the process starts.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/actionbook/bridge/internal/bridgeerr"
	"github.com/actionbook/bridge/internal/pipe"
	"github.com/actionbook/bridge/internal/state"
)

// IsolatedDebugPort is the fixed remote-debugging port used for an isolated
// browser instance; it never collides with a user's own Chrome because the
// isolated profile directory is dedicated to the bridge.
const IsolatedDebugPort = 9333

// shutdownGrace is how long Terminate waits after SIGTERM before escalating
// to SIGKILL.
const shutdownGrace = 2 * time.Second

// Options configures a single browser launch.
type Options struct {
	BinaryPath string
	ProfileDir string
	DebugPort  int
	Headless   bool
	ExtraArgs  []string
}

// Process is the running browser child, with its exit observable on Exited.
type Process struct {
	cmd    *exec.Cmd
	PID    int
	Exited chan error
}

// Launch starts the browser with --remote-debugging-pipe and returns both
// the running Process and a pipe.Client wrapping the parent's ends of the
// command/response pipes.
func Launch(opts Options) (*Process, *pipe.Client, error) {
	cmdRead, cmdWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, bridgeerr.Wrap(bridgeerr.Resource, "create command pipe", err)
	}
	respRead, respWrite, err := os.Pipe()
	if err != nil {
		_ = cmdRead.Close()
		_ = cmdWrite.Close()
		return nil, nil, bridgeerr.Wrap(bridgeerr.Resource, "create response pipe", err)
	}

	args := []string{
		"--remote-debugging-pipe",
		"--user-data-dir=" + opts.ProfileDir,
		fmt.Sprintf("--remote-debugging-port=%d", opts.DebugPort),
	}
	if opts.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, opts.ExtraArgs...)

	cmd := exec.Command(opts.BinaryPath, args...)
	// Go assigns ExtraFiles[0] to fd 3 and ExtraFiles[1] to fd 4 in the child,
	// matching the debugging transport's pipe-mode contract.
	cmd.ExtraFiles = []*os.File{cmdRead, respWrite}

	if err := cmd.Start(); err != nil {
		_ = cmdRead.Close()
		_ = cmdWrite.Close()
		_ = respRead.Close()
		_ = respWrite.Close()
		return nil, nil, bridgeerr.Wrap(bridgeerr.Resource, "start browser process", err)
	}

	// The child has its own copies of the fd-3/fd-4 ends now; the parent
	// keeps only the ends it will read from and write to.
	_ = cmdRead.Close()
	_ = respWrite.Close()

	process := &Process{cmd: cmd, PID: cmd.Process.Pid, Exited: make(chan error, 1)}
	go func() {
		process.Exited <- cmd.Wait()
	}()

	client := pipe.New(respRead, cmdWrite)
	return process, client, nil
}

// Terminate sends SIGTERM, waits shutdownGrace, and escalates to SIGKILL
// only if a zero-signal liveness probe still finds the process alive.
func (p *Process) Terminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if state.IsPIDAlive(p.PID) {
			return bridgeerr.Wrap(bridgeerr.Resource, "send SIGTERM to browser process", err)
		}
		return nil
	}
	time.Sleep(shutdownGrace)
	if !state.IsPIDAlive(p.PID) {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && state.IsPIDAlive(p.PID) {
		return bridgeerr.Wrap(bridgeerr.Resource, "send SIGKILL to browser process", err)
	}
	return nil
}
