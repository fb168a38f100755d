// Package state centralizes the on-disk scope records (port, token, pid)
// that let a standard and an isolated bridge instance coexist without
// stepping on each other.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	// StateDirEnv overrides the default runtime state root.
	StateDirEnv = "ACTIONBOOK_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "actionbook"
)

// Scope is one of the two independent bridge namespaces.
type Scope string

const (
	Standard Scope = "standard"
	Isolated Scope = "isolated"
)

func (s Scope) suffix() string {
	if s == Isolated {
		return ".isolated"
	}
	return ""
}

// RootDir returns the runtime state root for the bridge.
// Resolution order:
//  1. ACTIONBOOK_STATE_DIR (if set)
//  2. XDG_STATE_HOME/actionbook (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/actionbook (cross-platform fallback)
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(StateDirEnv)); override != "" {
		return normalizePath(override)
	}
	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName), nil
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// Store is a StateStore bound to a single Scope.
type Store struct {
	scope Scope
}

// New returns a Store for the given scope.
func New(scope Scope) *Store {
	return &Store{scope: scope}
}

func (s *Store) path(base string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, base+s.scope.suffix()), nil
}

func (s *Store) portPath() (string, error)  { return s.path("bridge-port") }
func (s *Store) tokenPath() (string, error) { return s.path("bridge-token") }
func (s *Store) pidPath() (string, error)   { return s.path("bridge-pid") }

func writeFile(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(contents), 0o600)
}

func readFile(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

func deleteFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WritePort records the bound port for this scope.
func (s *Store) WritePort(port int) error {
	path, err := s.portPath()
	if err != nil {
		return err
	}
	return writeFile(path, strconv.Itoa(port))
}

// ReadPort returns the recorded port, if any.
func (s *Store) ReadPort() (int, bool, error) {
	path, err := s.portPath()
	if err != nil {
		return 0, false, err
	}
	raw, ok, err := readFile(path)
	if err != nil || !ok {
		return 0, ok, err
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("malformed port record %q: %w", path, err)
	}
	return port, true, nil
}

// DeletePort removes the port record. Idempotent.
func (s *Store) DeletePort() error {
	path, err := s.portPath()
	if err != nil {
		return err
	}
	return deleteFile(path)
}

// WriteToken records the session token for this scope.
func (s *Store) WriteToken(token string) error {
	path, err := s.tokenPath()
	if err != nil {
		return err
	}
	return writeFile(path, token)
}

// ReadToken returns the recorded token, if any.
func (s *Store) ReadToken() (string, bool, error) {
	path, err := s.tokenPath()
	if err != nil {
		return "", false, err
	}
	return readFile(path)
}

// DeleteToken removes the token record. Idempotent.
func (s *Store) DeleteToken() error {
	path, err := s.tokenPath()
	if err != nil {
		return err
	}
	return deleteFile(path)
}

// WritePID records "<pid>:<port>" for this scope.
func (s *Store) WritePID(pid, port int) error {
	path, err := s.pidPath()
	if err != nil {
		return err
	}
	return writeFile(path, fmt.Sprintf("%d:%d", pid, port))
}

// ReadPID returns the recorded (pid, port), if any.
func (s *Store) ReadPID() (pid, port int, ok bool, err error) {
	path, perr := s.pidPath()
	if perr != nil {
		return 0, 0, false, perr
	}
	raw, present, rerr := readFile(path)
	if rerr != nil || !present {
		return 0, 0, present, rerr
	}
	fields := strings.SplitN(raw, ":", 2)
	if len(fields) != 2 {
		return 0, 0, false, fmt.Errorf("malformed pid record %q: %q", path, raw)
	}
	pid, err1 := strconv.Atoi(fields[0])
	port, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false, fmt.Errorf("malformed pid record %q: %q", path, raw)
	}
	return pid, port, true, nil
}

// DeletePID removes the pid record. Idempotent.
func (s *Store) DeletePID() error {
	path, err := s.pidPath()
	if err != nil {
		return err
	}
	return deleteFile(path)
}

// DeleteAll removes all three records for this scope and nothing else.
func (s *Store) DeleteAll() error {
	if err := s.DeletePort(); err != nil {
		return err
	}
	if err := s.DeleteToken(); err != nil {
		return err
	}
	return s.DeletePID()
}

// IsPIDAlive probes whether pid is alive using a zero-signal (kill(pid, 0)).
func IsPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// ESRCH means gone; EPERM means it exists but we lack permission to signal it.
	return errors.Is(err, syscall.EPERM)
}
