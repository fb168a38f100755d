package state

import (
	"os"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Setenv(StateDirEnv, t.TempDir())
	s := New(Standard)
	if err := s.WriteToken("abc123"); err != nil {
		t.Fatalf("write token: %v", err)
	}
	got, ok, err := s.ReadToken()
	if err != nil {
		t.Fatalf("read token: %v", err)
	}
	if !ok || got != "abc123" {
		t.Fatalf("expected abc123, got %q (ok=%v)", got, ok)
	}
}

func TestPortRoundTrip(t *testing.T) {
	t.Setenv(StateDirEnv, t.TempDir())
	s := New(Isolated)
	if err := s.WritePort(19222); err != nil {
		t.Fatalf("write port: %v", err)
	}
	got, ok, err := s.ReadPort()
	if err != nil {
		t.Fatalf("read port: %v", err)
	}
	if !ok || got != 19222 {
		t.Fatalf("expected 19222, got %d (ok=%v)", got, ok)
	}
}

func TestPIDRoundTrip(t *testing.T) {
	t.Setenv(StateDirEnv, t.TempDir())
	s := New(Standard)
	if err := s.WritePID(4242, 8787); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	pid, port, ok, err := s.ReadPID()
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if !ok || pid != 4242 || port != 8787 {
		t.Fatalf("expected (4242,8787), got (%d,%d) ok=%v", pid, port, ok)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Setenv(StateDirEnv, t.TempDir())
	s := New(Standard)
	if err := s.WriteToken("x"); err != nil {
		t.Fatalf("write token: %v", err)
	}
	if err := s.DeleteToken(); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.DeleteToken(); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, ok, err := s.ReadToken(); err != nil || ok {
		t.Fatalf("expected token gone, ok=%v err=%v", ok, err)
	}
}

func TestDeleteAllScopedToOwnScope(t *testing.T) {
	t.Setenv(StateDirEnv, t.TempDir())
	std := New(Standard)
	iso := New(Isolated)
	if err := std.WriteToken("std-token"); err != nil {
		t.Fatalf("write std token: %v", err)
	}
	if err := iso.WriteToken("iso-token"); err != nil {
		t.Fatalf("write iso token: %v", err)
	}
	if err := std.DeleteAll(); err != nil {
		t.Fatalf("delete std: %v", err)
	}
	if _, ok, _ := std.ReadToken(); ok {
		t.Fatalf("expected standard token deleted")
	}
	got, ok, err := iso.ReadToken()
	if err != nil || !ok || got != "iso-token" {
		t.Fatalf("isolated scope should be untouched, got %q ok=%v err=%v", got, ok, err)
	}
}

func TestIsPIDAliveForCurrentProcess(t *testing.T) {
	if !IsPIDAlive(os.Getpid()) {
		t.Fatalf("expected current process to be alive")
	}
}
