package pipe

import (
	"bufio"
	"os"
	"strings"
	"testing"
	"time"
)

// mockChrome reads one NUL-terminated request from cmdRead and writes one
// NUL-terminated response to respWrite, standing in for the browser's end
// of the debugging pipe pair.
func mockChrome(t *testing.T, cmdRead *os.File, respWrite *os.File, response string) {
	t.Helper()
	go func() {
		br := bufio.NewReader(cmdRead)
		if _, err := br.ReadString(0); err != nil {
			return
		}
		_, _ = respWrite.Write(append([]byte(response), 0))
	}()
}

func newPipePair(t *testing.T) (parentReader, parentWriter, childCmdRead, childRespWrite *os.File) {
	t.Helper()
	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		t.Fatalf("cmd pipe: %v", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		t.Fatalf("resp pipe: %v", err)
	}
	return respR, cmdW, cmdR, respW
}

func TestLoadExtensionEndToEnd(t *testing.T) {
	parentReader, parentWriter, childCmdRead, childRespWrite := newPipePair(t)
	mockChrome(t, childCmdRead, childRespWrite, `{"id":1,"result":{"id":"test-extension-id"}}`)

	c := New(parentReader, parentWriter)
	id, keepAlive, err := c.LoadExtension("/tmp")
	if err != nil {
		t.Fatalf("LoadExtension: %v", err)
	}
	if id != "test-extension-id" {
		t.Fatalf("expected test-extension-id, got %q", id)
	}
	if err := keepAlive.Close(); err != nil {
		t.Fatalf("close keepalive: %v", err)
	}
}

func TestParseSuccessResponse(t *testing.T) {
	id, err := parseLoadExtensionResponse([]byte(`{"id":1,"result":{"id":"abcdef123456"}}`))
	if err != nil || id != "abcdef123456" {
		t.Fatalf("expected abcdef123456, got %q err=%v", id, err)
	}
}

func TestParseErrorResponse(t *testing.T) {
	_, err := parseLoadExtensionResponse([]byte(`{"id":1,"error":{"message":"Extension not found"}}`))
	if err == nil || !strings.Contains(err.Error(), "Extension not found") {
		t.Fatalf("expected error mentioning 'Extension not found', got %v", err)
	}
}

func TestParseResponseMissingID(t *testing.T) {
	raw := `{"id":1,"result":{}}`
	_, err := parseLoadExtensionResponse([]byte(raw))
	if err == nil || !strings.Contains(err.Error(), "missing result.id") {
		t.Fatalf("expected missing result.id error, got %v", err)
	}
	if !strings.Contains(err.Error(), raw) {
		t.Fatalf("expected raw payload included in error, got %v", err)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := parseLoadExtensionResponse([]byte(`{not json`))
	if err == nil || !strings.Contains(err.Error(), "failed to parse CDP pipe response") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestKeepAlivePreventsEOF(t *testing.T) {
	parentReader, parentWriter, childCmdRead, childRespWrite := newPipePair(t)
	mockChrome(t, childCmdRead, childRespWrite, `{"id":1,"result":{"id":"test-extension-id"}}`)

	c := New(parentReader, parentWriter)
	_, keepAlive, err := c.LoadExtension("/tmp")
	if err != nil {
		t.Fatalf("LoadExtension: %v", err)
	}

	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		_, _ = childCmdRead.Read(buf)
		close(readDone)
	}()

	select {
	case <-readDone:
		t.Fatal("expected pipe to remain open while keepalive is held")
	case <-time.After(100 * time.Millisecond):
	}

	if err := keepAlive.Close(); err != nil {
		t.Fatalf("close keepalive: %v", err)
	}

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("expected EOF on command pipe after keepalive closed")
	}
}
