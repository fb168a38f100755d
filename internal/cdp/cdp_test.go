package cdp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// websocketEchoHandler replies to the first inbound frame with a fixed
// canned response, standing in for a debugging target's WebSocket.
func websocketEchoHandler(t *testing.T, upgrader websocket.Upgrader, response string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(response))
	})
}

func TestFindBackgroundByExtensionID(t *testing.T) {
	targets := []TargetDescriptor{
		{Type: "page", URL: "chrome://extensions/"},
		{Type: "background-worker", URL: "chrome-extension://abcdef123456/background.js", WSDebuggerURL: "ws://127.0.0.1:9333/devtools/page/ABC"},
	}
	target, err := FindBackgroundByExtensionID(targets, "abcdef123456")
	if err != nil {
		t.Fatalf("FindBackgroundByExtensionID: %v", err)
	}
	if !strings.Contains(target.WSDebuggerURL, "ABC") {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestFindBackgroundByExtensionIDNotFound(t *testing.T) {
	_, err := FindBackgroundByExtensionID(nil, "abcdef123456")
	if err == nil || !strings.Contains(err.Error(), "No service_worker target found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestFindBackgroundByFilenameGuardsOtherExtensions(t *testing.T) {
	targets := []TargetDescriptor{
		{Type: "background-worker", URL: "chrome-extension://xyz789/service-worker.js", WSDebuggerURL: "ws://x"},
	}
	_, err := FindBackgroundByFilename(targets, backgroundServiceWorkerFilename)
	if err == nil || !strings.Contains(err.Error(), "No Actionbook extension service_worker target found") {
		t.Fatalf("expected guard to reject other extension's sw, got %v", err)
	}
}

func TestFindBackgroundByFilenameMatches(t *testing.T) {
	targets := []TargetDescriptor{
		{Type: "background-worker", URL: "chrome-extension://abcdef123456/background.js", WSDebuggerURL: "ws://correct"},
	}
	target, err := FindBackgroundByFilename(targets, backgroundServiceWorkerFilename)
	if err != nil || target.WSDebuggerURL != "ws://correct" {
		t.Fatalf("expected match, got %+v err=%v", target, err)
	}
}

func newEvaluateServer(t *testing.T, response string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(websocketEchoHandler(t, upgrader, response))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestEvaluateSuccess(t *testing.T) {
	wsURL := newEvaluateServer(t, `{"id":1,"result":{"value":42}}`)
	result, err := Evaluate(wsURL, "1+1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !strings.Contains(string(result), "42") {
		t.Fatalf("expected result containing 42, got %s", result)
	}
}

func TestEvaluateJSException(t *testing.T) {
	wsURL := newEvaluateServer(t, `{"id":1,"result":{"exceptionDetails":{"exception":{"description":"boom"}}}}`)
	_, err := Evaluate(wsURL, "throw new Error('boom')")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected JS exception error, got %v", err)
	}
}
