package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func serverPort(wsURL string, t *testing.T) int {
	t.Helper()
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func newTestServer(t *testing.T, r *Router) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(r.handleUpgrade))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dialExtension(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial extension: %v", err)
	}
	frame, _ := json.Marshal(firstFrame{Type: "extension", Token: token})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("send extension frame: %v", err)
	}
	return conn
}

// echoExtension replies "pong" to every request it receives, forever, until
// the connection closes.
func echoExtension(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req routerRequest
		_ = json.Unmarshal(data, &req)
		result, _ := json.Marshal("pong")
		reply, _ := json.Marshal(extensionReply{ID: req.ID, Result: result})
		if conn.WriteMessage(websocket.TextMessage, reply) != nil {
			return
		}
	}
}

func TestPingRoundTrip(t *testing.T) {
	r := New(Options{Token: "secret"})
	_, wsURL := newTestServer(t, r)

	ext := dialExtension(t, wsURL, "secret")
	defer ext.Close()
	go echoExtension(ext)
	time.Sleep(20 * time.Millisecond) // let the router register the extension

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := SendCommand(ctx, serverPort(wsURL, t), "secret", "Extension.ping", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	var got string
	if err := json.Unmarshal(result, &got); err != nil || got != "pong" {
		t.Fatalf("expected pong, got %q (err=%v)", result, err)
	}
}

func TestExtensionNotConnected(t *testing.T) {
	r := New(Options{Token: "secret"})
	_, wsURL := newTestServer(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := SendCommand(ctx, serverPort(wsURL, t), "secret", "Extension.ping", nil)
	if err == nil || !strings.Contains(err.Error(), "Extension not connected") {
		t.Fatalf("expected 'Extension not connected' error, got %v", err)
	}
}

func TestCallerTimeout(t *testing.T) {
	r := New(Options{Token: "secret", RequestTimeout: 50 * time.Millisecond})
	_, wsURL := newTestServer(t, r)

	ext := dialExtension(t, wsURL, "secret")
	defer ext.Close()
	// Never reply: the extension is connected but stalled.
	go func() {
		for {
			if _, _, err := ext.ReadMessage(); err != nil {
				return
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := SendCommand(ctx, serverPort(wsURL, t), "secret", "Extension.ping", nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}

	r.mu.Lock()
	pendingLeft := len(r.pending)
	r.mu.Unlock()
	if pendingLeft != 0 {
		t.Fatalf("expected pending map drained after timeout, got %d entries", pendingLeft)
	}
}

func TestMidFlightExtensionDisconnect(t *testing.T) {
	r := New(Options{Token: "secret", RequestTimeout: 5 * time.Second})
	_, wsURL := newTestServer(t, r)

	ext := dialExtension(t, wsURL, "secret")
	// Absorb the request then vanish without replying.
	go func() {
		_, _, _ = ext.ReadMessage()
		_ = ext.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := SendCommand(ctx, serverPort(wsURL, t), "secret", "Extension.ping", nil)
	if err == nil || !strings.Contains(err.Error(), "Extension disconnected") {
		t.Fatalf("expected 'Extension disconnected' error, got %v", err)
	}
}

func TestStatusReportsRegisteredClients(t *testing.T) {
	r := New(Options{Token: "secret"})
	_, wsURL := newTestServer(t, r)

	ext := dialExtension(t, wsURL, "secret")
	defer ext.Close()
	go echoExtension(ext)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := SendCommand(ctx, serverPort(wsURL, t), "secret", StatusMethod, nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	var status StatusResult
	if err := json.Unmarshal(result, &status); err != nil {
		t.Fatalf("unmarshal status result: %v", err)
	}
	if status.Count < 1 {
		t.Fatalf("expected at least the connected extension to be registered, got count=%d", status.Count)
	}
	found := false
	for _, client := range status.Clients {
		if client.Transport == "extension" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an extension client in status result, got %+v", status.Clients)
	}
}

func TestRegistryPruneRemovesIdleClients(t *testing.T) {
	r := New(Options{Token: "secret", MaxIdle: time.Millisecond})
	_, wsURL := newTestServer(t, r)

	ext := dialExtension(t, wsURL, "secret")
	defer ext.Close()
	go echoExtension(ext)
	time.Sleep(20 * time.Millisecond)

	if got := r.Registry().Count(); got != 1 {
		t.Fatalf("expected 1 registered client before prune, got %d", got)
	}

	r.Registry().Prune(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if got := r.Registry().Count(); got != 0 {
		t.Fatalf("expected prune to remove the idle client, got %d remaining", got)
	}
}

func TestAuthFailure(t *testing.T) {
	r := New(Options{Token: "secret"})
	_, wsURL := newTestServer(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := SendCommand(ctx, serverPort(wsURL, t), "wrong-token", "Extension.ping", nil)
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}
