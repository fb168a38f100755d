// Package cdp implements the WsDebugClient and TargetDirectory: querying a
// browser's debugging-target listing and evaluating a JS expression against
// a chosen target's WebSocket debugger.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/actionbook/bridge/internal/bridgeerr"
)

// backgroundServiceWorkerFilename is the extension's own background script
// name, used to recognize its target when the extension id is unknown.
const backgroundServiceWorkerFilename = "background.js"

// TargetDescriptor is one entry from the debugging target-listing endpoint.
type TargetDescriptor struct {
	Type          string `json:"type"`
	URL           string `json:"url"`
	WSDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func noProxyClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: nil,
		},
	}
}

// ListTargets fetches the debugging target listing at http://127.0.0.1:<port>/targets.
func ListTargets(ctx context.Context, debugPort int) ([]TargetDescriptor, error) {
	u := fmt.Sprintf("http://127.0.0.1:%d/targets", debugPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Connection, "build target listing request", err)
	}

	client := noProxyClient(5 * time.Second)
	resp, err := client.Do(req)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Connection, fmt.Sprintf("query target listing on port %d", debugPort), err)
	}
	defer resp.Body.Close()

	var targets []TargetDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Protocol, "parse target listing", err)
	}
	return targets, nil
}

// FindBackgroundByExtensionID picks the unique background target whose url
// begins with the given extension's chrome-extension origin.
func FindBackgroundByExtensionID(targets []TargetDescriptor, extensionID string) (TargetDescriptor, error) {
	prefix := fmt.Sprintf("chrome-extension://%s/", extensionID)
	for _, t := range targets {
		if t.Type == "background-worker" && strings.HasPrefix(t.URL, prefix) && t.WSDebuggerURL != "" {
			return t, nil
		}
	}
	return TargetDescriptor{}, bridgeerr.New(bridgeerr.Extension, fmt.Sprintf("No service_worker target found for extension %s", extensionID))
}

// FindBackgroundByFilename picks the unique background target whose url ends
// with "/filename", guarding against injecting into an unrelated extension
// when the extension id is unknown.
func FindBackgroundByFilename(targets []TargetDescriptor, filename string) (TargetDescriptor, error) {
	suffix := "/" + filename
	for _, t := range targets {
		if t.Type == "background-worker" && strings.HasPrefix(t.URL, "chrome-extension://") && strings.HasSuffix(t.URL, suffix) && t.WSDebuggerURL != "" {
			return t, nil
		}
	}
	return TargetDescriptor{}, bridgeerr.New(bridgeerr.Extension,
		"No Actionbook extension service_worker target found via CDP. Looking for a service_worker with background.js")
}

type evaluateRequest struct {
	ID     int            `json:"id"`
	Method string         `json:"method"`
	Params evaluateParams `json:"params"`
}

type evaluateParams struct {
	Expression    string `json:"expression"`
	AwaitPromise  bool   `json:"awaitPromise"`
	ReturnByValue bool   `json:"returnByValue"`
}

type evaluateResponse struct {
	ID     int             `json:"id"`
	Error  *struct{ Message string `json:"message"` } `json:"error,omitempty"`
	Result *struct {
		ExceptionDetails *struct {
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails,omitempty"`
	} `json:"result,omitempty"`
}

// Evaluate connects to the target's WebSocket debugger, evaluates expression
// via Runtime.evaluate with id 1, and returns the raw result value or a
// typed error. The socket is closed on every exit path.
func Evaluate(wsURL, expression string) (json.RawMessage, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Connection, fmt.Sprintf("connect to CDP WebSocket %s", wsURL), err)
	}
	defer conn.Close()

	req := evaluateRequest{
		ID:     1,
		Method: "Runtime.evaluate",
		Params: evaluateParams{Expression: expression, AwaitPromise: true, ReturnByValue: true},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Protocol, "encode CDP evaluate request", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Connection, "send CDP evaluate", err)
	}

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- bridgeerr.Wrap(bridgeerr.Connection, "CDP WebSocket read error", err)
				return
			}
			var raw map[string]json.RawMessage
			if err := json.Unmarshal(data, &raw); err != nil {
				errCh <- bridgeerr.Wrap(bridgeerr.Protocol, "failed to parse CDP response", err)
				return
			}
			var id int
			if idRaw, ok := raw["id"]; ok {
				_ = json.Unmarshal(idRaw, &id)
			}
			if id != 1 {
				continue
			}
			var resp evaluateResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				errCh <- bridgeerr.Wrap(bridgeerr.Protocol, "failed to parse CDP response", err)
				return
			}
			if resp.Error != nil {
				errCh <- bridgeerr.New(bridgeerr.Extension, fmt.Sprintf("CDP Runtime.evaluate error: %s", resp.Error.Message))
				return
			}
			if resp.Result != nil && resp.Result.ExceptionDetails != nil {
				errCh <- bridgeerr.New(bridgeerr.Extension, fmt.Sprintf("JS exception during token injection: %s", resp.Result.ExceptionDetails.Exception.Description))
				return
			}
			resultCh <- raw["result"]
			return
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(10 * time.Second):
		return nil, bridgeerr.New(bridgeerr.Timeout, "Timed out waiting for CDP Runtime.evaluate response (10s)")
	}
}

// InjectTokenViaCDP polls for the newly-loaded extension's background target
// with exponential backoff (15 attempts, 200ms doubling capped at 2s), then
// writes {bridgeToken, bridgePort} into chrome.storage.local.
func InjectTokenViaCDP(ctx context.Context, debugPort int, extensionID, token string, bridgePort int) error {
	target, err := pollForTarget(ctx, debugPort, func(targets []TargetDescriptor) (TargetDescriptor, error) {
		return FindBackgroundByExtensionID(targets, extensionID)
	})
	if err != nil {
		return bridgeerr.New(bridgeerr.Timeout, "Timed out waiting for extension service worker to appear in CDP targets")
	}
	return injectInto(target.WSDebuggerURL, token, bridgePort)
}

// InjectTokenExisting is used when reusing an already-running browser: the
// extension id is unknown, so the background target is matched by filename.
func InjectTokenExisting(ctx context.Context, debugPort int, token string, bridgePort int) error {
	target, err := pollForTarget(ctx, debugPort, func(targets []TargetDescriptor) (TargetDescriptor, error) {
		return FindBackgroundByFilename(targets, backgroundServiceWorkerFilename)
	})
	if err != nil {
		return err
	}
	return injectInto(target.WSDebuggerURL, token, bridgePort)
}

func pollForTarget(ctx context.Context, debugPort int, pick func([]TargetDescriptor) (TargetDescriptor, error)) (TargetDescriptor, error) {
	delay := 200 * time.Millisecond
	const maxAttempts = 15
	const maxDelay = 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		targets, err := ListTargets(ctx, debugPort)
		if err == nil {
			if target, err := pick(targets); err == nil {
				return target, nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return TargetDescriptor{}, ctx.Err()
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
	return TargetDescriptor{}, lastErr
}

func injectInto(wsURL, token string, bridgePort int) error {
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.Protocol, "JSON-encode token", err)
	}
	expression := fmt.Sprintf("chrome.storage.local.set({ bridgeToken: %s, bridgePort: %d })", tokenJSON, bridgePort)
	_, err = Evaluate(wsURL, expression)
	return err
}
