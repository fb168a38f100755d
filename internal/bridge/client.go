package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// SendCommand opens a one-shot WebSocket client to the router at port, sends
// exactly one cli frame, and returns the extension's result or an error.
// This is the caller-side helper named in the BridgeRouter contract.
func SendCommand(ctx context.Context, port int, token, method string, params json.RawMessage) (json.RawMessage, error) {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), Path: "/"}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect to bridge at %s: %w", u.String(), err)
	}
	defer conn.Close()

	frame := firstFrame{
		Type:   "cli",
		ID:     json.RawMessage("1"),
		Method: method,
		Params: params,
		Token:  token,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal cli frame: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(callerTimeout + 5*time.Second)
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("send cli frame: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read bridge reply: %w", err)
	}

	var reply callerReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("parse bridge reply: %w", err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%s", reply.Error.Message)
	}
	return reply.Result, nil
}
