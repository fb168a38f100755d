package bridge

import (
	"encoding/json"

	"github.com/actionbook/bridge/internal/session"
)

// errCode is the JSON-RPC-ish error code used for every bridge-originated error.
const errCode = -32000

// StatusMethod is the built-in cli method the router answers directly from
// its own session registry instead of forwarding to the extension.
const StatusMethod = "Bridge.status"

// StatusResult is the result of StatusMethod: a snapshot of every
// currently-registered connection, extension and caller alike.
type StatusResult struct {
	Clients []session.ClientInfo `json:"clients"`
	Count   int                  `json:"count"`
}

// rpcError is the {code,message} error object carried on both legs of the bridge.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// firstFrame is the shape of the first (and, for callers, only) inbound frame.
type firstFrame struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Token  string          `json:"token,omitempty"`
}

// routerRequest is what the router forwards to the extension: the id is the
// bridge-assigned RequestId, not the caller's id.
type routerRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// extensionReply is what the extension sends back, keyed by RequestId.
type extensionReply struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// callerReply is the extensionReply rewritten with the caller's original id.
type callerReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}
