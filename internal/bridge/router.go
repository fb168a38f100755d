// Package bridge implements the WebSocket router that pairs CLI requests
// with extension responses: it classifies inbound connections, holds the
// single extension channel, assigns request IDs, routes replies, enforces
// the session token, and times out stalled requests.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/actionbook/bridge/internal/session"
	"github.com/actionbook/bridge/internal/state"
)

const (
	// callerTimeout bounds how long a cli caller waits for the extension's reply.
	callerTimeout = 30 * time.Second
	// firstFrameDeadline bounds how long a newly accepted socket has to send its first frame.
	firstFrameDeadline = 10 * time.Second
	// writeWait bounds a single WriteMessage call.
	writeWait = 5 * time.Second
	// pruneInterval is how often the registry is swept for idle entries.
	pruneInterval = time.Minute
)

var (
	errExtensionNotConnected = errors.New("extension not connected")
	errCommandTimeout        = errors.New("Extension command timed out (30s)")
)

// extensionChannel is the single live connection to the companion extension.
// Its outbox is drained, in order, by one write-pump goroutine.
type extensionChannel struct {
	conn   *websocket.Conn
	outbox chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *extensionChannel) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Router is the BridgeRouter. The extension channel and the pending-reply
// map are its only mutable shared state, protected by a single mutex;
// reply-sinks are resolved outside the critical section.
type Router struct {
	mu      sync.Mutex
	ext     *extensionChannel
	pending map[uint64]chan callerReply
	nextID  uint64

	token          string
	scope          state.Scope
	registry       *session.Registry
	logger         *slog.Logger
	requestTimeout time.Duration
	maxIdle        time.Duration

	upgrader websocket.Upgrader
}

// Options configures a Router.
type Options struct {
	Token    string
	Scope    state.Scope
	Logger   *slog.Logger
	Registry *session.Registry
	// RequestTimeout overrides the 30s caller-reply deadline; tests shrink it.
	RequestTimeout time.Duration
	// MaxIdle prunes registry entries whose LastSeen is older than this; a
	// zero value disables pruning entirely.
	MaxIdle time.Duration
}

// New builds a Router bound to a single session token and scope.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = session.NewRegistry()
	}
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = callerTimeout
	}
	return &Router{
		pending:        make(map[uint64]chan callerReply),
		token:          opts.Token,
		scope:          opts.Scope,
		registry:       registry,
		logger:         logger,
		requestTimeout: timeout,
		maxIdle:        opts.MaxIdle,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the diagnostics registry for status reporting.
func (r *Router) Registry() *session.Registry { return r.registry }

// Serve binds to loopback on port, writes the scope's port and pid records,
// and runs until ctx is cancelled. On exit it removes its port and pid
// records; the token record is owned by the caller.
func (r *Router) Serve(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("bind loopback port %d: %w", port, err)
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port

	store := state.New(r.scope)
	if err := store.WritePort(boundPort); err != nil {
		r.logger.Warn("failed to write port record", "error", err)
	}
	if err := store.WritePID(os.Getpid(), boundPort); err != nil {
		r.logger.Warn("failed to write pid record", "error", err)
	}

	httpSrv := &http.Server{Handler: http.HandlerFunc(r.handleUpgrade)}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		r.drainPending("Extension connection lost")
		if r.ext != nil {
			r.ext.close()
		}
		_ = httpSrv.Shutdown(context.Background())
		close(shutdownDone)
	}()

	if r.maxIdle > 0 {
		go r.pruneLoop(ctx)
	}

	serveErr := httpSrv.Serve(ln)
	<-shutdownDone

	if delErr := store.DeletePort(); delErr != nil {
		r.logger.Warn("failed to delete port record", "error", delErr)
	}
	if delErr := store.DeletePID(); delErr != nil {
		r.logger.Warn("failed to delete pid record", "error", delErr)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// IsRunning probes port by opening and closing a plain TCP connection, never
// performing a WebSocket upgrade, so readiness polling cannot leave
// half-open upgrades on the router.
func IsRunning(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// pruneLoop sweeps the registry for idle entries until ctx is cancelled.
func (r *Router) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.registry.Prune(r.maxIdle)
		}
	}
}

func (r *Router) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(firstFrameDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var first firstFrame
	if err := json.Unmarshal(data, &first); err != nil {
		r.logger.Debug("malformed first frame", "error", err)
		_ = conn.Close()
		return
	}

	switch first.Type {
	case "extension":
		r.handleExtension(conn, first, req)
	case "cli":
		r.handleCLI(conn, first, req)
	default:
		r.logger.Warn("unknown client type, closing", "type", first.Type)
		_ = conn.Close()
	}
}

func (r *Router) checkToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.token)) == 1
}

func (r *Router) handleExtension(conn *websocket.Conn, first firstFrame, req *http.Request) {
	if !r.checkToken(first.Token) {
		r.logger.Warn("extension auth failed")
		_ = conn.Close()
		return
	}

	channel := &extensionChannel{
		conn:   conn,
		outbox: make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	// Drain the old channel's waiters before installing the new channel, so
	// the drain never touches requests forwarded to the replacement.
	r.mu.Lock()
	old := r.ext
	r.ext = nil
	r.mu.Unlock()
	if old != nil {
		old.close()
		r.drainPending("Extension disconnected")
	}
	r.mu.Lock()
	r.ext = channel
	r.mu.Unlock()

	clientID := r.registry.Register("", session.ClientInfo{
		Transport:  "extension",
		RemoteAddr: req.RemoteAddr,
		UserAgent:  req.UserAgent(),
	})
	defer r.registry.Unregister(clientID)

	go func() {
		for msg := range channel.outbox {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				channel.close()
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		r.registry.Touch(clientID, session.ClientInfo{
			Transport:  "extension",
			RemoteAddr: req.RemoteAddr,
			UserAgent:  req.UserAgent(),
		})
		var reply extensionReply
		if err := json.Unmarshal(data, &reply); err != nil {
			r.logger.Warn("malformed extension reply", "error", err)
			continue
		}
		r.deliver(reply)
	}

	r.mu.Lock()
	current := r.ext == channel
	if current {
		r.ext = nil
	}
	r.mu.Unlock()
	channel.close()
	// A replaced channel was already drained by its replacement.
	if current {
		r.drainPending("Extension disconnected")
	}
	_ = conn.Close()
}

func (r *Router) deliver(reply extensionReply) {
	r.mu.Lock()
	ch, ok := r.pending[reply.ID]
	if ok {
		delete(r.pending, reply.ID)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("response for unknown request id", "id", reply.ID)
		return
	}
	ch <- callerReply{Result: reply.Result, Error: reply.Error}
}

// drainPending fails every outstanding caller with a synthetic error and
// empties the pending map. Called with the mutex unlocked.
func (r *Router) drainPending(message string) {
	r.mu.Lock()
	waiters := r.pending
	r.pending = make(map[uint64]chan callerReply)
	r.mu.Unlock()
	for _, ch := range waiters {
		ch <- callerReply{Error: &rpcError{Code: errCode, Message: message}}
	}
}

func (r *Router) handleCLI(conn *websocket.Conn, first firstFrame, req *http.Request) {
	defer conn.Close()

	if !r.checkToken(first.Token) {
		r.writeReply(conn, first.ID, nil, &rpcError{Code: errCode, Message: "unauthorized"})
		return
	}

	clientID := r.registry.Register("", session.ClientInfo{
		Transport:  "cli",
		RemoteAddr: req.RemoteAddr,
		UserAgent:  req.UserAgent(),
	})
	defer r.registry.Unregister(clientID)

	if first.Method == StatusMethod {
		r.handleStatus(conn, first.ID)
		return
	}

	reply, err := r.forward(first.Method, first.Params)
	switch {
	case errors.Is(err, errExtensionNotConnected):
		r.writeReply(conn, first.ID, nil, &rpcError{Code: errCode, Message: "Extension not connected"})
	case err != nil:
		r.writeReply(conn, first.ID, nil, &rpcError{Code: errCode, Message: err.Error()})
	default:
		r.writeReply(conn, first.ID, reply.Result, reply.Error)
	}
}

// handleStatus answers StatusMethod directly from the session registry
// rather than forwarding to the extension, since registry state only
// exists in the process running the router.
func (r *Router) handleStatus(conn *websocket.Conn, id json.RawMessage) {
	clients := r.registry.List()
	result, err := json.Marshal(StatusResult{Clients: clients, Count: len(clients)})
	if err != nil {
		r.writeReply(conn, id, nil, &rpcError{Code: errCode, Message: err.Error()})
		return
	}
	r.writeReply(conn, id, result, nil)
}

// forward allocates a RequestId, enqueues the request to the extension, and
// waits for the matching reply with a 30s timeout.
func (r *Router) forward(method string, params json.RawMessage) (callerReply, error) {
	r.mu.Lock()
	channel := r.ext
	if channel == nil {
		r.mu.Unlock()
		return callerReply{}, errExtensionNotConnected
	}
	r.nextID++
	requestID := r.nextID
	replyCh := make(chan callerReply, 1)
	r.pending[requestID] = replyCh
	r.mu.Unlock()

	payload, err := json.Marshal(routerRequest{ID: requestID, Method: method, Params: params})
	if err != nil {
		r.removePending(requestID)
		return callerReply{}, fmt.Errorf("marshal request: %w", err)
	}

	select {
	case channel.outbox <- payload:
	case <-channel.done:
		r.removePending(requestID)
		return callerReply{}, errExtensionNotConnected
	}

	timer := time.NewTimer(r.requestTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		r.removePending(requestID)
		return callerReply{}, errCommandTimeout
	}
}

func (r *Router) removePending(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Router) writeReply(conn *websocket.Conn, id json.RawMessage, result json.RawMessage, rerr *rpcError) {
	data, err := json.Marshal(callerReply{ID: id, Result: result, Error: rerr})
	if err != nil {
		r.logger.Warn("failed to marshal caller reply", "error", err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}
