// Package cdp maintains a Chrome DevTools Protocol connection to a running
// Antigravity workbench: target discovery over the DevTools HTTP endpoints,
// a single WebSocket with sequence-correlated commands, execution-context
// tracking, event subscriptions and automatic reconnect.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
)

// Config controls discovery and connection behavior. Zero values fall back
// to the defaults below.
type Config struct {
	// Host is the DevTools HTTP host, normally loopback.
	Host string
	// Ports are probed in order during discovery.
	Ports []int
	// WorkspaceHint filters page targets by title or URL substring.
	WorkspaceHint string

	// CallTimeout bounds each command round-trip.
	CallTimeout time.Duration

	// Reconnect backoff: delay doubles per attempt up to ReconnectMaxDelay.
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectAttempts uint

	Logger *slog.Logger
}

const (
	defaultCallTimeout       = 15 * time.Second
	defaultReconnectDelay    = 3 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	defaultReconnectAttempts = 5
	dialTimeout              = 10 * time.Second
	readLimit                = 100 * 1024 * 1024
)

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if len(c.Ports) == 0 {
		c.Ports = DefaultPorts
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ConnState is the client's lifecycle phase.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

type callOutcome struct {
	result json.RawMessage
	err    error
}

// Client is a DevTools connection to one page target. All methods are safe
// for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	contexts *contextRegistry
	subs     *subscriberSet

	seq    atomic.Int64
	stopCh chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan callOutcome
	target  Target
	state   ConnState
}

// NewClient builds an unconnected client.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("component", "cdp")
	return &Client{
		cfg:      cfg,
		logger:   logger,
		contexts: newContextRegistry(),
		subs:     newSubscriberSet(logger),
		stopCh:   make(chan struct{}),
		pending:  make(map[int64]chan callOutcome),
		state:    StateIdle,
	}
}

// Connect discovers a matching page target, dials its debugger WebSocket and
// enables the protocol domains. ctx should span the client's lifetime: the
// reader goroutine and reconnect loop stop when it is canceled.
func (c *Client) Connect(ctx context.Context) error {
	targets, err := Discover(ctx, c.cfg.Host, c.cfg.Ports, c.cfg.WorkspaceHint)
	if err != nil {
		return err
	}
	// First match wins; discovery preserves port order.
	target := targets[0]
	if len(targets) > 1 {
		c.logger.Warn("multiple matching targets, using first", "count", len(targets), "title", target.Title, "port", target.Port)
	}

	if err := c.attach(ctx, target); err != nil {
		return err
	}
	c.subs.dispatch(EventConnected, reasonParams("connected"))
	return nil
}

// attach dials one target and brings the connection to the connected state.
// Shared by Connect and the reconnect loop.
func (c *Client) attach(ctx context.Context, target Target) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrHandshakeFailed, target.WebSocketDebuggerURL, err)
	}
	conn.SetReadLimit(readLimit)

	// Reset before publishing the connection so no call can draw a stale id.
	c.seq.Store(0)
	c.contexts.clear()

	c.mu.Lock()
	c.conn = conn
	c.target = target
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(ctx, conn)

	if _, err := c.Call(ctx, "Runtime.enable", nil); err != nil {
		c.teardownConn(conn)
		return fmt.Errorf("%w: Runtime.enable: %w", ErrDomainEnableFailed, err)
	}
	// Page and DOM power screenshots and file inputs; a refusal degrades
	// those features but not the chat loop.
	for _, domain := range []string{"Page.enable", "DOM.enable"} {
		if _, err := c.Call(ctx, domain, nil); err != nil {
			c.logger.Warn("domain enable refused", "method", domain, "err", err)
		}
	}

	c.logger.Info("attached to target", "title", target.Title, "port", target.Port, "url", target.URL)
	return nil
}

// Close shuts the connection down and fails all pending calls.
func (c *Client) Close() {
	select {
	case <-c.stopCh:
		return
	default:
	}
	close(c.stopCh)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	pending := c.pending
	c.pending = make(map[int64]chan callOutcome)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	for _, ch := range pending {
		ch <- callOutcome{err: ErrDisconnected}
	}
	c.subs.closeAll()
}

// State reports the current lifecycle phase.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the page target the client is attached to.
func (c *Client) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// PrimaryContextID returns the elected evaluation context.
func (c *Client) PrimaryContextID() (int64, bool) {
	return c.contexts.primary()
}

// Subscribe registers fn for an event method ("Runtime.consoleAPICalled",
// lifecycle pseudo-events, ...). fn runs on its own goroutine with a bounded
// inbox; events overflowing the inbox are dropped.
func (c *Client) Subscribe(event string, fn EventHandler) SubscriptionID {
	return c.subs.add(event, fn)
}

// Unsubscribe removes a subscription. Safe to call twice.
func (c *Client) Unsubscribe(id SubscriptionID) {
	c.subs.remove(id)
}

// CallOption adjusts a single command.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call sends one protocol command and waits for its response. A browser
// error response comes back as *RemoteError; a missed deadline as ErrTimeout
// with the connection left intact; a transport drop as ErrDisconnected.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	options := callOptions{timeout: c.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	id := c.seq.Add(1)
	data, err := json.Marshal(cdpMessage{ID: id, Method: method, Params: paramsRaw})
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	outcome := make(chan callOutcome, 1)
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	conn := c.conn
	c.pending[id] = outcome
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrDisconnected, method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-outcome:
		return out.result, out.err
	case <-time.After(options.timeout):
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, options.timeout)
	case <-c.stopCh:
		return nil, ErrDisconnected
	}
}

type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-c.stopCh:
			case <-ctx.Done():
			default:
				c.logger.Error("read error, connection lost", "err", err)
				c.handleDisconnect(ctx, conn, err)
			}
			return
		}

		var msg cdpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("unmarshal protocol message", "err", err)
			continue
		}

		if msg.ID > 0 {
			c.resolvePending(msg)
			continue
		}
		c.handleEvent(msg.Method, msg.Params)
	}
}

func (c *Client) resolvePending(msg cdpMessage) {
	// Removing the entry claims the sole right to send on its channel;
	// Close and handleDisconnect claim theirs by swapping the whole map.
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Late response after timeout or reconnect; the caller is gone.
		return
	}
	if msg.Error != nil {
		ch <- callOutcome{err: &RemoteError{Code: msg.Error.Code, Message: msg.Error.Message}}
		return
	}
	ch <- callOutcome{result: msg.Result}
}

func (c *Client) handleEvent(method string, params json.RawMessage) {
	switch method {
	case "Runtime.executionContextCreated":
		c.contexts.onCreated(params)
		c.subs.dispatch(EventContextsChanged, params)
	case "Runtime.executionContextDestroyed":
		c.contexts.onDestroyed(params)
		c.subs.dispatch(EventContextsChanged, params)
	case "Runtime.executionContextsCleared":
		c.contexts.clear()
		c.subs.dispatch(EventContextsChanged, params)
	}
	c.subs.dispatch(method, params)
}

// teardownConn drops a connection that failed during attach without
// triggering the reconnect loop.
func (c *Client) teardownConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateIdle
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "attach failed")
}

// handleDisconnect fails every in-flight call, notifies subscribers and
// starts the reconnect loop. Only the reader that owned conn acts; a stale
// reader from a previous connection returns without effect.
func (c *Client) handleDisconnect(ctx context.Context, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateReconnecting
	pending := c.pending
	c.pending = make(map[int64]chan callOutcome)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callOutcome{err: ErrDisconnected}
	}
	c.contexts.clear()
	c.subs.dispatch(EventDisconnected, reasonParams(cause.Error()))

	go c.reconnectLoop(ctx)
}

func (c *Client) reconnectLoop(ctx context.Context) {
	attempt := 0
	err := retry.New(
		retry.Attempts(c.cfg.ReconnectAttempts),
		retry.Delay(c.cfg.ReconnectDelay),
		retry.MaxDelay(c.cfg.ReconnectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		select {
		case <-c.stopCh:
			return retry.Unrecoverable(ErrDisconnected)
		default:
		}
		attempt++
		c.logger.Info("reconnect attempt", "attempt", attempt)
		c.subs.dispatch(EventReconnecting, attemptParams(attempt))

		targets, err := Discover(ctx, c.cfg.Host, c.cfg.Ports, c.cfg.WorkspaceHint)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.state = StateReconnecting
		c.mu.Unlock()
		return c.attach(ctx, targets[0])
	})
	if err != nil {
		c.logger.Error("reconnect exhausted", "attempts", attempt, "err", err)
		c.mu.Lock()
		if c.state == StateReconnecting {
			c.state = StateIdle
		}
		c.mu.Unlock()
		c.subs.dispatch(EventReconnectFailed, reasonParams(err.Error()))
		return
	}
	c.logger.Info("reconnected", "attempts", attempt)
	c.subs.dispatch(EventReconnected, reasonParams("reconnected"))
}

func reasonParams(reason string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"reason": reason})
	return raw
}

func attemptParams(attempt int) json.RawMessage {
	raw, _ := json.Marshal(map[string]int{"attempt": attempt})
	return raw
}
