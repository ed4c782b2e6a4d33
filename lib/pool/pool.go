// Package pool owns the DevTools connections. Each workspace gets exactly one
// shared client no matter how many channels are bound to it; bridges hang off
// that client per channel. The pool dials lazily, dedupes concurrent dials,
// fans connection lifecycle out to an observer and drops a workspace once its
// reconnect budget is spent.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agbridge/agbridge/lib/bridge"
	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/chat"
)

// Lifecycle event names passed to Config.OnLifecycle.
const (
	LifecycleDisconnected    = "disconnected"
	LifecycleReconnected     = "reconnected"
	LifecycleReconnectFailed = "reconnect-failed"
)

const defaultReadyTimeout = 30 * time.Second

// ErrClosed is returned by GetOrConnect after Close.
var ErrClosed = errors.New("pool: closed")

// Config wires the pool's collaborators.
type Config struct {
	// CDP is the connection template. WorkspaceHint is overwritten per
	// workspace; everything else applies to every client the pool dials.
	CDP cdp.Config

	Transport   chat.Transport
	Transcripts bridge.Transcripts

	// ReadyTimeout bounds how long a freshly attached workbench may take to
	// produce a usable execution context.
	ReadyTimeout time.Duration

	// OnLifecycle observes per-workspace connection events. Called from the
	// client's event goroutines; keep it quick or hand off.
	OnLifecycle func(workspace, event string)

	Logger *slog.Logger
}

// Pool maps workspace names to live connections and their bridges.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	// runCtx spans the pool: clients dial against it so their reader and
	// reconnect loops survive the request that created them.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	workspace string
	client    *cdp.Client
	subIDs    []cdp.SubscriptionID

	// Guarded by Pool.mu. closed marks an entry removed from the map so a
	// caller holding a stale pointer cannot publish into it.
	bridges map[string]*bridge.SessionBridge
	closed  bool
}

// ChannelStatus describes one bridge for diagnostics.
type ChannelStatus struct {
	ChannelID string `json:"channelId"`
	Phase     string `json:"phase"`
	Busy      bool   `json:"busy"`
}

// WorkspaceStatus describes one workspace connection for diagnostics.
type WorkspaceStatus struct {
	Workspace string          `json:"workspace"`
	State     string          `json:"state"`
	Channels  []ChannelStatus `json:"channels"`
}

// New builds an empty pool.
func New(cfg Config) *Pool {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		logger:    logger.With("component", "pool"),
		runCtx:    runCtx,
		runCancel: runCancel,
		entries:   make(map[string]*entry),
	}
}

// NormalizeWorkspace reduces a workspace path to its pool key: the last path
// segment, lowercased. Paths that carry no usable segment normalize to "".
func NormalizeWorkspace(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	base := filepath.Base(filepath.Clean(trimmed))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.ToLower(base)
}

// GetOrConnect returns the bridge for bcfg.ChannelID on the given workspace,
// dialing the workspace and starting the bridge if either does not exist yet.
// Concurrent calls for the same workspace share a single dial. ctx bounds the
// readiness wait only; the connection and bridge live until Release or Close.
func (p *Pool) GetOrConnect(ctx context.Context, workspacePath string, bcfg bridge.Config) (*bridge.SessionBridge, error) {
	ws := NormalizeWorkspace(workspacePath)
	if ws == "" {
		return nil, fmt.Errorf("pool: unusable workspace path %q", workspacePath)
	}
	if bcfg.ChannelID == "" {
		return nil, errors.New("pool: bridge config needs a channel id")
	}

	e, err := p.ensureEntry(ctx, ws)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("pool: workspace %q dropped during setup", ws)
	}
	if br, ok := e.bridges[bcfg.ChannelID]; ok {
		return br, nil
	}

	bcfg.Workspace = ws
	if bcfg.Logger == nil {
		bcfg.Logger = p.logger
	}
	br := bridge.New(e.client, p.cfg.Transport, p.cfg.Transcripts, bcfg)
	// Started against Background: the bridge's lifetime is governed by
	// Release and Close, not by whichever request happened to create it.
	if err := br.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("start bridge for channel %s: %w", bcfg.ChannelID, err)
	}
	e.bridges[bcfg.ChannelID] = br
	p.logger.Info("bridge attached", "workspace", ws, "channel", bcfg.ChannelID)
	return br, nil
}

// ensureEntry returns the live entry for ws, dialing it exactly once even
// under concurrent callers.
func (p *Pool) ensureEntry(ctx context.Context, ws string) (*entry, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := p.entries[ws]; ok {
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(ws, func() (any, error) {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := p.entries[ws]; ok {
			p.mu.Unlock()
			return e, nil
		}
		p.mu.Unlock()
		return p.connect(ctx, ws)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (p *Pool) connect(ctx context.Context, ws string) (*entry, error) {
	ccfg := p.cfg.CDP
	ccfg.WorkspaceHint = ws
	if ccfg.Logger == nil {
		ccfg.Logger = p.logger
	}
	client := cdp.NewClient(ccfg)
	// Dialed against the pool's own context: the connection must outlive
	// whichever request triggered it. The caller's ctx still bounds the
	// readiness wait below.
	if err := client.Connect(p.runCtx); err != nil {
		return nil, fmt.Errorf("connect workspace %q: %w", ws, err)
	}
	if err := client.WaitForReady(ctx, p.cfg.ReadyTimeout); err != nil {
		client.Close()
		return nil, fmt.Errorf("workspace %q not ready: %w", ws, err)
	}

	e := &entry{
		workspace: ws,
		client:    client,
		bridges:   make(map[string]*bridge.SessionBridge),
	}
	e.subIDs = p.watchLifecycle(ws, e)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.teardown(e)
		return nil, ErrClosed
	}
	p.entries[ws] = e
	p.mu.Unlock()

	p.logger.Info("workspace connected", "workspace", ws,
		"target", client.Target().Title, "port", client.Target().Port)
	return e, nil
}

// watchLifecycle forwards the client's connection events to the observer.
// Reconnect exhaustion additionally evicts the workspace so the next
// GetOrConnect dials fresh.
func (p *Pool) watchLifecycle(ws string, e *entry) []cdp.SubscriptionID {
	note := func(event string) cdp.EventHandler {
		return func(_ json.RawMessage) {
			p.logger.Info("workspace connection event", "workspace", ws, "event", event)
			if p.cfg.OnLifecycle != nil {
				p.cfg.OnLifecycle(ws, event)
			}
		}
	}
	return []cdp.SubscriptionID{
		e.client.Subscribe(cdp.EventDisconnected, note(LifecycleDisconnected)),
		e.client.Subscribe(cdp.EventReconnected, note(LifecycleReconnected)),
		e.client.Subscribe(cdp.EventReconnectFailed, func(_ json.RawMessage) {
			p.logger.Warn("workspace connection lost for good", "workspace", ws)
			if p.cfg.OnLifecycle != nil {
				p.cfg.OnLifecycle(ws, LifecycleReconnectFailed)
			}
			p.drop(ws, e)
		}),
	}
}

// Release disconnects one workspace and closes every bridge bound to it.
// Releasing an unknown workspace is a no-op.
func (p *Pool) Release(workspacePath string) {
	if ws := NormalizeWorkspace(workspacePath); ws != "" {
		p.drop(ws, nil)
	}
}

// drop evicts ws from the pool and tears its entry down. When want is
// non-nil the eviction only applies to that exact entry, so a stale
// reconnect-failed event cannot kill a successor connection.
func (p *Pool) drop(ws string, want *entry) {
	p.mu.Lock()
	e, ok := p.entries[ws]
	if !ok || (want != nil && e != want) {
		p.mu.Unlock()
		return
	}
	delete(p.entries, ws)
	e.closed = true
	p.mu.Unlock()

	p.teardown(e)
}

func (p *Pool) teardown(e *entry) {
	for _, id := range e.subIDs {
		e.client.Unsubscribe(id)
	}
	for _, br := range e.bridges {
		br.Close()
	}
	e.client.Close()
	p.logger.Info("workspace released", "workspace", e.workspace)
}

// Close tears down every workspace. The pool is unusable afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	for _, e := range entries {
		e.closed = true
	}
	p.mu.Unlock()

	for _, e := range entries {
		p.teardown(e)
	}
	p.runCancel()
}

// Snapshot reports every live workspace and its bridges, sorted for stable
// diagnostics output.
func (p *Pool) Snapshot() []WorkspaceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]WorkspaceStatus, 0, len(p.entries))
	for ws, e := range p.entries {
		st := WorkspaceStatus{
			Workspace: ws,
			State:     string(e.client.State()),
			Channels:  make([]ChannelStatus, 0, len(e.bridges)),
		}
		for id, br := range e.bridges {
			st.Channels = append(st.Channels, ChannelStatus{
				ChannelID: id,
				Phase:     string(br.Phase()),
				Busy:      br.Busy(),
			})
		}
		sort.Slice(st.Channels, func(i, j int) bool {
			return st.Channels[i].ChannelID < st.Channels[j].ChannelID
		})
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Workspace < statuses[j].Workspace
	})
	return statuses
}
