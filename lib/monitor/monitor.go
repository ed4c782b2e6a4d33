// Package monitor watches one in-progress assistant reply through DOM probes
// until it terminates, reporting progress text, phase transitions, activity
// log lines and the final text to its owner.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/domscripts"
)

// Phase is the monitor's lifecycle state.
type Phase string

const (
	PhaseWaiting      Phase = "waiting"
	PhaseThinking     Phase = "thinking"
	PhaseGenerating   Phase = "generating"
	PhaseComplete     Phase = "complete"
	PhaseTimeout      Phase = "timeout"
	PhaseQuotaReached Phase = "quotaReached"
	PhaseDisconnected Phase = "disconnected"
)

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseTimeout || p == PhaseQuotaReached
}

// StartMode selects the monitor's starting assumption.
type StartMode string

const (
	// ModeActive starts from a clean slate: the first poll captures the
	// baseline text and activity keys present before generation begins.
	ModeActive StartMode = "active"
	// ModePassive assumes generation may already be in flight, for
	// rejoining a session mid-reply.
	ModePassive StartMode = "passive"
)

// Client is the slice of the CDP client the monitor uses. *cdp.Client
// satisfies it.
type Client interface {
	EvaluateInto(ctx context.Context, expression string, out any, opts ...cdp.EvalOption) (bool, error)
	Subscribe(event string, fn cdp.EventHandler) cdp.SubscriptionID
	Unsubscribe(id cdp.SubscriptionID)
}

// Hooks are the owner's callbacks. Nil funcs are skipped. All hooks fire
// from the monitor's poll goroutine, one at a time.
type Hooks struct {
	OnProgress    func(text string)
	OnPhaseChange func(phase Phase, text string)
	OnProcessLog  func(lines string)
	OnComplete    func(finalText string)
	OnTimeout     func(lastText string)
}

// Config tunes one monitor. Zero values use the defaults.
type Config struct {
	// PollInterval spaces the probe cycles.
	PollInterval time.Duration
	// StopGoneConfirm is how many consecutive polls must miss the stop
	// button before the reply counts as complete.
	StopGoneConfirm int
	// InactivityTimeout measures time without any text change, not total
	// elapsed time.
	InactivityTimeout time.Duration

	Logger *slog.Logger
}

const (
	defaultPollInterval      = 2000 * time.Millisecond
	defaultStopGoneConfirm   = 3
	defaultInactivityTimeout = 300 * time.Second
	seenLogKeyCap            = 200
	logKeyLen                = 200
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StopGoneConfirm <= 0 {
		c.StopGoneConfirm = defaultStopGoneConfirm
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ErrAlreadyStarted is returned by Start on a running or finished monitor.
var ErrAlreadyStarted = errors.New("monitor: already started")

type lifecycleEvent string

// Monitor owns one reply's observation loop. All state transitions happen on
// the poll goroutine; lifecycle events from the CDP client are funneled into
// it through a channel so hooks never interleave.
type Monitor struct {
	client Client
	hooks  Hooks
	cfg    Config
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	eventCh  chan lifecycleEvent
	subIDs   []cdp.SubscriptionID

	mu    sync.Mutex
	state state
}

// state is everything the poll goroutine mutates. Guarded by mu only because
// the accessors read it from other goroutines.
type state struct {
	started bool
	phase   Phase
	// prevPhase holds the phase to restore after a disconnect.
	prevPhase Phase
	paused    bool

	baseline    string
	baselineSet bool

	lastEmitted string
	hasEmitted  bool

	// lastObserved is the raw extraction of the previous cycle, for
	// activity tracking independent of emission.
	lastObserved  string
	lastActivity  time.Time
	stopGoneCount int
	// generationStarted gates stop-gone counting: until the stop button
	// has been seen (or text arrived), its absence means nothing.
	generationStarted bool
	quotaSeen         bool
	// legacyOnly is set after a malformed structured payload; the monitor
	// stays on the legacy extractor for the rest of its life.
	legacyOnly bool

	seenLogKeys *ringSet
}

// New builds a monitor bound to one client. Hooks fire on the poll
// goroutine.
func New(client Client, hooks Hooks, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		client:  client,
		hooks:   hooks,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "monitor"),
		stopCh:  make(chan struct{}),
		eventCh: make(chan lifecycleEvent, 8),
		state: state{
			phase:       PhaseWaiting,
			seenLogKeys: newRingSet(seenLogKeyCap),
		},
	}
}

// Start begins polling. ctx bounds the monitor's life; cancellation stops it
// the same way Stop does.
func (m *Monitor) Start(ctx context.Context, mode StartMode) error {
	m.mu.Lock()
	if m.state.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.state.started = true
	m.state.lastActivity = time.Now()
	if mode == ModePassive {
		m.state.phase = PhaseGenerating
		m.state.generationStarted = true
		// No clean baseline exists mid-reply; everything counts as new.
		m.state.baselineSet = true
	}
	m.mu.Unlock()

	var ids []cdp.SubscriptionID
	for _, ev := range []string{cdp.EventDisconnected, cdp.EventReconnected, cdp.EventReconnectFailed} {
		event := ev
		ids = append(ids, m.client.Subscribe(event, func(json.RawMessage) {
			select {
			case m.eventCh <- lifecycleEvent(event):
			default:
			}
		}))
	}
	m.mu.Lock()
	m.subIDs = ids
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop quiesces the monitor: timers cancelled, connection events
// unsubscribed, in-flight probe results discarded. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		ids := m.subIDs
		m.subIDs = nil
		m.mu.Unlock()
		for _, id := range ids {
			m.client.Unsubscribe(id)
		}
	})
}

// Phase returns the current lifecycle state.
func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.phase
}

// LastText returns the last progress text emitted, if any.
func (m *Monitor) LastText() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.lastEmitted, m.state.hasEmitted
}

// QuotaDetected reports whether any poll saw the quota banner.
func (m *Monitor) QuotaDetected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.quotaSeen
}

// ClickStop evaluates the stop-button click script. ok=false means no stop
// control was visible; method names the selector family that hit.
func (m *Monitor) ClickStop(ctx context.Context) (ok bool, method string, err error) {
	var result struct {
		OK     bool   `json:"ok"`
		Method string `json:"method"`
	}
	if _, err := m.client.EvaluateInto(ctx, domscripts.StopClick, &result); err != nil {
		return false, "", err
	}
	return result.OK, result.Method, nil
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	// The first cycle runs immediately so the baseline is captured before
	// any generation output can land.
	m.cycle(ctx)

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case ev := <-m.eventCh:
			if done := m.handleLifecycle(ev); done {
				return
			}
		case <-ticker.C:
			if m.terminal() {
				return
			}
			m.cycle(ctx)
		}
	}
}

func (m *Monitor) terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.phase.Terminal()
}

// handleLifecycle reacts to connection events on the poll goroutine.
// Returns true when the monitor reached a terminal phase.
func (m *Monitor) handleLifecycle(ev lifecycleEvent) bool {
	m.mu.Lock()
	if m.state.phase.Terminal() {
		m.mu.Unlock()
		return true
	}

	switch string(ev) {
	case cdp.EventDisconnected:
		if m.state.phase == PhaseDisconnected {
			m.mu.Unlock()
			return false
		}
		m.state.prevPhase = m.state.phase
		m.state.phase = PhaseDisconnected
		m.state.paused = true
		text := m.state.lastEmitted
		m.mu.Unlock()
		m.logger.Info("connection lost, polling paused")
		m.firePhaseChange(PhaseDisconnected, text)
		return false

	case cdp.EventReconnected:
		if m.state.phase != PhaseDisconnected {
			m.mu.Unlock()
			return false
		}
		restored := m.state.prevPhase
		m.state.phase = restored
		m.state.paused = false
		// The outage produced no observable activity; restart the clock.
		m.state.lastActivity = time.Now()
		text := m.state.lastEmitted
		m.mu.Unlock()
		m.logger.Info("connection restored, polling resumed", "phase", string(restored))
		m.firePhaseChange(restored, text)
		return false

	case cdp.EventReconnectFailed:
		m.state.phase = PhaseTimeout
		text := m.state.lastEmitted
		m.mu.Unlock()
		m.logger.Warn("reconnect exhausted, reply abandoned")
		m.firePhaseChange(PhaseTimeout, text)
		if m.hooks.OnTimeout != nil {
			m.hooks.OnTimeout(text)
		}
		return true
	}
	m.mu.Unlock()
	return false
}

func (m *Monitor) firePhaseChange(phase Phase, text string) {
	if m.hooks.OnPhaseChange != nil {
		m.hooks.OnPhaseChange(phase, text)
	}
}
