// Package detect turns transient DOM signals (approval dialogs, plan
// reviews, error popups, user messages) into deduplicated callback streams.
// Each detector polls one probe script and fires only when something new
// appears.
package detect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agbridge/agbridge/lib/cdp"
)

// Client is the evaluation surface detectors need. *cdp.Client satisfies it.
type Client interface {
	EvaluateInto(ctx context.Context, expression string, out any, opts ...cdp.EvalOption) (bool, error)
}

// ErrAlreadyActive is returned by Start on a running detector.
var ErrAlreadyActive = errors.New("detect: already active")

// ErrButtonNotFound is returned by click actions when the target control is
// no longer on screen.
var ErrButtonNotFound = errors.New("detect: button not found")

// Config tunes one detector. Zero values use that detector's defaults.
type Config struct {
	Interval time.Duration
	// Cooldown suppresses re-emission after a fire even when the key has
	// cleared in between. Only the error popup detector defaults to one.
	Cooldown time.Duration
	Logger   *slog.Logger
}

const (
	approvalInterval    = 2 * time.Second
	planningInterval    = 2 * time.Second
	errorPopupInterval  = 3 * time.Second
	userMessageInterval = 1500 * time.Millisecond
	errorPopupCooldown  = 10 * time.Second
)

// cursor is the shared dedup rule: fire when the key differs from the last
// one and the cooldown has elapsed. A null observation clears the key so the
// same signal can fire again once it has disappeared.
type cursor struct {
	cooldown      time.Duration
	lastKey       string
	lastEmittedAt time.Time
}

func (c *cursor) observe(key string, found bool, now time.Time) bool {
	if !found {
		c.lastKey = ""
		return false
	}
	if key == c.lastKey {
		return false
	}
	if c.cooldown > 0 && !c.lastEmittedAt.IsZero() && now.Sub(c.lastEmittedAt) < c.cooldown {
		// The key stays unset so the signal fires as soon as the
		// cooldown runs out instead of being swallowed.
		return false
	}
	c.lastKey = key
	c.lastEmittedAt = now
	return true
}

// popupKey builds the dedup key for dialog-shaped signals. Only the head of
// the body participates, volatile tails must not defeat deduplication.
func popupKey(title, body string) string {
	runes := []rune(body)
	if len(runes) > 100 {
		runes = runes[:100]
	}
	return title + "::" + string(runes)
}

// base carries the poll loop and lifecycle every detector shares.
type base struct {
	client   Client
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	active bool
	stopCh chan struct{}
}

func newBase(name string, client Client, interval time.Duration, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		client:   client,
		interval: interval,
		logger:   logger.With("component", "detect", "detector", name),
	}
}

// start launches the poll loop: tick runs once immediately, then on every
// interval until Stop or ctx cancellation.
func (b *base) start(ctx context.Context, tick func(context.Context)) error {
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return ErrAlreadyActive
	}
	b.active = true
	stopCh := make(chan struct{})
	b.stopCh = stopCh
	b.mu.Unlock()

	go b.loop(ctx, stopCh, tick)
	return nil
}

func (b *base) loop(ctx context.Context, stopCh chan struct{}, tick func(context.Context)) {
	defer b.markStopped(stopCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	tick(ctx)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// markStopped clears the active flag unless the detector was restarted and
// the flag now belongs to a newer loop.
func (b *base) markStopped(stopCh chan struct{}) {
	b.mu.Lock()
	if b.stopCh == stopCh {
		b.active = false
	}
	b.mu.Unlock()
}

// Stop halts polling. Idempotent; an in-flight probe drains on its own. The
// detector can be started again afterwards.
func (b *base) Stop() {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	b.active = false
	close(b.stopCh)
	b.mu.Unlock()
}

// IsActive reports whether the poll loop is running.
func (b *base) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// click evaluates a click script and maps a miss to ErrButtonNotFound.
func (b *base) click(ctx context.Context, script string) error {
	var res struct {
		OK bool `json:"ok"`
	}
	if _, err := b.client.EvaluateInto(ctx, script, &res); err != nil {
		return err
	}
	if !res.OK {
		return ErrButtonNotFound
	}
	return nil
}
