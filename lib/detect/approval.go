package detect

import (
	"context"
	"time"

	"github.com/agbridge/agbridge/lib/domscripts"
)

// ApprovalEvent describes a pending tool-approval dialog.
type ApprovalEvent struct {
	ButtonText  string `json:"buttonText"`
	Description string `json:"description"`
}

// OnApproval receives each newly observed approval dialog.
type OnApproval func(ev ApprovalEvent)

// ApprovalDetector watches for tool-approval dialogs and exposes clicks for
// their allow and deny buttons.
type ApprovalDetector struct {
	base
	onEvent OnApproval
	cur     cursor
}

func NewApproval(client Client, onEvent OnApproval, cfg Config) *ApprovalDetector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = approvalInterval
	}
	d := &ApprovalDetector{
		base:    newBase("approval", client, interval, cfg.Logger),
		onEvent: onEvent,
	}
	d.cur.cooldown = cfg.Cooldown
	return d
}

func (d *ApprovalDetector) Start(ctx context.Context) error {
	return d.start(ctx, d.tick)
}

func (d *ApprovalDetector) tick(ctx context.Context) {
	var ev ApprovalEvent
	found, err := d.client.EvaluateInto(ctx, domscripts.ApprovalPrompt, &ev)
	if err != nil {
		d.logger.Debug("probe failed", "error", err)
		return
	}

	d.mu.Lock()
	fire := d.cur.observe(ev.ButtonText+"::"+ev.Description, found, time.Now())
	d.mu.Unlock()

	if fire {
		d.logger.Info("approval dialog", "button", ev.ButtonText)
		if d.onEvent != nil {
			d.onEvent(ev)
		}
	}
}

// Approve clicks the allow button. An empty label clicks the usual one.
func (d *ApprovalDetector) Approve(ctx context.Context, label string) error {
	if label == "" {
		label = "Allow"
	}
	return d.click(ctx, domscripts.ClickByText(label))
}

// Deny clicks the deny button. An empty label clicks the usual one.
func (d *ApprovalDetector) Deny(ctx context.Context, label string) error {
	if label == "" {
		label = "Deny"
	}
	return d.click(ctx, domscripts.ClickByText(label))
}
