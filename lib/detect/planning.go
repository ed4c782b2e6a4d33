package detect

import (
	"context"
	"time"

	"github.com/agbridge/agbridge/lib/domscripts"
)

// PlanningEvent describes a plan-review dialog awaiting a decision.
type PlanningEvent struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Buttons []string `json:"buttons"`
}

// OnPlanning receives each newly observed plan-review dialog.
type OnPlanning func(ev PlanningEvent)

// PlanningDetector watches for the plan-review dialog shown before
// multi-step work and exposes its controls.
type PlanningDetector struct {
	base
	onEvent OnPlanning
	cur     cursor
}

func NewPlanning(client Client, onEvent OnPlanning, cfg Config) *PlanningDetector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = planningInterval
	}
	d := &PlanningDetector{
		base:    newBase("planning", client, interval, cfg.Logger),
		onEvent: onEvent,
	}
	d.cur.cooldown = cfg.Cooldown
	return d
}

func (d *PlanningDetector) Start(ctx context.Context) error {
	return d.start(ctx, d.tick)
}

func (d *PlanningDetector) tick(ctx context.Context) {
	var ev PlanningEvent
	found, err := d.client.EvaluateInto(ctx, domscripts.PlanningPrompt, &ev)
	if err != nil {
		d.logger.Debug("probe failed", "error", err)
		return
	}

	d.mu.Lock()
	fire := d.cur.observe(popupKey(ev.Title, ev.Body), found, time.Now())
	d.mu.Unlock()

	if fire {
		d.logger.Info("plan review dialog", "title", ev.Title)
		if d.onEvent != nil {
			d.onEvent(ev)
		}
	}
}

// ClickOpen opens the full plan document.
func (d *PlanningDetector) ClickOpen(ctx context.Context) error {
	return d.click(ctx, domscripts.ClickByText("Open"))
}

// ClickProceed accepts the plan and lets the work start.
func (d *PlanningDetector) ClickProceed(ctx context.Context) error {
	return d.click(ctx, domscripts.ClickByText("Proceed"))
}

// ExtractPlanContent reads the full text of the open plan document.
func (d *PlanningDetector) ExtractPlanContent(ctx context.Context) (string, error) {
	var content string
	if _, err := d.client.EvaluateInto(ctx, domscripts.PlanContent, &content); err != nil {
		return "", err
	}
	return content, nil
}
