package detect

import (
	"context"
	"time"

	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/domscripts"
)

// ErrorPopupEvent describes a visible error toast or modal.
type ErrorPopupEvent struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Buttons []string `json:"buttons"`
}

// OnErrorPopup receives each newly observed error popup.
type OnErrorPopup func(ev ErrorPopupEvent)

// ErrorPopupDetector watches for error popups. A cooldown keeps a flapping
// popup (appearing and vanishing in a loop) from flooding the callback.
type ErrorPopupDetector struct {
	base
	onEvent OnErrorPopup
	cur     cursor
}

func NewErrorPopup(client Client, onEvent OnErrorPopup, cfg Config) *ErrorPopupDetector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = errorPopupInterval
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = errorPopupCooldown
	}
	d := &ErrorPopupDetector{
		base:    newBase("errorpopup", client, interval, cfg.Logger),
		onEvent: onEvent,
	}
	d.cur.cooldown = cooldown
	return d
}

func (d *ErrorPopupDetector) Start(ctx context.Context) error {
	return d.start(ctx, d.tick)
}

func (d *ErrorPopupDetector) tick(ctx context.Context) {
	var ev ErrorPopupEvent
	found, err := d.client.EvaluateInto(ctx, domscripts.ErrorPopup, &ev)
	if err != nil {
		d.logger.Debug("probe failed", "error", err)
		return
	}

	d.mu.Lock()
	fire := d.cur.observe(popupKey(ev.Title, ev.Body), found, time.Now())
	d.mu.Unlock()

	if fire {
		d.logger.Warn("error popup", "title", ev.Title)
		if d.onEvent != nil {
			d.onEvent(ev)
		}
	}
}

// ClickDismiss closes the popup.
func (d *ErrorPopupDetector) ClickDismiss(ctx context.Context) error {
	return d.click(ctx, domscripts.ClickPopupButton("Dismiss"))
}

// ClickRetry retries the failed operation.
func (d *ErrorPopupDetector) ClickRetry(ctx context.Context) error {
	return d.click(ctx, domscripts.ClickPopupButton("Retry"))
}

// ClickCopyDebugInfo copies the popup's diagnostic payload to the page
// clipboard, where ReadClipboard can pick it up.
func (d *ErrorPopupDetector) ClickCopyDebugInfo(ctx context.Context) error {
	return d.click(ctx, domscripts.ClickPopupButton("Copy debug info"))
}

// ReadClipboard reads the page clipboard. ok is false when the browser
// denies access; denial is not an error and retrying will not help.
func (d *ErrorPopupDetector) ReadClipboard(ctx context.Context) (text string, ok bool, err error) {
	found, err := d.client.EvaluateInto(ctx, domscripts.ReadClipboard, &text, cdp.AwaitPromise())
	if err != nil {
		return "", false, err
	}
	return text, found, nil
}
