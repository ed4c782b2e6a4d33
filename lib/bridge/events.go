package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/agbridge/agbridge/lib/chat"
	"github.com/agbridge/agbridge/lib/detect"
)

// Action IDs carried on UiEvent buttons and routed back via HandleAction.
const (
	ActionApprove      = "approve"
	ActionDeny         = "deny"
	ActionPlanOpen     = "plan-open"
	ActionPlanProceed  = "plan-proceed"
	ActionErrDismiss   = "error-dismiss"
	ActionErrRetry     = "error-retry"
	ActionErrCopyDebug = "error-copy-debug"
)

func (b *SessionBridge) onApproval(ev detect.ApprovalEvent) {
	b.mu.Lock()
	b.approvalLabel = ev.ButtonText
	b.mu.Unlock()

	label := ev.ButtonText
	if label == "" {
		label = "Allow"
	}
	b.sendEvent(chat.UiEvent{
		Kind:  chat.UiEventApproval,
		Title: "Approval required",
		Body:  ev.Description,
		Actions: []chat.UiAction{
			{ID: ActionApprove, Label: label},
			{ID: ActionDeny, Label: "Deny"},
		},
	})
}

func (b *SessionBridge) onPlanning(ev detect.PlanningEvent) {
	title := ev.Title
	if title == "" {
		title = "Plan ready for review"
	}
	b.sendEvent(chat.UiEvent{
		Kind:  chat.UiEventPlanning,
		Title: title,
		Body:  ev.Body,
		Actions: availableActions([]chat.UiAction{
			{ID: ActionPlanOpen, Label: "Open"},
			{ID: ActionPlanProceed, Label: "Proceed"},
		}, ev.Buttons),
	})
}

func (b *SessionBridge) onErrorPopup(ev detect.ErrorPopupEvent) {
	title := ev.Title
	if title == "" {
		title = "Workbench error"
	}
	b.sendEvent(chat.UiEvent{
		Kind:  chat.UiEventError,
		Title: title,
		Body:  ev.Body,
		Actions: availableActions([]chat.UiAction{
			{ID: ActionErrDismiss, Label: "Dismiss"},
			{ID: ActionErrRetry, Label: "Retry"},
			{ID: ActionErrCopyDebug, Label: "Copy debug info"},
		}, ev.Buttons),
	})
}

// onUserMessage forwards a message typed directly into the desktop UI. Echoes
// of our own injections never reach this callback, the detector filters them
// through the echo table.
func (b *SessionBridge) onUserMessage(msg detect.UserMessage) {
	ctx, cancel := sendCtx()
	defer cancel()
	if _, err := b.transport.Send(ctx, b.cfg.ChannelID, "[desktop] "+msg.Text); err != nil {
		b.logger.Warn("user message forward failed", "error", err)
	}
}

func (b *SessionBridge) sendEvent(ev chat.UiEvent) {
	ctx, cancel := sendCtx()
	defer cancel()
	if _, err := b.transport.SendEvent(ctx, b.cfg.ChannelID, ev); err != nil {
		b.logger.Warn("event send failed", "kind", ev.Kind, "error", err)
	}
}

// availableActions keeps the actions whose labels the dialog actually shows.
// An unrecognized button set falls back to the full list rather than an
// unusable empty event.
func availableActions(actions []chat.UiAction, buttons []string) []chat.UiAction {
	if len(buttons) == 0 {
		return actions
	}
	kept := lo.Filter(actions, func(a chat.UiAction, _ int) bool {
		return lo.SomeBy(buttons, func(label string) bool {
			return strings.EqualFold(strings.TrimSpace(label), a.Label)
		})
	})
	if len(kept) == 0 {
		return actions
	}
	return kept
}

// HandleAction routes a chat-side button press back to the workbench dialog
// it belongs to.
func (b *SessionBridge) HandleAction(ctx context.Context, press chat.ButtonPress) error {
	if err := b.Authorize(press.UserID); err != nil {
		return err
	}
	switch press.ActionID {
	case ActionApprove:
		b.mu.Lock()
		label := b.approvalLabel
		b.mu.Unlock()
		return b.approval.Approve(ctx, label)
	case ActionDeny:
		return b.approval.Deny(ctx, "")
	case ActionPlanOpen:
		if err := b.planning.ClickOpen(ctx); err != nil {
			return err
		}
		content, err := b.planning.ExtractPlanContent(ctx)
		if err != nil {
			return err
		}
		if content == "" {
			return nil
		}
		_, err = b.transport.Send(ctx, b.cfg.ChannelID, content)
		return err
	case ActionPlanProceed:
		return b.planning.ClickProceed(ctx)
	case ActionErrDismiss:
		return b.errPopup.ClickDismiss(ctx)
	case ActionErrRetry:
		return b.errPopup.ClickRetry(ctx)
	case ActionErrCopyDebug:
		return b.copyDebugInfo(ctx)
	default:
		return fmt.Errorf("bridge: unknown action %q", press.ActionID)
	}
}

// copyDebugInfo clicks the popup's copy button, reads the clipboard and posts
// the result. Clipboard denial is reported, not retried.
func (b *SessionBridge) copyDebugInfo(ctx context.Context) error {
	if err := b.errPopup.ClickCopyDebugInfo(ctx); err != nil {
		return err
	}
	text, ok, err := b.errPopup.ReadClipboard(ctx)
	if err != nil {
		return err
	}
	if !ok || text == "" {
		_, err = b.transport.Send(ctx, b.cfg.ChannelID, "Clipboard access was denied; debug info is unavailable.")
		return err
	}
	_, err = b.transport.Send(ctx, b.cfg.ChannelID, text)
	return err
}
