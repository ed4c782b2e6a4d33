package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/nrednav/cuid2"

	"github.com/agbridge/agbridge/lib/chat"
	"github.com/agbridge/agbridge/lib/domscripts"
	"github.com/agbridge/agbridge/lib/monitor"
	"github.com/agbridge/agbridge/lib/progress"
	"github.com/agbridge/agbridge/lib/transcript"
)

// SubmitPrompt injects one prompt and watches the reply to completion. At
// most one prompt is in flight per bridge; a second call returns ErrBusy. The
// call returns once the monitor is running, not when the reply finishes.
func (b *SessionBridge) SubmitPrompt(ctx context.Context, text string, attachments []chat.Attachment) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.runCtx == nil {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if b.inFlight {
		b.mu.Unlock()
		return ErrBusy
	}
	b.inFlight = true
	b.mu.Unlock()

	if err := b.runSubmit(ctx, text, attachments); err != nil {
		b.mu.Lock()
		b.inFlight = false
		b.current = nil
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *SessionBridge) runSubmit(ctx context.Context, text string, attachments []chat.Attachment) error {
	ex := &exchange{
		id:      cuid2.Generate(),
		prompt:  text,
		started: time.Now(),
	}
	logger := b.logger.With("exchange", ex.id)

	// Recorded before injection so the user-message detector never mistakes
	// the prompt's UI echo for fresh input.
	b.echo.Add(text)

	if err := b.activate(ctx); err != nil {
		return err
	}

	tmpDir, err := b.stageAttachments(ctx, attachments)
	if err != nil {
		return err
	}
	ex.tmpDir = tmpDir

	if err := b.client.InjectMessage(ctx, text); err != nil {
		cleanupStaged(tmpDir)
		return fmt.Errorf("inject prompt: %w", err)
	}

	monCfg := b.cfg.Monitor
	if monCfg.Logger == nil {
		monCfg.Logger = b.cfg.Logger
	}
	ex.sink = progress.New(b.transport, b.cfg.ChannelID, b.cfg.Progress, b.cfg.Logger)
	ex.mon = monitor.New(b.client, b.monitorHooks(ex), monCfg)

	b.mu.Lock()
	b.current = ex
	b.mu.Unlock()

	if err := ex.mon.Start(b.runCtx, monitor.ModeActive); err != nil {
		ex.sink.Close()
		cleanupStaged(tmpDir)
		b.mu.Lock()
		b.current = nil
		b.mu.Unlock()
		return fmt.Errorf("start monitor: %w", err)
	}
	logger.Info("prompt submitted", "chars", len(text), "attachments", len(attachments))
	return nil
}

// activate brings the configured conversation to the foreground. Each attempt
// tries the side panel directly, then the Past Conversations flow, and counts
// as done only when the visible chat title matches.
func (b *SessionBridge) activate(ctx context.Context) error {
	title := b.SessionTitle()
	if title == "" {
		return nil
	}
	attempt := 0
	err := retry.New(
		retry.Attempts(b.cfg.ActivationAttempts),
		retry.Delay(b.cfg.ActivationDelay),
		retry.MaxDelay(activationMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		attempt++
		if b.clickActivate(ctx, title) && b.verifyActive(ctx, title) {
			return nil
		}
		var open struct {
			OK bool `json:"ok"`
		}
		if _, err := b.client.EvaluateInto(ctx, domscripts.OpenPastConversations, &open); err != nil {
			return err
		}
		if b.clickActivate(ctx, title) && b.verifyActive(ctx, title) {
			return nil
		}
		return fmt.Errorf("conversation %q not activated (attempt %d)", title, attempt)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}
	if attempt > 1 {
		b.logger.Info("session activated after retry", "attempts", attempt)
	}
	return nil
}

func (b *SessionBridge) clickActivate(ctx context.Context, title string) bool {
	var res struct {
		OK    bool   `json:"ok"`
		Title string `json:"title"`
	}
	if _, err := b.client.EvaluateInto(ctx, domscripts.ActivateByTitle(title), &res); err != nil {
		b.logger.Debug("activation click failed", "error", err)
		return false
	}
	return res.OK
}

func (b *SessionBridge) verifyActive(ctx context.Context, title string) bool {
	var got string
	found, err := b.client.EvaluateInto(ctx, domscripts.ChatTitle, &got)
	if err != nil || !found {
		return false
	}
	got = strings.TrimSpace(got)
	if got == "" {
		return false
	}
	return strings.EqualFold(got, title) ||
		strings.Contains(strings.ToLower(got), strings.ToLower(title))
}

// Title reads the conversation title currently shown in the workbench.
// Empty when no conversation is open or the panel exposes none.
func (b *SessionBridge) Title(ctx context.Context) (string, error) {
	var title string
	if _, err := b.client.EvaluateInto(ctx, domscripts.ChatTitle, &title); err != nil {
		return "", err
	}
	return strings.TrimSpace(title), nil
}

// stageAttachments writes inbound files to a temp directory and points the
// workbench's hidden file input at them. The upload primitive dispatches the
// input and change events itself; nothing synthetic is fired here.
func (b *SessionBridge) stageAttachments(ctx context.Context, attachments []chat.Attachment) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	dir, err := os.MkdirTemp("", "agbridge-upload-*")
	if err != nil {
		return "", fmt.Errorf("stage attachments: %w", err)
	}
	paths := make([]string, 0, len(attachments))
	for i, att := range attachments {
		name := filepath.Base(att.Name)
		if name == "" || name == "." || name == "/" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, att.Data, 0o600); err != nil {
			cleanupStaged(dir)
			return "", fmt.Errorf("stage attachments: %w", err)
		}
		paths = append(paths, path)
	}
	if err := b.client.SetFileInput(ctx, paths); err != nil {
		cleanupStaged(dir)
		return "", fmt.Errorf("upload attachments: %w", err)
	}
	return dir, nil
}

func cleanupStaged(dir string) {
	if dir != "" {
		os.RemoveAll(dir)
	}
}

func (b *SessionBridge) monitorHooks(ex *exchange) monitor.Hooks {
	return monitor.Hooks{
		OnProgress: func(text string) {
			ex.sink.Append(text)
		},
		OnPhaseChange: func(phase monitor.Phase, text string) {
			b.logger.Debug("phase change", "exchange", ex.id, "phase", phase)
		},
		OnProcessLog: func(lines string) {
			ctx, cancel := sendCtx()
			defer cancel()
			if _, err := b.transport.Send(ctx, b.cfg.ChannelID, lines); err != nil {
				b.logger.Warn("activity send failed", "error", err)
			}
		},
		OnComplete: func(finalText string) {
			b.finishExchange(ex, finalText, transcript.OutcomeComplete)
		},
		OnTimeout: func(lastText string) {
			b.finishExchange(ex, lastText, transcript.OutcomeTimeout)
		},
	}
}

// finishExchange settles one exchange: flush and close the progress stream,
// notify the channel, archive the transcript, release the in-flight slot.
// Runs on the monitor's poll goroutine.
func (b *SessionBridge) finishExchange(ex *exchange, finalText, outcome string) {
	b.mu.Lock()
	if ex.finished || b.closed {
		b.mu.Unlock()
		return
	}
	ex.finished = true
	b.mu.Unlock()

	if ex.mon.Phase() == monitor.PhaseQuotaReached {
		outcome = transcript.OutcomeQuota
	}
	logger := b.logger.With("exchange", ex.id, "outcome", outcome)

	ex.sink.ForceEmit()
	ex.sink.Close()

	if notice := outcomeNotice(outcome, finalText, ex.mon.QuotaDetected()); notice != "" {
		ctx, cancel := sendCtx()
		if _, err := b.transport.Send(ctx, b.cfg.ChannelID, notice); err != nil {
			logger.Warn("outcome notice failed", "error", err)
		}
		cancel()
	}

	if b.transcripts != nil {
		entry := transcript.Entry{
			ExchangeID: ex.id,
			ChannelID:  b.cfg.ChannelID,
			Workspace:  b.cfg.Workspace,
			Prompt:     ex.prompt,
			Reply:      finalText,
			Outcome:    outcome,
			StartedAt:  ex.started,
			FinishedAt: time.Now(),
		}
		if err := b.transcripts.Append(entry); err != nil {
			logger.Warn("transcript append failed", "error", err)
		}
	}

	ex.mon.Stop()
	cleanupStaged(ex.tmpDir)

	b.mu.Lock()
	if b.current == ex {
		b.current = nil
	}
	b.inFlight = false
	b.mu.Unlock()
	logger.Info("exchange finished", "duration", time.Since(ex.started).Round(time.Millisecond))
}

// outcomeNotice renders the terminal chat message for one exchange. Normal
// completions stay silent, the reply text already reached the channel.
func outcomeNotice(outcome, finalText string, quotaSeen bool) string {
	switch outcome {
	case transcript.OutcomeQuota:
		return "Usage quota reached before the assistant produced a reply."
	case transcript.OutcomeTimeout:
		if finalText == "" {
			return "The assistant stopped responding before producing any text."
		}
		return "The reply stalled and was abandoned; the text above is the last state observed."
	default:
		if quotaSeen {
			return "Usage quota was reached during this reply; it may be truncated."
		}
		return ""
	}
}

// Stop clicks the workbench's stop control for the in-flight reply. The reply
// then settles through the normal completion path. ok reports whether a
// running reply existed and the button was hit.
func (b *SessionBridge) Stop(ctx context.Context) (ok bool, err error) {
	b.mu.Lock()
	ex := b.current
	b.mu.Unlock()
	if ex == nil {
		return false, nil
	}
	ok, method, err := ex.mon.ClickStop(ctx)
	if err != nil {
		return false, fmt.Errorf("stop click: %w", err)
	}
	if ok {
		b.logger.Info("stop clicked", "method", method)
	}
	return ok, nil
}
