// Package app runs the bridge daemon: it pulls user messages and button
// presses off the chat transport, routes them to per-channel session bridges
// drawn from the connection pool, and pushes connection lifecycle notices
// back out to every bound channel.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/agbridge/agbridge/lib/bridge"
	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/chat"
	"github.com/agbridge/agbridge/lib/detect"
	"github.com/agbridge/agbridge/lib/pool"
	"github.com/agbridge/agbridge/lib/store"
	"github.com/agbridge/agbridge/lib/templates"
	"github.com/agbridge/agbridge/lib/transcript"
)

// noticeTimeout bounds the delivery of a lifecycle notice fan-out.
const noticeTimeout = 10 * time.Second

// TranscriptExporter bundles a channel's recorded exchanges into an
// archive. *transcript.Writer implements it.
type TranscriptExporter interface {
	ExportChannel(channelID string) ([]byte, error)
}

// Options wires the daemon's collaborators. Transport, Store and Templates
// are required.
type Options struct {
	Transport   chat.Transport
	Store       *store.Store
	Transcripts bridge.Transcripts
	Templates   *templates.Catalog
	// Exporter backs the !export command. Nil disables it.
	Exporter TranscriptExporter

	// CDP is the connection template handed to the pool. WorkspaceHint is
	// filled in per workspace.
	CDP cdp.Config
	// ReadyTimeout bounds how long a fresh workbench connection may take to
	// become usable.
	ReadyTimeout time.Duration

	// AllowedUsers restricts who may drive the daemon. Empty allows everyone.
	AllowedUsers []string

	// Bridge is the per-channel template. ChannelID, Workspace, SessionTitle,
	// AllowedUsers and Logger are overwritten for each channel.
	Bridge bridge.Config

	Logger *slog.Logger
}

// Daemon is the message loop between the chat transport and the workbench.
type Daemon struct {
	opts   Options
	logger *slog.Logger
	pool   *pool.Pool

	wg sync.WaitGroup
}

// NewDaemon builds the daemon and its connection pool.
func NewDaemon(opts Options) (*Daemon, error) {
	if opts.Transport == nil {
		return nil, errors.New("app: transport is required")
	}
	if opts.Store == nil {
		return nil, errors.New("app: store is required")
	}
	if opts.Templates == nil {
		return nil, errors.New("app: template catalog is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		opts:   opts,
		logger: logger.With("component", "daemon"),
	}
	d.pool = pool.New(pool.Config{
		CDP:          opts.CDP,
		Transport:    opts.Transport,
		Transcripts:  opts.Transcripts,
		ReadyTimeout: opts.ReadyTimeout,
		OnLifecycle:  d.handleLifecycle,
		Logger:       logger,
	})
	return d, nil
}

// Pool exposes the connection pool, for diagnostics.
func (d *Daemon) Pool() *pool.Pool { return d.pool }

// Run pumps the transport until ctx is canceled or the transport closes its
// channels. Each message is handled on its own goroutine so a slow workbench
// call in one channel never blocks another channel's traffic.
func (d *Daemon) Run(ctx context.Context) error {
	incoming := d.opts.Transport.Incoming()
	actions := d.opts.Transport.Actions()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case msg, ok := <-incoming:
			if !ok {
				d.wg.Wait()
				return nil
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.handleInbound(ctx, msg)
			}()
		case press, ok := <-actions:
			if !ok {
				d.wg.Wait()
				return nil
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.handleAction(ctx, press)
			}()
		}
	}
}

// Close releases every workspace connection. Call after Run returns.
func (d *Daemon) Close() {
	d.pool.Close()
}

func (d *Daemon) handleInbound(ctx context.Context, msg chat.Inbound) {
	text := strings.TrimSpace(msg.Text)
	if text == "" && len(msg.Attachments) == 0 {
		return
	}
	if !d.authorized(msg.UserID) {
		d.reply(ctx, msg.ChannelID, "You are not on the allow list.")
		return
	}

	// Binding commands work before any workbench connection exists.
	cmd, rest, _ := strings.Cut(text, " ")
	switch cmd {
	case "!bind":
		d.handleBind(ctx, msg, rest)
		return
	case "!unbind":
		d.handleUnbind(ctx, msg.ChannelID)
		return
	case "!status":
		d.handleStatus(ctx, msg.ChannelID)
		return
	case "!templates":
		d.replyTemplateList(ctx, msg.ChannelID)
		return
	case "!export":
		d.handleExport(ctx, msg.ChannelID)
		return
	}

	br, err := d.bridgeFor(ctx, msg.ChannelID)
	if err != nil {
		d.replyBridgeError(ctx, msg.ChannelID, err)
		return
	}

	switch {
	case cmd == "!use":
		d.handleTemplate(ctx, msg, br, rest)
	case strings.EqualFold(text, "stop"):
		d.handleStop(ctx, msg.ChannelID, br)
	case strings.EqualFold(text, "screenshot"):
		d.handleScreenshot(ctx, msg.ChannelID, br)
	default:
		d.submit(ctx, msg.ChannelID, br, text, msg.Attachments)
	}
}

func (d *Daemon) handleAction(ctx context.Context, press chat.ButtonPress) {
	br, err := d.bridgeFor(ctx, press.ChannelID)
	if err != nil {
		d.replyBridgeError(ctx, press.ChannelID, err)
		return
	}
	err = br.HandleAction(ctx, press)
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrAuthRejected):
		d.reply(ctx, press.ChannelID, "You are not allowed to press that.")
	case errors.Is(err, detect.ErrButtonNotFound):
		d.reply(ctx, press.ChannelID, "That button is no longer on screen.")
	default:
		d.reply(ctx, press.ChannelID, "Action failed: "+err.Error())
	}
}

// bridgeFor resolves the channel's binding and returns its bridge, dialing
// the workspace on first use. The recorded session title, when present, is
// pushed onto the bridge so activation targets the right conversation.
func (d *Daemon) bridgeFor(ctx context.Context, channelID string) (*bridge.SessionBridge, error) {
	binding, err := d.opts.Store.Bindings().ByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	title := ""
	if sess, serr := d.opts.Store.Sessions().ByChannel(ctx, channelID); serr == nil && sess.IsRenamed {
		title = sess.DisplayName
	}

	bcfg := d.opts.Bridge
	bcfg.ChannelID = channelID
	bcfg.SessionTitle = title
	bcfg.AllowedUsers = d.opts.AllowedUsers
	bcfg.Logger = d.logger
	br, err := d.pool.GetOrConnect(ctx, binding.WorkspacePath, bcfg)
	if err != nil {
		return nil, err
	}
	br.SetSessionTitle(title)
	return br, nil
}

func (d *Daemon) submit(ctx context.Context, channelID string, br *bridge.SessionBridge, text string, attachments []chat.Attachment) {
	err := br.SubmitPrompt(ctx, text, attachments)
	switch {
	case err == nil:
		d.recordTitle(ctx, channelID, br)
	case errors.Is(err, bridge.ErrBusy):
		d.reply(ctx, channelID, `A prompt is already running in this channel. Say "stop" to interrupt it.`)
	case errors.Is(err, bridge.ErrActivationFailed):
		d.reply(ctx, channelID, "Could not re-enter the conversation. Open it in the workbench and try again.")
	case errors.Is(err, bridge.ErrAuthRejected):
		d.reply(ctx, channelID, "You are not on the allow list.")
	default:
		d.reply(ctx, channelID, "Prompt failed: "+err.Error())
	}
}

// recordTitle stores the conversation title once the workbench shows one. An
// ongoing conversation keeps its name across prompts; a brand-new one gets
// picked up on a later prompt, after the workbench has named it.
func (d *Daemon) recordTitle(ctx context.Context, channelID string, br *bridge.SessionBridge) {
	sessions := d.opts.Store.Sessions()
	if sess, err := sessions.ByChannel(ctx, channelID); err == nil && sess.IsRenamed {
		return
	}
	title, err := br.Title(ctx)
	if err != nil || title == "" {
		return
	}
	if err := sessions.MarkRenamed(ctx, channelID, title); err != nil {
		d.logger.Warn("could not record session title", "channel", channelID, "error", err)
		return
	}
	br.SetSessionTitle(title)
	d.logger.Info("session title recorded", "channel", channelID, "title", title)
}

func (d *Daemon) handleStop(ctx context.Context, channelID string, br *bridge.SessionBridge) {
	ok, err := br.Stop(ctx)
	switch {
	case err != nil:
		d.reply(ctx, channelID, "Could not press stop: "+err.Error())
	case ok:
		d.reply(ctx, channelID, "Generation stopped.")
	default:
		d.reply(ctx, channelID, "Nothing is generating right now.")
	}
}

func (d *Daemon) handleScreenshot(ctx context.Context, channelID string, br *bridge.SessionBridge) {
	data, err := br.Screenshot(ctx)
	if err != nil {
		d.reply(ctx, channelID, "Screenshot failed: "+err.Error())
		return
	}
	if err := d.opts.Transport.SendFile(ctx, channelID, "workbench.png", data); err != nil {
		d.logger.Warn("screenshot upload failed", "channel", channelID, "error", err)
	}
}

// handleExport ships the channel's transcript archive back through the chat
// transport. It works without a workspace binding; transcripts outlive
// bindings.
func (d *Daemon) handleExport(ctx context.Context, channelID string) {
	if d.opts.Exporter == nil {
		d.reply(ctx, channelID, "Transcript export is not configured.")
		return
	}
	data, err := d.opts.Exporter.ExportChannel(channelID)
	switch {
	case errors.Is(err, transcript.ErrNoTranscripts):
		d.reply(ctx, channelID, "No transcripts recorded for this channel yet.")
	case err != nil:
		d.reply(ctx, channelID, "Export failed: "+err.Error())
	default:
		name := channelID + "-transcripts.tar.zst"
		if err := d.opts.Transport.SendFile(ctx, channelID, name, data); err != nil {
			d.logger.Warn("transcript upload failed", "channel", channelID, "error", err)
		}
	}
}

func (d *Daemon) handleBind(ctx context.Context, msg chat.Inbound, rest string) {
	path := strings.TrimSpace(rest)
	if path == "" {
		d.reply(ctx, msg.ChannelID, "Usage: !bind /path/to/workspace")
		return
	}
	ws := pool.NormalizeWorkspace(path)
	if ws == "" {
		d.reply(ctx, msg.ChannelID, fmt.Sprintf("%q has no usable workspace name.", path))
		return
	}
	err := d.opts.Store.Bindings().Bind(ctx, store.WorkspaceBinding{
		ChannelID:     msg.ChannelID,
		WorkspacePath: path,
	})
	if err != nil {
		d.reply(ctx, msg.ChannelID, "Could not save the binding: "+err.Error())
		return
	}
	d.reply(ctx, msg.ChannelID, fmt.Sprintf("Channel bound to workspace %q. The first prompt dials the workbench.", ws))
}

func (d *Daemon) handleUnbind(ctx context.Context, channelID string) {
	err := d.opts.Store.Bindings().Unbind(ctx, channelID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d.reply(ctx, channelID, "This channel was not bound.")
	case err != nil:
		d.reply(ctx, channelID, "Could not remove the binding: "+err.Error())
	default:
		d.reply(ctx, channelID, "Channel unbound.")
	}
}

// handleStatus reports the channel's binding and, when the workspace
// connection is already up, its live state. It never dials; unbound and
// not-yet-dialed are both valid answers.
func (d *Daemon) handleStatus(ctx context.Context, channelID string) {
	binding, err := d.opts.Store.Bindings().ByChannel(ctx, channelID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d.reply(ctx, channelID, "This channel is not bound to a workspace. Bind one with !bind <path>.")
		return
	case err != nil:
		d.reply(ctx, channelID, "Could not read the binding: "+err.Error())
		return
	}

	ws := pool.NormalizeWorkspace(binding.WorkspacePath)
	for _, st := range d.pool.Snapshot() {
		if st.Workspace != ws {
			continue
		}
		for _, ch := range st.Channels {
			if ch.ChannelID == channelID {
				d.reply(ctx, channelID, fmt.Sprintf("Bound to %q (workspace %q). Connection %s, phase %s.",
					binding.WorkspacePath, ws, st.State, ch.Phase))
				return
			}
		}
		d.reply(ctx, channelID, fmt.Sprintf("Bound to %q (workspace %q). Connection %s; this channel has not prompted yet.",
			binding.WorkspacePath, ws, st.State))
		return
	}
	d.reply(ctx, channelID, fmt.Sprintf("Bound to %q (workspace %q). No live connection; the first prompt dials.",
		binding.WorkspacePath, ws))
}

func (d *Daemon) handleTemplate(ctx context.Context, msg chat.Inbound, br *bridge.SessionBridge, rest string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		d.reply(ctx, msg.ChannelID, "Usage: !use <template> [key=value ...]")
		return
	}
	vars := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			d.reply(ctx, msg.ChannelID, fmt.Sprintf("Template arguments look like key=value, got %q.", f))
			return
		}
		vars[k] = v
	}
	rendered, err := d.opts.Templates.Render(fields[0], vars)
	if err != nil {
		d.reply(ctx, msg.ChannelID, "Template error: "+err.Error())
		return
	}
	d.submit(ctx, msg.ChannelID, br, rendered, msg.Attachments)
}

func (d *Daemon) replyTemplateList(ctx context.Context, channelID string) {
	list := d.opts.Templates.List()
	if len(list) == 0 {
		d.reply(ctx, channelID, "No templates loaded.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Templates:")
	for _, t := range list {
		sb.WriteString("\n  " + t.Name)
		if t.Description != "" {
			sb.WriteString(": " + t.Description)
		}
	}
	d.reply(ctx, channelID, sb.String())
}

func (d *Daemon) replyBridgeError(ctx context.Context, channelID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		d.reply(ctx, channelID, "This channel is not bound to a workspace. Bind one with !bind <path>.")
	case errors.Is(err, pool.ErrClosed):
		d.reply(ctx, channelID, "The daemon is shutting down.")
	default:
		d.reply(ctx, channelID, fmt.Sprintf("The workbench is unreachable (%v). Is the assistant running with a debug port open?", err))
	}
}

// handleLifecycle runs on a client event goroutine, so delivery is handed off;
// the notice must not stall the reconnect loop behind a slow transport.
func (d *Daemon) handleLifecycle(workspace, event string) {
	var notice string
	switch event {
	case pool.LifecycleDisconnected:
		notice = "Connection to the workbench dropped; reconnecting."
	case pool.LifecycleReconnected:
		notice = "Workbench connection restored."
	case pool.LifecycleReconnectFailed:
		notice = "Workbench connection lost. The next prompt dials fresh."
	default:
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
		defer cancel()
		for _, ch := range d.channelsFor(ctx, workspace) {
			d.reply(ctx, ch, notice)
		}
	}()
}

func (d *Daemon) channelsFor(ctx context.Context, workspace string) []string {
	all, err := d.opts.Store.Bindings().All(ctx)
	if err != nil {
		d.logger.Warn("could not list bindings for lifecycle notice", "error", err)
		return nil
	}
	bound := lo.Filter(all, func(b store.WorkspaceBinding, _ int) bool {
		return pool.NormalizeWorkspace(b.WorkspacePath) == workspace
	})
	return lo.Map(bound, func(b store.WorkspaceBinding, _ int) string { return b.ChannelID })
}

func (d *Daemon) authorized(userID string) bool {
	return len(d.opts.AllowedUsers) == 0 || lo.Contains(d.opts.AllowedUsers, userID)
}

// reply posts a short notice, logging delivery failures instead of failing
// the handler.
func (d *Daemon) reply(ctx context.Context, channelID, content string) {
	if _, err := d.opts.Transport.Send(ctx, channelID, content); err != nil {
		d.logger.Warn("reply failed", "channel", channelID, "error", err)
	}
}
