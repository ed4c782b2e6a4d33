// Package bridge binds one chat channel to one assistant session. A
// SessionBridge serializes prompt submission, tracks its own injected text to
// suppress echoes, owns the reply monitor and the dialog detectors, and routes
// everything they observe back out through the chat transport.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/chat"
	"github.com/agbridge/agbridge/lib/detect"
	"github.com/agbridge/agbridge/lib/monitor"
	"github.com/agbridge/agbridge/lib/progress"
	"github.com/agbridge/agbridge/lib/transcript"
)

// Client is the CDP capability the bridge drives. *cdp.Client satisfies it.
type Client interface {
	monitor.Client
	InjectMessage(ctx context.Context, text string) error
	SetFileInput(ctx context.Context, files []string) error
	CaptureScreenshot(ctx context.Context) ([]byte, error)
}

// Transcripts archives finished exchanges. *transcript.Writer satisfies it;
// a nil value disables archiving.
type Transcripts interface {
	Append(e transcript.Entry) error
}

var (
	// ErrBusy is returned by SubmitPrompt while a reply is in flight.
	ErrBusy = errors.New("bridge: a prompt is already in flight")
	// ErrAuthRejected is returned when the sender is not allowed to drive
	// this session.
	ErrAuthRejected = errors.New("bridge: user not authorized")
	// ErrActivationFailed is returned when the target conversation could not
	// be brought forward within the retry budget.
	ErrActivationFailed = errors.New("bridge: session activation failed")
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("bridge: closed")
	// ErrNotStarted is returned by SubmitPrompt before Start.
	ErrNotStarted = errors.New("bridge: not started")
)

const (
	defaultActivationAttempts = 4
	defaultActivationDelay    = 500 * time.Millisecond
	activationMaxDelay        = 2 * time.Second
	sendTimeout               = 10 * time.Second
)

// Config binds one bridge. ChannelID and Workspace are required.
type Config struct {
	// ChannelID is the chat channel this bridge serves.
	ChannelID string
	// Workspace names the assistant instance, for logs and transcripts.
	Workspace string
	// SessionTitle is the conversation to activate before each prompt.
	// Empty skips activation and types into whatever chat is open.
	SessionTitle string
	// AllowedUsers restricts who may submit prompts and press buttons.
	// Empty allows everyone.
	AllowedUsers []string

	// EchoTTL is how long an injected prompt suppresses its own UI echo.
	EchoTTL time.Duration
	// Activation retry budget: delay doubles per attempt up to 2 s.
	ActivationAttempts uint
	ActivationDelay    time.Duration

	Monitor  monitor.Config
	Progress progress.Config
	// Detect is shared by all four detectors.
	Detect detect.Config

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.EchoTTL <= 0 {
		c.EchoTTL = defaultEchoTTL
	}
	if c.ActivationAttempts == 0 {
		c.ActivationAttempts = defaultActivationAttempts
	}
	if c.ActivationDelay <= 0 {
		c.ActivationDelay = defaultActivationDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// exchange is the state of one in-flight prompt.
type exchange struct {
	id       string
	prompt   string
	started  time.Time
	sink     *progress.Sink
	mon      *monitor.Monitor
	tmpDir   string
	finished bool
}

// SessionBridge is the unit of serialization for one channel. SubmitPrompt,
// monitor callbacks and detector callbacks all funnel through its mutex; the
// client is shared and never owned.
type SessionBridge struct {
	cfg         Config
	client      Client
	transport   chat.Transport
	transcripts Transcripts
	logger      *slog.Logger

	echo *echoTable

	approval *detect.ApprovalDetector
	planning *detect.PlanningDetector
	errPopup *detect.ErrorPopupDetector
	userMsg  *detect.UserMessageDetector

	// runCtx is written once in Start, before any detector goroutine exists,
	// and read by callbacks afterwards.
	runCtx context.Context

	mu       sync.Mutex
	inFlight bool
	current  *exchange
	closed   bool
	// sessionTitle starts as Config.SessionTitle and may change once the
	// workbench names the conversation.
	sessionTitle string
	// approvalLabel remembers the allow button's text from the last approval
	// dialog so a chat-side approve clicks the right control.
	approvalLabel string
}

// New builds a bridge for one channel. transcripts may be nil.
func New(client Client, transport chat.Transport, transcripts Transcripts, cfg Config) *SessionBridge {
	cfg = cfg.withDefaults()
	b := &SessionBridge{
		cfg:          cfg,
		client:       client,
		transport:    transport,
		transcripts:  transcripts,
		logger:       cfg.Logger.With("component", "bridge", "channel", cfg.ChannelID, "workspace", cfg.Workspace),
		echo:         newEchoTable(cfg.EchoTTL),
		sessionTitle: cfg.SessionTitle,
	}
	det := cfg.Detect
	if det.Logger == nil {
		det.Logger = cfg.Logger
	}
	b.approval = detect.NewApproval(client, b.onApproval, det)
	b.planning = detect.NewPlanning(client, b.onPlanning, det)
	b.errPopup = detect.NewErrorPopup(client, b.onErrorPopup, det)
	b.userMsg = detect.NewUserMessage(client, b.onUserMessage, b.echo.Contains, det)
	return b
}

// Start launches the detector set. ctx bounds every background loop the
// bridge runs, including monitors started by later prompts.
func (b *SessionBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	b.runCtx = ctx
	for _, start := range []func(context.Context) error{
		b.approval.Start,
		b.planning.Start,
		b.errPopup.Start,
		b.userMsg.Start,
	} {
		if err := start(ctx); err != nil {
			b.stopDetectors()
			return fmt.Errorf("start detectors: %w", err)
		}
	}
	b.logger.Info("bridge started", "session", b.SessionTitle())
	return nil
}

// Close stops detectors and any running monitor. Idempotent. An in-flight
// reply is abandoned without an outcome notice.
func (b *SessionBridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ex := b.current
	b.current = nil
	b.inFlight = false
	b.mu.Unlock()

	b.stopDetectors()
	if ex != nil {
		ex.mon.Stop()
		ex.sink.Close()
		cleanupStaged(ex.tmpDir)
	}
	b.logger.Info("bridge closed")
}

func (b *SessionBridge) stopDetectors() {
	b.approval.Stop()
	b.planning.Stop()
	b.errPopup.Stop()
	b.userMsg.Stop()
}

// Busy reports whether a prompt is currently in flight.
func (b *SessionBridge) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// ChannelID returns the chat channel this bridge serves.
func (b *SessionBridge) ChannelID() string {
	return b.cfg.ChannelID
}

// SessionTitle returns the conversation activated before each prompt.
func (b *SessionBridge) SessionTitle() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionTitle
}

// SetSessionTitle retargets future prompts at a different conversation.
// Empty skips activation entirely.
func (b *SessionBridge) SetSessionTitle(title string) {
	b.mu.Lock()
	b.sessionTitle = title
	b.mu.Unlock()
}

// Authorize checks whether userID may drive this session.
func (b *SessionBridge) Authorize(userID string) error {
	if len(b.cfg.AllowedUsers) == 0 {
		return nil
	}
	if !lo.Contains(b.cfg.AllowedUsers, userID) {
		return fmt.Errorf("%w: %s", ErrAuthRejected, userID)
	}
	return nil
}

// Phase returns the active monitor's phase, or waiting when idle.
func (b *SessionBridge) Phase() monitor.Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return monitor.PhaseWaiting
	}
	return b.current.mon.Phase()
}

// Screenshot captures the workbench window as PNG.
func (b *SessionBridge) Screenshot(ctx context.Context) ([]byte, error) {
	return b.client.CaptureScreenshot(ctx)
}

// sendCtx scopes one outbound transport call.
func sendCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sendTimeout)
}

var _ Client = (*cdp.Client)(nil)
