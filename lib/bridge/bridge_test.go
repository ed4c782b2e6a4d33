package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/chat"
	"github.com/agbridge/agbridge/lib/chat/chattest"
	"github.com/agbridge/agbridge/lib/detect"
	"github.com/agbridge/agbridge/lib/domscripts"
	"github.com/agbridge/agbridge/lib/monitor"
	"github.com/agbridge/agbridge/lib/progress"
	"github.com/agbridge/agbridge/lib/transcript"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForCondition(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

type upload struct {
	name string
	data []byte
}

// fakeWorkbench answers DOM scripts from per-expression queues and records
// every side effect. The last queue entry repeats forever; an expression with
// no queue reads as null, so un-scripted probes stay quiet. "null" is a null
// result, "" a transport error.
type fakeWorkbench struct {
	mu       sync.Mutex
	queues   map[string][]string
	calls    map[string]int
	injected []string
	uploads  []upload
	ops      []string
	subSeq   int
	subs     map[cdp.SubscriptionID]string
}

func newFakeWorkbench() *fakeWorkbench {
	return &fakeWorkbench{
		queues: make(map[string][]string),
		calls:  make(map[string]int),
		subs:   make(map[cdp.SubscriptionID]string),
	}
}

func (f *fakeWorkbench) push(expr string, raws ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[expr] = append(f.queues[expr], raws...)
}

func (f *fakeWorkbench) callCount(expr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[expr]
}

func (f *fakeWorkbench) injectedList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.injected...)
}

func (f *fakeWorkbench) uploadList() []upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload(nil), f.uploads...)
}

func (f *fakeWorkbench) opsList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeWorkbench) EvaluateInto(_ context.Context, expr string, out any, _ ...cdp.EvalOption) (bool, error) {
	f.mu.Lock()
	f.calls[expr]++
	q := f.queues[expr]
	if len(q) == 0 {
		f.mu.Unlock()
		return false, nil
	}
	raw := q[0]
	if len(q) > 1 {
		f.queues[expr] = q[1:]
	}
	f.mu.Unlock()

	if raw == "" {
		return false, errors.New("probe unavailable")
	}
	if raw == "null" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("unmarshal eval value: %w", err)
	}
	return true, nil
}

func (f *fakeWorkbench) Subscribe(event string, _ cdp.EventHandler) cdp.SubscriptionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subSeq++
	id := cdp.SubscriptionID(fmt.Sprintf("sub-%d", f.subSeq))
	f.subs[id] = event
	return id
}

func (f *fakeWorkbench) Unsubscribe(id cdp.SubscriptionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fakeWorkbench) InjectMessage(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, text)
	f.ops = append(f.ops, "inject")
	return nil
}

func (f *fakeWorkbench) SetFileInput(_ context.Context, files []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		f.uploads = append(f.uploads, upload{name: filepath.Base(path), data: data})
	}
	f.ops = append(f.ops, "upload")
	return nil
}

func (f *fakeWorkbench) CaptureScreenshot(context.Context) ([]byte, error) {
	return []byte("png-bytes"), nil
}

type memTranscripts struct {
	mu      sync.Mutex
	entries []transcript.Entry
}

func (m *memTranscripts) Append(e transcript.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memTranscripts) list() []transcript.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transcript.Entry(nil), m.entries...)
}

func testConfig() Config {
	return Config{
		ChannelID: "chan-1",
		Workspace: "demo",
		Monitor: monitor.Config{
			PollInterval: 20 * time.Millisecond,
		},
		Progress: progress.Config{Interval: 5 * time.Millisecond},
		Detect:   detect.Config{Interval: 15 * time.Millisecond},
		Logger:   silentLogger(),
	}
}

func startBridge(t *testing.T, f *fakeWorkbench, rec *chattest.Recorder, trans Transcripts, cfg Config) *SessionBridge {
	t.Helper()
	b := New(f, rec, trans, cfg)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Close)
	return b
}

func genTrue() string  { return `{"isGenerating":true}` }
func genFalse() string { return `{"isGenerating":false}` }

func TestSubmitPromptRunsExchangeToCompletion(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.StopButtonProbe, genTrue(), genTrue(), genTrue(), genFalse())
	f.push(domscripts.ResponseTextLegacy, `""`, `"Hello"`, `"Hello world"`)

	rec := chattest.NewRecorder()
	trans := &memTranscripts{}
	b := startBridge(t, f, rec, trans, testConfig())

	require.NoError(t, b.SubmitPrompt(context.Background(), "write a haiku", nil))
	require.True(t, b.Busy())

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return !b.Busy()
	}))

	require.Equal(t, []string{"write a haiku"}, f.injectedList())
	// One progress message, edited in place; a clean completion adds no
	// extra notice.
	require.Equal(t, []string{"Hello world"}, rec.Contents("chan-1"))

	entries := trans.list()
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].ExchangeID)
	require.Equal(t, "chan-1", entries[0].ChannelID)
	require.Equal(t, "demo", entries[0].Workspace)
	require.Equal(t, "write a haiku", entries[0].Prompt)
	require.Equal(t, "Hello world", entries[0].Reply)
	require.Equal(t, transcript.OutcomeComplete, entries[0].Outcome)
	require.False(t, entries[0].FinishedAt.Before(entries[0].StartedAt))
}

func TestSecondPromptWhileBusyIsRejected(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.StopButtonProbe, genTrue())
	f.push(domscripts.ResponseTextLegacy, `""`, `"working on it"`)

	rec := chattest.NewRecorder()
	b := startBridge(t, f, rec, nil, testConfig())

	errs := make(chan error, 2)
	for _, text := range []string{"first prompt", "second prompt"} {
		go func(text string) {
			errs <- b.SubmitPrompt(context.Background(), text, nil)
		}(text)
	}

	var accepted, busy int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			accepted++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, 1, busy)
	require.Len(t, f.injectedList(), 1)

	// The slot stays taken until the reply settles.
	require.ErrorIs(t, b.SubmitPrompt(context.Background(), "third", nil), ErrBusy)
}

func TestActivationFallsBackToHistoryPanelAndRetries(t *testing.T) {
	activateExpr := domscripts.ActivateByTitle("fix the parser")
	f := newFakeWorkbench()
	// Attempt one misses in the side panel and in the history panel; the
	// retry finds it directly.
	f.push(activateExpr, `{"ok":false,"title":""}`, `{"ok":false,"title":""}`, `{"ok":true,"title":"Fix the parser"}`)
	f.push(domscripts.OpenPastConversations, `{"ok":true}`)
	f.push(domscripts.ChatTitle, `"Fix the parser"`)

	rec := chattest.NewRecorder()
	cfg := testConfig()
	cfg.SessionTitle = "fix the parser"
	cfg.ActivationDelay = 5 * time.Millisecond
	b := startBridge(t, f, rec, nil, cfg)

	require.NoError(t, b.SubmitPrompt(context.Background(), "continue", nil))
	require.Equal(t, 3, f.callCount(activateExpr))
	require.Equal(t, 1, f.callCount(domscripts.OpenPastConversations))
	require.Equal(t, []string{"continue"}, f.injectedList())
}

func TestActivationExhaustionAbortsPrompt(t *testing.T) {
	activateExpr := domscripts.ActivateByTitle("lost chat")
	f := newFakeWorkbench()
	f.push(activateExpr, `{"ok":false,"title":""}`)
	f.push(domscripts.OpenPastConversations, `{"ok":true}`)

	rec := chattest.NewRecorder()
	cfg := testConfig()
	cfg.SessionTitle = "lost chat"
	cfg.ActivationAttempts = 2
	cfg.ActivationDelay = time.Millisecond
	b := startBridge(t, f, rec, nil, cfg)

	err := b.SubmitPrompt(context.Background(), "hello?", nil)
	require.ErrorIs(t, err, ErrActivationFailed)
	require.Empty(t, f.injectedList())
	require.False(t, b.Busy())
}

func TestAttachmentsAreStagedBeforeInjection(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.StopButtonProbe, genTrue(), genFalse())
	f.push(domscripts.ResponseTextLegacy, `""`)

	rec := chattest.NewRecorder()
	b := startBridge(t, f, rec, nil, testConfig())

	atts := []chat.Attachment{
		{Name: "diagram.png", Data: []byte{0x89, 0x50, 0x4e, 0x47}},
		{Name: "../escape.txt", Data: []byte("plain")},
	}
	require.NoError(t, b.SubmitPrompt(context.Background(), "look at these", atts))

	uploads := f.uploadList()
	require.Len(t, uploads, 2)
	require.Equal(t, "diagram.png", uploads[0].name)
	require.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, uploads[0].data)
	// Path traversal in the attachment name is flattened to its base name.
	require.Equal(t, "escape.txt", uploads[1].name)
	require.Equal(t, []string{"upload", "inject"}, f.opsList())

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return !b.Busy()
	}))
}

func TestOwnPromptEchoIsNotForwarded(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.LatestUserMessage, `{"text":"old question","index":1}`)

	rec := chattest.NewRecorder()
	b := startBridge(t, f, rec, nil, testConfig())

	require.NoError(t, b.SubmitPrompt(context.Background(), "hello", nil))

	// The prompt's echo shows up as the newest user bubble.
	served := f.callCount(domscripts.LatestUserMessage)
	f.push(domscripts.LatestUserMessage, `{"text":"hello","index":2}`)
	require.True(t, waitForCondition(3*time.Second, func() bool {
		return f.callCount(domscripts.LatestUserMessage) >= served+3
	}))

	// A genuinely new message typed on the desktop comes through.
	f.push(domscripts.LatestUserMessage, `{"text":"also check the tests","index":3}`)
	require.True(t, waitForCondition(3*time.Second, func() bool {
		for _, content := range rec.Contents("chan-1") {
			if content == "[desktop] also check the tests" {
				return true
			}
		}
		return false
	}))

	for _, content := range rec.Contents("chan-1") {
		require.NotEqual(t, "[desktop] hello", content)
		require.NotEqual(t, "[desktop] old question", content)
	}
}

func TestApprovalDialogRoundTrip(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.ApprovalPrompt, `{"buttonText":"Accept","description":"Run go test ./... ?"}`)

	rec := chattest.NewRecorder()
	b := startBridge(t, f, rec, nil, testConfig())

	var ev chat.UiEvent
	require.True(t, waitForCondition(3*time.Second, func() bool {
		for _, msg := range rec.Messages() {
			if msg.Event != nil {
				ev = *msg.Event
				return true
			}
		}
		return false
	}))
	require.Equal(t, chat.UiEventApproval, ev.Kind)
	require.Equal(t, "Run go test ./... ?", ev.Body)
	require.Equal(t, []chat.UiAction{
		{ID: ActionApprove, Label: "Accept"},
		{ID: ActionDeny, Label: "Deny"},
	}, ev.Actions)

	// Approving clicks the button the dialog actually shows, not a
	// hardcoded label.
	f.push(domscripts.ClickByText("Accept"), `{"ok":true,"method":"exact"}`)
	press := chat.ButtonPress{ChannelID: "chan-1", ActionID: ActionApprove, UserID: "u1"}
	require.NoError(t, b.HandleAction(context.Background(), press))
	require.Equal(t, 1, f.callCount(domscripts.ClickByText("Accept")))

	f.push(domscripts.ClickByText("Deny"), `{"ok":false}`)
	press.ActionID = ActionDeny
	require.ErrorIs(t, b.HandleAction(context.Background(), press), detect.ErrButtonNotFound)
}

func TestErrorPopupDebugInfoFlow(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.ClickPopupButton("Copy debug info"), `{"ok":true}`)
	f.push(domscripts.ReadClipboard, `"trace: boom at step 7"`, "null")

	rec := chattest.NewRecorder()
	b := startBridge(t, f, rec, nil, testConfig())

	press := chat.ButtonPress{ChannelID: "chan-1", ActionID: ActionErrCopyDebug, UserID: "u1"}
	require.NoError(t, b.HandleAction(context.Background(), press))
	require.NoError(t, b.HandleAction(context.Background(), press))

	require.Equal(t, []string{
		"trace: boom at step 7",
		"Clipboard access was denied; debug info is unavailable.",
	}, rec.Contents("chan-1"))
}

func TestHandleActionChecksAllowList(t *testing.T) {
	f := newFakeWorkbench()
	rec := chattest.NewRecorder()
	cfg := testConfig()
	cfg.AllowedUsers = []string{"alice"}
	b := startBridge(t, f, rec, nil, cfg)

	press := chat.ButtonPress{ChannelID: "chan-1", ActionID: ActionDeny, UserID: "mallory"}
	require.ErrorIs(t, b.HandleAction(context.Background(), press), ErrAuthRejected)

	press.UserID = "alice"
	press.ActionID = "made-up"
	err := b.HandleAction(context.Background(), press)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown action")

	require.NoError(t, b.Authorize("alice"))
	require.ErrorIs(t, b.Authorize("mallory"), ErrAuthRejected)
}

func TestQuotaBeforeOutputNotifiesChannel(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.QuotaProbe, `true`)

	rec := chattest.NewRecorder()
	trans := &memTranscripts{}
	b := startBridge(t, f, rec, trans, testConfig())

	require.NoError(t, b.SubmitPrompt(context.Background(), "one more thing", nil))
	require.True(t, waitForCondition(3*time.Second, func() bool {
		return !b.Busy()
	}))

	require.Equal(t, []string{
		"Usage quota reached before the assistant produced a reply.",
	}, rec.Contents("chan-1"))

	entries := trans.list()
	require.Len(t, entries, 1)
	require.Equal(t, transcript.OutcomeQuota, entries[0].Outcome)
	require.Empty(t, entries[0].Reply)
}

func TestStalledReplyTimesOutWithNotice(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.StopButtonProbe, genTrue())
	f.push(domscripts.ResponseTextLegacy, `""`, `"partial answer"`)

	rec := chattest.NewRecorder()
	trans := &memTranscripts{}
	cfg := testConfig()
	cfg.Monitor.InactivityTimeout = 150 * time.Millisecond
	b := startBridge(t, f, rec, trans, cfg)

	require.NoError(t, b.SubmitPrompt(context.Background(), "never finishes", nil))
	require.True(t, waitForCondition(3*time.Second, func() bool {
		return !b.Busy()
	}))

	require.Equal(t, []string{
		"partial answer",
		"The reply stalled and was abandoned; the text above is the last state observed.",
	}, rec.Contents("chan-1"))

	entries := trans.list()
	require.Len(t, entries, 1)
	require.Equal(t, transcript.OutcomeTimeout, entries[0].Outcome)
	require.Equal(t, "partial answer", entries[0].Reply)
}

func TestStopDelegatesToMonitor(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.StopButtonProbe, genTrue())
	f.push(domscripts.ResponseTextLegacy, `""`, `"thinking..."`)
	f.push(domscripts.StopClick, `{"ok":true,"method":"aria"}`)

	rec := chattest.NewRecorder()
	b := startBridge(t, f, rec, nil, testConfig())

	// Nothing in flight yet.
	ok, err := b.Stop(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, f.callCount(domscripts.StopClick))

	require.NoError(t, b.SubmitPrompt(context.Background(), "go", nil))
	ok, err = b.Stop(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, f.callCount(domscripts.StopClick))
}

func TestCloseStopsEverything(t *testing.T) {
	f := newFakeWorkbench()
	f.push(domscripts.StopButtonProbe, genTrue())
	f.push(domscripts.ResponseTextLegacy, `""`, `"still going"`)

	rec := chattest.NewRecorder()
	b := startBridge(t, f, rec, nil, testConfig())
	require.True(t, b.approval.IsActive())
	require.True(t, b.userMsg.IsActive())

	require.NoError(t, b.SubmitPrompt(context.Background(), "long task", nil))

	b.Close()
	require.False(t, b.approval.IsActive())
	require.False(t, b.planning.IsActive())
	require.False(t, b.errPopup.IsActive())
	require.False(t, b.userMsg.IsActive())

	require.ErrorIs(t, b.SubmitPrompt(context.Background(), "again", nil), ErrClosed)
	b.Close()
}

func TestSubmitBeforeStartFails(t *testing.T) {
	f := newFakeWorkbench()
	rec := chattest.NewRecorder()
	b := New(f, rec, nil, testConfig())
	require.ErrorIs(t, b.SubmitPrompt(context.Background(), "hi", nil), ErrNotStarted)
}

func TestScreenshotPassthrough(t *testing.T) {
	f := newFakeWorkbench()
	rec := chattest.NewRecorder()
	b := startBridge(t, f, rec, nil, testConfig())

	data, err := b.Screenshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), data)
}

func TestTitleReadsWorkbench(t *testing.T) {
	f := newFakeWorkbench()
	rec := chattest.NewRecorder()
	b := startBridge(t, f, rec, nil, testConfig())

	title, err := b.Title(context.Background())
	require.NoError(t, err)
	require.Empty(t, title, "no conversation open yet")

	f.push(domscripts.ChatTitle, `"  Fix flaky tests  "`)
	title, err = b.Title(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Fix flaky tests", title)
}
