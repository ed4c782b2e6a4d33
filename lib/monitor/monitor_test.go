package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/domscripts"
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

// scriptedCycle is one poll's worth of probe answers, each a raw JSON value.
// "null" is a null result, "" makes the probe fail with a transport error.
type scriptedCycle struct {
	stop       string
	quota      string
	structured string
	legacy     string
	log        string
}

func probeCycle(generating bool, text string) scriptedCycle {
	legacy, _ := json.Marshal(text)
	return scriptedCycle{
		stop:       fmt.Sprintf(`{"isGenerating":%t}`, generating),
		quota:      "false",
		structured: "null",
		legacy:     string(legacy),
		log:        "[]",
	}
}

func logJSON(lines ...string) string {
	if lines == nil {
		lines = []string{}
	}
	data, _ := json.Marshal(lines)
	return string(data)
}

type subEntry struct {
	event string
	fn    cdp.EventHandler
}

// fakeClient answers the monitor's probe scripts from a scripted cycle list,
// advancing one cycle per process-log probe (the last probe of each cycle).
// The final cycle repeats forever.
type fakeClient struct {
	mu              sync.Mutex
	cycles          []scriptedCycle
	idx             int
	cyclesServed    int
	structuredCalls int
	stopClickResult string
	stopClickCalls  int
	subs            map[cdp.SubscriptionID]subEntry
	subSeq          int
}

func newFakeClient(cycles ...scriptedCycle) *fakeClient {
	return &fakeClient{
		cycles: cycles,
		subs:   make(map[cdp.SubscriptionID]subEntry),
	}
}

func (f *fakeClient) EvaluateInto(_ context.Context, expression string, out any, _ ...cdp.EvalOption) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if expression == domscripts.StopClick {
		f.stopClickCalls++
		return decodeRaw(f.stopClickResult, out)
	}

	if len(f.cycles) == 0 {
		return false, errors.New("no cycles scripted")
	}
	c := f.cycles[f.idx]

	switch expression {
	case domscripts.StopButtonProbe:
		return decodeRaw(c.stop, out)
	case domscripts.QuotaProbe:
		return decodeRaw(c.quota, out)
	case domscripts.StructuredSegments:
		f.structuredCalls++
		return decodeRaw(c.structured, out)
	case domscripts.ResponseTextLegacy:
		return decodeRaw(c.legacy, out)
	case domscripts.ProcessLog:
		f.cyclesServed++
		if f.idx < len(f.cycles)-1 {
			f.idx++
		}
		return decodeRaw(c.log, out)
	}
	return false, fmt.Errorf("unexpected script: %.40s", expression)
}

func decodeRaw(raw string, out any) (bool, error) {
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

func (f *fakeClient) Subscribe(event string, fn cdp.EventHandler) cdp.SubscriptionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subSeq++
	id := cdp.SubscriptionID(fmt.Sprintf("sub-%d", f.subSeq))
	f.subs[id] = subEntry{event: event, fn: fn}
	return id
}

func (f *fakeClient) Unsubscribe(id cdp.SubscriptionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fakeClient) emit(event string) {
	f.mu.Lock()
	fns := make([]cdp.EventHandler, 0, len(f.subs))
	for _, e := range f.subs {
		if e.event == event {
			fns = append(fns, e.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(nil)
	}
}

func (f *fakeClient) served() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cyclesServed
}

func (f *fakeClient) structuredServed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.structuredCalls
}

func (f *fakeClient) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type hookRecorder struct {
	mu        sync.Mutex
	progress  []string
	phases    []Phase
	phaseText []string
	logs      []string
	completed []string
	timeouts  []string
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		OnProgress: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, text)
		},
		OnPhaseChange: func(phase Phase, text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.phases = append(r.phases, phase)
			r.phaseText = append(r.phaseText, text)
		},
		OnProcessLog: func(lines string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.logs = append(r.logs, lines)
		},
		OnComplete: func(finalText string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = append(r.completed, finalText)
		},
		OnTimeout: func(lastText string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.timeouts = append(r.timeouts, lastText)
		},
	}
}

func (r *hookRecorder) progressList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.progress...)
}

func (r *hookRecorder) phaseList() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func (r *hookRecorder) logList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

func (r *hookRecorder) completedList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.completed...)
}

func (r *hookRecorder) timeoutList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.timeouts...)
}

func testConfig() Config {
	return Config{
		PollInterval: 20 * time.Millisecond,
		Logger:       silentLogger(),
	}
}

func startMonitor(t *testing.T, f *fakeClient, rec *hookRecorder, mode StartMode) *Monitor {
	t.Helper()
	m := New(f, rec.hooks(), testConfig())
	require.NoError(t, m.Start(context.Background(), mode))
	t.Cleanup(m.Stop)
	return m
}

func TestActiveRunEmitsProgressAndCompletes(t *testing.T) {
	f := newFakeClient(
		probeCycle(false, ""),
		probeCycle(true, "Hello"),
		probeCycle(true, "Hello world"),
		probeCycle(false, "Hello world"),
		probeCycle(false, "Hello world"),
		probeCycle(false, "Hello world"),
	)
	rec := &hookRecorder{}
	m := startMonitor(t, f, rec, ModeActive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseComplete
	}))

	require.Equal(t, []string{"Hello", "Hello world"}, rec.progressList())
	require.Equal(t, []Phase{PhaseThinking, PhaseGenerating, PhaseComplete}, rec.phaseList())
	require.Equal(t, []string{"Hello world"}, rec.completedList())
	require.Empty(t, rec.timeoutList())

	last, ok := m.LastText()
	require.True(t, ok)
	require.Equal(t, "Hello world", last)
}

func TestBaselineTextIsNeverReported(t *testing.T) {
	// The page still shows the previous reply when polling starts. That
	// text must not leak into progress, and an empty completion is fine.
	f := newFakeClient(
		probeCycle(false, "stale reply"),
		probeCycle(true, "stale reply"),
		probeCycle(false, "stale reply"),
		probeCycle(false, "stale reply"),
		probeCycle(false, "stale reply"),
	)
	rec := &hookRecorder{}
	m := startMonitor(t, f, rec, ModeActive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseComplete
	}))

	require.Empty(t, rec.progressList())
	require.Equal(t, []string{""}, rec.completedList())

	_, ok := m.LastText()
	require.False(t, ok)
}

func TestQuotaBeforeOutputTerminatesImmediately(t *testing.T) {
	c := probeCycle(false, "")
	c.quota = "true"
	f := newFakeClient(c)
	rec := &hookRecorder{}
	m := startMonitor(t, f, rec, ModeActive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseQuotaReached
	}))

	require.Equal(t, []Phase{PhaseQuotaReached}, rec.phaseList())
	require.Equal(t, []string{""}, rec.completedList())
	require.True(t, m.QuotaDetected())

	// Terminal means polling stops.
	served := f.served()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, served, f.served())
}

func TestQuotaAfterOutputOnlySetsFlag(t *testing.T) {
	quotaCycle := probeCycle(true, "the answer")
	quotaCycle.quota = "true"
	f := newFakeClient(
		probeCycle(false, ""),
		probeCycle(true, "the answer"),
		quotaCycle,
		probeCycle(false, "the answer"),
		probeCycle(false, "the answer"),
		probeCycle(false, "the answer"),
	)
	rec := &hookRecorder{}
	m := startMonitor(t, f, rec, ModeActive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseComplete
	}))

	require.True(t, m.QuotaDetected())
	require.Equal(t, []string{"the answer"}, rec.completedList())
	require.Equal(t, []Phase{PhaseThinking, PhaseGenerating, PhaseComplete}, rec.phaseList())
}

func TestStopGoneNeedsConsecutiveMisses(t *testing.T) {
	// Two misses, then the button reappears: the streak starts over. Text
	// changes during the second streak must not reset it.
	f := newFakeClient(
		probeCycle(false, ""),
		probeCycle(true, "a"),
		probeCycle(false, "a"),
		probeCycle(false, "a"),
		probeCycle(true, "a"),
		probeCycle(false, "ab"),
		probeCycle(false, "abc"),
		probeCycle(false, "abc"),
	)
	rec := &hookRecorder{}

	var completedAt int
	hooks := rec.hooks()
	inner := hooks.OnComplete
	var completeMu sync.Mutex
	hooks.OnComplete = func(text string) {
		completeMu.Lock()
		completedAt = f.served()
		completeMu.Unlock()
		inner(text)
	}

	m := New(f, hooks, testConfig())
	require.NoError(t, m.Start(context.Background(), ModeActive))
	t.Cleanup(m.Stop)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseComplete
	}))

	completeMu.Lock()
	at := completedAt
	completeMu.Unlock()
	require.Equal(t, 8, at)
	require.Equal(t, []string{"abc"}, rec.completedList())
}

func TestDisconnectPausesPollingAndRestorePhase(t *testing.T) {
	f := newFakeClient(
		probeCycle(false, ""),
		probeCycle(true, "partial answer"),
	)
	rec := &hookRecorder{}
	m := startMonitor(t, f, rec, ModeActive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseGenerating
	}))

	f.emit(cdp.EventDisconnected)
	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseDisconnected
	}))

	served := f.served()
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, served, f.served(), "polling must pause while disconnected")

	f.emit(cdp.EventReconnected)
	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseGenerating
	}))
	require.True(t, waitForCondition(3*time.Second, func() bool {
		return f.served() > served
	}))

	require.Equal(t, []Phase{PhaseThinking, PhaseGenerating, PhaseDisconnected, PhaseGenerating}, rec.phaseList())
}

func TestReconnectFailureAbandonsReply(t *testing.T) {
	f := newFakeClient(
		probeCycle(false, ""),
		probeCycle(true, "half done"),
	)
	rec := &hookRecorder{}
	m := startMonitor(t, f, rec, ModeActive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseGenerating
	}))

	f.emit(cdp.EventDisconnected)
	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseDisconnected
	}))

	f.emit(cdp.EventReconnectFailed)
	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseTimeout
	}))

	require.Equal(t, []string{"half done"}, rec.timeoutList())
	require.Empty(t, rec.completedList())
}

func TestInactivityTimeoutMeasuresTextStalls(t *testing.T) {
	// Text keeps changing for well past the timeout window without a
	// timeout firing, then stalls with the stop button still up.
	cycles := []scriptedCycle{probeCycle(false, "")}
	for i := 1; i <= 8; i++ {
		cycles = append(cycles, probeCycle(true, fmt.Sprintf("t%d", i)))
	}
	f := newFakeClient(cycles...)
	rec := &hookRecorder{}

	cfg := testConfig()
	cfg.PollInterval = 25 * time.Millisecond
	cfg.InactivityTimeout = 500 * time.Millisecond
	m := New(f, rec.hooks(), cfg)
	require.NoError(t, m.Start(context.Background(), ModeActive))
	t.Cleanup(m.Stop)

	require.True(t, waitForCondition(5*time.Second, func() bool {
		return m.Phase() == PhaseTimeout
	}))

	require.Equal(t, []string{"t8"}, rec.timeoutList())
	require.Empty(t, rec.completedList())
	// Every intermediate text arrived before the stall was declared.
	require.Equal(t, []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"}, rec.progressList())
}

func TestStructuredPayloadPreferredOverLegacy(t *testing.T) {
	structured := probeCycle(true, "From legacy")
	structured.structured = `{"source":"structured-v2","extractedAt":1724563200000,"segments":[` +
		`{"kind":"assistant-body","text":"From structured","messageIndex":3,"domPath":"div"},` +
		`{"kind":"tool-call","text":"Running tests","messageIndex":3,"domPath":"div"},` +
		`{"kind":"feedback","text":"thumbs","messageIndex":3,"domPath":"div"},` +
		`{"kind":"assistant-body","text":"old message","messageIndex":2,"domPath":"div"}]}`
	f := newFakeClient(
		probeCycle(false, ""),
		structured,
		probeCycle(false, "From structured"),
		probeCycle(false, "From structured"),
		probeCycle(false, "From structured"),
	)
	rec := &hookRecorder{}
	m := startMonitor(t, f, rec, ModeActive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseComplete
	}))

	require.Equal(t, []string{"From structured"}, rec.progressList())
	require.Equal(t, []string{"Running tests"}, rec.logList())
	for _, logged := range rec.logList() {
		require.NotContains(t, logged, "thumbs")
	}
}

func TestMalformedStructuredPayloadRetiresExtractor(t *testing.T) {
	malformed := probeCycle(true, "real text")
	malformed.structured = `{"source":"structured-v2","extractedAt":1,"segments":"nope"}`
	healed := probeCycle(true, "real text 2")
	healed.structured = `{"source":"structured-v2","extractedAt":2,"segments":[` +
		`{"kind":"assistant-body","text":"should not appear","messageIndex":1,"domPath":"div"}]}`
	f := newFakeClient(
		probeCycle(false, ""),
		malformed,
		healed,
		probeCycle(false, "real text 2"),
		probeCycle(false, "real text 2"),
		probeCycle(false, "real text 2"),
	)
	rec := &hookRecorder{}
	m := startMonitor(t, f, rec, ModeActive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseComplete
	}))

	require.Equal(t, []string{"real text", "real text 2"}, rec.progressList())
	require.Equal(t, []string{"real text 2"}, rec.completedList())
	// Baseline cycle and the malformed one, then never again.
	require.Equal(t, 2, f.structuredServed())
}

func TestProcessLogLinesAreDeduplicated(t *testing.T) {
	boot := probeCycle(false, "")
	boot.log = logJSON("boot line")
	second := probeCycle(true, "x")
	second.log = logJSON("boot line", "step one")
	third := probeCycle(true, "x")
	third.log = logJSON("boot line", "step one")
	fourth := probeCycle(true, "x")
	fourth.log = logJSON("step two", "step three")
	f := newFakeClient(boot, second, third, fourth)
	rec := &hookRecorder{}
	startMonitor(t, f, rec, ModeActive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return len(rec.logList()) >= 2
	}))

	require.Equal(t, []string{"step one", "step two\n\nstep three"}, rec.logList())
	time.Sleep(100 * time.Millisecond)
	require.Len(t, rec.logList(), 2)
}

func TestPassiveModeReportsTextAlreadyOnScreen(t *testing.T) {
	f := newFakeClient(
		probeCycle(true, "already streaming"),
		probeCycle(false, "already streaming"),
		probeCycle(false, "already streaming"),
		probeCycle(false, "already streaming"),
	)
	rec := &hookRecorder{}
	m := startMonitor(t, f, rec, ModePassive)

	require.True(t, waitForCondition(3*time.Second, func() bool {
		return m.Phase() == PhaseComplete
	}))

	require.Equal(t, []string{"already streaming"}, rec.progressList())
	require.Equal(t, []string{"already streaming"}, rec.completedList())
	// Passive starts in generating, so completion is the only transition.
	require.Equal(t, []Phase{PhaseComplete}, rec.phaseList())
}

func TestClickStopReportsSelectorFamily(t *testing.T) {
	f := newFakeClient()
	f.stopClickResult = `{"ok":true,"method":"aria"}`
	m := New(f, Hooks{}, testConfig())

	ok, method, err := m.ClickStop(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "aria", method)
	require.Equal(t, 1, f.stopClickCalls)

	f.stopClickResult = `{"ok":false,"method":""}`
	ok, _, err = m.ClickStop(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStartTwiceFails(t *testing.T) {
	f := newFakeClient(probeCycle(false, ""))
	m := New(f, Hooks{}, testConfig())
	require.NoError(t, m.Start(context.Background(), ModeActive))
	t.Cleanup(m.Stop)

	require.ErrorIs(t, m.Start(context.Background(), ModeActive), ErrAlreadyStarted)
}

func TestStopUnsubscribesAndIsIdempotent(t *testing.T) {
	f := newFakeClient(probeCycle(false, ""))
	m := New(f, Hooks{}, testConfig())
	require.NoError(t, m.Start(context.Background(), ModeActive))
	require.Equal(t, 3, f.subCount())

	m.Stop()
	m.Stop()
	require.Equal(t, 0, f.subCount())
}
