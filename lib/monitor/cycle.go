package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agbridge/agbridge/lib/domscripts"
)

// Segment is one classified piece of the structured extraction payload.
type Segment struct {
	Kind         string `json:"kind"`
	Text         string `json:"text"`
	MessageIndex int    `json:"messageIndex"`
	DOMPath      string `json:"domPath"`
}

// StructuredPayload is the structured extractor's result shape.
type StructuredPayload struct {
	Source      string    `json:"source"`
	ExtractedAt int64     `json:"extractedAt"`
	Segments    []Segment `json:"segments"`
}

// classifySegments reduces a payload to the latest message's reply body and
// its activity lines. Only the highest messageIndex counts; earlier messages
// are history. Feedback widgets carry no content and are dropped.
func classifySegments(segments []Segment) (body string, activity []string) {
	if len(segments) == 0 {
		return "", nil
	}
	latest := segments[0].MessageIndex
	for _, s := range segments[1:] {
		if s.MessageIndex > latest {
			latest = s.MessageIndex
		}
	}
	var bodies []string
	for _, s := range segments {
		if s.MessageIndex != latest {
			continue
		}
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		switch s.Kind {
		case "assistant-body":
			bodies = append(bodies, text)
		case "feedback":
		default:
			activity = append(activity, text)
		}
	}
	return strings.Join(bodies, "\n\n"), activity
}

// probeResults carries one cycle's raw observations. Each ok flag marks
// whether that probe produced a usable answer; failed probes contribute
// nothing to the state machine.
type probeResults struct {
	stopOK       bool
	isGenerating bool

	quotaOK      bool
	quotaReached bool

	textOK         bool
	text           string
	activity       []string
	invalidPayload bool

	logOK bool
	lines []string
}

func (m *Monitor) cycle(ctx context.Context) {
	m.mu.Lock()
	if m.state.paused || m.state.phase.Terminal() {
		m.mu.Unlock()
		return
	}
	legacyOnly := m.state.legacyOnly
	m.mu.Unlock()

	p := m.probe(ctx, legacyOnly)
	m.apply(p)
}

// probe runs the DOM scripts for one cycle. No state is touched here so the
// accessors never block behind a slow evaluation.
func (m *Monitor) probe(ctx context.Context, legacyOnly bool) probeResults {
	var p probeResults

	var stop struct {
		IsGenerating bool `json:"isGenerating"`
	}
	if ok, err := m.client.EvaluateInto(ctx, domscripts.StopButtonProbe, &stop); err != nil {
		m.logger.Debug("stop probe failed", "error", err)
	} else if ok {
		p.stopOK = true
		p.isGenerating = stop.IsGenerating
	}

	var quota bool
	if ok, err := m.client.EvaluateInto(ctx, domscripts.QuotaProbe, &quota); err != nil {
		m.logger.Debug("quota probe failed", "error", err)
	} else if ok {
		p.quotaOK = true
		p.quotaReached = quota
	}

	m.probeText(ctx, legacyOnly, &p)

	var lines []string
	if _, err := m.client.EvaluateInto(ctx, domscripts.ProcessLog, &lines); err != nil {
		m.logger.Debug("process log probe failed", "error", err)
	} else {
		p.logOK = true
		p.lines = lines
	}

	return p
}

func (m *Monitor) probeText(ctx context.Context, legacyOnly bool, p *probeResults) {
	if !legacyOnly {
		var payload StructuredPayload
		ok, err := m.client.EvaluateInto(ctx, domscripts.StructuredSegments, &payload)
		switch {
		case err != nil && isUnmarshalErr(err):
			// The extractor returned a shape we cannot read. Retrying it
			// next cycle would fail the same way, so it is retired.
			m.logger.Warn("structured payload malformed, staying on legacy extractor", "error", err)
			p.invalidPayload = true
		case err != nil:
			m.logger.Debug("structured probe failed", "error", err)
		case ok:
			p.text, p.activity = classifySegments(payload.Segments)
			p.textOK = true
			return
		}
		// null payload: no structured view of this reply, fall through.
	}

	var text string
	ok, err := m.client.EvaluateInto(ctx, domscripts.ResponseTextLegacy, &text)
	if err != nil {
		m.logger.Debug("text probe failed", "error", err)
		return
	}
	p.textOK = true
	if ok {
		p.text = text
	}
}

func isUnmarshalErr(err error) bool {
	var typeErr *json.UnmarshalTypeError
	var synErr *json.SyntaxError
	return errors.As(err, &typeErr) || errors.As(err, &synErr)
}

// apply feeds one cycle's observations through the state machine. Hooks are
// collected under the lock and fired after it is released.
func (m *Monitor) apply(p probeResults) {
	now := time.Now()
	var fires []func()

	m.mu.Lock()
	st := &m.state

	if p.invalidPayload {
		st.legacyOnly = true
	}

	// A visible stop button proves generation is running.
	if p.stopOK && p.isGenerating {
		st.generationStarted = true
		st.stopGoneCount = 0
		if st.phase == PhaseWaiting {
			st.phase = PhaseThinking
			fires = append(fires, m.phaseFire(PhaseThinking, st.lastEmitted))
		}
	}

	// Quota before any output means the reply will never come.
	if p.quotaOK && p.quotaReached {
		st.quotaSeen = true
		if !st.hasEmitted {
			st.phase = PhaseQuotaReached
			m.mu.Unlock()
			for _, fire := range fires {
				fire()
			}
			m.logger.Warn("quota banner up before any output")
			m.firePhaseChange(PhaseQuotaReached, "")
			if m.hooks.OnComplete != nil {
				m.hooks.OnComplete("")
			}
			return
		}
	}

	seedCycle := false
	if p.textOK {
		if !st.baselineSet {
			// First good extraction: whatever is on screen predates our
			// prompt and must never be reported as the reply.
			st.baseline = p.text
			st.baselineSet = true
			st.lastObserved = p.text
			seedCycle = true
		} else {
			if p.text != st.lastObserved {
				st.lastObserved = p.text
				st.lastActivity = now
			}
			if p.text != "" && p.text != st.baseline {
				st.generationStarted = true
				if st.phase == PhaseWaiting || st.phase == PhaseThinking {
					st.phase = PhaseGenerating
					fires = append(fires, m.phaseFire(PhaseGenerating, p.text))
				}
				if p.text != st.lastEmitted {
					st.lastEmitted = p.text
					st.hasEmitted = true
					text := p.text
					if m.hooks.OnProgress != nil {
						fires = append(fires, func() { m.hooks.OnProgress(text) })
					}
				}
			}
		}
	}

	// Absence of the stop button only means something once generation was
	// seen running; before that the page simply has not started.
	if p.stopOK && !p.isGenerating && st.generationStarted &&
		(st.phase == PhaseThinking || st.phase == PhaseGenerating) {
		st.stopGoneCount++
		if st.stopGoneCount >= m.cfg.StopGoneConfirm {
			final := st.lastEmitted
			st.phase = PhaseComplete
			m.mu.Unlock()
			for _, fire := range fires {
				fire()
			}
			m.logger.Info("reply complete", "chars", len(final))
			m.firePhaseChange(PhaseComplete, final)
			if m.hooks.OnComplete != nil {
				m.hooks.OnComplete(final)
			}
			return
		}
	}

	// Activity lines from both the dedicated log panel and the structured
	// segments share one dedup window. During the baseline cycle (and
	// before one exists) keys are recorded but nothing is reported.
	suppressLogs := seedCycle || !st.baselineSet
	var unseen []string
	collect := func(lines []string) {
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if !st.seenLogKeys.add(logKey(trimmed)) {
				continue
			}
			if !suppressLogs {
				unseen = append(unseen, trimmed)
			}
		}
	}
	if p.textOK {
		collect(p.activity)
	}
	if p.logOK {
		collect(p.lines)
	}
	if len(unseen) > 0 {
		joined := strings.Join(unseen, "\n\n")
		if m.hooks.OnProcessLog != nil {
			fires = append(fires, func() { m.hooks.OnProcessLog(joined) })
		}
	}

	// Only text movement counts as activity. Log lines alone will not hold
	// a stuck reply open forever.
	if now.Sub(st.lastActivity) >= m.cfg.InactivityTimeout {
		final := st.lastEmitted
		st.phase = PhaseTimeout
		m.mu.Unlock()
		for _, fire := range fires {
			fire()
		}
		m.logger.Warn("no activity, giving up on reply", "after", m.cfg.InactivityTimeout)
		m.firePhaseChange(PhaseTimeout, final)
		if m.hooks.OnTimeout != nil {
			m.hooks.OnTimeout(final)
		}
		return
	}

	m.mu.Unlock()
	for _, fire := range fires {
		fire()
	}
}

func (m *Monitor) phaseFire(phase Phase, text string) func() {
	return func() { m.firePhaseChange(phase, text) }
}

// logKey collapses a log line to its dedup key. Long lines often carry
// volatile tails (timestamps, counters), so only the head identifies them.
func logKey(line string) string {
	runes := []rune(line)
	if len(runes) > logKeyLen {
		runes = runes[:logKeyLen]
	}
	return string(runes)
}
