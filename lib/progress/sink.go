// Package progress turns the monitor's rapid text updates into a bounded,
// throttled stream of chat messages: one active message edited in place,
// rolling to a fresh message whenever the text outgrows the per-message cap.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agbridge/agbridge/lib/chat"
)

const (
	defaultInterval = 3 * time.Second
	defaultMaxRunes = 4000
	emitTimeout     = 10 * time.Second
)

// Config tunes one sink. Zero values use the defaults above.
type Config struct {
	// Interval is the minimum spacing between outbound edits.
	Interval time.Duration
	// MaxMessageRunes caps one chat message; longer text rolls over.
	MaxMessageRunes int
	// WrapCodeBlock fences every outbound payload in ``` markers.
	WrapCodeBlock bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MaxMessageRunes <= 0 {
		c.MaxMessageRunes = defaultMaxRunes
	}
	return c
}

// Sink owns one channel's progress stream. Append feeds it full-text
// snapshots; flushes are throttled and length-aware.
type Sink struct {
	transport chat.Transport
	channelID string
	cfg       Config
	logger    *slog.Logger

	// flushMu serializes emits so a timer flush and a ForceEmit can never
	// interleave their sends.
	flushMu sync.Mutex

	mu         sync.Mutex
	buffer     string
	dirty      bool
	closed     bool
	lastEmitAt time.Time
	timer      *time.Timer

	lockedRunes int // prefix already finalized into earlier messages
	active      chat.MessageRef
	haveActive  bool
}

// New builds a sink for one channel.
func New(transport chat.Transport, channelID string, cfg Config, logger *slog.Logger) *Sink {
	return &Sink{
		transport: transport,
		channelID: channelID,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "progress", "channel", channelID),
	}
}

// Append records the latest full progress text. The first update outside the
// throttle window emits immediately; updates inside it coalesce into one
// deferred flush.
func (s *Sink) Append(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buffer = text
	s.dirty = true

	now := time.Now()
	sinceLast := now.Sub(s.lastEmitAt)
	if sinceLast >= s.cfg.Interval {
		s.lastEmitAt = now
		s.dirty = false
		snapshot := s.buffer
		s.mu.Unlock()
		s.emit(snapshot)
		return
	}

	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.Interval-sinceLast, s.flushDeferred)
	}
	s.mu.Unlock()
}

func (s *Sink) flushDeferred() {
	s.mu.Lock()
	s.timer = nil
	if s.closed || !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.lastEmitAt = time.Now()
	snapshot := s.buffer
	s.mu.Unlock()
	s.emit(snapshot)
}

// ForceEmit flushes any buffered text immediately, bypassing the throttle.
// Used on completion so the final text never waits out the interval.
func (s *Sink) ForceEmit() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.lastEmitAt = time.Now()
	snapshot := s.buffer
	s.mu.Unlock()
	s.emit(snapshot)
}

// Close drops pending flushes. It does not emit; callers ForceEmit first
// when the tail matters.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ActiveRef returns the message currently receiving edits.
func (s *Sink) ActiveRef() (chat.MessageRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.haveActive
}

// emit writes the un-finalized suffix of full out to chat, finalizing and
// rolling messages as the cap requires.
func (s *Sink) emit(full string) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	s.mu.Lock()
	locked := s.lockedRunes
	active := s.active
	haveActive := s.haveActive
	s.mu.Unlock()

	runes := []rune(full)
	if locked > len(runes) {
		// The text restarted shorter than what was already finalized.
		s.logger.Debug("progress text shrank below finalized prefix, restarting", "locked", locked, "len", len(runes))
		locked = 0
		haveActive = false
	}
	rest := runes[locked:]
	maxRunes := s.cfg.MaxMessageRunes

	failed := false
	for len(rest) > maxRunes {
		if err := s.writeChunk(ctx, &active, &haveActive, string(rest[:maxRunes])); err != nil {
			failed = true
			break
		}
		// This message is full: lock its content and roll to a new one.
		locked += maxRunes
		haveActive = false
		rest = rest[maxRunes:]
	}
	if !failed && len(rest) > 0 {
		if err := s.writeChunk(ctx, &active, &haveActive, string(rest)); err != nil {
			failed = true
		}
	}

	s.mu.Lock()
	s.lockedRunes = locked
	s.active = active
	s.haveActive = haveActive
	if failed {
		// Leave the text buffered so the next cycle retries.
		s.dirty = true
	}
	s.mu.Unlock()
}

func (s *Sink) writeChunk(ctx context.Context, active *chat.MessageRef, haveActive *bool, content string) error {
	if s.cfg.WrapCodeBlock {
		content = "```\n" + content + "\n```"
	}
	if *haveActive {
		if err := s.transport.Edit(ctx, *active, content); err != nil {
			s.logger.Warn("progress edit failed", "err", err)
			return err
		}
		return nil
	}
	ref, err := s.transport.Send(ctx, s.channelID, content)
	if err != nil {
		s.logger.Warn("progress send failed", "err", err)
		return err
	}
	*active = ref
	*haveActive = true
	return nil
}
