package detect

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/agbridge/agbridge/lib/domscripts"
)

// UserMessage is the newest user bubble in the conversation.
type UserMessage struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// OnUserMessage receives each user message typed directly into the desktop
// UI, already filtered for echoes of our own injections.
type OnUserMessage func(msg UserMessage)

// EchoFunc reports whether text matches one of our own recent injections.
type EchoFunc func(text string) bool

const seenHashCap = 50

// UserMessageDetector watches the newest user bubble. On start it primes on
// whatever message is already on screen so history is never replayed. A
// message fires only when its hash is new: not the previous bubble, not
// recently fired, and not an echo of something the bridge itself submitted.
type UserMessageDetector struct {
	base
	onEvent OnUserMessage
	isEcho  EchoFunc

	primed   bool
	lastHash string
	seen     *seenRing
}

func NewUserMessage(client Client, onEvent OnUserMessage, isEcho EchoFunc, cfg Config) *UserMessageDetector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = userMessageInterval
	}
	return &UserMessageDetector{
		base:    newBase("usermessage", client, interval, cfg.Logger),
		onEvent: onEvent,
		isEcho:  isEcho,
		seen:    newSeenRing(seenHashCap),
	}
}

func (d *UserMessageDetector) Start(ctx context.Context) error {
	return d.start(ctx, d.tick)
}

func (d *UserMessageDetector) tick(ctx context.Context) {
	var msg UserMessage
	found, err := d.client.EvaluateInto(ctx, domscripts.LatestUserMessage, &msg)
	if err != nil {
		d.logger.Debug("probe failed", "error", err)
		return
	}
	if found && strings.TrimSpace(msg.Text) == "" {
		found = false
	}

	if !found {
		d.mu.Lock()
		d.lastHash = ""
		d.mu.Unlock()
		return
	}

	h := textHash(msg.Text)

	d.mu.Lock()
	if !d.primed {
		// Whatever is on screen at start predates us.
		d.primed = true
		d.lastHash = h
		d.mu.Unlock()
		return
	}
	if h == d.lastHash {
		d.mu.Unlock()
		return
	}
	d.lastHash = h
	d.mu.Unlock()

	// Echoes are seen but never recorded as fired, so the same text posted
	// fresh after the echo window can still come through.
	if d.isEcho != nil && d.isEcho(msg.Text) {
		d.logger.Debug("suppressed echo", "hash", h)
		return
	}

	d.mu.Lock()
	fresh := d.seen.add(h)
	d.mu.Unlock()

	if fresh {
		d.logger.Info("user message from desktop", "index", msg.Index)
		if d.onEvent != nil {
			d.onEvent(msg)
		}
	}
}

func textHash(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}

// seenRing is a FIFO-bounded hash set.
type seenRing struct {
	limit int
	set   map[string]struct{}
	order []string
}

func newSeenRing(limit int) *seenRing {
	return &seenRing{
		limit: limit,
		set:   make(map[string]struct{}, limit),
	}
}

// add inserts h and reports whether it was absent. When full, the oldest
// entry is evicted first.
func (r *seenRing) add(h string) bool {
	if _, ok := r.set[h]; ok {
		return false
	}
	if len(r.order) >= r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	r.set[h] = struct{}{}
	r.order = append(r.order, h)
	return true
}
