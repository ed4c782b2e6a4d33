package bridge

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const (
	echoCap        = 100
	defaultEchoTTL = 60 * time.Second
)

// echoTable remembers the hashes of recently injected prompts so the
// user-message detector can tell our own text apart from fresh user input.
// Entries expire after the TTL; a bounded FIFO keeps the table from growing
// when expiry never runs.
type echoTable struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
	order   []string
}

func newEchoTable(ttl time.Duration) *echoTable {
	if ttl <= 0 {
		ttl = defaultEchoTTL
	}
	return &echoTable{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Add records text as our own. Re-adding refreshes the expiry.
func (e *echoTable) Add(text string) {
	key := echoKey(text)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(now)
	if _, ok := e.entries[key]; !ok {
		if len(e.order) >= echoCap {
			oldest := e.order[0]
			e.order = e.order[1:]
			delete(e.entries, oldest)
		}
		e.order = append(e.order, key)
	}
	e.entries[key] = now.Add(e.ttl)
}

// Contains reports whether text matches a live entry.
func (e *echoTable) Contains(text string) bool {
	key := echoKey(text)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(now)
	_, ok := e.entries[key]
	return ok
}

func (e *echoTable) pruneLocked(now time.Time) {
	kept := e.order[:0]
	for _, key := range e.order {
		if deadline, ok := e.entries[key]; ok && now.After(deadline) {
			delete(e.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	e.order = kept
}

func echoKey(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}
