package cdp

import (
	"encoding/json"
	"strings"
	"sync"
)

// executionContext mirrors the Runtime.ExecutionContextDescription fields the
// client cares about.
type executionContext struct {
	ID      int64  `json:"id"`
	Origin  string `json:"origin"`
	Name    string `json:"name"`
	FrameID string
	seq     int64 // arrival order
}

// primaryMarkers identify the workbench frame hosting the assistant panel.
// Context names in Antigravity builds carry the panel's frame name.
var primaryMarkers = []string{"cascade", "workbench"}

// contextRegistry tracks live execution contexts announced by the Runtime
// domain and elects a primary one for script evaluation.
type contextRegistry struct {
	mu       sync.Mutex
	contexts map[int64]*executionContext
	arrival  int64
}

func newContextRegistry() *contextRegistry {
	return &contextRegistry{contexts: make(map[int64]*executionContext)}
}

func (r *contextRegistry) onCreated(params json.RawMessage) {
	var payload struct {
		Context struct {
			ID      int64  `json:"id"`
			Origin  string `json:"origin"`
			Name    string `json:"name"`
			AuxData struct {
				FrameID string `json:"frameId"`
			} `json:"auxData"`
		} `json:"context"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrival++
	r.contexts[payload.Context.ID] = &executionContext{
		ID:      payload.Context.ID,
		Origin:  payload.Context.Origin,
		Name:    payload.Context.Name,
		FrameID: payload.Context.AuxData.FrameID,
		seq:     r.arrival,
	}
}

func (r *contextRegistry) onDestroyed(params json.RawMessage) {
	var payload struct {
		ExecutionContextID int64 `json:"executionContextId"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return
	}
	r.mu.Lock()
	delete(r.contexts, payload.ExecutionContextID)
	r.mu.Unlock()
}

func (r *contextRegistry) clear() {
	r.mu.Lock()
	r.contexts = make(map[int64]*executionContext)
	r.mu.Unlock()
}

// primary elects the evaluation context: a marker-named context if one
// exists, otherwise the first available in arrival order. Among marker
// matches the newest wins because a reloaded frame re-announces itself.
func (r *contextRegistry) primary() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var marked, first *executionContext
	for _, c := range r.contexts {
		if hasPrimaryMarker(c) && (marked == nil || c.seq > marked.seq) {
			marked = c
		}
		if first == nil || c.seq < first.seq {
			first = c
		}
	}
	if marked != nil {
		return marked.ID, true
	}
	if first != nil {
		return first.ID, true
	}
	return 0, false
}

func (r *contextRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

func hasPrimaryMarker(c *executionContext) bool {
	name := strings.ToLower(c.Name)
	origin := strings.ToLower(c.Origin)
	for _, m := range primaryMarkers {
		if strings.Contains(name, m) || strings.Contains(origin, m) {
			return true
		}
	}
	return false
}
