// Package cdptest runs an in-process scriptable DevTools endpoint: target
// discovery over /json/list plus a protocol WebSocket whose Runtime.evaluate
// answers come from per-expression queues. Tests connect a real client to it
// instead of a live workbench.
package cdptest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
)

// Workbench is one fake page target. The last entry of a script queue repeats
// forever; an expression with no queue evaluates to null. A queued "null" is
// a null result, a queued "" a command error.
type Workbench struct {
	srv   *httptest.Server
	title string

	mu       sync.Mutex
	queues   map[string][]string
	calls    map[string]int
	methods  map[string]int
	inserted []string
	conns    []*serverConn
}

type serverConn struct {
	c   *websocket.Conn
	ctx context.Context
	mu  sync.Mutex
}

func (sc *serverConn) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.c.Write(sc.ctx, websocket.MessageText, data)
}

// New starts a workbench whose page target carries the given title. Callers
// own the shutdown via Close.
func New(title string) *Workbench {
	w := &Workbench{
		title:   title,
		queues:  make(map[string][]string),
		calls:   make(map[string]int),
		methods: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", w.handleList)
	mux.HandleFunc("/json/version", w.handleVersion)
	mux.HandleFunc("/devtools/page/", w.handleWS)
	w.srv = httptest.NewServer(mux)
	return w
}

// Close shuts the endpoint down; connected clients see a disconnect.
func (w *Workbench) Close() {
	w.DropConnections()
	w.srv.Close()
}

// Port is the DevTools HTTP port to point discovery at.
func (w *Workbench) Port() int {
	u, err := url.Parse(w.srv.URL)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(u.Port())
	return port
}

// Push queues raw JSON evaluation results for one expression.
func (w *Workbench) Push(expr string, raws ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queues[expr] = append(w.queues[expr], raws...)
}

// CallCount reports how often one expression was evaluated.
func (w *Workbench) CallCount(expr string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[expr]
}

// MethodCount reports how often a non-evaluate protocol method was called.
func (w *Workbench) MethodCount(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.methods[method]
}

// InsertedTexts lists every Input.insertText payload in call order. This is
// the text a client typed into the workbench.
func (w *Workbench) InsertedTexts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.inserted))
	copy(out, w.inserted)
	return out
}

// ConnCount reports how many protocol connections were accepted.
func (w *Workbench) ConnCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// DropConnections severs every accepted protocol connection.
func (w *Workbench) DropConnections() {
	w.mu.Lock()
	conns := w.conns
	w.mu.Unlock()
	for _, sc := range conns {
		_ = sc.c.CloseNow()
	}
}

// Emit pushes a protocol event to the most recent connection.
func (w *Workbench) Emit(method string, params any) {
	w.mu.Lock()
	var sc *serverConn
	if len(w.conns) > 0 {
		sc = w.conns[len(w.conns)-1]
	}
	w.mu.Unlock()
	if sc != nil {
		sc.write(map[string]any{"method": method, "params": params})
	}
}

func (w *Workbench) handleList(rw http.ResponseWriter, _ *http.Request) {
	host := w.srv.Listener.Addr().String()
	targets := []map[string]string{
		{
			"id":                   "WB1",
			"type":                 "page",
			"title":                w.title,
			"url":                  "vscode-file://workbench/index.html",
			"webSocketDebuggerUrl": "ws://" + host + "/devtools/page/WB1",
		},
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(targets)
}

func (w *Workbench) handleVersion(rw http.ResponseWriter, _ *http.Request) {
	host := w.srv.Listener.Addr().String()
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]string{
		"Browser":              "Antigravity/1.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": "ws://" + host + "/devtools/browser/WB",
	})
}

func (w *Workbench) handleWS(rw http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(rw, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	ctx := r.Context()
	sc := &serverConn{c: c, ctx: ctx}

	w.mu.Lock()
	w.conns = append(w.conns, sc)
	w.mu.Unlock()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Method {
		case "Runtime.evaluate":
			w.answerEvaluate(sc, msg.ID, msg.Params)
		case "Runtime.enable":
			w.recordMethod(msg.Method, nil)
			sc.write(map[string]any{"id": msg.ID, "result": map[string]any{}})
			w.announceContext(sc)
		default:
			w.recordMethod(msg.Method, msg.Params)
			sc.write(map[string]any{"id": msg.ID, "result": map[string]any{}})
		}
	}
}

func (w *Workbench) answerEvaluate(sc *serverConn, id int64, params json.RawMessage) {
	var p struct {
		Expression string `json:"expression"`
	}
	_ = json.Unmarshal(params, &p)

	// The readiness probe always works on a live workbench.
	if p.Expression == "1+1" {
		sc.write(map[string]any{"id": id, "result": map[string]any{
			"result": map[string]any{"type": "number", "value": 2},
		}})
		return
	}

	w.mu.Lock()
	w.calls[p.Expression]++
	q := w.queues[p.Expression]
	var raw string
	scripted := len(q) > 0
	if scripted {
		raw = q[0]
		if len(q) > 1 {
			w.queues[p.Expression] = q[1:]
		}
	}
	w.mu.Unlock()

	switch {
	case !scripted, raw == "null":
		sc.write(map[string]any{"id": id, "result": map[string]any{
			"result": map[string]any{"type": "undefined"},
		}})
	case raw == "":
		sc.write(map[string]any{"id": id, "error": map[string]any{
			"code": -32000, "message": "scripted failure",
		}})
	default:
		sc.write(map[string]any{"id": id, "result": map[string]any{
			"result": map[string]any{"type": "object", "value": json.RawMessage(raw)},
		}})
	}
}

func (w *Workbench) recordMethod(method string, params json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.methods[method]++
	if method == "Input.insertText" && params != nil {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params, &p); err == nil {
			w.inserted = append(w.inserted, p.Text)
		}
	}
}

func (w *Workbench) announceContext(sc *serverConn) {
	sc.write(map[string]any{
		"method": "Runtime.executionContextCreated",
		"params": map[string]any{
			"context": map[string]any{
				"id":     1,
				"origin": "vscode-file://workbench",
				"name":   "cascade-panel",
				"auxData": map[string]any{
					"frameId":   "F1",
					"isDefault": true,
				},
			},
		},
	})
}
