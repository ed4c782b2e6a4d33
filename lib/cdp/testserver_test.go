package cdp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
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

func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeHandler services one command. respond=false leaves the call hanging.
type fakeHandler func(id int64, params json.RawMessage) (result any, errResp *wireError, respond bool)

type fakeConn struct {
	c   *websocket.Conn
	ctx context.Context
	mu  sync.Mutex
}

func (fc *fakeConn) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	_ = fc.c.Write(fc.ctx, websocket.MessageText, data)
}

// fakeCDP is a scriptable DevTools endpoint: /json/list discovery plus a
// protocol WebSocket that answers commands via registered handlers.
type fakeCDP struct {
	t   testing.TB
	srv *httptest.Server

	title string

	mu       sync.Mutex
	handlers map[string]fakeHandler
	conns    []*fakeConn
	idsSeen  [][]int64 // command ids per accepted connection, in arrival order
}

func newFakeCDP(t testing.TB, title string) *fakeCDP {
	f := &fakeCDP{
		t:        t,
		title:    title,
		handlers: make(map[string]fakeHandler),
	}
	f.handle("Runtime.evaluate", defaultEvaluate)

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", f.handleList)
	mux.HandleFunc("/devtools/page/", f.handleWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// defaultEvaluate answers the readiness probe and returns undefined for
// everything else. Tests override it for script-specific behavior.
func defaultEvaluate(_ int64, params json.RawMessage) (any, *wireError, bool) {
	var p struct {
		Expression string `json:"expression"`
	}
	_ = json.Unmarshal(params, &p)
	if p.Expression == "1+1" {
		return evalNumber(2), nil, true
	}
	return map[string]any{"result": map[string]any{"type": "undefined"}}, nil, true
}

func evalNumber(n int) map[string]any {
	return map[string]any{"result": map[string]any{"type": "number", "value": n}}
}

func evalValue(v any) map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "value": v}}
}

func (f *fakeCDP) port() int {
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		f.t.Fatalf("parse server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return port
}

func (f *fakeCDP) handle(method string, h fakeHandler) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeCDP) handleList(w http.ResponseWriter, _ *http.Request) {
	host := f.srv.Listener.Addr().String()
	targets := []map[string]string{
		{
			"id":                   "FAKE1",
			"type":                 "page",
			"title":                f.title,
			"url":                  "vscode-file://workbench/index.html",
			"webSocketDebuggerUrl": "ws://" + host + "/devtools/page/FAKE1",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(targets)
}

func (f *fakeCDP) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	ctx := r.Context()
	fc := &fakeConn{c: c, ctx: ctx}

	f.mu.Lock()
	f.conns = append(f.conns, fc)
	f.idsSeen = append(f.idsSeen, nil)
	connIdx := len(f.conns) - 1
	f.mu.Unlock()

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

		f.mu.Lock()
		f.idsSeen[connIdx] = append(f.idsSeen[connIdx], msg.ID)
		h := f.handlers[msg.Method]
		f.mu.Unlock()

		if h == nil {
			fc.write(map[string]any{"id": msg.ID, "result": map[string]any{}})
			if msg.Method == "Runtime.enable" {
				f.announceContext(fc, 1, "cascade-panel", true)
			}
			continue
		}
		go func(id int64, params json.RawMessage) {
			result, errResp, respond := h(id, params)
			if !respond {
				return
			}
			if errResp != nil {
				fc.write(map[string]any{"id": id, "error": errResp})
				return
			}
			fc.write(map[string]any{"id": id, "result": result})
		}(msg.ID, msg.Params)
	}
}

func (f *fakeCDP) announceContext(fc *fakeConn, id int64, name string, isDefault bool) {
	fc.write(map[string]any{
		"method": "Runtime.executionContextCreated",
		"params": map[string]any{
			"context": map[string]any{
				"id":     id,
				"origin": "vscode-file://workbench",
				"name":   name,
				"auxData": map[string]any{
					"frameId":   "F1",
					"isDefault": isDefault,
				},
			},
		},
	})
}

func (f *fakeCDP) emit(method string, params any) {
	f.mu.Lock()
	var fc *fakeConn
	if len(f.conns) > 0 {
		fc = f.conns[len(f.conns)-1]
	}
	f.mu.Unlock()
	if fc == nil {
		f.t.Fatalf("emit %s: no connection", method)
	}
	fc.write(map[string]any{"method": method, "params": params})
}

func (f *fakeCDP) dropConns() {
	f.mu.Lock()
	conns := f.conns
	f.mu.Unlock()
	for _, fc := range conns {
		_ = fc.c.CloseNow()
	}
}

func (f *fakeCDP) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeCDP) firstIDOnConn(idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx >= len(f.idsSeen) || len(f.idsSeen[idx]) == 0 {
		return -1
	}
	return f.idsSeen[idx][0]
}

func testClient(t testing.TB, f *fakeCDP) *Client {
	t.Helper()
	client := NewClient(Config{
		Ports:             []int{f.port()},
		CallTimeout:       5 * time.Second,
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectMaxDelay: 100 * time.Millisecond,
		ReconnectAttempts: 4,
		Logger:            silentLogger(),
	})
	t.Cleanup(client.Close)
	return client
}
