package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
)

// DefaultPorts are the debug ports Antigravity builds are known to listen on,
// probed in order.
var DefaultPorts = []int{9222, 9223, 9333, 9444, 9555, 9666}

// perPortTimeout bounds each /json/list probe so a firewalled port cannot
// stall the whole scan.
const perPortTimeout = 2 * time.Second

// Target is one entry from the DevTools /json/list endpoint.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`

	// Port records which debug port served this target.
	Port int `json:"-"`
}

// Discover scans host's candidate ports for page targets whose title or URL
// contains the workspace hint. An empty hint matches every page target.
// Unreachable ports are skipped, not fatal; ErrNoTarget is returned only when
// the whole scan comes up empty.
func Discover(ctx context.Context, host string, ports []int, hint string) ([]Target, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	if len(ports) == 0 {
		ports = DefaultPorts
	}

	var found []Target
	for _, port := range ports {
		targets, err := listTargets(ctx, host, port)
		if err != nil {
			continue
		}
		for i := range targets {
			targets[i].Port = port
		}
		found = append(found, targets...)
	}

	matched := lo.Filter(found, func(t Target, _ int) bool {
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			return false
		}
		return matchesHint(t, hint)
	})
	if len(matched) == 0 {
		return nil, ErrNoTarget
	}
	return matched, nil
}

// BrowserWebSocketURL fetches the browser-level debugger URL from
// /json/version on one port. Used by the doctor command only; normal
// operation attaches to page targets directly.
func BrowserWebSocketURL(ctx context.Context, host string, port int) (string, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	body, err := fetchJSON(ctx, fmt.Sprintf("http://%s:%d/json/version", host, port))
	if err != nil {
		return "", err
	}
	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &version); err != nil {
		return "", fmt.Errorf("unmarshal version: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("port %d: no webSocketDebuggerUrl in /json/version", port)
	}
	return version.WebSocketDebuggerURL, nil
}

func listTargets(ctx context.Context, host string, port int) ([]Target, error) {
	body, err := fetchJSON(ctx, fmt.Sprintf("http://%s:%d/json/list", host, port))
	if err != nil {
		return nil, err
	}
	var targets []Target
	if err := json.Unmarshal(body, &targets); err != nil {
		return nil, fmt.Errorf("port %d: unmarshal targets: %w", port, err)
	}
	return targets, nil
}

func fetchJSON(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, perPortTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func matchesHint(t Target, hint string) bool {
	if hint == "" {
		return true
	}
	needle := strings.ToLower(hint)
	return strings.Contains(strings.ToLower(t.Title), needle) ||
		strings.Contains(strings.ToLower(t.URL), needle)
}
