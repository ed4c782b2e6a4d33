package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/samber/lo"

	"github.com/agbridge/agbridge/cmd/config"
	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/store"
	"github.com/agbridge/agbridge/lib/templates"
)

// daemonProbeTimeout bounds the /status request to a possibly absent daemon.
const daemonProbeTimeout = time.Second

// Check is one doctor probe and its outcome.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// Report collects every check the doctor ran.
type Report struct {
	Checks []Check
}

// Failed reports whether any check came back bad.
func (r *Report) Failed() bool {
	return lo.SomeBy(r.Checks, func(c Check) bool { return !c.OK })
}

// Print writes the report, one line per check.
func (r *Report) Print(w io.Writer) {
	for _, c := range r.Checks {
		mark := "ok"
		if !c.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "[%4s] %-16s %s\n", mark, c.Name, c.Detail)
	}
}

func (r *Report) add(ok bool, name, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, OK: ok, Detail: detail})
}

// RunDoctor probes the local setup end to end: the assistant's debug ports,
// the state database, the template catalog and, when a daemon is already
// running, its diagnostics endpoint. A missing daemon is not a failure; the
// doctor is usually run before start.
func RunDoctor(ctx context.Context, cfg *config.Config) *Report {
	r := &Report{}

	targets, err := cdp.Discover(ctx, cfg.CDPHost, cfg.CDPPorts, "")
	if err != nil {
		r.add(false, "debug ports", fmt.Sprintf(
			"no DevTools endpoint on ports %v; start the assistant with a debug port, e.g. agbridge open", cfg.CDPPorts))
	} else {
		first := targets[0]
		r.add(true, "debug ports", fmt.Sprintf(
			"%d page target(s); first is %q on port %d", len(targets), first.Title, first.Port))
		if wsURL, verr := cdp.BrowserWebSocketURL(ctx, cfg.CDPHost, first.Port); verr != nil {
			r.add(false, "browser endpoint", verr.Error())
		} else {
			r.add(true, "browser endpoint", wsURL)
		}
	}

	if st, err := store.Open(cfg.StatePath); err != nil {
		r.add(false, "state database", err.Error())
	} else {
		_ = st.Close()
		r.add(true, "state database", cfg.StatePath)
	}

	r.checkTemplates(cfg.TemplatesPath)
	r.checkDaemon(ctx, cfg.DiagAddr)
	return r
}

func (r *Report) checkTemplates(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		r.add(true, "templates", fmt.Sprintf("%s missing; catalog starts empty", path))
		return
	}
	cat, err := templates.Load(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		r.add(false, "templates", err.Error())
		return
	}
	n := cat.Len()
	cat.Close()
	r.add(true, "templates", fmt.Sprintf("%d template(s) in %s", n, path))
}

func (r *Report) checkDaemon(ctx context.Context, addr string) {
	reqCtx, cancel := context.WithTimeout(ctx, daemonProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		r.add(false, "daemon", err.Error())
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		r.add(true, "daemon", "not running; start it with: agbridge start")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.add(false, "daemon", fmt.Sprintf("diagnostics endpoint answered %d", resp.StatusCode))
		return
	}
	var status struct {
		Uptime     string `json:"uptime"`
		Bindings   int64  `json:"bindings"`
		Workspaces []struct {
			Workspace string `json:"workspace"`
		} `json:"workspaces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		r.add(false, "daemon", "unreadable status: "+err.Error())
		return
	}
	r.add(true, "daemon", fmt.Sprintf(
		"up %s, %d workspace(s), %d binding(s)", status.Uptime, len(status.Workspaces), status.Bindings))
}
