// Package diag exposes the daemon's introspection surface over HTTP: a
// liveness probe for scripts and a status document the doctor command reads
// when the daemon is running.
package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/agbridge/agbridge/lib/logger"
	"github.com/agbridge/agbridge/lib/pool"
)

// SnapshotSource reports live workspace connections. *pool.Pool satisfies it.
type SnapshotSource interface {
	Snapshot() []pool.WorkspaceStatus
}

// BindingCounter reports how many channel bindings exist. The store's
// binding repository satisfies it.
type BindingCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Status is the GET /status document.
type Status struct {
	StartedAt  time.Time              `json:"startedAt"`
	Uptime     string                 `json:"uptime"`
	Workspaces []pool.WorkspaceStatus `json:"workspaces"`
	Bindings   int64                  `json:"bindings"`
}

// Config wires the handler's sources. Nil sources report as empty.
type Config struct {
	Pool      SnapshotSource
	Bindings  BindingCounter
	StartedAt time.Time
	Logger    *slog.Logger
}

// Handler builds the diagnostics router.
func Handler(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctxWithLogger := logger.AddToContext(req.Context(), cfg.Logger)
				next.ServeHTTP(w, req.WithContext(ctxWithLogger))
			})
		},
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		st := Status{
			StartedAt:  cfg.StartedAt,
			Uptime:     time.Since(cfg.StartedAt).Round(time.Second).String(),
			Workspaces: []pool.WorkspaceStatus{},
		}
		if cfg.Pool != nil {
			if snap := cfg.Pool.Snapshot(); snap != nil {
				st.Workspaces = snap
			}
		}
		if cfg.Bindings != nil {
			n, err := cfg.Bindings.Count(req.Context())
			if err != nil {
				logger.FromContext(req.Context()).Error("count bindings", "err", err)
				http.Error(w, "status unavailable", http.StatusInternalServerError)
				return
			}
			st.Bindings = n
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			logger.FromContext(req.Context()).Error("encode status", "err", err)
		}
	})

	return r
}
