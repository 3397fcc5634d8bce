// Package admin serves the operational API of the proxy on a separate
// listener.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions/metrics"
	"github.com/wudi/relay/internal/extensions/tracing"
	"github.com/wudi/relay/internal/listener"
)

const name = "admin"

// StatsProvider is implemented by extensions that keep runtime counters.
// GET /stats reports them keyed by extension name.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// Extension serves /healthz, /metrics, /rules, /extensions, /hooks,
// /stats, /tracing and POST /reload.
type Extension struct {
	app       *app.App
	logger    *zap.Logger
	router    *httprouter.Router
	listener  *listener.HTTPListener
	startTime time.Time
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) Dependencies() []app.Extension {
	return []app.Extension{metrics.New()}
}

func (e *Extension) BindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Admin.Address, "admin-address", cfg.Admin.Address, "Address of the admin API, disabled when empty")
}

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.app = a
	e.logger = a.ExtensionLogger(e)
	e.startTime = time.Now()

	r := httprouter.New()
	r.Handler(http.MethodGet, "/metrics", app.Get[*metrics.Extension](a).Collector().Handler())
	r.GET("/healthz", e.handleHealth)
	r.GET("/rules", e.handleRules)
	r.GET("/extensions", e.handleExtensions)
	r.GET("/hooks", e.handleHooks)
	r.GET("/stats", e.handleStats)
	r.GET("/tracing", e.handleTracing)
	r.POST("/reload", e.handleReload)
	e.router = r

	addr := a.Config.Admin.Address
	if addr == "" {
		e.logger.Debug("Admin API disabled by configuration")
		return nil
	}
	e.listener = listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:      "admin",
		Address: addr,
		Handler: r,
		Logger:  e.logger,
	})
	a.OnStart.Tap(name, func(context.Context, *app.App) error {
		e.logger.Info("Starting admin API", zap.String("address", addr))
		return nil
	})
	return a.Listeners.Add(e.listener)
}

// Handler returns the admin router. It is available after Init.
func (e *Extension) Handler() http.Handler {
	return e.router
}

// Addr returns the bound address, or "" when the admin API is disabled.
func (e *Extension) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr()
}

func (e *Extension) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	status, code := "ok", http.StatusOK
	if !e.app.Started() {
		status, code = "stopped", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(e.startTime).String(),
		"rules":     e.app.Rules().Len(),
		"version":   app.Version,
	})
}

func (e *Extension) handleRules(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, e.app.Rules().Rules())
}

func (e *Extension) handleExtensions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	exts := e.app.Extensions()
	names := make([]string, 0, len(exts))
	for _, ext := range exts {
		names = append(names, ext.Name())
	}
	writeJSON(w, http.StatusOK, names)
}

func (e *Extension) handleHooks(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, e.app.Describe())
}

func (e *Extension) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	stats := make(map[string]map[string]interface{})
	for _, ext := range e.app.Extensions() {
		if p, ok := ext.(StatsProvider); ok {
			stats[ext.Name()] = p.Stats()
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (e *Extension) handleTracing(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	status := map[string]any{"enabled": false}
	if t, ok := app.Lookup[*tracing.Extension](e.app); ok && t.Tracer() != nil {
		status = t.Tracer().Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func (e *Extension) handleReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := e.app.Config.Path
	if path == "" {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "configuration was not loaded from a file"})
		return
	}

	list, err := config.NewLoader().LoadRules(path)
	if err == nil {
		err = e.app.ReloadRules(r.Context(), list)
	}
	app.Get[*metrics.Extension](e.app).Collector().RecordReload(err)
	if err != nil {
		e.logger.Error("Reloading rules failed", zap.String("path", path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": e.app.Rules().Len()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
