// Package app ties the hook points, the flow orchestrator, the rule store and
// the extensions of one proxy instance together.
package app

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/hook"
	"github.com/wudi/relay/internal/listener"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/rules"
)

// Version is set at build time.
var Version = "dev"

// App is one proxy instance.
type App struct {
	*pipeline.Hooks

	OnInitExtensions *hook.Series[*App]
	OnStart          *hook.Series[*App]
	OnStop           *hook.Series[*App]
	// OnMigrateRules runs once per rule set before it is frozen. Handlers
	// normalize deprecated rule fields in place.
	OnMigrateRules *hook.Series[*rules.Set]

	Config    *config.Config
	Logger    *zap.Logger
	Flows     *pipeline.Flows
	Listeners *listener.Manager

	rules atomic.Pointer[rules.Set]

	mu           sync.Mutex
	queued       map[reflect.Type]bool
	uses         []Extension
	extensions   map[reflect.Type]Extension
	initializing map[reflect.Type]bool
	initOrder    []Extension
	started      bool
}

// New creates an app for cfg. The rules of cfg are copied into an unfrozen
// set; they are migrated and frozen by Start.
func New(cfg *config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Hooks:            pipeline.NewHooks(),
		OnInitExtensions: hook.NewSeries[*App]("onInitExtensions"),
		OnStart:          hook.NewSeries[*App]("onStart"),
		OnStop:           hook.NewSeries[*App]("onStop"),
		OnMigrateRules:   hook.NewSeries[*rules.Set]("onMigrateRules"),
		Config:           cfg,
		Logger:           logger,
		Listeners:        listener.NewManager(logger),
		queued:           make(map[reflect.Type]bool),
		extensions:       make(map[reflect.Type]Extension),
		initializing:     make(map[reflect.Type]bool),
	}
	a.rules.Store(rules.New(cfg.Rules))
	a.Flows = pipeline.NewFlows(a.Hooks, a.Rules, logger)
	return a
}

// Rules returns the current rule set.
func (a *App) Rules() *rules.Set {
	return a.rules.Load()
}

// Start initializes the extensions, migrates and freezes the rules, runs the
// start handlers and opens the listeners.
func (a *App) Start(ctx context.Context) error {
	a.Logger.Info("Starting proxy server", zap.String("version", Version))
	a.Logger.Debug("Initializing extensions")

	if err := a.OnInitExtensions.Call(ctx, a); err != nil {
		return fmt.Errorf("initializing extensions: %w", err)
	}
	if !a.OnServiceCall.HasHandlers() {
		return fmt.Errorf("no handler registered for %s", a.OnServiceCall.Name())
	}

	set := a.Rules()
	if err := a.OnMigrateRules.Call(ctx, set); err != nil {
		return fmt.Errorf("migrating rules: %w", err)
	}
	set.Freeze()

	if err := a.OnStart.Call(ctx, a); err != nil {
		return fmt.Errorf("starting extensions: %w", err)
	}
	if err := a.Listeners.StartAll(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()

	a.Logger.Info("Proxy server started", zap.Int("rules", set.Len()))
	return nil
}

// Stop closes the listeners and runs the stop handlers.
func (a *App) Stop(ctx context.Context) error {
	a.Logger.Info("Stopping proxy server")

	lerr := a.Listeners.StopAll(ctx)
	if err := a.OnStop.Call(ctx, a); err != nil {
		return fmt.Errorf("stopping extensions: %w", err)
	}

	a.mu.Lock()
	a.started = false
	a.mu.Unlock()

	a.Logger.Info("Proxy server stopped")
	a.Logger.Sync()
	return lerr
}

// Started reports whether Start completed and Stop was not called since.
func (a *App) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// ReloadRules replaces the rule set. The new rules are migrated and frozen
// before they become visible; requests already past rule matching keep the
// set they matched against.
func (a *App) ReloadRules(ctx context.Context, list []config.Rule) error {
	for i := range list {
		if err := list[i].Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	set := rules.New(list)
	if err := a.OnMigrateRules.Call(ctx, set); err != nil {
		return fmt.Errorf("migrating rules: %w", err)
	}
	set.Freeze()
	a.rules.Store(set)

	a.Logger.Info("Rules reloaded", zap.Int("rules", set.Len()))
	return nil
}

// Describe lists the taps of every hook point, lifecycle points included.
func (a *App) Describe() map[string][]hook.TapInfo {
	out := a.Hooks.Describe()
	out[a.OnInitExtensions.Name()] = a.OnInitExtensions.Taps()
	out[a.OnStart.Name()] = a.OnStart.Taps()
	out[a.OnStop.Name()] = a.OnStop.Taps()
	out[a.OnMigrateRules.Name()] = a.OnMigrateRules.Taps()
	return out
}
