// Package configwatch reloads the rules when the configuration file changes.
package configwatch

import (
	"context"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions/metrics"
)

const name = "configWatch"

// Extension watches the file the configuration was loaded from. Only the
// rules are reloaded; listener settings need a restart.
type Extension struct {
	// Debounce overrides the watcher's debounce delay when set.
	Debounce time.Duration

	app     *app.App
	logger  *zap.Logger
	watcher *config.Watcher
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) BindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.BoolVar(&cfg.Watch, "watch", cfg.Watch, "Reload the rules when the configuration file changes")
}

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.app = a
	e.logger = a.ExtensionLogger(e)
	if !a.Config.Watch {
		return nil
	}
	if a.Config.Path == "" {
		e.logger.Warn("Watching requested but the configuration was not loaded from a file")
		return nil
	}

	a.OnStart.Tap(name, e.start)
	a.OnStop.Tap(name, func(context.Context, *app.App) error {
		if e.watcher == nil {
			return nil
		}
		return e.watcher.Stop()
	})
	return nil
}

func (e *Extension) start(ctx context.Context, a *app.App) error {
	w, err := config.NewWatcher(a.Config.Path, e.logger)
	if err != nil {
		return err
	}
	if e.Debounce > 0 {
		w.SetDebounce(e.Debounce)
	}
	w.OnChange(e.reload)
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	e.watcher = w
	e.logger.Info("Watching configuration file", zap.String("path", a.Config.Path))
	return nil
}

func (e *Extension) reload(list []config.Rule) {
	err := e.app.ReloadRules(context.Background(), list)
	if m, ok := app.Lookup[*metrics.Extension](e.app); ok {
		m.Collector().RecordReload(err)
	}
	if err != nil {
		e.logger.Error("Rejected reloaded rules", zap.Error(err))
	}
}
