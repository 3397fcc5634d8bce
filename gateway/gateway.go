// Package gateway builds and runs a relay server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions"
	"github.com/wudi/relay/internal/extensions/inputhttp"
)

// ShutdownTimeout bounds the graceful shutdown started by a signal.
const ShutdownTimeout = 30 * time.Second

// Builder constructs a Server from a configuration and a set of extensions.
type Builder struct {
	cfg         *Config
	logger      *zap.Logger
	exts        []Extension
	useDefaults bool
}

// New creates a Builder for cfg.
func New(cfg *Config) *Builder {
	return &Builder{cfg: cfg}
}

// WithLogger sets the logger. The default discards everything.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithDefaults registers the standard extensions ahead of custom ones.
// Without it the server runs only the extensions passed to Use and their
// dependencies.
func (b *Builder) WithDefaults() *Builder {
	b.useDefaults = true
	return b
}

// Use registers custom extensions.
func (b *Builder) Use(exts ...Extension) *Builder {
	b.exts = append(b.exts, exts...)
	return b
}

// Build validates the configuration and creates the server. Extensions are
// initialized by Start.
func (b *Builder) Build() (*Server, error) {
	if b.cfg == nil {
		return nil, errors.New("gateway: nil configuration")
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := app.New(b.cfg, b.logger)
	if b.useDefaults {
		a.Use(extensions.Default()...)
	}
	a.Use(b.exts...)
	return &Server{app: a}, nil
}

// BindFlags adds the core flags and the flags of exts to fs. Parsed values
// are written into cfg.
func BindFlags(fs *pflag.FlagSet, cfg *Config, exts ...Extension) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "The host to bind the proxy to")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "Log format: pretty or json")
	fs.StringVar(&cfg.Logging.Output, "log-file", cfg.Logging.Output, "Log to a rotating file instead of stdout")
	app.New(cfg, nil).Use(exts...).BindFlags(fs)
}

// Server is a built relay.
type Server struct {
	app *app.App
}

// App returns the underlying proxy instance.
func (s *Server) App() *App {
	return s.app
}

// Start initializes the extensions and opens the listeners.
func (s *Server) Start(ctx context.Context) error {
	return s.app.Start(ctx)
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully. SIGHUP reloads the rules from the configuration file.
func (s *Server) Run() error {
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for sig := range quit {
		if sig == syscall.SIGHUP {
			if err := s.ReloadRules(context.Background()); err != nil {
				s.app.Logger.Error("Rule reload failed", zap.Error(err))
			}
			continue
		}
		s.app.Logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))
		return s.Shutdown(ShutdownTimeout)
	}
	return nil
}

// Shutdown stops the listeners and the extensions.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.app.Stop(ctx)
}

// ReloadRules rereads the rules from the configuration file.
func (s *Server) ReloadRules(ctx context.Context) error {
	path := s.app.Config.Path
	if path == "" {
		return errors.New("no configuration file to reload")
	}
	list, err := config.NewLoader().LoadRules(path)
	if err != nil {
		return err
	}
	return s.app.ReloadRules(ctx, list)
}

// Handler returns the HTTP proxy handler, or nil when the HTTP transport is
// not loaded. It is available after Start.
func (s *Server) Handler() http.Handler {
	if in, ok := app.Lookup[*inputhttp.Extension](s.app); ok {
		return in.Handler()
	}
	return nil
}
