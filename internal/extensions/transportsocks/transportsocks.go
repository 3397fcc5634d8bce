// Package transportsocks runs a SOCKS5 proxy next to the HTTP transport.
// SOCKS connections are tunneled directly and do not pass through the rules.
package transportsocks

import (
	"context"
	"fmt"

	socks5 "github.com/armon/go-socks5"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/listener"
)

const name = "transportSocks"

// Extension serves SOCKS5 on socks.port.
type Extension struct {
	logger   *zap.Logger
	listener *listener.TCPListener
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) BindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.BoolVar(&cfg.Socks.Enabled, "socks", cfg.Socks.Enabled, "Run a SOCKS5 proxy server")
	fs.IntVar(&cfg.Socks.Port, "socks-port", cfg.Socks.Port, "The port to run the SOCKS5 proxy on")
}

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.logger = a.ExtensionLogger(e)
	if !a.Config.Socks.Enabled {
		e.logger.Debug("SOCKS transport disabled by configuration")
		return nil
	}

	server, err := socks5.New(&socks5.Config{
		Rules:  &connectOnly{logger: e.logger},
		Logger: zap.NewStdLog(e.logger),
	})
	if err != nil {
		return fmt.Errorf("creating socks server: %w", err)
	}

	addr := a.Config.SocksAddress()
	e.listener = listener.NewTCPListener(listener.TCPListenerConfig{
		ID:      "socks",
		Address: addr,
		Handler: server,
		Logger:  e.logger,
	})
	a.OnStart.Tap(name, func(context.Context, *app.App) error {
		e.logger.Info("Starting SOCKS proxy server", zap.String("address", addr))
		return nil
	})
	return a.Listeners.Add(e.listener)
}

// Addr returns the bound address, or "" when the transport is disabled.
func (e *Extension) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr()
}

// connectOnly permits CONNECT and logs every request.
type connectOnly struct {
	logger *zap.Logger
}

func (r *connectOnly) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	if req.Command != socks5.ConnectCommand {
		r.logger.Debug("Rejected SOCKS command", zap.Uint8("command", req.Command))
		return ctx, false
	}
	r.logger.Info("SOCKS CONNECT",
		zap.Stringer("remote", req.RemoteAddr),
		zap.Stringer("destination", req.DestAddr),
	)
	return ctx, true
}
