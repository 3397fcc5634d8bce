// Package inputws proxies WebSocket upgrades received by the HTTP
// transport. Routing and request header hooks run as for plain requests;
// the connection is then tunneled to the service URL.
package inputws

import (
	"context"
	"crypto/tls"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/extensions/inputhttp"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/websocket"
)

const name = "inputWs"

// Extension handles upgrade requests for inputhttp.
type Extension struct {
	flows  *pipeline.Flows
	logger *zap.Logger
	tunnel *websocket.Tunnel
}

// New creates the extension.
func New() *Extension {
	return &Extension{}
}

func (e *Extension) Name() string { return name }

func (e *Extension) Dependencies() []app.Extension {
	return []app.Extension{inputhttp.New()}
}

func (e *Extension) Init(_ context.Context, a *app.App) error {
	e.flows = a.Flows
	e.logger = a.ExtensionLogger(e)

	tr := a.Config.Transport
	e.tunnel = websocket.NewTunnel(websocket.Config{
		DialTimeout: tr.DialTimeout,
		TLSConfig:   &tls.Config{InsecureSkipVerify: tr.InsecureSkipVerify},
		Logger:      e.logger,
	})
	app.Get[*inputhttp.Extension](a).SetUpgradeHandler(http.HandlerFunc(e.serveUpgrade))
	return nil
}

func (e *Extension) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	log := e.logger.With(zap.String("url", r.RequestURI))

	call, err := e.flows.ExecutePreService(r.Context(), inputhttp.NewRequestHeaders(r, log), inputhttp.NewTransport(e.flows, r))
	if err != nil {
		if early, ok := errors.AsEarlyResponse(err); ok {
			log.Debug("Bailing on WebSocket request", zap.Int("status", early.StatusCode))
			early.WriteTo(w)
			return
		}
		log.Error("Error while handling WebSocket request", zap.Error(err))
		errors.ErrProxy.WriteTo(w)
		return
	}

	log.Debug("Proxying WebSocket upgrade request", zap.String("target", call.ServiceRequestURL))
	if err := e.tunnel.Serve(w, r, call.ServiceRequestURL, call.ServiceRequestOptions.Headers); err != nil {
		log.Error("WebSocket tunnel failed", zap.Error(err))
		errors.Bail(http.StatusBadGateway).WriteTo(w)
	}
}
