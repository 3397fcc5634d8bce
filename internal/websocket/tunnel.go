// Package websocket tunnels upgraded connections to a backend.
package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/headers"
)

// Config configures a Tunnel.
type Config struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
	Logger           *zap.Logger
}

// Tunnel forwards an upgrade request to a backend and splices the client
// and backend connections once the backend switches protocols.
type Tunnel struct {
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	tlsConfig        *tls.Config
	logger           *zap.Logger
}

// NewTunnel creates a tunnel, applying defaults for unset fields.
func NewTunnel(cfg Config) *Tunnel {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tunnel{
		dialTimeout:      cfg.DialTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		tlsConfig:        cfg.TLSConfig,
		logger:           cfg.Logger,
	}
}

// IsUpgradeRequest checks if the request is a WebSocket upgrade request
func IsUpgradeRequest(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))

	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// Serve sends r to target with header h, whose "host" entry becomes the Host
// of the backend request. A backend that refuses the upgrade has its
// response relayed to the client. Errors are only returned while nothing
// has been written to w.
func (t *Tunnel) Serve(w http.ResponseWriter, r *http.Request, target string, h *headers.Map) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid backend url %q: %w", target, err)
	}

	backend, err := t.dial(r.Context(), u)
	if err != nil {
		return err
	}

	req, err := backendRequest(r, u, h)
	if err != nil {
		backend.Close()
		return err
	}

	backend.SetDeadline(time.Now().Add(t.handshakeTimeout))
	if err := req.Write(backend); err != nil {
		backend.Close()
		return fmt.Errorf("writing upgrade request: %w", err)
	}
	br := bufio.NewReader(backend)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		backend.Close()
		return fmt.Errorf("reading upgrade response: %w", err)
	}
	backend.SetDeadline(time.Time{})

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer backend.Close()
		defer resp.Body.Close()
		t.logger.Debug("backend refused upgrade", zap.Int("status", resp.StatusCode))
		for k, vs := range resp.Header {
			w.Header()[k] = vs
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return nil
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		backend.Close()
		return fmt.Errorf("connection does not support hijacking")
	}
	client, clientBuf, err := hijacker.Hijack()
	if err != nil {
		backend.Close()
		return fmt.Errorf("hijacking client connection: %w", err)
	}

	fmt.Fprintf(clientBuf, "HTTP/1.1 %s\r\n", resp.Status)
	resp.Header.Write(clientBuf)
	clientBuf.WriteString("\r\n")
	if err := clientBuf.Flush(); err != nil {
		client.Close()
		backend.Close()
		t.logger.Debug("client went away during upgrade", zap.Error(err))
		return nil
	}

	t.splice(client, clientBuf.Reader, backend, br)
	return nil
}

func (t *Tunnel) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	secure := u.Scheme == "https" || u.Scheme == "wss"
	addr := u.Host
	if u.Port() == "" {
		if secure {
			addr = net.JoinHostPort(u.Hostname(), "443")
		} else {
			addr = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	d := &net.Dialer{Timeout: t.dialTimeout}
	if !secure {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dialing backend %s: %w", addr, err)
		}
		return conn, nil
	}

	cfg := &tls.Config{}
	if t.tlsConfig != nil {
		cfg = t.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}
	td := &tls.Dialer{NetDialer: d, Config: cfg}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s: %w", addr, err)
	}
	return conn, nil
}

func backendRequest(r *http.Request, u *url.URL, h *headers.Map) (*http.Request, error) {
	req, err := http.NewRequest(r.Method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building upgrade request: %w", err)
	}
	if h != nil {
		h = h.Clone()
		if host := h.Get("host"); host != "" {
			req.Host = host
		}
		h.Del("host")
		req.Header = h.HTTP()
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", r.Header.Get("Upgrade"))
	return req, nil
}

// splice copies in both directions until one side closes, then closes
// both connections.
func (t *Tunnel) splice(client net.Conn, clientReader io.Reader, backend net.Conn, backendReader io.Reader) {
	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(backend, clientReader)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(client, backendReader)
		errCh <- err
	}()

	if err := <-errCh; err != nil {
		t.logger.Debug("tunnel closed", zap.Error(err))
	}
	client.Close()
	backend.Close()
	<-errCh
}
