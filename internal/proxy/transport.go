// Package proxy builds the outbound HTTP transport and holds the header
// hygiene shared by the inbound and outbound transports.
package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/headers"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	// TLS settings
	InsecureSkipVerify bool
	CAFile             string

	// Keep-alive
	DisableKeepAlives bool
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 0, // no timeout
}

// NewTransport creates a new HTTP transport with the given configuration.
// Upstream responses are passed through untouched: no redirect following
// and no transparent decompression.
func NewTransport(cfg TransportConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		DisableCompression:    true,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
	}, nil
}

// MergeTransportConfig applies the non-zero values of o onto base.
func MergeTransportConfig(base TransportConfig, o config.TransportConfig) TransportConfig {
	if o.MaxIdleConns > 0 {
		base.MaxIdleConns = o.MaxIdleConns
	}
	if o.MaxIdleConnsPerHost > 0 {
		base.MaxIdleConnsPerHost = o.MaxIdleConnsPerHost
	}
	if o.MaxConnsPerHost > 0 {
		base.MaxConnsPerHost = o.MaxConnsPerHost
	}
	if o.IdleConnTimeout > 0 {
		base.IdleConnTimeout = o.IdleConnTimeout
	}
	if o.DialTimeout > 0 {
		base.DialTimeout = o.DialTimeout
	}
	if o.TLSHandshakeTimeout > 0 {
		base.TLSHandshakeTimeout = o.TLSHandshakeTimeout
	}
	if o.ResponseHeaderTimeout > 0 {
		base.ResponseHeaderTimeout = o.ResponseHeaderTimeout
	}
	if o.DisableKeepAlives {
		base.DisableKeepAlives = true
	}
	if o.InsecureSkipVerify {
		base.InsecureSkipVerify = true
	}
	if o.CAFile != "" {
		base.CAFile = o.CAFile
	}
	return base
}

// Hop-by-hop headers that should not be forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes hop-by-hop headers, including the ones named by
// Connection.
func RemoveHopHeaders(h *headers.Map) {
	for _, name := range headers.SplitList(h.Get("connection")) {
		h.Del(name)
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
