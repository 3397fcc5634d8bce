package rewrite

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/headers"
)

// Default CORS allow lists. Upstream and request values are merged into them.
const (
	DefaultAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	DefaultAllowHeaders = "X-Requested-With, Content-Type, Accept, Origin, Authorization, Cache-Control, Pragma, Expires"
)

// CORSInput is what the CORS computation reads from an exchange.
type CORSInput struct {
	Mode config.CORSMode

	// Method and URL of the proxy-facing request.
	Method string
	URL    string

	RequestHeaders  *headers.Map
	UpstreamHeaders *headers.Map // nil before the service call
}

// CORSResult carries the computed headers and whether referer mode had to
// fall back to proxy mode.
type CORSResult struct {
	Headers    *headers.Map
	FellBack   bool
	Preflight  bool
	AllowedVia config.CORSMode
}

// CORSHeaders computes the CORS response headers for mode. A disabled mode
// yields an empty map.
func CORSHeaders(in CORSInput) CORSResult {
	out := headers.New()
	res := CORSResult{Headers: out, Preflight: in.Method == http.MethodOptions}
	if in.Mode == "" {
		return res
	}

	mode := in.Mode
	var referer string
	if in.RequestHeaders != nil {
		referer = in.RequestHeaders.Get("referer")
	}
	if mode == config.CORSReferer {
		if o, ok := Origin(referer); ok {
			out.Set("access-control-allow-origin", o)
			out.Set("access-control-allow-credentials", "true")
		} else {
			mode = config.CORSProxy
			res.FellBack = true
		}
	}
	switch mode {
	case config.CORSProxy:
		o, _ := Origin(in.URL)
		out.Set("access-control-allow-origin", o)
		out.Set("access-control-allow-credentials", "true")
	case config.CORSAny:
		out.Set("access-control-allow-origin", "*")
	}
	res.AllowedVia = mode

	var upstreamMethods, upstreamHeaders string
	if in.UpstreamHeaders != nil {
		upstreamMethods = in.UpstreamHeaders.Get("access-control-allow-methods")
		upstreamHeaders = in.UpstreamHeaders.Get("access-control-allow-headers")
	}
	out.MergeCommaSet("access-control-allow-methods", DefaultAllowMethods, upstreamMethods)
	out.MergeCommaSet("access-control-allow-headers", DefaultAllowHeaders, upstreamHeaders)

	if res.Preflight && in.RequestHeaders != nil {
		out.MergeCommaSet("access-control-allow-methods",
			in.RequestHeaders.Get("access-control-request-method"),
			in.RequestHeaders.Get("access-control-request-methods"))
		out.MergeCommaSet("access-control-allow-headers",
			in.RequestHeaders.Get("access-control-request-headers"))
	}

	return res
}

// Origin returns scheme://host[:port] of an absolute URL, omitting the
// scheme's default port.
func Origin(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	host := u.Host
	switch {
	case u.Scheme == "http" && u.Port() == "80",
		u.Scheme == "https" && u.Port() == "443":
		host = u.Hostname()
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
	}
	return u.Scheme + "://" + host, true
}
