package rules

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/wudi/relay/config"
)

// Match returns the first rule whose match path is a prefix of path.
// Rules without a match path never match.
func (s *Set) Match(path string) (*config.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		p := r.MatchPath()
		if p == "" {
			continue
		}
		if strings.HasPrefix(path, p) {
			return r, true
		}
	}
	return nil, false
}

// ReverseMatch returns the rule whose target is a prefix of location.
// Among candidates the longest match path wins; ties keep declaration order.
func (s *Set) ReverseMatch(location string) (*config.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *config.Rule
	for _, r := range s.rules {
		if !strings.HasPrefix(location, r.Target) {
			continue
		}
		if best == nil || len(r.MatchPath()) > len(best.MatchPath()) {
			best = r
		}
	}
	return best, best != nil
}

// Subpath strips prefix from s and drops one leading slash.
func Subpath(s, prefix string) string {
	if len(prefix) > len(s) {
		return ""
	}
	return strings.TrimPrefix(s[len(prefix):], "/")
}

// JoinPath joins a base path and a relative segment with exactly one slash.
func JoinPath(base, sub string) string {
	if sub == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(sub, "/")
}

// ResolveServiceURL maps a proxy-facing request URL onto the rule's target.
// A request under the rule's match path keeps the remainder of its path; any
// other request (matched by referer) keeps its full path. Query and fragment
// are copied verbatim.
func ResolveServiceURL(rule *config.Rule, requestURL string) (string, error) {
	matchPath := rule.MatchPath()
	if matchPath == "" {
		return rule.Target, nil
	}

	req, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("parsing request url: %w", err)
	}
	target, err := url.Parse(rule.Target)
	if err != nil {
		return "", fmt.Errorf("parsing target: %w", err)
	}

	reqPath := req.EscapedPath()
	var p string
	if strings.HasPrefix(reqPath, matchPath) {
		p = JoinPath(target.EscapedPath(), Subpath(reqPath, matchPath))
	} else {
		p = reqPath
	}
	setEscapedPath(target, p)

	target.RawQuery = req.RawQuery
	target.ForceQuery = req.ForceQuery
	target.Fragment = req.Fragment
	target.RawFragment = req.RawFragment
	return target.String(), nil
}

// ResolveProxyURL inverts an upstream URL into the proxy-facing URL served
// under rule. It reports false for rules without a match path.
func ResolveProxyURL(rule *config.Rule, location, host string, port int) (string, bool) {
	matchPath := rule.MatchPath()
	if matchPath == "" {
		return "", false
	}

	u, err := url.Parse(location)
	if err != nil {
		return "", false
	}

	rest := location
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}

	u.Scheme = "http"
	u.User = nil
	u.Host = proxyHost(host, port)
	setEscapedPath(u, JoinPath(matchPath, Subpath(rest, rule.Target)))
	return u.String(), true
}

// proxyHost formats the proxy authority, omitting the default HTTP port.
func proxyHost(host string, port int) string {
	if port == 80 {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func setEscapedPath(u *url.URL, escaped string) {
	if p, err := url.PathUnescape(escaped); err == nil {
		u.Path = p
		u.RawPath = escaped
		return
	}
	u.Path = escaped
	u.RawPath = ""
}
