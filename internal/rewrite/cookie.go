// Package rewrite implements the header and body rewrites applied to
// upstream responses.
package rewrite

import (
	"regexp"
	"strings"
)

var cookieDomain = regexp.MustCompile(`(?i)Domain=([^;]+)`)

// CookieDomain rewrites the Domain attribute of a Set-Cookie value to
// proxyHost when it domain-matches upstreamHost. Other cookies are returned
// unchanged.
func CookieDomain(cookie, upstreamHost, proxyHost string) string {
	m := cookieDomain.FindStringSubmatchIndex(cookie)
	if m == nil {
		return cookie
	}
	domain := strings.TrimSpace(cookie[m[2]:m[3]])
	if domain == "" || !DomainMatches(domain, upstreamHost) {
		return cookie
	}
	return cookie[:m[0]] + "Domain=" + proxyHost + cookie[m[1]:]
}

// DomainMatches reports whether a cookie domain and a host are in the
// containment relation used for cookie scoping:
//
//	.sth.com  matches sth.com
//	a.sth.com matches sth.com and .sth.com
//	sth.com   does not match nonsth.com
//	a.sth.com does not match b.sth.com
//
// Comparison ignores case.
func DomainMatches(domain, host string) bool {
	domain, host = strings.ToLower(domain), strings.ToLower(host)
	longer, shorter := host, domain
	if len(domain) > len(host) {
		longer, shorter = domain, host
	}
	if longer == shorter {
		return true
	}
	if shorter == "" {
		return false
	}
	if shorter[0] != '.' {
		return strings.HasSuffix(longer, "."+shorter)
	}
	return strings.HasSuffix(longer, shorter)
}
