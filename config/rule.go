package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Rule binds a part of the proxy's URL space to a target service.
// Field names follow the rules-file format, so existing JSON rule files load
// unchanged.
type Rule struct {
	Target   string        `yaml:"target" json:"target"`
	Match    *RuleMatch    `yaml:"match,omitempty" json:"match,omitempty"`
	Request  *RuleRequest  `yaml:"request,omitempty" json:"request,omitempty"`
	Response *RuleResponse `yaml:"response,omitempty" json:"response,omitempty"`

	// Deprecated fields. They are accepted on input and folded into the
	// fields above before the proxy starts.
	Source                       string                  `yaml:"source,omitempty" json:"source,omitempty"`
	RewriteBody                  *BodyRewrite            `yaml:"rewriteBody,omitempty" json:"rewriteBody,omitempty"`
	RewriteCookie                bool                    `yaml:"rewriteCookie,omitempty" json:"rewriteCookie,omitempty"`
	RewriteRedirects             bool                    `yaml:"rewriteRedirects,omitempty" json:"rewriteRedirects,omitempty"`
	RebaseAbsolutePathsByReferer bool                    `yaml:"rebaseAbsolutePathsByReferer,omitempty" json:"rebaseAbsolutePathsByReferer,omitempty"`
	CORS                         *CORS                   `yaml:"cors,omitempty" json:"cors,omitempty"`
	Preflight                    *Preflight              `yaml:"preflight,omitempty" json:"preflight,omitempty"`
	ResponseHeaders              map[string]HeaderAction `yaml:"responseHeaders,omitempty" json:"responseHeaders,omitempty"`
}

// RuleMatch selects the requests a rule applies to.
type RuleMatch struct {
	Path string `yaml:"path" json:"path"`
}

// RuleRequest holds request-side options.
type RuleRequest struct {
	SetHost *SetHost `yaml:"setHost,omitempty" json:"setHost,omitempty"`
}

// SetHost controls the Host header sent upstream. The default takes it from
// the target URL; To overrides it.
type SetHost struct {
	From string `yaml:"from,omitempty" json:"from,omitempty"`
	To   string `yaml:"to,omitempty" json:"to,omitempty"`
}

// RuleResponse holds response-side options.
type RuleResponse struct {
	CORS    *CORS                   `yaml:"cors,omitempty" json:"cors,omitempty"`
	Headers map[string]HeaderAction `yaml:"headers,omitempty" json:"headers,omitempty"`
	Rewrite *Rewrite                `yaml:"rewrite,omitempty" json:"rewrite,omitempty"`
}

// Rewrite toggles the response rewriters.
type Rewrite struct {
	Cookie          bool         `yaml:"cookie,omitempty" json:"cookie,omitempty"`
	Redirects       bool         `yaml:"redirects,omitempty" json:"redirects,omitempty"`
	LinksInResponse *BodyRewrite `yaml:"linksInResponse,omitempty" json:"linksInResponse,omitempty"`
	Rebase          *BodyRewrite `yaml:"rebase,omitempty" json:"rebase,omitempty"`
}

// MatchPath returns the configured path prefix, or "".
func (r *Rule) MatchPath() string {
	if r.Match == nil {
		return ""
	}
	return r.Match.Path
}

// ResponseRewrite returns the rewrite options; never nil.
func (r *Rule) ResponseRewrite() *Rewrite {
	if r.Response == nil || r.Response.Rewrite == nil {
		return &Rewrite{}
	}
	return r.Response.Rewrite
}

// EnsureRewrite returns the rewrite options, allocating them if needed.
func (r *Rule) EnsureRewrite() *Rewrite {
	if r.Response == nil {
		r.Response = &RuleResponse{}
	}
	if r.Response.Rewrite == nil {
		r.Response.Rewrite = &Rewrite{}
	}
	return r.Response.Rewrite
}

// EnsureResponse returns the response options, allocating them if needed.
func (r *Rule) EnsureResponse() *RuleResponse {
	if r.Response == nil {
		r.Response = &RuleResponse{}
	}
	return r.Response
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	c := r
	if r.Match != nil {
		m := *r.Match
		c.Match = &m
	}
	if r.Request != nil {
		req := *r.Request
		if r.Request.SetHost != nil {
			sh := *r.Request.SetHost
			req.SetHost = &sh
		}
		c.Request = &req
	}
	if r.Response != nil {
		resp := *r.Response
		resp.CORS = r.Response.CORS.clone()
		resp.Headers = maps.Clone(r.Response.Headers)
		if r.Response.Rewrite != nil {
			rw := *r.Response.Rewrite
			rw.LinksInResponse = rw.LinksInResponse.clone()
			rw.Rebase = rw.Rebase.clone()
			resp.Rewrite = &rw
		}
		c.Response = &resp
	}
	c.RewriteBody = r.RewriteBody.clone()
	c.CORS = r.CORS.clone()
	if r.Preflight != nil {
		p := *r.Preflight
		c.Preflight = &p
	}
	c.ResponseHeaders = maps.Clone(r.ResponseHeaders)
	return c
}

// Validate checks a single rule.
func (r *Rule) Validate() error {
	if r.Target == "" {
		return fmt.Errorf("target is required")
	}
	u, err := url.Parse(r.Target)
	if err != nil {
		return fmt.Errorf("invalid target %q: %w", r.Target, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("target %q must be an absolute URL", r.Target)
	}
	for _, p := range []string{r.MatchPath(), r.Source} {
		if p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("match path %q must start with /", p)
		}
	}
	if r.Response != nil {
		if err := validateHeaderActions(r.Response.Headers); err != nil {
			return err
		}
		if err := r.Response.CORS.validate(); err != nil {
			return err
		}
	}
	if err := validateHeaderActions(r.ResponseHeaders); err != nil {
		return err
	}
	return r.CORS.validate()
}

// BodyRewrite enables a body rewriter, optionally limited to content types.
// It decodes from true, false, a content type, a list of content types, or
// {match: {contentTypes: ...}}.
type BodyRewrite struct {
	Enabled      bool     `yaml:"-" json:"enabled"`
	ContentTypes []string `yaml:"-" json:"contentTypes,omitempty"`
}

// IsEnabled is nil-safe.
func (b *BodyRewrite) IsEnabled() bool {
	return b != nil && b.Enabled
}

func (b *BodyRewrite) clone() *BodyRewrite {
	if b == nil {
		return nil
	}
	return &BodyRewrite{Enabled: b.Enabled, ContentTypes: slices.Clone(b.ContentTypes)}
}

// UnmarshalYAML implements yaml.InterfaceUnmarshaler.
func (b *BodyRewrite) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		return nil
	case bool:
		b.Enabled = v
		return nil
	case string, []interface{}:
		var list stringList
		if err := unmarshal(&list); err != nil {
			return err
		}
		b.Enabled = true
		b.ContentTypes = list
		return nil
	}

	var obj struct {
		Match struct {
			ContentTypes stringList `yaml:"contentTypes"`
		} `yaml:"match"`
	}
	if err := unmarshal(&obj); err != nil {
		return fmt.Errorf("body rewrite: %w", err)
	}
	b.Enabled = true
	b.ContentTypes = obj.Match.ContentTypes
	return nil
}

// stringList decodes from a single string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if one, ok := raw.(string); ok {
		*s = stringList{one}
		return nil
	}
	var many []string
	if err := unmarshal(&many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*s = many
	return nil
}

// CORSMode selects how the allowed origin is computed.
type CORSMode string

const (
	CORSReferer CORSMode = "referer"
	CORSProxy   CORSMode = "proxy"
	CORSAny     CORSMode = "*"
)

// Preflight selects how OPTIONS requests are handled.
type Preflight string

const (
	// PreflightAuto forwards OPTIONS upstream and coerces the status to 200.
	PreflightAuto Preflight = "auto"
	// PreflightOn answers OPTIONS directly with 204.
	PreflightOn Preflight = "true"
	// PreflightOff leaves OPTIONS responses alone.
	PreflightOff Preflight = "false"
)

// UnmarshalYAML implements yaml.InterfaceUnmarshaler.
func (p *Preflight) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := parsePreflight(raw)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func parsePreflight(raw interface{}) (Preflight, error) {
	switch v := raw.(type) {
	case nil:
		return PreflightAuto, nil
	case bool:
		if v {
			return PreflightOn, nil
		}
		return PreflightOff, nil
	case string:
		switch Preflight(v) {
		case PreflightAuto, PreflightOn, PreflightOff:
			return Preflight(v), nil
		}
	}
	return "", fmt.Errorf("invalid preflight %v", raw)
}

// CORS configures CORS headers for a rule. A zero Mode disables it.
// It decodes from true, false, a mode string, or {mode, preflight}; an
// object setting neither field disables it.
type CORS struct {
	Mode      CORSMode  `yaml:"mode" json:"mode"`
	Preflight Preflight `yaml:"preflight" json:"preflight"`
}

// Enabled is nil-safe.
func (c *CORS) Enabled() bool {
	return c != nil && c.Mode != ""
}

func (c *CORS) clone() *CORS {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (c *CORS) validate() error {
	if c == nil {
		return nil
	}
	switch c.Mode {
	case "", CORSReferer, CORSProxy, CORSAny:
	default:
		return fmt.Errorf("invalid cors mode %q", c.Mode)
	}
	switch c.Preflight {
	case "", PreflightAuto, PreflightOn, PreflightOff:
		return nil
	}
	return fmt.Errorf("invalid cors preflight %q", c.Preflight)
}

func parseCORSMode(raw interface{}) (CORSMode, error) {
	switch v := raw.(type) {
	case nil:
		return CORSReferer, nil
	case bool:
		if v {
			return CORSReferer, nil
		}
		return "", nil
	case string:
		return CORSMode(v), nil
	}
	return "", fmt.Errorf("invalid cors mode %v", raw)
}

// UnmarshalYAML implements yaml.InterfaceUnmarshaler.
func (c *CORS) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch raw.(type) {
	case bool, string:
		mode, err := parseCORSMode(raw)
		if err != nil {
			return err
		}
		c.Mode = mode
		c.Preflight = PreflightAuto
		return nil
	}

	var obj struct {
		Mode      interface{} `yaml:"mode"`
		Preflight interface{} `yaml:"preflight"`
	}
	if err := unmarshal(&obj); err != nil {
		return fmt.Errorf("cors: %w", err)
	}
	if obj.Mode == nil && obj.Preflight == nil {
		c.Mode = ""
		c.Preflight = PreflightAuto
		return nil
	}
	mode, err := parseCORSMode(obj.Mode)
	if err != nil {
		return err
	}
	preflight, err := parsePreflight(obj.Preflight)
	if err != nil {
		return err
	}
	c.Mode = mode
	c.Preflight = preflight
	return nil
}

// Header actions.
const (
	HeaderDrop         = "drop"
	HeaderSet          = "set"
	HeaderSetIfMissing = "setIfMissing"
)

// HeaderAction modifies one response header. It decodes from an action name
// or {action, value}.
type HeaderAction struct {
	Action string `yaml:"action" json:"action"`
	Value  string `yaml:"value,omitempty" json:"value,omitempty"`
}

// UnmarshalYAML implements yaml.InterfaceUnmarshaler.
func (h *HeaderAction) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if action, ok := raw.(string); ok {
		h.Action = action
		return nil
	}
	type plain HeaderAction
	return unmarshal((*plain)(h))
}

func validateHeaderActions(actions map[string]HeaderAction) error {
	for name, a := range actions {
		switch a.Action {
		case HeaderDrop, HeaderSet, HeaderSetIfMissing:
		default:
			return fmt.Errorf("header %q: unknown action %q", name, a.Action)
		}
	}
	return nil
}
