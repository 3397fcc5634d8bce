package rewrite

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// ErrNoHead is returned by the HTML processor for documents without <head>.
var ErrNoHead = errors.New("no <head> tag found")

// ErrNoMatchPath is returned by processors that need the rule's match path.
var ErrNoMatchPath = errors.New("rule has no match path")

// Body is a decoded upstream response body together with the routing data
// the processors need.
type Body struct {
	Data      []byte
	MediaType string
	Charset   string

	Target      string // rule target
	MatchPath   string // rule match path
	ProxyOrigin string // origin of the proxy-facing request
}

// Processor rewrites the text of a body.
type Processor interface {
	Name() string
	Process(content string, b *Body) (string, error)
}

// Entry binds a processor to a content-type pattern.
type Entry struct {
	Pattern   string
	Processor Processor
}

// ProcessorSet applies every processor whose pattern matches a body's media
// type, in entry order.
type ProcessorSet struct {
	entries   []Entry
	total     atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// NewProcessorSet creates a set from entries in priority order.
func NewProcessorSet(entries ...Entry) *ProcessorSet {
	return &ProcessorSet{entries: entries}
}

// RebaseProcessors is the set used to rebase absolute paths under a rule's
// match path.
func RebaseProcessors() *ProcessorSet {
	return NewProcessorSet(
		Entry{"text/html", HTMLBase{}},
		Entry{"text/css", CSSRebase{}},
		Entry{"text/*", LinkReplace{}},
		Entry{"application/*", LinkReplace{}},
	)
}

// LinkProcessors is the set used to replace absolute links to the target.
func LinkProcessors() *ProcessorSet {
	return NewProcessorSet(
		Entry{"text/*", LinkReplace{}},
		Entry{"application/json", LinkReplace{}},
		Entry{"application/javascript", LinkReplace{}},
		Entry{"application/xml", LinkReplace{}},
	)
}

// Apply runs the matching processors over b.Data. A failing processor is
// logged and skipped; the body keeps the output of the processors that
// succeeded. It reports whether any processor matched.
func (s *ProcessorSet) Apply(b *Body, logger *zap.Logger) bool {
	s.total.Add(1)

	var matched []Entry
	for _, e := range s.entries {
		if MatchContentType(e.Pattern, b.MediaType) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		logger.Debug("no processor for content type", zap.String("content_type", b.MediaType))
		return false
	}

	enc := lookupCharset(b.Charset, logger)
	content, err := decodeText(b.Data, enc)
	if err != nil {
		s.failed.Add(1)
		logger.Error("failed to decode response body", zap.String("charset", b.Charset), zap.Error(err))
		return true
	}

	for _, e := range matched {
		logger.Debug("processing response body",
			zap.String("content_type", b.MediaType),
			zap.String("processor", e.Processor.Name()),
			zap.String("pattern", e.Pattern),
		)
		out, err := safeProcess(e.Processor, content, b)
		if err != nil {
			s.failed.Add(1)
			logger.Error("error while processing response body",
				zap.String("processor", e.Processor.Name()),
				zap.String("pattern", e.Pattern),
				zap.Error(err),
			)
			continue
		}
		content = out
	}

	data, err := encodeText(content, enc)
	if err != nil {
		s.failed.Add(1)
		logger.Error("failed to encode response body", zap.String("charset", b.Charset), zap.Error(err))
		return true
	}
	b.Data = data
	s.processed.Add(1)
	return true
}

// Stats returns counters for this set.
func (s *ProcessorSet) Stats() map[string]interface{} {
	return map[string]interface{}{
		"total":     s.total.Load(),
		"processed": s.processed.Load(),
		"failed":    s.failed.Load(),
		"patterns":  len(s.entries),
	}
}

func safeProcess(p Processor, content string, b *Body) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor %s panicked: %v", p.Name(), r)
		}
	}()
	return p.Process(content, b)
}

// lookupCharset returns nil for UTF-8 and unknown charsets.
func lookupCharset(charset string, logger *zap.Logger) encoding.Encoding {
	if charset == "" {
		return nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		logger.Warn("unknown charset, treating body as UTF-8", zap.String("charset", charset))
		return nil
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return nil
	}
	return enc
}

func decodeText(data []byte, enc encoding.Encoding) (string, error) {
	if enc == nil {
		return string(data), nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	return string(out), err
}

func encodeText(s string, enc encoding.Encoding) ([]byte, error) {
	if enc == nil {
		return []byte(s), nil
	}
	return enc.NewEncoder().Bytes([]byte(s))
}

// HTMLBase inserts <base href="{match path}/"> right after the opening
// <head> tag.
type HTMLBase struct{}

func (HTMLBase) Name() string { return "html-base" }

func (HTMLBase) Process(content string, b *Body) (string, error) {
	if b.MatchPath == "" {
		return content, ErrNoMatchPath
	}
	href := b.MatchPath
	if !strings.HasSuffix(href, "/") {
		href += "/"
	}

	z := html.NewTokenizer(strings.NewReader(content))
	offset := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return content, ErrNoHead
		}
		offset += len(z.Raw())
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		if name, _ := z.TagName(); string(name) == "head" {
			tag := `<base href="` + html.EscapeString(href) + `">`
			return content[:offset] + tag + content[offset:], nil
		}
	}
}

// CSSRebase prefixes root-relative url() and @import references with the
// match path. Protocol-relative references are left alone.
type CSSRebase struct{}

var cssRootRef = regexp.MustCompile(`(url\(|@import\s)(["']?)/([^/])`)

func (CSSRebase) Name() string { return "css-rebase" }

func (CSSRebase) Process(content string, b *Body) (string, error) {
	if b.MatchPath == "" {
		return content, ErrNoMatchPath
	}
	base := strings.TrimRight(b.MatchPath, "/")
	return cssRootRef.ReplaceAllStringFunc(content, func(m string) string {
		sub := cssRootRef.FindStringSubmatch(m)
		return sub[1] + sub[2] + base + "/" + sub[3]
	}), nil
}

// LinkReplace replaces absolute links to the target with the proxy origin
// followed by the match path.
type LinkReplace struct{}

func (LinkReplace) Name() string { return "link-replace" }

func (LinkReplace) Process(content string, b *Body) (string, error) {
	if b.Target == "" {
		return content, nil
	}
	return strings.ReplaceAll(content, b.Target, b.ProxyOrigin+b.MatchPath), nil
}
