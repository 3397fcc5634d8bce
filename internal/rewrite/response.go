package rewrite

import (
	"context"

	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/pipeline"
)

// ResponseRewriter applies a processor set to service response bodies of
// rules that enable it.
type ResponseRewriter struct {
	Processors *ProcessorSet
	// Option returns the rule's setting for this rewriter.
	Option func(*config.Rule) *config.BodyRewrite
}

// Rewrite is an onModifyServiceResponseBody handler.
func (rw *ResponseRewriter) Rewrite(_ context.Context, c *pipeline.ServiceResponse) (*pipeline.ServiceResponse, error) {
	opt := rw.Option(c.Match)
	if !opt.IsEnabled() || !c.ServiceResponseHasBody {
		return c, nil
	}
	log := c.Log()

	var header string
	if c.ServiceResponseHeaders != nil {
		header = c.ServiceResponseHeaders.Get("content-type")
	}
	if header == "" {
		log.Warn("No content-type header found in response, cannot rewrite body")
		return c, nil
	}
	mediaType, charset, err := ParseContentType(header)
	if err != nil {
		log.Warn("Invalid content-type header in response", zap.String("content_type", header), zap.Error(err))
		return c, nil
	}
	if len(opt.ContentTypes) > 0 && !MatchAnyContentType(opt.ContentTypes, mediaType) {
		log.Debug("Content type not allowed by rule, skipping", zap.String("content_type", mediaType))
		return c, nil
	}

	origin, _ := Origin(c.Request.URL)
	b := &Body{
		Data:        c.ServiceResponseBody,
		MediaType:   mediaType,
		Charset:     charset,
		Target:      c.Match.Target,
		MatchPath:   c.Match.MatchPath(),
		ProxyOrigin: origin,
	}
	if rw.Processors.Apply(b, log) {
		c.ServiceResponseBody = b.Data
	}
	return c, nil
}
