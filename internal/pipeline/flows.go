package pipeline

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/rules"
)

// ChunkSize is the read size used when collecting bodies.
const ChunkSize = 32 * 1024

// PreService is implemented by inbound transports for the stages before the
// service call.
type PreService interface {
	PrepareRequest(ctx context.Context, c *RequestHeaders) (RequestMetadata, error)
	PrepareRequestBody(ctx context.Context, c *ConfigMatch) (*RequestBody, error)
	PrepareServiceRequestHeaders(ctx context.Context, c *RequestBody) (*ServiceRequest, error)
	PrepareServiceRequestBody(ctx context.Context, c *ServiceRequest) (*ServiceCall, error)
}

// PostService is implemented by inbound transports for the stages after the
// service call.
type PostService interface {
	PrepareResponseHeaders(ctx context.Context, c *ServiceResponse) (*ResponseHead, error)
	PrepareResponseBody(ctx context.Context, c *ResponseHead) (*Response, error)
}

// Transport is a complete inbound transport.
type Transport interface {
	PreService
	PostService
}

// ServiceMethods is implemented by outbound clients to feed the upstream
// response into the service flow.
type ServiceMethods interface {
	PrepareServiceResponseHeaders(ctx context.Context, c *ServiceCall) (*ServiceResponseHead, error)
	PrepareServiceResponseBody(ctx context.Context, c *ServiceResponseHead) (*ServiceResponse, error)
}

// Flows runs the fixed sequence of hook points for a request.
type Flows struct {
	hooks  *Hooks
	rules  func() *rules.Set
	logger *zap.Logger
}

// NewFlows creates an orchestrator. currentRules supplies the rule snapshot
// each request is matched against.
func NewFlows(hooks *Hooks, currentRules func() *rules.Set, logger *zap.Logger) *Flows {
	return &Flows{hooks: hooks, rules: currentRules, logger: logger}
}

// ExecuteRequestResponse runs a request through every stage. An
// *errors.EarlyResponse error must be written to the client verbatim; any
// other error is fatal.
func (f *Flows) ExecuteRequestResponse(ctx context.Context, c *RequestHeaders, t Transport) (*Response, error) {
	call, err := f.ExecutePreService(ctx, c, t)
	if err != nil {
		return nil, err
	}
	resp, err := f.CallService(ctx, call)
	if err != nil {
		return nil, err
	}
	return f.ExecutePostService(ctx, resp, t)
}

// ExecutePreService runs the stages from inbound headers up to the service
// call.
func (f *Flows) ExecutePreService(ctx context.Context, c *RequestHeaders, t PreService) (*ServiceCall, error) {
	c, err := f.hooks.OnRequestHeaders.Call(ctx, c)
	if err != nil {
		return nil, err
	}

	meta, err := t.PrepareRequest(ctx, c)
	if err != nil {
		return nil, err
	}
	matched, err := f.ExecuteConfigMatch(ctx, &PreConfigMatch{
		RequestHeaders: *c,
		Rules:          f.rules(),
		Request:        meta,
	})
	if err != nil {
		return nil, err
	}

	matched, err = f.hooks.OnModifyRequestHeaders.Call(ctx, matched)
	if err != nil {
		return nil, err
	}

	body, err := t.PrepareRequestBody(ctx, matched)
	if err != nil {
		return nil, err
	}
	if body, err = f.hooks.OnModifyRequestBody.Call(ctx, body); err != nil {
		return nil, err
	}
	if body, err = f.hooks.OnPreServiceCall.Call(ctx, body); err != nil {
		return nil, err
	}

	req, err := t.PrepareServiceRequestHeaders(ctx, body)
	if err != nil {
		return nil, err
	}
	if req, err = f.hooks.OnModifyServiceRequestHeaders.Call(ctx, req); err != nil {
		return nil, err
	}

	call, err := t.PrepareServiceRequestBody(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.hooks.OnModifyServiceRequestBody.Call(ctx, call)
}

// ExecuteConfigMatch resolves the rule for a request. When no rule claims
// it the not-found observers run and a 404 early response is returned.
func (f *Flows) ExecuteConfigMatch(ctx context.Context, c *PreConfigMatch) (*ConfigMatch, error) {
	c, err := f.hooks.OnPreConfigMatch.Call(ctx, c)
	if err != nil {
		return nil, err
	}

	matched, ok := f.hooks.OnConfigMatch.Call(c)
	if !ok || matched == nil {
		f.logger.Warn("No match found", zap.String("request", c.Request.URL))
		if err := f.hooks.OnConfigMatchNotFound.Call(ctx, c); err != nil {
			return nil, err
		}
		return nil, errors.ErrNoMatch
	}

	f.logger.Info("Matched rule",
		zap.String("request", matched.Request.URL),
		zap.String("target", matched.Match.Target),
	)
	return f.hooks.OnConfigMatchFound.Call(ctx, matched)
}

// CallService runs the service call point.
func (f *Flows) CallService(ctx context.Context, c *ServiceCall) (*ServiceResponse, error) {
	resp, err := f.hooks.OnServiceCall.Call(ctx, c)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.ErrNoServiceResponse
	}
	return resp, nil
}

// ExecuteService runs the stages nested in a service call, from upstream
// headers to the complete upstream body.
func (f *Flows) ExecuteService(ctx context.Context, c *ServiceCall, m ServiceMethods) (*ServiceResponse, error) {
	head, err := m.PrepareServiceResponseHeaders(ctx, c)
	if err != nil {
		return nil, err
	}
	if head, err = f.hooks.OnServiceResponseHeaders.Call(ctx, head); err != nil {
		return nil, err
	}
	if head, err = f.hooks.OnModifyServiceResponseHeaders.Call(ctx, head); err != nil {
		return nil, err
	}

	resp, err := m.PrepareServiceResponseBody(ctx, head)
	if err != nil {
		return nil, err
	}
	return f.hooks.OnModifyServiceResponseBody.Call(ctx, resp)
}

// ExecutePostService runs the stages after the service call and notifies
// the response observers.
func (f *Flows) ExecutePostService(ctx context.Context, c *ServiceResponse, t PostService) (*Response, error) {
	c, err := f.hooks.OnPostServiceCall.Call(ctx, c)
	if err != nil {
		return nil, err
	}

	head, err := t.PrepareResponseHeaders(ctx, c)
	if err != nil {
		return nil, err
	}
	if head, err = f.hooks.OnModifyResponseHeaders.Call(ctx, head); err != nil {
		return nil, err
	}

	resp, err := t.PrepareResponseBody(ctx, head)
	if err != nil {
		return nil, err
	}
	if resp, err = f.hooks.OnModifyResponseBody.Call(ctx, resp); err != nil {
		return nil, err
	}

	if err := f.hooks.OnResponse.Call(ctx, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CollectRequestBody reads r to the end, passing every chunk through the
// request chunk hook. A truncated body yields ErrRequestIncomplete.
func (f *Flows) CollectRequestBody(ctx context.Context, c *ConfigMatch, r io.Reader) (*RequestBody, error) {
	var body bytes.Buffer
	err := readChunks(r, func(chunk []byte) error {
		out, err := f.hooks.OnRequestBodyChunk.Call(ctx, &RequestBodyChunk{ConfigMatch: *c, Chunk: chunk})
		if err != nil {
			return err
		}
		body.Write(out.Chunk)
		return nil
	})
	if err != nil {
		if isTruncated(err) {
			return nil, errors.ErrRequestIncomplete
		}
		return nil, err
	}

	res := &RequestBody{ConfigMatch: *c}
	if body.Len() > 0 {
		res.HasBody = true
		res.Body = body.Bytes()
	}
	return res, nil
}

// CollectServiceResponseBody reads r to the end, passing every chunk through
// the service response chunk hook.
func (f *Flows) CollectServiceResponseBody(ctx context.Context, c *ServiceResponseHead, r io.Reader) (*ServiceResponse, error) {
	var body bytes.Buffer
	err := readChunks(r, func(chunk []byte) error {
		out, err := f.hooks.OnServiceResponseBodyChunk.Call(ctx, &ServiceResponseBodyChunk{ServiceResponseHead: *c, Chunk: chunk})
		if err != nil {
			return err
		}
		body.Write(out.Chunk)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading service response body: %w", err)
	}

	res := &ServiceResponse{ServiceResponseHead: *c}
	if body.Len() > 0 {
		res.ServiceResponseHasBody = true
		res.ServiceResponseBody = body.Bytes()
	}
	return res, nil
}

func readChunks(r io.Reader, fn func([]byte) error) error {
	if r == nil {
		return nil
	}
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if ferr := fn(chunk); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func isTruncated(err error) bool {
	return stderrors.Is(err, io.ErrUnexpectedEOF)
}
