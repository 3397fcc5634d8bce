// Package pipeline defines the per-request routing contexts, the hook points
// they flow through, and the orchestrator that runs one request from inbound
// headers to outbound response.
//
// Each stage type embeds the type of the previous stage, so a context only
// ever grows: a handler at a later stage can read every field set before it,
// and nothing set earlier is removed.
package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/config"
	"github.com/wudi/relay/internal/headers"
	"github.com/wudi/relay/internal/rules"
)

// Connection describes the client connection a request arrived on.
type Connection struct {
	Logger     *zap.Logger
	RemoteAddr string
	StartedAt  time.Time
}

// Log returns the request logger. It is never nil.
func (c *Connection) Log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// RequestHeaders is the first stage of a request.
type RequestHeaders struct {
	Connection
	Headers *headers.Map
}

// RequestMetadata is produced by the transport from the inbound request.
type RequestMetadata struct {
	Host   string
	Path   string // path and query as received
	URL    string // absolute proxy-facing URL
	Method string

	// IsRebasing is set while matching on behalf of a referer.
	IsRebasing bool
}

// PreConfigMatch carries the rule snapshot the request is matched against.
type PreConfigMatch struct {
	RequestHeaders
	Rules   *rules.Set
	Request RequestMetadata
}

// ConfigMatch carries the matched rule.
type ConfigMatch struct {
	PreConfigMatch
	Match *config.Rule
}

// RequestBodyChunk is one chunk of the inbound body.
type RequestBodyChunk struct {
	ConfigMatch
	Chunk []byte
}

// RequestBody carries the complete inbound body.
type RequestBody struct {
	ConfigMatch
	HasBody bool
	Body    []byte
}

// ServiceRequestOptions describes the upstream request.
type ServiceRequestOptions struct {
	Method  string
	Path    string
	Headers *headers.Map
}

// ServiceRequest carries the upstream request line and headers.
type ServiceRequest struct {
	RequestBody
	ServiceRequestURL     string
	ServiceRequestOptions ServiceRequestOptions
}

// ServiceCall carries everything needed to call the upstream service.
type ServiceCall struct {
	ServiceRequest
	ServiceRequestHasBody bool
	ServiceRequestBody    []byte
}

// ServiceResponseHead carries the upstream status and headers.
type ServiceResponseHead struct {
	ServiceCall
	ServiceResponseHeaders    *headers.Map
	ServiceResponseStatusCode int
}

// ServiceResponseBodyChunk is one chunk of the upstream body.
type ServiceResponseBodyChunk struct {
	ServiceResponseHead
	Chunk []byte
}

// ServiceResponse carries the complete upstream response.
type ServiceResponse struct {
	ServiceResponseHead
	ServiceResponseHasBody bool
	ServiceResponseBody    []byte
}

// ResponseHead carries the status and headers sent to the client.
type ResponseHead struct {
	ServiceResponse
	ResponseHeaders    *headers.Map
	ResponseStatusCode int
}

// Response is the final stage of a request.
type Response struct {
	ResponseHead
	ResponseHasBody bool
	ResponseBody    []byte
}
