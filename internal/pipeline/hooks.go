package pipeline

import "github.com/wudi/relay/internal/hook"

// Hooks is the set of request-scoped extension points. Parallel points share
// one context between handlers, which must treat it as read-only.
type Hooks struct {
	OnConnection *hook.Series[*Connection]

	OnRequestHeaders      *hook.Waterfall[*RequestHeaders]
	OnPreConfigMatch      *hook.Waterfall[*PreConfigMatch]
	OnConfigMatch         *hook.Bail[*PreConfigMatch, *ConfigMatch]
	OnConfigMatchFound    *hook.Waterfall[*ConfigMatch]
	OnConfigMatchNotFound *hook.Parallel[*PreConfigMatch]

	OnModifyRequestHeaders *hook.Waterfall[*ConfigMatch]
	OnRequestBodyChunk     *hook.Waterfall[*RequestBodyChunk]
	OnModifyRequestBody    *hook.Waterfall[*RequestBody]

	OnPreServiceCall              *hook.Waterfall[*RequestBody]
	OnModifyServiceRequestHeaders *hook.Waterfall[*ServiceRequest]
	OnModifyServiceRequestBody    *hook.Waterfall[*ServiceCall]

	OnServiceCall *hook.BailOrDefault[*ServiceCall, *ServiceResponse]

	OnServiceResponseHeaders       *hook.Waterfall[*ServiceResponseHead]
	OnModifyServiceResponseHeaders *hook.Waterfall[*ServiceResponseHead]
	OnServiceResponseBodyChunk     *hook.Waterfall[*ServiceResponseBodyChunk]
	OnModifyServiceResponseBody    *hook.Waterfall[*ServiceResponse]

	OnPostServiceCall       *hook.Waterfall[*ServiceResponse]
	OnModifyResponseHeaders *hook.Waterfall[*ResponseHead]
	OnModifyResponseBody    *hook.Waterfall[*Response]
	OnResponse              *hook.Parallel[*Response]
}

// NewHooks creates every hook point.
func NewHooks() *Hooks {
	return &Hooks{
		OnConnection: hook.NewSeries[*Connection]("onConnection"),

		OnRequestHeaders:      hook.NewWaterfall[*RequestHeaders]("onRequestHeaders"),
		OnPreConfigMatch:      hook.NewWaterfall[*PreConfigMatch]("onPreConfigMatch"),
		OnConfigMatch:         hook.NewBail[*PreConfigMatch, *ConfigMatch]("onConfigMatch"),
		OnConfigMatchFound:    hook.NewWaterfall[*ConfigMatch]("onConfigMatchFound"),
		OnConfigMatchNotFound: hook.NewParallel[*PreConfigMatch]("onConfigMatchNotFound"),

		OnModifyRequestHeaders: hook.NewWaterfall[*ConfigMatch]("onModifyRequestHeaders"),
		OnRequestBodyChunk:     hook.NewWaterfall[*RequestBodyChunk]("onRequestBodyChunk"),
		OnModifyRequestBody:    hook.NewWaterfall[*RequestBody]("onModifyRequestBody"),

		OnPreServiceCall:              hook.NewWaterfall[*RequestBody]("onPreServiceCall"),
		OnModifyServiceRequestHeaders: hook.NewWaterfall[*ServiceRequest]("onModifyServiceRequestHeaders"),
		OnModifyServiceRequestBody:    hook.NewWaterfall[*ServiceCall]("onModifyServiceRequestBody"),

		OnServiceCall: hook.NewBailOrDefault[*ServiceCall, *ServiceResponse]("onServiceCall"),

		OnServiceResponseHeaders:       hook.NewWaterfall[*ServiceResponseHead]("onServiceResponseHeaders"),
		OnModifyServiceResponseHeaders: hook.NewWaterfall[*ServiceResponseHead]("onModifyServiceResponseHeaders"),
		OnServiceResponseBodyChunk:     hook.NewWaterfall[*ServiceResponseBodyChunk]("onServiceResponseBodyChunk"),
		OnModifyServiceResponseBody:    hook.NewWaterfall[*ServiceResponse]("onModifyServiceResponseBody"),

		OnPostServiceCall:       hook.NewWaterfall[*ServiceResponse]("onPostServiceCall"),
		OnModifyResponseHeaders: hook.NewWaterfall[*ResponseHead]("onModifyResponseHeaders"),
		OnModifyResponseBody:    hook.NewWaterfall[*Response]("onModifyResponseBody"),
		OnResponse:              hook.NewParallel[*Response]("onResponse"),
	}
}

// Describe maps every hook point name to its taps.
func (h *Hooks) Describe() map[string][]hook.TapInfo {
	points := []interface {
		Name() string
		Taps() []hook.TapInfo
	}{
		h.OnConnection,
		h.OnRequestHeaders, h.OnPreConfigMatch, h.OnConfigMatch, h.OnConfigMatchFound, h.OnConfigMatchNotFound,
		h.OnModifyRequestHeaders, h.OnRequestBodyChunk, h.OnModifyRequestBody,
		h.OnPreServiceCall, h.OnModifyServiceRequestHeaders, h.OnModifyServiceRequestBody,
		h.OnServiceCall,
		h.OnServiceResponseHeaders, h.OnModifyServiceResponseHeaders, h.OnServiceResponseBodyChunk, h.OnModifyServiceResponseBody,
		h.OnPostServiceCall, h.OnModifyResponseHeaders, h.OnModifyResponseBody, h.OnResponse,
	}
	out := make(map[string][]hook.TapInfo, len(points))
	for _, p := range points {
		out[p.Name()] = p.Taps()
	}
	return out
}
