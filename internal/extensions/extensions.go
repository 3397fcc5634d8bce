// Package extensions lists the extensions a standard relay runs.
package extensions

import (
	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/extensions/admin"
	"github.com/wudi/relay/internal/extensions/configwatch"
	"github.com/wudi/relay/internal/extensions/cors"
	"github.com/wudi/relay/internal/extensions/decodebody"
	"github.com/wudi/relay/internal/extensions/inputhttp"
	"github.com/wudi/relay/internal/extensions/inputws"
	"github.com/wudi/relay/internal/extensions/matchpath"
	"github.com/wudi/relay/internal/extensions/matchreferer"
	"github.com/wudi/relay/internal/extensions/metrics"
	"github.com/wudi/relay/internal/extensions/requestid"
	"github.com/wudi/relay/internal/extensions/responseheaders"
	"github.com/wudi/relay/internal/extensions/rewritecookie"
	"github.com/wudi/relay/internal/extensions/rewritelinks"
	"github.com/wudi/relay/internal/extensions/rewriterebase"
	"github.com/wudi/relay/internal/extensions/rewriteredirect"
	"github.com/wudi/relay/internal/extensions/sethost"
	"github.com/wudi/relay/internal/extensions/tracing"
	"github.com/wudi/relay/internal/extensions/transporthttp"
	"github.com/wudi/relay/internal/extensions/transportsocks"
)

// Default returns a fresh instance of every standard extension. Handler
// order within a hook point follows stages, then this order.
func Default() []app.Extension {
	return []app.Extension{
		inputhttp.New(),
		transporthttp.New(),
		inputws.New(),
		responseheaders.New(),
		rewritelinks.New(),
		decodebody.New(),
		matchpath.New(),
		sethost.New(),
		matchreferer.New(),
		rewriteredirect.New(),
		rewritecookie.New(),
		cors.New(),
		rewriterebase.New(),
		transportsocks.New(),
		requestid.New(),
		tracing.New(),
		metrics.New(),
		admin.New(),
		configwatch.New(),
	}
}
