package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/errors"
)

// Recovery turns a panic in next into a 500 Proxy Server Error. The panic
// is logged with its stack. http.ErrAbortHandler is re-raised.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("method", r.Method),
					zap.String("url", r.RequestURI),
					zap.ByteString("stack", debug.Stack()),
				)
				errors.ErrProxy.WriteTo(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
