package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
	"github.com/utafrali/textile-orderflow/pkg/httputil"
)

var panicsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "http_handler_panics_total",
	Help: "Panics recovered in HTTP handlers.",
})

// Recovery turns a handler panic into a 500 envelope. If the handler already
// started its response nothing more is written. http.ErrAbortHandler is
// re-raised so net/http can abort the connection.
func Recovery(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := record(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				panicsTotal.Inc()
				l.ErrorContext(r.Context(), "panic recovered",
					slog.Any("panic", v),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				if !rec.wroteHeader {
					httputil.WriteError(rec, r, apperrors.Internal(fmt.Errorf("panic: %v", v)), l)
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
