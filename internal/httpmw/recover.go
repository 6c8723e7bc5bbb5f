package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, if set,
// runs after logging; it backs the http_panic_total counter.
// http.ErrAbortHandler is re-panicked so net/http can abort the connection.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				ctx := r.Context()
				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				base.Error(ctx, xerrors.WithStack(err), "panic in http handler",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(ctx),
					"panic.stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
