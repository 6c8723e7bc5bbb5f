package httpmw

import "net/http"

// DefaultMaxBody is plenty for a check request, which carries one identifier.
const DefaultMaxBody int64 = 4 << 10

// MaxBody caps the request body. Reads past the cap fail and the server
// answers 413 if the handler surfaces the error.
func MaxBody(n int64) func(http.Handler) http.Handler {
	if n <= 0 {
		n = DefaultMaxBody
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
