package limithttp

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limiter"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"

	// ReservedIPPrefix marks identifiers owned by the per-IP middleware.
	// The check API refuses them so one caller cannot spend another
	// client's IP budget.
	ReservedIPPrefix = "ip:"

	msgRateLimited  = "Rate limit exceeded"
	msgIDRequired   = "Identifier is required"
	msgUnavailable  = "rate limiter unavailable"
	msgInvalidBody  = "Invalid request body"
	msgBodyTooLarge = "Request body too large"
	msgReservedID   = "Identifier prefix \"ip:\" is reserved"
)

type checkResponse struct {
	Allowed           bool      `json:"allowed"`
	RemainingRequests int       `json:"remainingRequests"`
	ResetTime         time.Time `json:"resetTime"`
}

// failOpenResponse admits without a decision, remainingRequests is left out.
type failOpenResponse struct {
	Allowed   bool      `json:"allowed"`
	ResetTime time.Time `json:"resetTime"`
}

type deniedResponse struct {
	Error     string    `json:"error"`
	ResetTime time.Time `json:"resetTime"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type configResponse struct {
	RequestLimit        int     `json:"requestLimit"`
	WindowSizeInSeconds float64 `json:"windowSizeInSeconds"`
}

// SetHeaders writes the X-RateLimit-* headers for d.
func SetHeaders(w http.ResponseWriter, d limiter.Decision) {
	h := w.Header()
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(resetUnix(d.ResetTime), 10))
}

// resetUnix rounds up so a client waiting until the header value is never early.
func resetUnix(t time.Time) int64 {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}
	return secs
}

// retryAfter is the whole seconds until reset, at least 1.
func retryAfter(reset, now time.Time) int {
	s := int(math.Ceil(reset.Sub(now).Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// WriteDecision renders d as the check response: 200 with the quota body, or
// 429 with Retry-After. Headers are set either way.
func WriteDecision(w http.ResponseWriter, d limiter.Decision, now time.Time) {
	SetHeaders(w, d)
	if d.Allowed {
		writeJSON(w, http.StatusOK, checkResponse{
			Allowed:           true,
			RemainingRequests: d.Remaining,
			ResetTime:         d.ResetTime.UTC(),
		})
		return
	}
	WriteDenied(w, d, now)
}

// WriteDenied writes the 429 body. Used by the check API and by the per-IP
// middleware so both reject the same way.
func WriteDenied(w http.ResponseWriter, d limiter.Decision, now time.Time) {
	SetHeaders(w, d)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter(d.ResetTime, now)))
	writeJSON(w, http.StatusTooManyRequests, deniedResponse{
		Error:     msgRateLimited,
		ResetTime: d.ResetTime.UTC(),
	})
}

// WriteUnavailable is the fail-closed answer to a store failure.
func WriteUnavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: msgUnavailable})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
