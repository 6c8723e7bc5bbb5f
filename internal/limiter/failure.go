package limiter

import (
	"fmt"
	"strings"
)

// FailureMode is what an adapter does when Check returns an error.
//
// The engine itself never picks one; it only reports the failure.
type FailureMode string

const (
	// FailClosed rejects the request with 503 when the store is unavailable.
	FailClosed FailureMode = "closed"
	// FailOpen admits the request, logs it, and counts it as degraded.
	FailOpen FailureMode = "open"
)

func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(strings.ToLower(strings.TrimSpace(s))) {
	case FailClosed, "":
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	}
	return "", fmt.Errorf("unknown store failure mode %q (valid modes are closed|open)", s)
}
