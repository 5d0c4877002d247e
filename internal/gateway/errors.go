package gateway

import (
	"fmt"
	"net/http"

	"github.com/warplay/warp-relay/internal/werrors"
)

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}

// statusForKind maps a werrors.Kind onto the HTTP status the gateway
// reports to its own caller when the Refresh Coordinator can't produce a
// usable token.
func statusForKind(kind werrors.Kind) (int, string) {
	switch kind {
	case werrors.InvalidToken:
		return http.StatusUnauthorized, "authentication_error"
	case werrors.QuotaExhausted:
		return http.StatusTooManyRequests, "rate_limit_error"
	case werrors.UpstreamShapeError:
		return http.StatusBadGateway, "api_error"
	default:
		return http.StatusServiceUnavailable, "overloaded_error"
	}
}
