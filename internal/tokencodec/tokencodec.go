// Package tokencodec decodes the opaque three-segment bearer tokens the
// Warp backend hands out and answers expiry questions about them. It never
// fails loudly: a malformed token simply decodes to nothing and is treated
// as expired.
package tokencodec

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Payload is the middle segment's decoded JSON object. Only exp is load
// bearing; email/user_id are carried through for callers that want them.
type Payload struct {
	Exp    int64  `json:"exp"`
	Email  string `json:"email,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// Decode splits token on '.', pads the middle segment to a multiple of 4,
// base64url-decodes it, and JSON-parses the result. Any failure along the
// way yields (nil, false) rather than an error — decode never fails loudly.
func Decode(token string) (*Payload, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}

	seg := parts[1]
	if rem := len(seg) % 4; rem != 0 {
		seg += strings.Repeat("=", 4-rem)
	}

	raw, err := base64.URLEncoding.DecodeString(seg)
	if err != nil {
		return nil, false
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return &p, true
}

// IsExpired reports whether token is expired within bufferSeconds of now.
// A token that fails to decode, or has no exp claim, is always expired.
func IsExpired(token string, bufferSeconds int64) bool {
	payload, ok := Decode(token)
	if !ok || payload.Exp == 0 {
		return true
	}
	now := time.Now().Unix()
	return payload.Exp-now <= bufferSeconds
}
