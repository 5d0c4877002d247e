// Package quota implements the Quota Oracle: it asks the upstream
// identity-scoped GraphQL endpoint how much request budget remains for
// the current identity token.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/warplay/warp-relay/internal/wconfig"
)

const getRequestLimitInfoQuery = `query GetRequestLimitInfo {
  user {
    user {
      requestLimitInfo {
        requestLimit
        requestsUsedSinceLastRefresh
        nextRefreshTime
      }
    }
  }
}`

// Info mirrors the upstream requestLimitInfo shape. Ephemeral: never
// persisted.
type Info struct {
	RequestLimit    int64
	RequestsUsed    int64
	NextRefreshTime time.Time
}

// Oracle queries the quota endpoint using a supplied identity token.
type Oracle struct {
	cfg    *wconfig.Config
	client *http.Client
}

// New returns an Oracle using cfg's GraphQL endpoint and client for
// outbound calls (normally a wtransport-backed client; httptest-backed
// in tests).
func New(cfg *wconfig.Config, client *http.Client) *Oracle {
	return &Oracle{cfg: cfg, client: client}
}

// GetQuota sends GetRequestLimitInfo authenticated with idToken and
// parses data.user.user.requestLimitInfo. Returns (nil, false) on any
// transport failure or shape mismatch — the Oracle never surfaces a
// hard error, per the "errors degrade to no-refresh" propagation policy.
func (o *Oracle) GetQuota(ctx context.Context, idToken string) (*Info, bool) {
	body, err := json.Marshal(map[string]any{"query": getRequestLimitInfoQuery})
	if err != nil {
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.GraphQLURL, bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("Authorization", "Bearer "+idToken)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}

	node := gjson.GetBytes(raw, "data.user.user.requestLimitInfo")
	if !node.Exists() {
		return nil, false
	}

	limit := node.Get("requestLimit")
	used := node.Get("requestsUsedSinceLastRefresh")
	next := node.Get("nextRefreshTime")
	if !limit.Exists() || !used.Exists() {
		return nil, false
	}

	info := &Info{
		RequestLimit: limit.Int(),
		RequestsUsed: used.Int(),
	}
	if next.Exists() {
		if t, err := time.Parse(time.RFC3339, next.String()); err == nil {
			info.NextRefreshTime = t
		}
	}
	return info, true
}

// ShouldRefresh reports whether remaining budget (limit - used) is at or
// below threshold. threshold == 0 disables the check. A failed quota
// lookup always answers false — under-refreshing is preferred to
// thrashing accounts on a transient quota-endpoint failure.
func (o *Oracle) ShouldRefresh(ctx context.Context, idToken string, threshold int64) bool {
	if threshold == 0 {
		return false
	}

	info, ok := o.GetQuota(ctx, idToken)
	if !ok {
		return false
	}

	remaining := info.RequestLimit - info.RequestsUsed
	return remaining <= threshold
}
