// Package refresh implements the Refresh Coordinator: the central policy
// engine deciding, for any caller needing a valid access token, whether
// a no-op suffices or one of {file refresh, anonymous acquisition,
// refresh-token refresh} must run, serialized across concurrent callers
// via singleflight.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/warplay/warp-relay/internal/accountregistry"
	"github.com/warplay/warp-relay/internal/acquirer"
	"github.com/warplay/warp-relay/internal/events"
	"github.com/warplay/warp-relay/internal/quota"
	"github.com/warplay/warp-relay/internal/secrets"
	"github.com/warplay/warp-relay/internal/tokencodec"
	"github.com/warplay/warp-relay/internal/wconfig"
	"github.com/warplay/warp-relay/internal/werrors"
	"github.com/warplay/warp-relay/internal/wtransport"
)

// singleflightKey is the constant key every refresh call shares, so
// concurrent callers collapse onto one in-flight outbound refresh rather
// than each launching its own — avoiding a thundering herd across
// accounts. See spec.md §4.6.a / §5.
const singleflightKey = "refresh"

const expiryBufferSeconds = 15 * 60

var (
	quotaExhaustedPattern = regexp.MustCompile(`(?i)no remaining quota|no ai requests remaining`)
	invalidTokenPattern   = regexp.MustCompile(`(?i)invalid_grant|invalid_token|refresh token is invalid`)
)

// Coordinator is the Refresh Coordinator. All of its state is either
// immutable after construction or protected by its own internal locking
// (Secrets Store, Account Registry, singleflight.Group).
type Coordinator struct {
	cfg       *wconfig.Config
	secrets   *secrets.Store
	registry  *accountregistry.Registry // nil when LOCAL_JWT_FILEPATH is unset
	acquirer  *acquirer.Acquirer
	quota     *quota.Oracle
	client    *http.Client
	transport *wtransport.Manager // nil: per-account ProxyURL routing is disabled
	bus       *events.Bus
	log       *slog.Logger

	sf singleflight.Group
}

// New wires a Coordinator. registry may be nil if no accounts file is
// configured (file-refresh mode is then unavailable). client performs
// the coordinator's own outbound refresh-token-grant calls (normally a
// wtransport-backed client; httptest-backed in tests). transportMgr, if
// non-nil, is used to build a proxy-specific client whenever the account
// picked by a file refresh carries a ProxyURL; pass nil to always use
// client regardless of an account's ProxyURL (as tests do).
func New(cfg *wconfig.Config, store *secrets.Store, registry *accountregistry.Registry, acq *acquirer.Acquirer, oracle *quota.Oracle, client *http.Client, transportMgr *wtransport.Manager, bus *events.Bus, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		secrets:   store,
		registry:  registry,
		acquirer:  acq,
		quota:     oracle,
		client:    client,
		transport: transportMgr,
		bus:       bus,
		log:       log,
	}
}

// EnsureValidAccess is the Coordinator's entry point. It returns a valid
// access token or a *werrors.Error tagged with the failure kind.
//
// Concurrent callers collapse onto a single in-flight refresh: while one
// call is running the outbound HTTP refresh, every other concurrent call
// (force or not) blocks on singleflight.Group.Do and receives that same
// call's result rather than launching a second outbound request.
func (c *Coordinator) EnsureValidAccess(ctx context.Context, force bool) (string, error) {
	v, err, _ := c.sf.Do(singleflightKey, func() (any, error) {
		return c.ensureValidAccessLocked(ctx, force)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Coordinator) ensureValidAccessLocked(ctx context.Context, force bool) (string, error) {
	if err := c.secrets.Reload(); err != nil {
		return "", werrors.New(werrors.IOError, err)
	}

	jwt, ok := c.secrets.Get("WARP_JWT")
	if !ok || jwt == "" {
		if c.registry != nil {
			return c.fileRefresh(ctx)
		}
		return c.refreshTokenRefresh(ctx)
	}

	expired := tokencodec.IsExpired(jwt, expiryBufferSeconds)

	idToken, _ := c.secrets.Get("WARP_ID_TOKEN")
	quotaLow := c.quota.ShouldRefresh(ctx, idToken, int64(c.cfg.QuotaRefreshThreshold))
	if force {
		quotaLow = true
	}

	if !expired && !quotaLow {
		return jwt, nil
	}

	if quotaLow {
		if c.registry != nil {
			currentRefresh, _ := c.secrets.Get("WARP_REFRESH_TOKEN")
			if err := c.registry.MarkCurrentExhausted(currentRefresh); err != nil {
				c.log.Warn("mark current account exhausted failed", "err", err)
			}
			c.bus.Publish(events.Event{Type: events.EventQuotaExhausted, Message: "current account marked quota_exhausted"})

			if tok, err := c.fileRefresh(ctx); err == nil {
				return tok, nil
			}
			// fall through to anonymous acquisition below
		}

		result, err := c.acquirer.Acquire(ctx)
		if err == nil && !tokencodec.IsExpired(result.AccessToken, 0) {
			if err := c.persist(result.AccessToken, result.RefreshToken, result.IDToken); err != nil {
				return "", err
			}
			return result.AccessToken, nil
		}
		// fall through to refresh-token refresh below
	}

	return c.refreshTokenRefresh(ctx)
}

// fileRefresh implements §4.6.a: pick an available account, stage its
// refresh token into the Secrets Store, run a refresh-token refresh once,
// and reflect the outcome onto the account's status.
func (c *Coordinator) fileRefresh(ctx context.Context) (token string, err error) {
	acct, ok, err := c.registry.PickAvailable()
	if err != nil {
		return "", werrors.New(werrors.IOError, err)
	}
	if !ok {
		return "", werrors.Newf(werrors.RefreshFailed, "no available account")
	}

	if err := c.secrets.Set("WARP_REFRESH_TOKEN", acct.RefreshToken); err != nil {
		return "", werrors.New(werrors.IOError, err)
	}

	defer func() {
		if r := recover(); r != nil {
			c.registry.SetStatus(acct.Email, accountregistry.RefreshFailed)
			err = werrors.Newf(werrors.RefreshFailed, "panic during file refresh: %v", r)
		}
	}()

	client := c.client
	if acct.ProxyURL != "" && c.transport != nil {
		proxyCfg, perr := wtransport.ParseProxyConfig(acct.ProxyURL)
		if perr != nil {
			c.log.Warn("ignoring invalid proxy_url", "email", acct.Email, "err", perr)
		} else {
			client = c.transport.Client(proxyCfg)
		}
	}

	token, err = c.refreshTokenRefreshWith(ctx, client)
	if err != nil {
		kind := werrors.KindOf(err)
		status := accountStatusFor(kind)
		if statusErr := c.registry.SetStatus(acct.Email, status); statusErr != nil {
			c.log.Warn("set_status failed", "email", acct.Email, "err", statusErr)
		}
		switch status {
		case accountregistry.InvalidToken:
			c.bus.Publish(events.Event{Type: events.EventAccountInvalid, Email: acct.Email, Message: "account marked invalid_token"})
		case accountregistry.QuotaExhausted:
			c.bus.Publish(events.Event{Type: events.EventQuotaExhausted, Email: acct.Email, Message: "account marked quota_exhausted"})
		}
		return "", err
	}

	if statusErr := c.registry.SetStatus(acct.Email, accountregistry.Available); statusErr != nil {
		c.log.Warn("set_status failed", "email", acct.Email, "err", statusErr)
	}
	c.bus.Publish(events.Event{Type: events.EventAccountRotated, Email: acct.Email, Message: "file refresh succeeded"})
	return token, nil
}

func accountStatusFor(kind werrors.Kind) accountregistry.Status {
	switch kind {
	case werrors.InvalidToken:
		return accountregistry.InvalidToken
	case werrors.QuotaExhausted:
		return accountregistry.QuotaExhausted
	default:
		return accountregistry.RefreshFailed
	}
}

// refreshTokenRefresh implements §4.6.b using the Coordinator's default
// client.
func (c *Coordinator) refreshTokenRefresh(ctx context.Context) (string, error) {
	return c.refreshTokenRefreshWith(ctx, c.client)
}

// refreshTokenRefreshWith implements §4.6.b: POST grant_type=refresh_token
// using the current (or baked-in default) refresh token over client,
// classify the response, persist on success. client lets fileRefresh route
// the request through an account-specific proxy.
func (c *Coordinator) refreshTokenRefreshWith(ctx context.Context, client *http.Client) (string, error) {
	refreshToken, _ := c.secrets.Get("WARP_REFRESH_TOKEN")
	if refreshToken == "" {
		refreshToken = c.cfg.DefaultRefreshToken
	}
	if refreshToken == "" {
		return "", werrors.Newf(werrors.RefreshFailed, "no refresh token available")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	encoded := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProxyTokenURL, strings.NewReader(encoded))
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	req.Header.Set("content-length", fmt.Sprintf("%d", len(encoded)))
	req.Header.Set("accept", "*/*")
	req.Header.Set("accept-encoding", "gzip")
	req.Header.Set("x-warp-client-version", c.cfg.WarpClientVersion)
	req.Header.Set("x-warp-os-category", c.cfg.WarpOSCategory)
	req.Header.Set("x-warp-os-name", c.cfg.WarpOSName)
	req.Header.Set("x-warp-os-version", c.cfg.WarpOSVersion)

	resp, err := client.Do(req)
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}

	// Branch order mirrors the original refresh_token classification
	// exactly: 401 is always invalid_token regardless of body, 429 checks
	// the quota-exhausted patterns only (a non-matching 429 body falls
	// straight to refresh_failed, never reaching the invalid-token check
	// below), and the invalid-token patterns apply only to statuses that
	// are neither 401 nor 429.
	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed struct {
			AccessToken string `json:"access_token"`
			IDToken     string `json:"id_token"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil || parsed.AccessToken == "" {
			return "", werrors.Newf(werrors.UpstreamShapeError, "refresh response missing access_token")
		}

		refreshTok, _ := c.secrets.Get("WARP_REFRESH_TOKEN")
		if err := c.persist(parsed.AccessToken, refreshTok, parsed.IDToken); err != nil {
			return "", err
		}
		return parsed.AccessToken, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return "", werrors.Newf(werrors.InvalidToken, "refresh token rejected (401)")

	case resp.StatusCode == http.StatusTooManyRequests:
		if quotaExhaustedPattern.Match(raw) {
			return "", werrors.Newf(werrors.QuotaExhausted, "no remaining quota (429)")
		}
		return "", werrors.Newf(werrors.RefreshFailed, "refresh failed: status 429")

	case invalidTokenPattern.Match(raw):
		return "", werrors.Newf(werrors.InvalidToken, "invalid refresh token")

	default:
		return "", werrors.Newf(werrors.RefreshFailed, "refresh failed: status %d", resp.StatusCode)
	}
}

// persist writes access/refresh/id tokens to the Secrets Store after a
// successful refresh. The access token is always written; the refresh and
// id tokens are written only when non-empty, leaving the stored value in
// place otherwise. fileRefresh and the Acquirer also write
// WARP_REFRESH_TOKEN directly, ahead of their exchange calls.
func (c *Coordinator) persist(access, refreshTok, idTok string) error {
	if err := c.secrets.Set("WARP_JWT", access); err != nil {
		return werrors.New(werrors.IOError, err)
	}
	if refreshTok != "" {
		if err := c.secrets.Set("WARP_REFRESH_TOKEN", refreshTok); err != nil {
			return werrors.New(werrors.IOError, err)
		}
	}
	if idTok != "" {
		if err := c.secrets.Set("WARP_ID_TOKEN", idTok); err != nil {
			return werrors.New(werrors.IOError, err)
		}
	}
	c.bus.Publish(events.Event{Type: events.EventRefreshOK, Message: "token refresh persisted"})
	return nil
}
