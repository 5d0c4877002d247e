// Package acquirer implements the Anonymous Acquirer: the three-step
// handshake that mints a fresh access+refresh pair with no pre-existing
// account, via a GraphQL anonymous-user mutation, an identity-toolkit
// custom-token sign-in, and a proxy token exchange.
package acquirer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/warplay/warp-relay/internal/secrets"
	"github.com/warplay/warp-relay/internal/wconfig"
	"github.com/warplay/warp-relay/internal/werrors"
)

const createAnonymousUserMutation = `mutation CreateAnonymousUser($input: CreateAnonymousUserInput!, $requestContext: RequestContext!) {
  createAnonymousUser(input: $input, requestContext: $requestContext) {
    __typename
    ... on CreateAnonymousUserOutput {
      idToken
      expiresIn
      isExistingUser
      responseContext {
        serverVersion
      }
    }
    ... on UserFacingError {
      error {
        message
      }
    }
  }
}`

// Result is the outcome of a full three-step acquisition.
type Result struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// Acquirer performs the handshake against the Warp/identity-toolkit
// endpoints named in cfg. secrets, if non-nil, is used to durably persist
// the refresh token minted in step 2 before step 3 is attempted, so a
// step-3 failure never discards it.
type Acquirer struct {
	cfg     *wconfig.Config
	client  *http.Client
	secrets *secrets.Store
}

// New returns an Acquirer using cfg's endpoint configuration and client
// for outbound calls (normally a wtransport-backed client; httptest-backed
// in tests). store may be nil, in which case the step-2 refresh token is
// only ever handed back in Acquire's return value, never persisted
// independently (tests that don't care about step-3 failure use this).
func New(cfg *wconfig.Config, client *http.Client, store *secrets.Store) *Acquirer {
	return &Acquirer{cfg: cfg, client: client, secrets: store}
}

// Acquire runs all three steps and returns the resulting token set, or a
// werrors.Error tagged with the step's failure kind. The refresh token
// minted in step 2 is persisted to the Secrets Store immediately, before
// step 3's exchange call runs, so a step-3 failure leaves the new refresh
// token durable rather than discarded.
func (a *Acquirer) Acquire(ctx context.Context) (*Result, error) {
	idToken, err := a.createAnonymousUser(ctx)
	if err != nil {
		return nil, err
	}

	refreshToken, err := a.signInWithCustomToken(ctx, idToken)
	if err != nil {
		return nil, err
	}

	if a.secrets != nil {
		if err := a.secrets.Set("WARP_REFRESH_TOKEN", refreshToken); err != nil {
			return nil, werrors.New(werrors.IOError, err)
		}
	}

	accessToken, newIDToken, err := a.exchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if newIDToken == "" {
		newIDToken = idToken
	}

	return &Result{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		IDToken:      newIDToken,
	}, nil
}

func (a *Acquirer) setCommonHeaders(req *http.Request) {
	req.Header.Set("x-warp-client-version", a.cfg.WarpClientVersion)
	req.Header.Set("x-warp-os-category", a.cfg.WarpOSCategory)
	req.Header.Set("x-warp-os-name", a.cfg.WarpOSName)
	req.Header.Set("x-warp-os-version", a.cfg.WarpOSVersion)
	req.Header.Set("accept", "*/*")
	req.Header.Set("accept-encoding", "gzip")
}

// step 1: GraphQL CreateAnonymousUser.
func (a *Acquirer) createAnonymousUser(ctx context.Context) (string, error) {
	body := map[string]any{
		"query": createAnonymousUserMutation,
		"variables": map[string]any{
			"input": map[string]any{
				"anonymousUserType": "NATIVE_CLIENT_ANONYMOUS_USER_FEATURE_GATED",
				"expirationType":    "NO_EXPIRATION",
				"referralCode":      nil,
			},
			"requestContext": map[string]any{
				"clientContext": map[string]any{
					"version": a.cfg.WarpClientVersion,
				},
				"osContext": map[string]any{
					"category": a.cfg.WarpOSCategory,
					"name":     a.cfg.WarpOSName,
					"version":  a.cfg.WarpOSVersion,
				},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.GraphQLURL, bytes.NewReader(payload))
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}
	req.Header.Set("content-type", "application/json")
	a.setCommonHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", werrors.Newf(werrors.RefreshFailed, "create anonymous user: status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	idToken := gjson.GetBytes(raw, "data.createAnonymousUser.idToken").String()
	if idToken == "" {
		return "", werrors.Newf(werrors.UpstreamShapeError, "create anonymous user: missing idToken in response")
	}
	return idToken, nil
}

// step 2: identity-toolkit custom-token sign-in.
func (a *Acquirer) signInWithCustomToken(ctx context.Context, idToken string) (string, error) {
	apiKey := a.apiKey()

	form := url.Values{}
	form.Set("returnSecureToken", "true")
	form.Set("token", idToken)

	endpoint := a.cfg.IdentityToolkitURL + "?key=" + url.QueryEscape(apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	a.setCommonHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", werrors.New(werrors.RefreshFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", werrors.Newf(werrors.RefreshFailed, "custom token sign-in: status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	refreshToken := gjson.GetBytes(raw, "refreshToken").String()
	if refreshToken == "" {
		return "", werrors.Newf(werrors.UpstreamShapeError, "custom token sign-in: missing refreshToken in response")
	}
	return refreshToken, nil
}

// step 3: proxy token exchange using the freshly minted refresh token.
func (a *Acquirer) exchangeRefreshToken(ctx context.Context, refreshToken string) (accessToken, idToken string, err error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	encoded := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ProxyTokenURL, strings.NewReader(encoded))
	if err != nil {
		return "", "", werrors.New(werrors.RefreshFailed, err)
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	req.Header.Set("content-length", fmt.Sprintf("%d", len(encoded)))
	a.setCommonHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", werrors.New(werrors.RefreshFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", werrors.New(werrors.RefreshFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", werrors.Newf(werrors.RefreshFailed, "proxy token exchange: status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	accessToken = gjson.GetBytes(raw, "access_token").String()
	if accessToken == "" {
		return "", "", werrors.Newf(werrors.UpstreamShapeError, "proxy token exchange: missing access_token in response")
	}
	idToken = gjson.GetBytes(raw, "id_token").String()
	return accessToken, idToken, nil
}

// apiKey parses the identity-toolkit key from the proxy token URL's
// query parameter when present, falling back to the configured default.
func (a *Acquirer) apiKey() string {
	if u, err := url.Parse(a.cfg.ProxyTokenURL); err == nil {
		if k := u.Query().Get("key"); k != "" {
			return k
		}
	}
	return a.cfg.IdentityToolkitAPIKey
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
