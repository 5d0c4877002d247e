package acquirer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/warplay/warp-relay/internal/secrets"
	"github.com/warplay/warp-relay/internal/wconfig"
)

func newTestServer(t *testing.T, graphql, identity, proxy http.HandlerFunc) *httptest.Server {
	t.Helper()
	// ServeMux panics on a nil handler, so only the endpoints a test
	// supplies are registered.
	mux := http.NewServeMux()
	if graphql != nil {
		mux.HandleFunc("/graphql", graphql)
	}
	if identity != nil {
		mux.HandleFunc("/identitytoolkit", identity)
	}
	if proxy != nil {
		mux.HandleFunc("/proxy/token", proxy)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(srv *httptest.Server) *wconfig.Config {
	return &wconfig.Config{
		GraphQLURL:            srv.URL + "/graphql",
		IdentityToolkitURL:    srv.URL + "/identitytoolkit",
		IdentityToolkitAPIKey: "fallback-key",
		ProxyTokenURL:         srv.URL + "/proxy/token",
		WarpClientVersion:     "1.0.0",
		WarpOSCategory:        "linux",
		WarpOSName:            "Ubuntu",
		WarpOSVersion:         "22.04",
	}
}

func TestAcquireFullHandshake(t *testing.T) {
	var gotIDTokenForSignIn, gotRefreshTokenForExchange string

	srv := newTestServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("content-type", "application/json")
			w.Write([]byte(`{"data":{"createAnonymousUser":{"idToken":"id-1"}}}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			gotIDTokenForSignIn = r.Form.Get("token")
			w.Header().Set("content-type", "application/json")
			w.Write([]byte(`{"refreshToken":"refresh-1"}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			gotRefreshTokenForExchange = r.Form.Get("refresh_token")
			w.Header().Set("content-type", "application/json")
			w.Write([]byte(`{"access_token":"access-1","id_token":"id-2"}`))
		},
	)

	a := New(baseConfig(srv), srv.Client(), nil)
	result, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotIDTokenForSignIn != "id-1" {
		t.Errorf("sign-in used idToken = %q, want id-1", gotIDTokenForSignIn)
	}
	if gotRefreshTokenForExchange != "refresh-1" {
		t.Errorf("exchange used refreshToken = %q, want refresh-1", gotRefreshTokenForExchange)
	}
	if result.AccessToken != "access-1" || result.RefreshToken != "refresh-1" || result.IDToken != "id-2" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestAcquireFallsBackToOriginalIDTokenWhenExchangeOmitsOne(t *testing.T) {
	srv := newTestServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":{"createAnonymousUser":{"idToken":"id-1"}}}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"refreshToken":"refresh-1"}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"access_token":"access-1"}`))
		},
	)

	a := New(baseConfig(srv), srv.Client(), nil)
	result, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IDToken != "id-1" {
		t.Errorf("IDToken = %q, want fallback to the anonymous sign-in's id-1", result.IDToken)
	}
}

func TestAcquireFailsOnMissingIDToken(t *testing.T) {
	srv := newTestServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":{"createAnonymousUser":{}}}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			t.Error("sign-in should not be reached when idToken is missing")
		},
		func(w http.ResponseWriter, r *http.Request) {
			t.Error("exchange should not be reached when idToken is missing")
		},
	)

	a := New(baseConfig(srv), srv.Client(), nil)
	if _, err := a.Acquire(context.Background()); err == nil {
		t.Fatal("expected error for missing idToken")
	}
}

func TestAcquireFailsOnNonOKStatus(t *testing.T) {
	srv := newTestServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`boom`))
		},
		func(w http.ResponseWriter, r *http.Request) {},
		func(w http.ResponseWriter, r *http.Request) {},
	)

	a := New(baseConfig(srv), srv.Client(), nil)
	if _, err := a.Acquire(context.Background()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestAPIKeyPrefersProxyTokenURLQueryParam(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	cfg := baseConfig(srv)
	cfg.ProxyTokenURL = srv.URL + "/proxy/token?key=" + url.QueryEscape("from-url")

	a := New(cfg, srv.Client(), nil)
	if got := a.apiKey(); got != "from-url" {
		t.Errorf("apiKey() = %q, want from-url", got)
	}
}

func TestAPIKeyFallsBackToConfig(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	cfg := baseConfig(srv)

	a := New(cfg, srv.Client(), nil)
	if got := a.apiKey(); got != "fallback-key" {
		t.Errorf("apiKey() = %q, want fallback-key", got)
	}
}

// The refresh token minted in step 2 must be durably persisted before step
// 3's exchange call runs, so a step-3 failure doesn't discard it.
func TestAcquirePersistsRefreshTokenBeforeExchangeStep(t *testing.T) {
	srv := newTestServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":{"createAnonymousUser":{"idToken":"id-1"}}}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"refreshToken":"refresh-1"}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`exchange down`))
		},
	)

	prev, had := os.LookupEnv("WARP_REFRESH_TOKEN")
	os.Unsetenv("WARP_REFRESH_TOKEN")
	t.Cleanup(func() {
		if had {
			os.Setenv("WARP_REFRESH_TOKEN", prev)
		} else {
			os.Unsetenv("WARP_REFRESH_TOKEN")
		}
	})

	store, err := secrets.New(filepath.Join(t.TempDir(), "secrets.env"))
	if err != nil {
		t.Fatal(err)
	}

	a := New(baseConfig(srv), srv.Client(), store)
	if _, err := a.Acquire(context.Background()); err == nil {
		t.Fatal("expected error from the failing exchange step")
	}

	got, ok := store.Get("WARP_REFRESH_TOKEN")
	if !ok || got != "refresh-1" {
		t.Errorf("WARP_REFRESH_TOKEN = %q, ok=%v; want refresh-1 persisted despite the exchange failure", got, ok)
	}
}

func TestCreateAnonymousUserSendsExpectedVariables(t *testing.T) {
	var captured map[string]any
	srv := newTestServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&captured)
			w.Write([]byte(`{"data":{"createAnonymousUser":{"idToken":"id-1"}}}`))
		},
		nil, nil,
	)

	a := New(baseConfig(srv), srv.Client(), nil)
	if _, err := a.createAnonymousUser(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	variables, ok := captured["variables"].(map[string]any)
	if !ok {
		t.Fatalf("missing variables in request body: %+v", captured)
	}
	input, ok := variables["input"].(map[string]any)
	if !ok {
		t.Fatalf("missing input in variables: %+v", variables)
	}
	if input["anonymousUserType"] != "NATIVE_CLIENT_ANONYMOUS_USER_FEATURE_GATED" {
		t.Errorf("anonymousUserType = %v", input["anonymousUserType"])
	}
}
