package gateway

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/warplay/warp-relay/internal/acquirer"
	"github.com/warplay/warp-relay/internal/events"
	"github.com/warplay/warp-relay/internal/quota"
	"github.com/warplay/warp-relay/internal/refresh"
	"github.com/warplay/warp-relay/internal/secrets"
	"github.com/warplay/warp-relay/internal/wconfig"
)

// buildToken synthesizes a properly 3-segment-shaped bearer token so
// tokencodec.IsExpired decodes it instead of treating it as malformed.
func buildToken(t *testing.T, expiresInSeconds int64) string {
	t.Helper()
	payload := map[string]any{"exp": time.Now().Unix() + expiresInSeconds}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	seg := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	return "h." + seg + ".s"
}

// newTestServer wires a gateway.Server whose Refresh Coordinator is
// pre-seeded with a valid, non-expiring access token (QuotaRefreshThreshold
// of 0 disables the quota check too), so EnsureValidAccess is a no-op and
// every test can focus on the chat-completions plumbing itself. chatHandler
// stands in for the upstream Warp chat endpoint.
func newTestServer(t *testing.T, chatHandler http.HandlerFunc) *Server {
	t.Helper()

	upstream := httptest.NewServer(chatHandler)
	t.Cleanup(upstream.Close)

	validJWT := buildToken(t, 3600)
	for key, val := range map[string]string{"WARP_JWT": validJWT} {
		prev, had := os.LookupEnv(key)
		os.Setenv(key, val)
		t.Cleanup(func() {
			if had {
				os.Setenv(key, prev)
			} else {
				os.Unsetenv(key)
			}
		})
	}

	cfg := &wconfig.Config{
		QuotaRefreshThreshold:  0,
		WarpClientVersion:      "1.0.0",
		WarpChatCompletionsURL: upstream.URL,
		MaxStreamRetries:       2,
	}

	store, err := secrets.New(filepath.Join(t.TempDir(), "secrets.env"))
	if err != nil {
		t.Fatal(err)
	}

	acq := acquirer.New(cfg, upstream.Client(), store)
	oracle := quota.New(cfg, upstream.Client())
	bus := events.NewBus(32)
	coord := refresh.New(cfg, store, nil, acq, oracle, upstream.Client(), nil, bus, nil)

	return New(cfg, coord, upstream.Client(), nil, bus, nil, "test")
}

func TestHandleChatCompletions_NonStreamingPassthrough(t *testing.T) {
	var gotAuth string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	})

	reqBody := `{"model":"warp-default","stream":false,"messages":[{"role":"user","content":"hello there"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	srv.handleChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Errorf("expected Bearer auth header sent upstream, got %q", gotAuth)
	}

	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if parsed["id"] != "chatcmpl-1" {
		t.Errorf("expected upstream body forwarded unchanged, got %s", rec.Body.String())
	}
}

func TestHandleChatCompletions_RiskyMessageIsRewrittenBeforeForwarding(t *testing.T) {
	var capturedBody map[string]any
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &capturedBody); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{"id":"ok"}`))
	})

	reqBody := `{"model":"warp-default","stream":false,"messages":[{"role":"user","content":"请创建文件 foo.py 并写入代码"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	srv.handleChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	messages, _ := capturedBody["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message forwarded, got %d", len(messages))
	}
	msg := messages[0].(map[string]any)
	content, _ := msg["content"].(string)
	if !strings.Contains(content, "do not create, write, or modify any files") {
		t.Errorf("expected risky message to be wrapped before forwarding, got: %s", content)
	}
}

func TestHandleChatCompletions_StreamingStuckRetryThenFallback(t *testing.T) {
	sseBody := strings.Join([]string{
		`data: {"client_actions":{"actions":["begin_transaction"]}}`,
		``,
		`data: {"client_actions":{"actions":["rollback_transaction"]}}`,
		``,
		`data: {"client_actions":{"actions":["rollback_transaction"]}}`,
		``,
		`data: {"client_actions":{"actions":["rollback_transaction"]}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(sseBody))
	})

	reqBody := `{"model":"warp-default","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	srv.handleChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	out := rec.Body.String()
	if strings.Count(out, "🔄") != 2 {
		t.Errorf("expected exactly 2 retry markers (maxRetries=2), got stream:\n%s", out)
	}
	if !strings.Contains(out, "⚠️") {
		t.Errorf("expected a terminal fallback marker after retries exhaust, got:\n%s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Errorf("expected [DONE] sentinel forwarded, got:\n%s", out)
	}

	recent := srv.bus.Recent()
	if len(recent) == 0 {
		t.Error("expected stream stuck/fallback activity published to the event bus")
	}
}

func TestHandleChatCompletions_HealthyStreamPassesThroughUnchanged(t *testing.T) {
	sseBody := strings.Join([]string{
		`data: {"message":{"agent_output":{"text":"hi"}}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(sseBody))
	})

	reqBody := `{"model":"warp-default","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	srv.handleChatCompletions(rec, req)

	out := rec.Body.String()
	if strings.Contains(out, "🔄") || strings.Contains(out, "⚠️") {
		t.Errorf("healthy stream should not synthesize retry/fallback events, got:\n%s", out)
	}
	if !strings.Contains(out, `"text":"hi"`) {
		t.Errorf("expected original agent_output forwarded, got:\n%s", out)
	}
}

func TestHandleStatus_ReportsRecentEvents(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	srv.bus.Publish(events.Event{Type: events.EventRefreshOK, Message: "token refresh persisted"})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var parsed statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if parsed.Status != "ok" {
		t.Errorf("status field = %q, want ok", parsed.Status)
	}
	if len(parsed.Recent) != 1 || parsed.Recent[0].Message != "token refresh persisted" {
		t.Errorf("expected the published event echoed back, got %+v", parsed.Recent)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
