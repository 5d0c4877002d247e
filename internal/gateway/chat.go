package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/warplay/warp-relay/internal/events"
	"github.com/warplay/warp-relay/internal/risk"
	"github.com/warplay/warp-relay/internal/stream"
	"github.com/warplay/warp-relay/internal/werrors"
)

// handleChatCompletions is the gateway's single real endpoint: run the
// outgoing user message through the Risk Classifier, resolve a valid
// access token, forward the request to Warp, and (for streaming requests)
// pipe the response through a fresh Stream Adaptor.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	applyRiskClassifier(body)
	isStream, _ := body["stream"].(bool)

	token, err := s.coordinator.EnsureValidAccess(ctx, false)
	if err != nil {
		status, errType := statusForKind(werrors.KindOf(err))
		slog.Error("ensure_valid_access failed", "error", err)
		writeError(w, status, errType, "upstream credential unavailable")
		return
	}

	upstreamBody, err := s.encoder.Encode(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to encode upstream request")
		return
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WarpChatCompletionsURL, strings.NewReader(string(upstreamBody)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to build upstream request")
		return
	}
	upReq.Header.Set("content-type", "application/json")
	upReq.Header.Set("authorization", "Bearer "+token)
	upReq.Header.Set("x-warp-client-version", s.cfg.WarpClientVersion)
	if isStream {
		upReq.Header.Set("accept", "text/event-stream")
	}

	resp, err := s.client.Do(upReq)
	if err != nil {
		slog.Error("upstream chat request failed", "error", err)
		writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(errBody)
		return
	}

	if isStream {
		s.streamResponse(ctx, w, resp)
		return
	}

	body2, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body2)
}

// streamResponse scans the upstream SSE body line by line, runs each
// "data: ..." frame through a fresh Stream Adaptor, and forwards either
// the original or a synthesized event to the client. Non-data lines
// (blank separators, "event: ..." lines) pass straight through.
func (s *Server) streamResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	adaptor := stream.New(s.maxRetries, nil)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		payload, ok := cutDataPrefix(line)
		if !ok {
			fmt.Fprintf(w, "%s\n", line)
			if line == "" {
				flusher.Flush()
			}
			continue
		}

		if payload == "[DONE]" {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			continue
		}

		for _, ev := range adaptor.Process([]byte(payload)) {
			if ev.Synthesized {
				s.bus.Publish(streamEvent(ev))
			}
			fmt.Fprintf(w, "data: %s\n\n", ev.Raw)
		}
		flusher.Flush()
	}

	for _, ev := range adaptor.Close() {
		s.bus.Publish(streamEvent(ev))
		fmt.Fprintf(w, "data: %s\n\n", ev.Raw)
	}
	flusher.Flush()
}

// streamEvent classifies a synthesized stream.Event by its marker prefix
// for the operator-facing status endpoint; it never changes what's sent
// to the client.
func streamEvent(ev stream.Event) events.Event {
	text := string(ev.Raw)
	switch {
	case strings.Contains(text, "❌"):
		return events.Event{Type: events.EventStreamFallback, Message: "stream adaptor raised an error event"}
	case strings.Contains(text, "⚠️"):
		return events.Event{Type: events.EventStreamFallback, Message: "stream adaptor emitted terminal fallback"}
	default:
		return events.Event{Type: events.EventStreamStuck, Message: "stream adaptor detected a stuck transaction, retrying"}
	}
}

func cutDataPrefix(line string) (string, bool) {
	const prefix = "data:"
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
}

// applyRiskClassifier rewrites the last user message in body in place
// according to its file-mutation risk score.
func applyRiskClassifier(body map[string]any) {
	messages, _ := body["messages"].([]any)
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		if role != "user" {
			continue
		}
		content, ok := msg["content"].(string)
		if !ok {
			return
		}
		msg["content"] = risk.Transform(content, risk.Score(content))
		return
	}
}
