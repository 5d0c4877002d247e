package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

type statusResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	UptimeSec float64       `json:"uptime_seconds"`
	Recent    []recentEvent `json:"recent_events"`
}

type recentEvent struct {
	Type    string    `json:"type"`
	Email   string    `json:"email,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"ts"`
}

// handleStatus surfaces recent credential-lifecycle and stream-adaptor
// activity for an operator, reading from the same ring buffer the
// Refresh Coordinator and Stream Adaptor publish onto.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	events := s.bus.Recent()
	recent := make([]recentEvent, len(events))
	for i, e := range events {
		recent[i] = recentEvent{Type: string(e.Type), Email: e.Email, Message: e.Message, At: e.Timestamp}
	}

	resp := statusResponse{
		Status:    "ok",
		Version:   s.version,
		UptimeSec: time.Since(s.startTime).Seconds(),
		Recent:    recent,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
