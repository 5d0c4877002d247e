// Package gateway is the OpenAI-compatible HTTP shell: a deliberately
// thin handler that asks the Refresh Coordinator for a valid access
// token, forwards the request to Warp, and pipes a streaming response
// through the Stream Adaptor. Schema translation between the OpenAI
// chat-completions shape and Warp's own request/response format, and
// any protobuf encoding of the upstream body, are external collaborator
// concerns represented here only by the narrow WarpRequestEncoder seam.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warplay/warp-relay/internal/events"
	"github.com/warplay/warp-relay/internal/refresh"
	"github.com/warplay/warp-relay/internal/wconfig"
)

// Server is the gateway's HTTP front end.
type Server struct {
	cfg         *wconfig.Config
	coordinator *refresh.Coordinator
	client      *http.Client
	encoder     WarpRequestEncoder
	bus         *events.Bus
	logHandler  *events.LogHandler
	maxRetries  int

	httpServer *http.Server
	version    string
	startTime  time.Time
}

// New wires a gateway Server. client is the outbound client used for the
// per-request call to Warp's chat endpoint (normally
// wtransport.Manager.Client(nil), an httptest-backed client in tests).
func New(cfg *wconfig.Config, coordinator *refresh.Coordinator, client *http.Client, encoder WarpRequestEncoder, bus *events.Bus, logHandler *events.LogHandler, version string) *Server {
	if encoder == nil {
		encoder = JSONEncoder()
	}
	maxRetries := cfg.MaxStreamRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}

	srv := &Server{
		cfg:         cfg,
		coordinator: coordinator,
		client:      client,
		encoder:     encoder,
		bus:         bus,
		logHandler:  logHandler,
		maxRetries:  maxRetries,
		version:     version,
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute, // streaming responses can run long
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

// Handler exposes the wired mux directly, for tests that want to drive
// requests through httptest.NewServer without going through Run.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("warp-relay starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
