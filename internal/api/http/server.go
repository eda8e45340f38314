// Package http provides the minimal ambient HTTP surface: a health check,
// a chat/task JSON endpoint fronting the Router, the live trace websocket,
// and the debug trace-log endpoint — the full request/response DTO surface
// beyond that is out of scope; this is transport plumbing, not a public API.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/memfuse/internal/config"
	"github.com/scrypster/memfuse/internal/router"
	"github.com/scrypster/memfuse/internal/trace"
)

// securityHeadersMiddleware adds the same baseline headers to every
// response regardless of route.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires a bearer token matching cfg.Security.APIToken in
// production mode; a no-op in development mode or when no token is set.
func authMiddleware(cfg config.SecurityConfig, next http.Handler) http.Handler {
	if cfg.SecurityMode != "production" || cfg.APIToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+cfg.APIToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Tag       string `json:"tag,omitempty"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
	TaskID    string `json:"task_id,omitempty"`
	Reused    bool   `json:"reused,omitempty"`
}

// Server wires the Router, trace Hub, and trace Recorder behind the
// process's HTTP surface.
type Server struct {
	router   *router.Router
	hub      *trace.Hub
	recorder *trace.Recorder
	cfg      *config.Config
	log      zerolog.Logger
}

func New(r *router.Router, hub *trace.Hub, recorder *trace.Recorder, cfg *config.Config, log zerolog.Logger) *Server {
	return &Server{router: r, hub: hub, recorder: recorder, cfg: cfg, log: log}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/trace/", s.handleTraceLookup)
	if s.hub != nil {
		mux.HandleFunc("/v1/trace/stream", s.hub.ServeHTTP)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	resp, err := s.router.Handle(r.Context(), router.Request{
		SessionKey: req.SessionID,
		Query:      req.Message,
		Tag:        req.Tag,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("chat request failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatResponse{
		SessionID: resp.SessionID,
		Answer:    resp.Answer,
		TaskID:    resp.TaskID,
		Reused:    resp.Reused,
	})
}

// handleTraceLookup serves GET /v1/trace/{task_id}, returning the recorded
// event log for that task.
func (s *Server) handleTraceLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := r.URL.Path[len("/v1/trace/"):]
	if taskID == "" || taskID == "stream" {
		http.NotFound(w, r)
		return
	}

	var events []trace.Event
	if s.recorder != nil {
		events = s.recorder.Events(taskID)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"task_id": taskID, "events": events})
}

// Start binds a listener on cfg.Server.Host:Port, serves until ctx is
// cancelled, and shuts down gracefully with a 5s drain window. It returns
// the actual bound address (useful when Port is 0, e.g. in tests).
func (s *Server) Start(ctx context.Context) (string, error) {
	handler := authMiddleware(s.cfg.Security, securityHeadersMiddleware(s.mux()))

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("http: failed to listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http server shutdown error")
		}
	}()

	return actualAddr, nil
}
