// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"pagewatch/pkg/watch"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Monitor is the session engine the API drives.
type Monitor interface {
	CreateSession(owner, url string, selectors []string) (*watch.Session, error)
	StopSession(owner string) error
	Sessions() []watch.Session
	Active() int
}

// Verifier fetches the page once so a session is only created for selectors
// that are present.
type Verifier interface {
	Fetch(ctx context.Context, url string, selectors []string) (watch.Snapshot, error)
}

// Server handles HTTP requests.
type Server struct {
	monitor  Monitor
	verifier Verifier
	events   http.Handler
	logger   *slog.Logger
	limiter  *rateLimiter
	tokens   *stopTokens
}

// Config holds server configuration.
type Config struct {
	Monitor Monitor
	// Verifier checks selectors before a session starts; nil skips the check.
	Verifier Verifier
	// Events serves the WebSocket event stream at /events; nil disables it.
	Events http.Handler
	Logger *slog.Logger
	// TokenSecret keys the stop tokens handed out on creation.
	TokenSecret string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		monitor:  cfg.Monitor,
		verifier: cfg.Verifier,
		events:   cfg.Events,
		logger:   cfg.Logger,
		limiter:  newRateLimiter(createsPerHour, time.Hour),
		tokens:   newStopTokens(cfg.TokenSecret),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sessions", s.handleSessions)
	if s.events != nil {
		mux.HandleFunc("/events", s.handleEvents)
	}
	return mux
}

// HTTPServer wraps the API in a server with timeouts that prevent resource
// exhaustion. Hijacked WebSocket connections are not subject to them.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "pagewatch",
		"endpoints": []string{
			"POST /sessions",
			"GET /sessions",
			"DELETE /sessions?owner=&token=",
			"GET /events?owner=&token=",
			"GET /health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"active": s.monitor.Active(),
	})
}

// handleEvents admits a session owner to their own event stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	q.Set("owner", sess.Owner)
	q.Del("token")
	r.URL.RawQuery = q.Encode()
	s.events.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "status", status, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

// clientIP returns the caller address, preferring the first X-Forwarded-For
// hop set by the fronting load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
