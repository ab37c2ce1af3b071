package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pagewatch/pkg/watch"
	"pagewatch/poll"
	"pagewatch/scraper"
)

const (
	maxBodyBytes = 64 << 10
	maxSelectors = 20
	maxURLLength = 2048
	// verifyTimeout keeps the check inside the server's write timeout.
	verifyTimeout = 25 * time.Second
)

// selectorList accepts either a JSON array or a newline-separated string,
// one selector per line.
type selectorList []string

func (l *selectorList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return errors.New("selectors must be a list or a newline-separated string")
	}
	*l = strings.Split(text, "\n")
	return nil
}

type createRequest struct {
	Owner     string       `json:"owner"`
	URL       string       `json:"url"`
	Selectors selectorList `json:"selectors"`
}

type sessionView struct {
	StartedAt time.Time   `json:"started_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	ID        string      `json:"id"`
	Owner     string      `json:"owner,omitempty"`
	URL       string      `json:"url"`
	State     watch.State `json:"state"`
	Selectors []string    `json:"selectors"`
}

type createResponse struct {
	sessionView
	StopToken string `json:"stop_token"`
}

type verifyErrorResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing"`
}

func viewOf(s *watch.Session) sessionView {
	return sessionView{
		ID:        s.ID,
		Owner:     s.Owner,
		URL:       s.URL,
		Selectors: s.Selectors,
		State:     s.State,
		StartedAt: s.StartedAt,
		ExpiresAt: s.Deadline(),
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodDelete:
		s.handleStop(w, r)
	case http.MethodGet:
		s.handleList(w)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := clientIP(r)

	s.logger.Info("Session request starting", "ip", ip, "user_agent", r.UserAgent())

	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Invalid session request body", "ip", ip, "error", err)
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	owner, pageURL, err := validate(&req)
	if err != nil {
		s.logger.Warn("Invalid session request", "ip", ip, "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	selectors := poll.CleanSelectors(req.Selectors)
	if len(selectors) == 0 {
		s.writeError(w, http.StatusBadRequest, watch.ErrNoSelectors.Error())
		return
	}

	if s.verifier != nil {
		if s.monitor.Active() >= watch.MaxConcurrentSessions {
			s.writeError(w, http.StatusTooManyRequests,
				"Maximum number of active monitoring sessions reached. Please try again later.")
			return
		}
		if !s.verify(w, r, pageURL, selectors) {
			return
		}
	}

	sess, err := s.monitor.CreateSession(owner, pageURL, selectors)
	switch {
	case err == nil:
	case watch.IsCapacity(err):
		s.writeError(w, http.StatusTooManyRequests,
			"Maximum number of active monitoring sessions reached. Please try again later.")
		return
	case watch.IsDuplicateOwner(err):
		s.writeError(w, http.StatusConflict,
			"You already have an active monitoring session. Stop it before starting another.")
		return
	case errors.Is(err, watch.ErrNoSelectors):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("Failed to create session", "owner", owner, "url", pageURL, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to start monitoring")
		return
	}

	s.logger.Info("Session request completed",
		"session_id", sess.ID,
		"owner", owner,
		"url", pageURL,
		"duration_ms", time.Since(start).Milliseconds())

	s.writeJSON(w, http.StatusCreated, createResponse{
		sessionView: viewOf(sess),
		StopToken:   s.tokens.issue(sess.ID),
	})
}

// verify fetches the page once and rejects the request when it cannot be
// fetched or any selector matches nothing.
func (s *Server) verify(w http.ResponseWriter, r *http.Request, pageURL string, selectors []string) bool {
	ctx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
	defer cancel()

	start := time.Now()
	snap, err := s.verifier.Fetch(ctx, pageURL, selectors)
	if err != nil {
		if scraper.IsSelectorError(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
		s.logger.Warn("Initial element check failed", "url", pageURL, "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		s.writeError(w, http.StatusBadGateway, "Could not fetch the page: "+err.Error())
		return false
	}

	var missing []string
	for _, sel := range selectors {
		if _, ok := snap[sel]; !ok {
			missing = append(missing, sel)
		}
	}
	if len(missing) > 0 {
		s.logger.Info("Initial element check found missing selectors", "url", pageURL, "missing", missing)
		s.writeJSON(w, http.StatusUnprocessableEntity, verifyErrorResponse{
			Error:   "Could not find one or more elements: " + strings.Join(missing, ", "),
			Missing: missing,
		})
		return false
	}
	return true
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}
	owner := sess.Owner

	if err := s.monitor.StopSession(owner); err != nil {
		if watch.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "No active monitoring session found.")
			return
		}
		s.logger.Error("Failed to stop session", "owner", owner, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to stop monitoring")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleList(w http.ResponseWriter) {
	sessions := s.monitor.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for i := range sessions {
		v := viewOf(&sessions[i])
		v.Owner = "" // owners are only shown to themselves
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// validate normalizes the owner and checks the page URL.
func validate(req *createRequest) (owner, pageURL string, err error) {
	owner = strings.ToLower(strings.TrimSpace(req.Owner))
	if !isValidEmail(owner) {
		return "", "", errors.New("owner must be a valid email address")
	}

	pageURL = strings.TrimSpace(req.URL)
	if len(pageURL) > maxURLLength {
		return "", "", errors.New("url is too long")
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", errors.New("url must be an absolute http or https URL")
	}

	if len(req.Selectors) > maxSelectors {
		return "", "", fmt.Errorf("at most %d selectors are allowed", maxSelectors)
	}
	return owner, pageURL, nil
}
