package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"pagewatch/pkg/watch"
)

// stopTokens derives per-session tokens with HMAC-SHA256 so the server can
// check ownership without storing them.
type stopTokens struct {
	secret []byte
}

func newStopTokens(secret string) *stopTokens {
	if secret == "" {
		secret = rand.Text()
	}
	return &stopTokens{secret: []byte(secret)}
}

// issue returns the token for a session id.
func (t *stopTokens) issue(sessionID string) string {
	h := hmac.New(sha256.New, t.secret)
	h.Write([]byte(sessionID))
	return hex.EncodeToString(h.Sum(nil))
}

// valid reports whether token belongs to the session, in constant time.
func (t *stopTokens) valid(sessionID, token string) bool {
	if len(token) != sha256.Size*2 {
		return false
	}
	return hmac.Equal([]byte(t.issue(sessionID)), []byte(token))
}

// authorize resolves the owner and token query parameters to the owner's
// registered session. It writes the error response and returns false when
// the caller may not act on that session.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (watch.Session, bool) {
	owner := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("owner")))
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if owner == "" || token == "" {
		s.writeError(w, http.StatusBadRequest, "owner and token are required")
		return watch.Session{}, false
	}

	for _, sess := range s.monitor.Sessions() {
		if sess.Owner != owner {
			continue
		}
		if !s.tokens.valid(sess.ID, token) {
			s.logger.Warn("Invalid session token", "owner", owner, "ip", clientIP(r))
			s.writeError(w, http.StatusForbidden, "Invalid token")
			return watch.Session{}, false
		}
		return sess, true
	}

	s.writeError(w, http.StatusNotFound, "No active monitoring session found.")
	return watch.Session{}, false
}
