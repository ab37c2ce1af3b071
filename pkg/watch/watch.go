// Package watch contains the core domain types for the page watch service.
package watch

import "time"

// Fixed limits. These are deliberately not configurable.
const (
	MaxConcurrentSessions = 2
	PollingInterval       = 60 * time.Second
	SessionTTL            = 12 * time.Hour
)

// State is the lifecycle state of a session.
type State string

const (
	StatePending    State = "pending"
	StateActive     State = "active"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

// Reason records why a session ended. It doubles as the event kind delivered to sinks.
type Reason string

const (
	ReasonChangeDetected Reason = "change_detected"
	ReasonElementMissing Reason = "element_missing"
	ReasonFetchError     Reason = "fetch_error"
	ReasonExpired        Reason = "expired"
	ReasonUserStopped    Reason = "user_stopped"
	ReasonShutdown       Reason = "shutdown" // process exit while the session was running
)

// Snapshot maps selector -> observed text. A missing key means the element was absent.
type Snapshot map[string]string

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Session is one URL + selectors monitoring task bound to one owner.
type Session struct {
	StartedAt    time.Time `json:"started_at"`
	TerminatedAt time.Time `json:"terminated_at,omitzero"`
	LastSnapshot Snapshot  `json:"last_snapshot,omitempty"` // Owned by the session's polling goroutine
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	URL          string    `json:"url"`
	State        State     `json:"state"`
	Reason       Reason    `json:"reason,omitempty"`
	Selectors    []string  `json:"selectors"`
}

// Deadline is the hard expiry instant of the session.
func (s *Session) Deadline() time.Time {
	return s.StartedAt.Add(SessionTTL)
}

// Terminal reports whether the session has reached its final state.
func (s *Session) Terminal() bool {
	return s.State == StateTerminated
}

// Change is one selector whose text moved from Old to New.
type Change struct {
	Selector string `json:"selector"`
	Old      string `json:"old"`
	New      string `json:"new"`
}

// Event is the terminal notification for a session.
type Event struct {
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	Owner     string    `json:"owner"`
	URL       string    `json:"url"`
	Kind      Reason    `json:"kind"`
	Error     string    `json:"error,omitempty"`
	Changes   []Change  `json:"changes,omitempty"`
	Missing   []string  `json:"missing,omitempty"`
}
