// Package poll runs the per-session polling loops and reports their terminal outcomes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"pagewatch/detect"
	"pagewatch/pkg/watch"
	"pagewatch/registry"

	"github.com/google/uuid"
)

const (
	// FetchTimeout bounds a single tick's fetch, including the fetcher's own retries.
	FetchTimeout = 45 * time.Second
	// EmitTimeout bounds terminal event delivery per sink.
	EmitTimeout = 30 * time.Second
	storeTimeout = 10 * time.Second
)

// Fetcher retrieves the current text of each selector on a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string, selectors []string) (watch.Snapshot, error)
}

// Store interface for session persistence.
type Store interface {
	Save(ctx context.Context, s *watch.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*watch.Session, error)
}

// Sink receives terminal session events.
type Sink interface {
	Emit(ctx context.Context, ev *watch.Event) error
}

// Monitor owns the active sessions and their polling goroutines.
type Monitor struct {
	fetcher  Fetcher
	store    Store
	logger   *slog.Logger
	registry *registry.Registry
	base     context.Context //nolint:containedctx // process lifetime, parent of every session
	now      func() time.Time
	sinks    []Sink
	wg       sync.WaitGroup
	interval time.Duration
	ttl      time.Duration
	timeout  time.Duration
	mu       sync.Mutex
}

// New creates a new poll monitor.
func New(fetcher Fetcher, store Store, sinks []Sink, logger *slog.Logger) *Monitor {
	return &Monitor{
		fetcher:  fetcher,
		store:    store,
		sinks:    sinks,
		logger:   logger,
		registry: registry.New(watch.MaxConcurrentSessions),
		now:      time.Now,
		interval: watch.PollingInterval,
		ttl:      watch.SessionTTL,
		timeout:  FetchTimeout,
	}
}

// Start binds the monitor to the process lifetime and resumes sessions left
// behind by a previous process. Cancelling ctx terminates every session with
// ReasonShutdown; use Wait to block until they have all been reported.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	m.resume(ctx)
}

// Wait blocks until every polling goroutine has finished its teardown.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// CreateSession validates the request and starts monitoring immediately.
// Capacity and duplicate-owner rejections are returned synchronously and
// leave no trace behind.
func (m *Monitor) CreateSession(owner, url string, selectors []string) (*watch.Session, error) {
	owner = strings.TrimSpace(owner)
	url = strings.TrimSpace(url)
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if url == "" {
		return nil, errors.New("url is required")
	}
	selectors = CleanSelectors(selectors)
	if len(selectors) == 0 {
		return nil, watch.ErrNoSelectors
	}

	s := &watch.Session{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Owner:     owner,
		URL:       url,
		Selectors: selectors,
		State:     watch.StatePending,
		StartedAt: m.now(),
	}

	view, err := m.activate(s)
	if err != nil {
		m.logger.Info("Session rejected", "owner", owner, "url", url, "reason", err)
		return nil, err
	}

	m.logger.Info("Session created",
		"session_id", s.ID,
		"owner", owner,
		"url", url,
		"selectors", selectors,
		"expires_at", view.Deadline().Format(time.RFC3339))

	return view, nil
}

// StopSession asks the owner's session to stop. The session then terminates
// with ReasonUserStopped, interrupting any in-flight fetch.
func (m *Monitor) StopSession(owner string) error {
	id, err := m.registry.RequestStop(strings.TrimSpace(owner))
	if err != nil {
		return err
	}
	m.logger.Info("Stop requested", "session_id", id, "owner", owner)
	return nil
}

// Sessions returns a snapshot of the registered sessions.
func (m *Monitor) Sessions() []watch.Session {
	return m.registry.List()
}

// Active returns the number of occupied session slots.
func (m *Monitor) Active() int {
	return m.registry.Count()
}

// activate registers s and spawns its polling goroutine. It returns a copy
// taken before the goroutine starts, since s belongs to the goroutine afterwards.
func (m *Monitor) activate(s *watch.Session) (*watch.Session, error) {
	m.mu.Lock()
	base := m.base
	m.mu.Unlock()
	if base == nil {
		return nil, errors.New("monitor not started")
	}

	ctx, cancel := context.WithCancel(base)
	if err := m.registry.TryActivate(s, cancel); err != nil {
		cancel()
		return nil, err
	}

	view := *s
	view.Selectors = slices.Clone(s.Selectors)
	view.LastSnapshot = nil

	m.wg.Add(1)
	go m.run(ctx, cancel, s)
	return &view, nil
}

// CleanSelectors trims selectors and drops blanks and duplicates, keeping order.
func CleanSelectors(selectors []string) []string {
	out := make([]string, 0, len(selectors))
	seen := make(map[string]bool, len(selectors))
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" || seen[sel] {
			continue
		}
		seen[sel] = true
		out = append(out, sel)
	}
	return out
}

// outcome is the tagged terminal value of a polling loop.
type outcome struct {
	err     error
	reason  watch.Reason
	changes []watch.Change
	missing []string
}

func (m *Monitor) run(ctx context.Context, cancel context.CancelFunc, s *watch.Session) {
	var out outcome
	defer m.wg.Done()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Polling loop panicked", "session_id", s.ID, "panic", r)
			out = outcome{reason: watch.ReasonFetchError, err: fmt.Errorf("internal error: %v", r)}
		}
		m.finish(s, out)
	}()

	m.save(s)
	out = m.watch(ctx, s)
}

// watch runs ticks until a terminal condition. The first tick happens immediately.
func (m *Monitor) watch(ctx context.Context, s *watch.Session) outcome {
	deadline := s.StartedAt.Add(m.ttl)
	tick := 0

	for {
		tick++
		start := m.now()

		if !start.Before(deadline) {
			m.logger.Info("Time limit reached", "session_id", s.ID, "owner", s.Owner, "started_at", s.StartedAt.Format(time.RFC3339))
			return outcome{reason: watch.ReasonExpired}
		}
		if m.registry.Stopping(s.ID) {
			return outcome{reason: watch.ReasonUserStopped}
		}

		m.logger.Info("Checking page", "session_id", s.ID, "url", s.URL, "tick", tick)

		// A fetch never outlives the session deadline.
		fetchCtx, cancel := context.WithDeadline(ctx, minTime(start.Add(m.timeout), deadline))
		snap, err := m.fetcher.Fetch(fetchCtx, s.URL, s.Selectors)
		cancel()

		if ctx.Err() != nil || m.registry.Stopping(s.ID) {
			return m.interrupted(s)
		}
		if !m.now().Before(deadline) {
			m.logger.Info("Time limit reached during fetch", "session_id", s.ID, "owner", s.Owner, "started_at", s.StartedAt.Format(time.RFC3339))
			return outcome{reason: watch.ReasonExpired}
		}
		if err != nil {
			m.logger.Warn("Page fetch failed", "session_id", s.ID, "url", s.URL, "tick", tick, "error", err)
			return outcome{reason: watch.ReasonFetchError, err: err}
		}

		res := detect.Compare(s.LastSnapshot, snap)
		switch res.Kind {
		case detect.Missing:
			m.logger.Info("Elements missing", "session_id", s.ID, "missing", res.Missing)
			return outcome{reason: watch.ReasonElementMissing, missing: res.Missing}
		case detect.Changed:
			m.logger.Info("Element text changed", "session_id", s.ID, "changes", len(res.Changes))
			return outcome{reason: watch.ReasonChangeDetected, changes: res.Changes}
		case detect.Unchanged:
		}

		if len(s.LastSnapshot) == 0 {
			m.logger.Info("Baseline recorded", "session_id", s.ID, "found", len(snap), "selectors", len(s.Selectors))
			for _, sel := range s.Selectors {
				if _, ok := snap[sel]; !ok {
					m.logger.Warn("Selector not present", "session_id", s.ID, "selector", sel)
				}
			}
		}
		// The stored row carries the baseline so a restart compares against it.
		if !maps.Equal(s.LastSnapshot, snap) {
			s.LastSnapshot = snap.Clone()
			m.save(s)
		}

		// Sleep out the rest of the period, but never past the expiry deadline.
		now := m.now()
		wait := max(m.interval-now.Sub(start), 0)
		if left := deadline.Sub(now); left < wait {
			wait = max(left, 0)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return m.interrupted(s)
		case <-timer.C:
		}
	}
}

// interrupted classifies a cancelled loop: an explicit stop or a process shutdown.
func (m *Monitor) interrupted(s *watch.Session) outcome {
	if m.registry.Stopping(s.ID) {
		return outcome{reason: watch.ReasonUserStopped}
	}
	return outcome{reason: watch.ReasonShutdown}
}

// finish is the single teardown path: record the terminal state, attempt
// delivery, drop the stored row, then release the registry slot.
func (m *Monitor) finish(s *watch.Session, out outcome) {
	if out.reason == "" {
		out.reason = watch.ReasonFetchError
		out.err = errors.New("polling stopped without an outcome")
	}

	s.State = watch.StateTerminated
	s.Reason = out.reason
	s.TerminatedAt = m.now()
	if s.TerminatedAt.Before(s.StartedAt) {
		s.TerminatedAt = s.StartedAt
	}
	m.registry.MarkTerminated(s.ID, s.Reason)

	m.report(s, out)
	m.registry.Remove(s.ID)

	m.logger.Info("Monitoring stopped",
		"session_id", s.ID,
		"owner", s.Owner,
		"reason", s.Reason,
		"duration", s.TerminatedAt.Sub(s.StartedAt).Round(time.Second).String())
}

// report emits the terminal event to every sink and deletes the stored row.
// Both are best-effort: failures are logged and never block teardown.
func (m *Monitor) report(s *watch.Session, out outcome) {
	ev := &watch.Event{
		SessionID: s.ID,
		Owner:     s.Owner,
		URL:       s.URL,
		Kind:      out.reason,
		Changes:   out.changes,
		Missing:   out.missing,
		At:        s.TerminatedAt,
	}
	if out.err != nil {
		ev.Error = out.err.Error()
	}

	for _, sink := range m.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), EmitTimeout)
		if err := sink.Emit(ctx, ev); err != nil {
			m.logger.Error("Failed to deliver event", "session_id", s.ID, "owner", s.Owner, "kind", ev.Kind, "error", err)
		}
		cancel()
	}

	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Delete(ctx, s.ID); err != nil {
		m.logger.Warn("Failed to delete session row", "session_id", s.ID, "error", err)
	}
}

func (m *Monitor) save(s *watch.Session) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Save(ctx, s); err != nil {
		m.logger.Warn("Failed to save session row", "session_id", s.ID, "error", err)
	}
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
