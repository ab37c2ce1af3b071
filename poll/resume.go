package poll

import (
	"context"
	"errors"
	"time"

	"pagewatch/pkg/watch"
)

// resume restarts sessions whose rows outlived the previous process.
// Rows past their deadline are reported as expired; rows that no longer fit
// (capacity or duplicate owner) are reported as shutdown. Resumed sessions
// keep their id, start time and last stored snapshot, so a change made while
// the process was down is reported on the first tick.
func (m *Monitor) resume(ctx context.Context) {
	if m.store == nil {
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rows, err := m.store.List(listCtx)
	if err != nil {
		m.logger.Warn("Failed to list stored sessions", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	m.logger.Info("Recovering stored sessions", "count", len(rows))

	now := m.now()
	for _, row := range rows {
		if row.ID == "" || row.Owner == "" || row.URL == "" || len(row.Selectors) == 0 {
			m.logger.Warn("Dropping incomplete session row", "session_id", row.ID)
			out := outcome{reason: watch.ReasonFetchError, err: errors.New("stored session is incomplete")}
			m.report(m.terminate(row, out.reason, now), out)
			continue
		}

		if !now.Before(row.StartedAt.Add(m.ttl)) {
			m.logger.Info("Stored session expired while offline", "session_id", row.ID, "owner", row.Owner)
			m.report(m.terminate(row, watch.ReasonExpired, now), outcome{reason: watch.ReasonExpired})
			continue
		}

		row.State = watch.StatePending
		row.Reason = ""
		row.TerminatedAt = time.Time{}
		if _, err := m.activate(row); err != nil {
			m.logger.Warn("Could not resume stored session", "session_id", row.ID, "owner", row.Owner, "error", err)
			m.report(m.terminate(row, watch.ReasonShutdown, now), outcome{reason: watch.ReasonShutdown, err: err})
			continue
		}
		m.logger.Info("Session resumed", "session_id", row.ID, "owner", row.Owner, "url", row.URL)
	}
}

// terminate stamps a session that never reached a polling goroutine.
func (m *Monitor) terminate(s *watch.Session, reason watch.Reason, now time.Time) *watch.Session {
	s.State = watch.StateTerminated
	s.Reason = reason
	s.TerminatedAt = now
	if s.TerminatedAt.Before(s.StartedAt) {
		s.TerminatedAt = s.StartedAt
	}
	return s
}
