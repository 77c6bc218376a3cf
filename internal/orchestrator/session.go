package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dauletk/insightbot/internal/domain"
)

// Session is one (user, channel) conversation. The record is persisted; the
// result table and history floor live only in memory and die with the
// process.
type Session struct {
	mu           sync.Mutex
	restore      sync.Once
	rec          domain.SessionRecord
	table        *domain.Table
	historyFloor time.Time
}

// reset drops the pending data and returns the session to its initial state.
// The history floor moves forward so earlier turns stop feeding prompts,
// while the audit log keeps them.
func (s *Session) reset(now time.Time) {
	s.rec.Clear(now)
	s.table = nil
	s.historyFloor = now
}

func (s *Session) hasData() bool {
	return s.rec.State == domain.StateHasData && !s.table.IsEmpty()
}

// sessions guards the per-key session map. Each session has its own lock so
// one user's slow query never blocks another user's turn.
type sessions struct {
	mu      sync.Mutex
	byKey   map[domain.SessionKey]*Session
	store   Store
	timeout time.Duration
}

func newSessions(store Store, timeout time.Duration) *sessions {
	return &sessions{
		byKey:   make(map[domain.SessionKey]*Session),
		store:   store,
		timeout: timeout,
	}
}

// acquire returns the session for a key, restoring the persisted record on
// first touch after a restart. The caller holds the returned session's lock.
//
// Restoration runs under the session lock via sync.Once: whichever goroutine
// wins the first lock restores before any turn, and the record is never
// overwritten once a turn has run on it.
func (s *sessions) acquire(ctx context.Context, key domain.SessionKey) *Session {
	s.mu.Lock()
	sess, ok := s.byKey[key]
	if !ok {
		sess = &Session{rec: domain.SessionRecord{
			Key:       key,
			State:     domain.StateInitial,
			CreatedAt: time.Now(),
		}}
		s.byKey[key] = sess
	}
	s.mu.Unlock()

	sess.mu.Lock()
	sess.restore.Do(func() {
		if s.store == nil {
			return
		}
		rec, err := s.store.Load(ctx, key, s.timeout)
		switch {
		case err == nil:
			// The table itself died with the old process, so a restored
			// session keeps its last question and SQL but drops back to the
			// initial state until a query refills the data.
			sess.rec = *rec
			sess.rec.LastRowCount = nil
			sess.rec.State = domain.StateInitial
		case errors.Is(err, domain.ErrSessionNotFound):
		default:
			slog.Warn("session restore failed", "key", key.String(), "error", err)
		}
	})
	return sess
}
