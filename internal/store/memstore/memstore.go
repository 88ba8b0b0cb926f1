// Package memstore is an in-memory action.Store with the same claim and
// locking semantics as the Postgres store. It backs the engine's tests
// and is handy for local development without a database.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"actionq/internal/action"
)

type Store struct {
	mu   sync.Mutex
	rows map[string]*action.ScheduledAction

	keyedMu sync.Mutex
	keyed   map[string]*sync.Mutex

	// StaleAfter mirrors the Postgres store's stale-running window.
	StaleAfter time.Duration
}

func New() *Store {
	return &Store{
		rows:       make(map[string]*action.ScheduledAction),
		keyed:      make(map[string]*sync.Mutex),
		StaleAfter: action.DefaultStaleRunning,
	}
}

func (s *Store) Insert(_ context.Context, a *action.ScheduledAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.rows[a.ID] = &cp
	return nil
}

func (s *Store) ClaimDue(_ context.Context, limit int, now time.Time) ([]action.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// requeue rows whose worker died between claim and finalize
	stale := now.Add(-s.StaleAfter)
	for _, row := range s.rows {
		if row.Status == action.StatusRunning && row.StartedAt != nil && row.StartedAt.Before(stale) {
			row.Status = action.StatusPending
			row.StartedAt = nil
			row.UpdatedAt = now
		}
	}

	runningGroups := make(map[string]bool)
	var due []*action.ScheduledAction
	for _, row := range s.rows {
		if row.Status == action.StatusRunning && row.LockGroup != nil {
			runningGroups[*row.LockGroup] = true
		}
		if row.Status == action.StatusPending && !row.ScheduledAt.After(now) {
			due = append(due, row)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})

	claimedGroups := make(map[string]bool)
	claimed := make([]action.ScheduledAction, 0, limit)
	for i, row := range due {
		// group-skipped rows consume their slot, matching the SQL
		// store's LIMIT window
		if i >= limit {
			break
		}
		if row.LockGroup != nil {
			g := *row.LockGroup
			if runningGroups[g] || claimedGroups[g] {
				continue
			}
			claimedGroups[g] = true
		}
		started := now
		row.Status = action.StatusRunning
		row.StartedAt = &started
		row.Attempts++
		row.UpdatedAt = now
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (s *Store) UpdatePayload(_ context.Context, id string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Payload = append(json.RawMessage(nil), payload...)
		row.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) MarkCompleted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Status = action.StatusCompleted
		row.CompletedAt = &at
		row.UpdatedAt = at
	}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Status = action.StatusFailed
		row.ErrorMessage = &errMsg
		row.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) ReturnToPending(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Status = action.StatusPending
		row.StartedAt = nil
		row.ErrorMessage = &errMsg
		row.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) CancelPending(_ context.Context, id string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Status != action.StatusPending {
		return false, nil
	}
	row.Status = action.StatusFailed
	row.ErrorMessage = &reason
	row.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) FindPendingDuplicate(_ context.Context, actionType, entityID string, since time.Time) (*action.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var match *action.ScheduledAction
	for _, row := range s.rows {
		if row.ActionType != actionType || row.Status != action.StatusPending {
			continue
		}
		if row.ScheduledAt.Before(since) {
			continue
		}
		if action.EntityIDFromPayload(row.Payload) != entityID {
			continue
		}
		if match == nil || row.ScheduledAt.Before(match.ScheduledAt) {
			match = row
		}
	}
	if match == nil {
		return nil, nil
	}
	cp := *match
	return &cp, nil
}

func (s *Store) WithKeyedLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s.keyedMu.Lock()
	mu, ok := s.keyed[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keyed[key] = mu
	}
	s.keyedMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

// Get returns a copy of a row for inspection.
func (s *Store) Get(id string) (action.ScheduledAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return action.ScheduledAction{}, false
	}
	return *row, true
}

// All returns copies of every row, scheduled_at ascending.
func (s *Store) All() []action.ScheduledAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]action.ScheduledAction, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}
