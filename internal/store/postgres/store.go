// Package postgres persists scheduled actions with gorm on Postgres.
// Claiming relies on FOR UPDATE SKIP LOCKED plus advisory locks, so the
// engine needs no coordination beyond the database itself.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"actionq/internal/action"
)

type Store struct {
	DB *gorm.DB

	// StaleAfter is how long a row may sit in running before a claim
	// pass assumes its worker died and requeues it.
	StaleAfter time.Duration
}

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db, StaleAfter: action.DefaultStaleRunning}
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&action.ScheduledAction{}); err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_actions_due on scheduled_actions(status, scheduled_at);`,
		`create index if not exists idx_actions_lock_group on scheduled_actions(lock_group) where lock_group is not null;`,
		// Dedup lookup: pending rows by type + identifying payload key.
		`create index if not exists idx_actions_dedup on scheduled_actions(action_type, (payload->>'entityId')) where status = 'pending';`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, a *action.ScheduledAction) error {
	return s.DB.WithContext(ctx).Create(a).Error
}

// ClaimDue claims up to limit due pending rows inside one transaction.
//
// FOR UPDATE SKIP LOCKED guarantees no double-claim and never waits on a
// row another worker holds. Per lock group the order is: win
// pg_try_advisory_xact_lock first, then re-check for a running row. Any
// uncommitted claim of the group still holds the advisory lock, so the
// try-lock fails; any committed claim is visible to the re-check under
// READ COMMITTED. There is no window between the two in which a second
// worker can claim the same group.
//
// Rows stuck in running longer than StaleAfter are requeued up front,
// inside the same transaction, so a worker that died between claim and
// finalize cannot wedge its lock group.
func (s *Store) ClaimDue(ctx context.Context, limit int, now time.Time) ([]action.ScheduledAction, error) {
	var claimed []action.ScheduledAction
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`
update scheduled_actions
set status = 'pending', started_at = null, updated_at = now()
where status = 'running' and started_at < ?`, now.Add(-s.StaleAfter)).Error; err != nil {
			return err
		}

		var candidates []action.ScheduledAction
		if err := tx.Raw(`
select *
from scheduled_actions
where status = 'pending' and scheduled_at <= ?
order by scheduled_at asc
limit ?
for update skip locked
`, now, limit).Scan(&candidates).Error; err != nil {
			return err
		}

		claimedGroups := make(map[string]bool)
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			if c.LockGroup != nil {
				g := *c.LockGroup
				if claimedGroups[g] {
					continue
				}
				var won bool
				if err := tx.Raw(`select pg_try_advisory_xact_lock(hashtext(?))`, "lockgroup:"+g).Scan(&won).Error; err != nil {
					return err
				}
				if !won {
					continue
				}
				var running int64
				if err := tx.Model(&action.ScheduledAction{}).
					Where("status = ? AND lock_group = ?", action.StatusRunning, g).
					Count(&running).Error; err != nil {
					return err
				}
				if running > 0 {
					continue
				}
				claimedGroups[g] = true
			}
			ids = append(ids, c.ID)
		}
		if len(ids) == 0 {
			return nil
		}

		return tx.Raw(`
update scheduled_actions
set status = 'running', started_at = ?, attempts = attempts + 1, updated_at = ?
where id in ?
returning *
`, now, now, ids).Scan(&claimed).Error
	})
	if err != nil {
		return nil, err
	}

	// RETURNING does not promise an order.
	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].ScheduledAt.Before(claimed[j].ScheduledAt)
	})
	return claimed, nil
}

func (s *Store) UpdatePayload(ctx context.Context, id string, payload json.RawMessage) error {
	return s.DB.WithContext(ctx).Exec(
		`update scheduled_actions set payload = ?::jsonb, updated_at = now() where id = ?`,
		string(payload), id,
	).Error
}

func (s *Store) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return s.DB.WithContext(ctx).Exec(
		`update scheduled_actions set status = 'completed', completed_at = ?, updated_at = now() where id = ?`,
		at, id,
	).Error
}

func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return s.DB.WithContext(ctx).Exec(
		`update scheduled_actions set status = 'failed', error_message = ?, updated_at = now() where id = ?`,
		errMsg, id,
	).Error
}

func (s *Store) ReturnToPending(ctx context.Context, id string, errMsg string) error {
	return s.DB.WithContext(ctx).Exec(`
update scheduled_actions
set status = 'pending',
    started_at = null,
    error_message = ?,
    updated_at = now()
where id = ?`, errMsg, id).Error
}

func (s *Store) CancelPending(ctx context.Context, id string, reason string) (bool, error) {
	res := s.DB.WithContext(ctx).Exec(`
update scheduled_actions
set status = 'failed', error_message = ?, updated_at = now()
where id = ? and status = 'pending'`, reason, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) FindPendingDuplicate(ctx context.Context, actionType, entityID string, since time.Time) (*action.ScheduledAction, error) {
	var row action.ScheduledAction
	err := s.DB.WithContext(ctx).
		Where("action_type = ? AND status = ? AND payload->>'entityId' = ? AND scheduled_at >= ?",
			actionType, action.StatusPending, entityID, since).
		Order("scheduled_at asc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// WithKeyedLock serializes fn across every process sharing the database
// via a transaction-scoped advisory lock on the key's hash. The lock is
// released when the wrapping transaction commits.
func (s *Store) WithKeyedLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`select pg_advisory_xact_lock(hashtext(?))`, key).Error; err != nil {
			return fmt.Errorf("acquire keyed lock %q: %w", key, err)
		}
		return fn(ctx)
	})
}

// PurgeTerminal deletes completed and failed rows last touched before
// olderThan. Used by the built-in retention action.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Exec(`
delete from scheduled_actions
where status in ('completed', 'failed') and updated_at < ?`, olderThan)
	return res.RowsAffected, res.Error
}
