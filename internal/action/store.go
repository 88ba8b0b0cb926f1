package action

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultStaleRunning is how long a row may sit in running before a
// claim pass treats its worker as dead and requeues the row. It must
// comfortably exceed the longest handler timeout in use.
const DefaultStaleRunning = 10 * time.Minute

// Store is the persistence contract the engine runs against. The only
// serialization points are ClaimDue (lock-and-skip row claiming, at most
// one row per non-null lock group, never while that group has a running
// row) and WithKeyedLock (a short exclusive section for the
// decide-to-insert-or-coalesce step of deduplication).
type Store interface {
	// Insert persists a new row. The caller has already assigned the id.
	Insert(ctx context.Context, a *ScheduledAction) error

	// ClaimDue atomically claims up to limit pending rows with
	// scheduled_at <= now, earliest-due first, marking each running,
	// stamping started_at and incrementing attempts. Rows locked by a
	// concurrent claimer are skipped, never waited on. The limit bounds
	// the candidate window: a due row passed over by the lock-group
	// rule still consumes its slot. Rows left running longer than the
	// stale window are requeued before candidates are selected, so a
	// crashed worker cannot wedge its lock group. The returned slice is
	// ordered by scheduled_at ascending.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]ScheduledAction, error)

	// UpdatePayload overwrites the payload of an existing row
	// (last-write-wins coalescing on a dedup hit).
	UpdatePayload(ctx context.Context, id string, payload json.RawMessage) error

	MarkCompleted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// ReturnToPending puts a claimed row back on the queue for a future
	// claim, keeping its incremented attempts and recording the failure.
	ReturnToPending(ctx context.Context, id string, errMsg string) error

	// CancelPending flips a row from pending to failed with the given
	// reason, only if it is still pending. Returns whether a row was
	// affected; a running or missing row yields (false, nil).
	CancelPending(ctx context.Context, id string, reason string) (bool, error)

	// FindPendingDuplicate returns the earliest pending row of the given
	// type whose payload entityId matches, scheduled at or after since.
	// (nil, nil) when there is none.
	FindPendingDuplicate(ctx context.Context, actionType, entityID string, since time.Time) (*ScheduledAction, error)

	// WithKeyedLock runs fn while holding an exclusive lock on key. The
	// lock is cross-process where the store supports it (advisory locks
	// on Postgres) and is released when fn returns.
	WithKeyedLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
