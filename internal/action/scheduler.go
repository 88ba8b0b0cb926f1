package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultMaxRetries applies when the caller does not set MaxRetries.
const defaultMaxRetries = 3

// ScheduleOptions tunes a single ScheduleAction call. The zero value
// schedules a one-time, untenanted action due now.
type ScheduleOptions struct {
	// ScheduledAt is the earliest time the action becomes claimable.
	// Zero means now.
	ScheduledAt time.Time

	TeamID *string

	// RecurringInterval makes the action spawn a successor on success:
	// "hourly", "daily", "weekly" or a cron expression.
	RecurringInterval string

	// RecurrenceType defaults to rolling when the action is recurring.
	RecurrenceType RecurrenceType

	LockGroup *string

	// MaxRetries is the number of retries allowed beyond the first
	// attempt. Nil means the engine default.
	MaxRetries *int
}

// SchedulerConfig carries the deduplication debounce window.
type SchedulerConfig struct {
	DedupWindow time.Duration
}

// Scheduler creates and cancels persisted action rows. Rows are only
// ever mutated afterwards by the processor (or by CancelScheduledAction
// while still pending).
type Scheduler struct {
	store Store
	cfg   SchedulerConfig
	log   zerolog.Logger
	now   func() time.Time
}

func NewScheduler(store Store, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// ScheduleAction persists a new pending action and returns its id.
//
// One-time actions whose payload carries an entityId are deduplicated:
// under a keyed lock scoped to (actionType, entityId), an existing
// pending row with the same key inside the debounce window gets its
// payload overwritten (last write wins) and its id returned instead of a
// new row being created. Recurring actions and payloads without an
// entityId always insert a fresh row.
func (s *Scheduler) ScheduleAction(ctx context.Context, actionType string, payload json.RawMessage, opts ScheduleOptions) (string, error) {
	if actionType == "" {
		return "", fmt.Errorf("action type is required")
	}
	if opts.RecurringInterval != "" && !ValidInterval(opts.RecurringInterval) {
		return "", fmt.Errorf("invalid recurring interval %q", opts.RecurringInterval)
	}
	switch opts.RecurrenceType {
	case "", RecurrenceFixed, RecurrenceRolling:
	default:
		return "", fmt.Errorf("invalid recurrence type %q", opts.RecurrenceType)
	}

	entityID := EntityIDFromPayload(payload)
	if opts.RecurringInterval == "" && entityID != "" {
		return s.scheduleDeduplicated(ctx, actionType, entityID, payload, opts)
	}

	row := s.newRow(actionType, payload, opts)
	if err := s.store.Insert(ctx, row); err != nil {
		return "", fmt.Errorf("insert scheduled action: %w", err)
	}
	s.log.Debug().
		Str("action_id", row.ID).
		Str("action_type", actionType).
		Time("scheduled_at", row.ScheduledAt).
		Msg("action scheduled")
	return row.ID, nil
}

// ScheduleRecurringAction schedules a recurring action. The interval
// argument always wins over anything set in opts.
func (s *Scheduler) ScheduleRecurringAction(ctx context.Context, actionType string, payload json.RawMessage, interval string, opts ScheduleOptions) (string, error) {
	opts.RecurringInterval = interval
	return s.ScheduleAction(ctx, actionType, payload, opts)
}

// CancelScheduledAction flips a still-pending row to failed with a fixed
// reason. Best-effort: a row already running (or gone) is left alone and
// false is returned, not an error.
func (s *Scheduler) CancelScheduledAction(ctx context.Context, id string) (bool, error) {
	cancelled, err := s.store.CancelPending(ctx, id, CancelReason)
	if err != nil {
		return false, fmt.Errorf("cancel scheduled action %s: %w", id, err)
	}
	if cancelled {
		s.log.Debug().Str("action_id", id).Msg("action cancelled")
	}
	return cancelled, nil
}

func (s *Scheduler) scheduleDeduplicated(ctx context.Context, actionType, entityID string, payload json.RawMessage, opts ScheduleOptions) (string, error) {
	var id string
	key := dedupKey(actionType, entityID)
	err := s.store.WithKeyedLock(ctx, key, func(ctx context.Context) error {
		since := s.now().Add(-s.cfg.DedupWindow)
		dup, err := s.store.FindPendingDuplicate(ctx, actionType, entityID, since)
		if err != nil {
			return fmt.Errorf("find pending duplicate: %w", err)
		}
		if dup != nil {
			if err := s.store.UpdatePayload(ctx, dup.ID, payload); err != nil {
				return fmt.Errorf("coalesce duplicate payload: %w", err)
			}
			s.log.Debug().
				Str("action_id", dup.ID).
				Str("action_type", actionType).
				Str("entity_id", entityID).
				Msg("duplicate trigger coalesced")
			id = dup.ID
			return nil
		}

		row := s.newRow(actionType, payload, opts)
		if err := s.store.Insert(ctx, row); err != nil {
			return fmt.Errorf("insert scheduled action: %w", err)
		}
		id = row.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Scheduler) newRow(actionType string, payload json.RawMessage, opts ScheduleOptions) *ScheduledAction {
	now := s.now()
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxRetries := defaultMaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	row := &ScheduledAction{
		ID:          uuid.NewString(),
		ActionType:  actionType,
		Status:      StatusPending,
		Payload:     payload,
		TeamID:      opts.TeamID,
		ScheduledAt: scheduledAt,
		MaxRetries:  maxRetries,
		LockGroup:   opts.LockGroup,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.RecurringInterval != "" {
		interval := opts.RecurringInterval
		row.RecurringInterval = &interval
		rt := opts.RecurrenceType
		if rt == "" {
			rt = RecurrenceRolling
		}
		row.RecurrenceType = &rt
	}
	return row
}

func dedupKey(actionType, entityID string) string {
	return "action:" + actionType + ":" + entityID
}

// EntityIDFromPayload extracts the identifying key used for
// deduplication. Both string and numeric entityId values are accepted;
// anything else (or an unparseable payload) yields "".
func EntityIDFromPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	raw, ok := doc["entityId"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
