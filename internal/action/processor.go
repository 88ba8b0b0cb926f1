package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a handler execution when neither the definition
// nor the processor config says otherwise.
const DefaultTimeout = 30 * time.Second

// maxErrorLen caps what gets persisted into error_message.
const maxErrorLen = 1024

// BatchResult summarizes one ProcessPendingActions invocation.
// Processed counts claimed rows; Failed includes rows requeued for a
// later retry, not only terminal failures.
type BatchResult struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Errors    []ActionError `json:"errors"`
}

// ActionError is one failed action within a batch.
type ActionError struct {
	ActionID string `json:"actionId"`
	Error    string `json:"error"`
}

// ProcessorConfig carries the processor defaults from the config surface.
type ProcessorConfig struct {
	DefaultBatchSize int
	DefaultTimeout   time.Duration
}

// Processor claims due pending actions and executes them. Multiple
// processors may run concurrently against the same store: all mutual
// exclusion lives in the store's claim primitive, none in the process.
type Processor struct {
	store     Store
	registry  *Registry
	scheduler *Scheduler
	cfg       ProcessorConfig
	log       zerolog.Logger
	now       func() time.Time
}

func NewProcessor(store Store, registry *Registry, scheduler *Scheduler, cfg ProcessorConfig, log zerolog.Logger) *Processor {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 50
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Processor{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// ProcessPendingActions claims up to batchSize due actions (earliest
// first), runs each one, and finalizes it according to the retry and
// recurrence policy. Handler-level failures are recovered per action and
// reported in the result; a failure to claim the batch itself is
// returned as an error so the caller can back off and retry the whole
// batch.
func (p *Processor) ProcessPendingActions(ctx context.Context, batchSize int) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = p.cfg.DefaultBatchSize
	}

	claimed, err := p.store.ClaimDue(ctx, batchSize, p.now())
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim due actions: %w", err)
	}

	res := BatchResult{Processed: len(claimed)}
	for i := range claimed {
		a := &claimed[i]
		if execErr := p.execute(ctx, a); execErr != nil {
			res.Failed++
			res.Errors = append(res.Errors, ActionError{ActionID: a.ID, Error: execErr.Error()})
			p.finalizeFailure(ctx, a, execErr)
		} else {
			res.Succeeded++
			p.finalizeSuccess(ctx, a)
		}
	}
	return res, nil
}

// execute runs the handler for one claimed row under its timeout. A
// handler that outlives its budget keeps running in its goroutine but
// its eventual result is dropped; the row is finalized on the timeout
// path and never rewritten afterwards.
func (p *Processor) execute(ctx context.Context, a *ScheduledAction) error {
	def, ok := p.registry.Lookup(a.ActionType)
	if !ok {
		return fmt.Errorf("No handler registered for action type '%s'", a.ActionType)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snapshot := *a
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- def.Handler(runCtx, a.Payload, &snapshot)
	}()

	select {
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("handler timeout after %s", timeout)
		}
		return runCtx.Err()
	case err := <-done:
		return err
	}
}

func (p *Processor) finalizeSuccess(ctx context.Context, a *ScheduledAction) {
	completedAt := p.now()
	if err := p.store.MarkCompleted(ctx, a.ID, completedAt); err != nil {
		p.log.Error().Err(err).Str("action_id", a.ID).Msg("mark completed failed")
		return
	}
	p.log.Debug().
		Str("action_id", a.ID).
		Str("action_type", a.ActionType).
		Int("attempts", a.Attempts).
		Msg("action completed")

	if a.IsRecurring() {
		p.scheduleSuccessor(ctx, a, completedAt)
	}
}

// scheduleSuccessor creates the next occurrence of a recurring action:
// always a brand-new row, carrying the type, payload, tenant, interval,
// recurrence type and lock group of the completed one verbatim.
func (p *Processor) scheduleSuccessor(ctx context.Context, a *ScheduledAction, completedAt time.Time) {
	rt := RecurrenceRolling
	if a.RecurrenceType != nil {
		rt = *a.RecurrenceType
	}
	next, err := NextOccurrence(*a.RecurringInterval, rt, a.ScheduledAt, completedAt)
	if err != nil {
		p.log.Error().Err(err).
			Str("action_id", a.ID).
			Str("interval", *a.RecurringInterval).
			Msg("cannot compute next occurrence, recurring chain stops")
		return
	}

	successorID, err := p.scheduler.ScheduleAction(ctx, a.ActionType, a.Payload, ScheduleOptions{
		ScheduledAt:       next,
		TeamID:            a.TeamID,
		RecurringInterval: *a.RecurringInterval,
		RecurrenceType:    rt,
		LockGroup:         a.LockGroup,
		MaxRetries:        &a.MaxRetries,
	})
	if err != nil {
		p.log.Error().Err(err).Str("action_id", a.ID).Msg("schedule recurring successor failed")
		return
	}
	p.log.Debug().
		Str("action_id", a.ID).
		Str("successor_id", successorID).
		Time("next_run", next).
		Msg("recurring successor scheduled")
}

// finalizeFailure applies the retry policy. Attempts was incremented at
// claim time, so attempts <= maxRetries means there is retry credit left
// and the same row goes back to pending; otherwise it is terminally
// failed, and a recurring chain stops rather than silently continuing.
func (p *Processor) finalizeFailure(ctx context.Context, a *ScheduledAction, execErr error) {
	msg := truncateError(execErr)

	if a.Attempts <= a.MaxRetries {
		if err := p.store.ReturnToPending(ctx, a.ID, msg); err != nil {
			p.log.Error().Err(err).Str("action_id", a.ID).Msg("requeue for retry failed")
			return
		}
		p.log.Warn().
			Str("action_id", a.ID).
			Str("action_type", a.ActionType).
			Int("attempts", a.Attempts).
			Int("max_retries", a.MaxRetries).
			Str("error", msg).
			Msg("action failed, requeued for retry")
		return
	}

	if err := p.store.MarkFailed(ctx, a.ID, msg); err != nil {
		p.log.Error().Err(err).Str("action_id", a.ID).Msg("mark failed failed")
		return
	}
	p.log.Error().
		Str("action_id", a.ID).
		Str("action_type", a.ActionType).
		Int("attempts", a.Attempts).
		Str("error", msg).
		Msg("action failed permanently")
}

func truncateError(err error) string {
	msg := err.Error()
	if msg == "" {
		msg = "Unknown error"
	}
	if len(msg) > maxErrorLen {
		// back up to a rune boundary so the persisted text stays valid UTF-8
		cut := maxErrorLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

// MarshalPayload is a convenience for callers scheduling Go values.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
