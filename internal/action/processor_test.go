package action_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"actionq/internal/action"
	"actionq/internal/store/memstore"
)

type engine struct {
	store     *memstore.Store
	registry  *action.Registry
	scheduler *action.Scheduler
	processor *action.Processor
}

func newEngine() *engine {
	store := memstore.New()
	registry := action.NewRegistry(zerolog.Nop())
	scheduler := newScheduler(store)
	processor := action.NewProcessor(store, registry, scheduler, action.ProcessorConfig{
		DefaultBatchSize: 10,
		DefaultTimeout:   time.Second,
	}, zerolog.Nop())
	return &engine{store: store, registry: registry, scheduler: scheduler, processor: processor}
}

func (e *engine) scheduleDue(t *testing.T, actionType string, payload json.RawMessage, opts action.ScheduleOptions) string {
	t.Helper()
	if opts.ScheduledAt.IsZero() {
		opts.ScheduledAt = time.Now().Add(-time.Second)
	}
	id, err := e.scheduler.ScheduleAction(context.Background(), actionType, payload, opts)
	if err != nil {
		t.Fatalf("schedule %s: %v", actionType, err)
	}
	return id
}

func TestProcessPendingActionsSuccess(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	var got json.RawMessage
	e.registry.Register("email:send", func(_ context.Context, payload json.RawMessage, row *action.ScheduledAction) error {
		got = payload
		if row.ActionType != "email:send" {
			t.Errorf("row snapshot has wrong type %q", row.ActionType)
		}
		if row.Status != action.StatusRunning {
			t.Errorf("row snapshot status = %s, want running", row.Status)
		}
		return nil
	})

	id := e.scheduleDue(t, "email:send", json.RawMessage(`{"to":"a@x.com"}`), action.ScheduleOptions{})

	res, err := e.processor.ProcessPendingActions(ctx, 0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 1 || res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if string(got) != `{"to":"a@x.com"}` {
		t.Fatalf("handler payload = %s", got)
	}

	row, _ := e.store.Get(id)
	if row.Status != action.StatusCompleted {
		t.Fatalf("status = %s, want completed", row.Status)
	}
	if row.CompletedAt == nil || row.StartedAt == nil {
		t.Fatalf("timestamps not set: started=%v completed=%v", row.StartedAt, row.CompletedAt)
	}
	if row.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", row.Attempts)
	}
}

func TestProcessFailsImmediatelyWithZeroRetries(t *testing.T) {
	e := newEngine()
	e.registry.Register("always:fails", func(context.Context, json.RawMessage, *action.ScheduledAction) error {
		return errors.New("boom")
	})

	id := e.scheduleDue(t, "always:fails", nil, action.ScheduleOptions{MaxRetries: intPtr(0)})

	res, err := e.processor.ProcessPendingActions(context.Background(), 0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 || res.Succeeded != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].ActionID != id || res.Errors[0].Error != "boom" {
		t.Fatalf("errors = %+v", res.Errors)
	}

	row, _ := e.store.Get(id)
	if row.Status != action.StatusFailed {
		t.Fatalf("status = %s, want failed on first attempt", row.Status)
	}
	if row.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", row.Attempts)
	}
	if row.ErrorMessage == nil || *row.ErrorMessage != "boom" {
		t.Fatalf("errorMessage = %v", row.ErrorMessage)
	}
}

func TestProcessRetriesExactlyMaxRetriesTimes(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	calls := 0
	e.registry.Register("always:fails", func(context.Context, json.RawMessage, *action.ScheduledAction) error {
		calls++
		return errors.New("boom")
	})

	const maxRetries = 2
	id := e.scheduleDue(t, "always:fails", nil, action.ScheduleOptions{MaxRetries: intPtr(maxRetries)})

	// attempts 1 and 2 requeue the same row
	for i := 1; i <= maxRetries; i++ {
		res, err := e.processor.ProcessPendingActions(ctx, 0)
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if res.Processed != 1 || res.Failed != 1 {
			t.Fatalf("pass %d result = %+v", i, res)
		}
		row, _ := e.store.Get(id)
		if row.Status != action.StatusPending {
			t.Fatalf("pass %d: status = %s, want pending requeue", i, row.Status)
		}
		if row.Attempts != i {
			t.Fatalf("pass %d: attempts = %d", i, row.Attempts)
		}
	}

	// attempt 3 exhausts the credit
	if _, err := e.processor.ProcessPendingActions(ctx, 0); err != nil {
		t.Fatalf("final pass: %v", err)
	}
	row, _ := e.store.Get(id)
	if row.Status != action.StatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if row.Attempts != maxRetries+1 {
		t.Fatalf("attempts = %d, want %d", row.Attempts, maxRetries+1)
	}
	if calls != maxRetries+1 {
		t.Fatalf("handler ran %d times, want %d", calls, maxRetries+1)
	}

	// terminal row stays put
	res, err := e.processor.ProcessPendingActions(ctx, 0)
	if err != nil {
		t.Fatalf("post-terminal pass: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("failed row was claimed again: %+v", res)
	}
}

func TestProcessEventualSuccessAfterRetries(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	calls := 0
	e.registry.Register("email:send", func(context.Context, json.RawMessage, *action.ScheduledAction) error {
		calls++
		if calls < 3 {
			return errors.New("smtp unavailable")
		}
		return nil
	})

	id := e.scheduleDue(t, "email:send", json.RawMessage(`{"to":"a@x.com"}`), action.ScheduleOptions{MaxRetries: intPtr(2)})

	for i := 0; i < 3; i++ {
		if _, err := e.processor.ProcessPendingActions(ctx, 0); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	row, _ := e.store.Get(id)
	if row.Status != action.StatusCompleted {
		t.Fatalf("status = %s, want completed", row.Status)
	}
	if row.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", row.Attempts)
	}
}

func TestProcessUnregisteredHandler(t *testing.T) {
	e := newEngine()

	id := e.scheduleDue(t, "ghost:type", nil, action.ScheduleOptions{MaxRetries: intPtr(0)})

	res, err := e.processor.ProcessPendingActions(context.Background(), 0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %+v", res.Errors)
	}
	want := "No handler registered for action type 'ghost:type'"
	if res.Errors[0].Error != want {
		t.Fatalf("error = %q, want %q", res.Errors[0].Error, want)
	}

	row, _ := e.store.Get(id)
	if row.Status != action.StatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
}

func TestProcessHandlerTimeout(t *testing.T) {
	e := newEngine()

	e.registry.Register("slow:crawl", func(ctx context.Context, _ json.RawMessage, _ *action.ScheduledAction) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	}, action.WithTimeout(20*time.Millisecond))

	id := e.scheduleDue(t, "slow:crawl", nil, action.ScheduleOptions{MaxRetries: intPtr(0)})

	res, err := e.processor.ProcessPendingActions(context.Background(), 0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Error, "timeout") {
		t.Fatalf("timeout error text = %q", res.Errors[0].Error)
	}

	row, _ := e.store.Get(id)
	if row.Status != action.StatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}

	// the late handler completion must not overwrite the outcome
	time.Sleep(600 * time.Millisecond)
	row, _ = e.store.Get(id)
	if row.Status != action.StatusFailed {
		t.Fatalf("late completion rewrote status to %s", row.Status)
	}
}

func TestProcessHandlerPanicIsRecovered(t *testing.T) {
	e := newEngine()
	e.registry.Register("boom:panic", func(context.Context, json.RawMessage, *action.ScheduledAction) error {
		panic("kaboom")
	})

	id := e.scheduleDue(t, "boom:panic", nil, action.ScheduleOptions{MaxRetries: intPtr(0)})

	res, err := e.processor.ProcessPendingActions(context.Background(), 0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Error, "kaboom") {
		t.Fatalf("errors = %+v", res.Errors)
	}
	row, _ := e.store.Get(id)
	if row.Status != action.StatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
}

func TestRecurringSuccessSpawnsOneSuccessor(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	e.registry.Register("report:rollup", func(context.Context, json.RawMessage, *action.ScheduledAction) error {
		return nil
	})

	scheduledAt := time.Now().Add(-time.Minute)
	id, err := e.scheduler.ScheduleRecurringAction(ctx, "report:rollup", json.RawMessage(`{"scope":"all"}`), "hourly", action.ScheduleOptions{
		ScheduledAt:    scheduledAt,
		RecurrenceType: action.RecurrenceFixed,
		LockGroup:      strPtr("reports"),
		TeamID:         strPtr("team-9"),
	})
	if err != nil {
		t.Fatalf("schedule recurring: %v", err)
	}

	if _, err := e.processor.ProcessPendingActions(ctx, 0); err != nil {
		t.Fatalf("process: %v", err)
	}

	rows := e.store.All()
	if len(rows) != 2 {
		t.Fatalf("expected original + successor, got %d rows", len(rows))
	}

	orig, _ := e.store.Get(id)
	if orig.Status != action.StatusCompleted {
		t.Fatalf("original status = %s, want completed", orig.Status)
	}

	var succ *action.ScheduledAction
	for i := range rows {
		if rows[i].ID != id {
			succ = &rows[i]
		}
	}
	if succ == nil {
		t.Fatalf("no successor row found")
	}
	if succ.Status != action.StatusPending {
		t.Fatalf("successor status = %s", succ.Status)
	}
	if succ.ActionType != "report:rollup" || string(succ.Payload) != `{"scope":"all"}` {
		t.Fatalf("successor did not copy type/payload: %s %s", succ.ActionType, succ.Payload)
	}
	if succ.LockGroup == nil || *succ.LockGroup != "reports" {
		t.Fatalf("successor lockGroup = %v", succ.LockGroup)
	}
	if succ.TeamID == nil || *succ.TeamID != "team-9" {
		t.Fatalf("successor teamId = %v", succ.TeamID)
	}
	if succ.RecurringInterval == nil || *succ.RecurringInterval != "hourly" {
		t.Fatalf("successor interval = %v", succ.RecurringInterval)
	}
	if succ.RecurrenceType == nil || *succ.RecurrenceType != action.RecurrenceFixed {
		t.Fatalf("successor recurrenceType = %v", succ.RecurrenceType)
	}
	// fixed recurrence anchors off the original cadence
	if want := scheduledAt.Add(time.Hour); !succ.ScheduledAt.Equal(want) {
		t.Fatalf("successor scheduledAt = %v, want %v", succ.ScheduledAt, want)
	}
}

func TestRecurringExhaustedRetriesStopsChain(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	e.registry.Register("report:rollup", func(context.Context, json.RawMessage, *action.ScheduledAction) error {
		return errors.New("boom")
	})

	id, err := e.scheduler.ScheduleRecurringAction(ctx, "report:rollup", nil, "hourly", action.ScheduleOptions{
		ScheduledAt: time.Now().Add(-time.Second),
		MaxRetries:  intPtr(0),
	})
	if err != nil {
		t.Fatalf("schedule recurring: %v", err)
	}

	if _, err := e.processor.ProcessPendingActions(ctx, 0); err != nil {
		t.Fatalf("process: %v", err)
	}

	row, _ := e.store.Get(id)
	if row.Status != action.StatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if got := len(e.store.All()); got != 1 {
		t.Fatalf("exhausted recurring action spawned a successor (%d rows)", got)
	}
}

func TestLockGroupClaimsAtMostOnePerPass(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	e.registry.Register("billing:charge", func(context.Context, json.RawMessage, *action.ScheduledAction) error {
		return nil
	})

	group := strPtr("customer-7")
	first := e.scheduleDue(t, "billing:charge", nil, action.ScheduleOptions{
		ScheduledAt: time.Now().Add(-2 * time.Second),
		LockGroup:   group,
	})
	second := e.scheduleDue(t, "billing:charge", nil, action.ScheduleOptions{
		ScheduledAt: time.Now().Add(-time.Second),
		LockGroup:   group,
	})

	res, err := e.processor.ProcessPendingActions(ctx, 10)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("first pass claimed %d rows of the same group", res.Processed)
	}
	row, _ := e.store.Get(first)
	if row.Status != action.StatusCompleted {
		t.Fatalf("earliest-due row should run first, status = %s", row.Status)
	}
	row, _ = e.store.Get(second)
	if row.Status != action.StatusPending {
		t.Fatalf("second group member should wait, status = %s", row.Status)
	}

	res, err = e.processor.ProcessPendingActions(ctx, 10)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("second pass = %+v", res)
	}
	row, _ = e.store.Get(second)
	if row.Status != action.StatusCompleted {
		t.Fatalf("second group member never ran, status = %s", row.Status)
	}
}

func TestStaleRunningRowDoesNotWedgeLockGroup(t *testing.T) {
	e := newEngine()
	e.store.StaleAfter = 150 * time.Millisecond
	ctx := context.Background()

	e.registry.Register("billing:charge", func(context.Context, json.RawMessage, *action.ScheduledAction) error {
		return nil
	})

	group := strPtr("customer-7")
	first := e.scheduleDue(t, "billing:charge", nil, action.ScheduleOptions{
		ScheduledAt: time.Now().Add(-2 * time.Second),
		LockGroup:   group,
	})
	second := e.scheduleDue(t, "billing:charge", nil, action.ScheduleOptions{
		ScheduledAt: time.Now().Add(-time.Second),
		LockGroup:   group,
	})

	// a worker claims the first row and dies before finalizing
	claimed, err := e.store.ClaimDue(ctx, 1, time.Now())
	if err != nil || len(claimed) != 1 || claimed[0].ID != first {
		t.Fatalf("claim = %+v (%v)", claimed, err)
	}

	// while the orphan is fresh, the group is untouchable
	res, err := e.processor.ProcessPendingActions(ctx, 10)
	if err != nil {
		t.Fatalf("pass against busy group: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("claimed %d rows of a busy group", res.Processed)
	}

	time.Sleep(200 * time.Millisecond)

	// the stale orphan is requeued and runs again (at-least-once)
	res, err = e.processor.ProcessPendingActions(ctx, 10)
	if err != nil {
		t.Fatalf("pass after stale window: %v", err)
	}
	if res.Processed != 1 || res.Succeeded != 1 {
		t.Fatalf("result = %+v, want the recovered row", res)
	}
	row, _ := e.store.Get(first)
	if row.Status != action.StatusCompleted || row.Attempts != 2 {
		t.Fatalf("recovered row = status %s attempts %d", row.Status, row.Attempts)
	}

	res, err = e.processor.ProcessPendingActions(ctx, 10)
	if err != nil {
		t.Fatalf("final pass: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("second group member never ran: %+v", res)
	}
	row, _ = e.store.Get(second)
	if row.Status != action.StatusCompleted {
		t.Fatalf("second row status = %s", row.Status)
	}
}

func TestBatchSizeClaimsEarliestFirst(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	var order []string
	e.registry.Register("email:send", func(_ context.Context, payload json.RawMessage, _ *action.ScheduledAction) error {
		order = append(order, string(payload))
		return nil
	})

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		payload, _ := action.MarshalPayload(map[string]int{"n": i})
		e.scheduleDue(t, "email:send", payload, action.ScheduleOptions{
			ScheduledAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	res, err := e.processor.ProcessPendingActions(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 10 || res.Succeeded != 10 {
		t.Fatalf("result = %+v", res)
	}
	if len(order) != 10 {
		t.Fatalf("handler ran %d times", len(order))
	}
	for i, got := range order {
		want, _ := action.MarshalPayload(map[string]int{"n": i})
		if got != string(want) {
			t.Fatalf("execution order[%d] = %s, want %s", i, got, want)
		}
	}
}
