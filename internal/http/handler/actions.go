package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"actionq/internal/action"
)

// ActionsHandler is the thin HTTP surface over the scheduler. It does no
// business validation beyond shape checks; callers own payload meaning.
type ActionsHandler struct {
	Scheduler *action.Scheduler
	Log       zerolog.Logger
}

type scheduleReq struct {
	ActionType        string          `json:"actionType"`
	Payload           json.RawMessage `json:"payload"`
	ScheduledAt       *string         `json:"scheduledAt"` // RFC3339 optional
	TeamID            *string         `json:"teamId"`
	RecurringInterval string          `json:"recurringInterval"`
	RecurrenceType    string          `json:"recurrenceType"`
	LockGroup         *string         `json:"lockGroup"`
	MaxRetries        *int            `json:"maxRetries"`
}

func (h *ActionsHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	h.schedule(w, r, false)
}

func (h *ActionsHandler) ScheduleRecurring(w http.ResponseWriter, r *http.Request) {
	h.schedule(w, r, true)
}

func (h *ActionsHandler) schedule(w http.ResponseWriter, r *http.Request, recurring bool) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.ActionType = strings.TrimSpace(req.ActionType)
	if req.ActionType == "" {
		http.Error(w, "actionType required", http.StatusBadRequest)
		return
	}
	if recurring && strings.TrimSpace(req.RecurringInterval) == "" {
		http.Error(w, "recurringInterval required", http.StatusBadRequest)
		return
	}

	opts := action.ScheduleOptions{
		TeamID:         req.TeamID,
		RecurrenceType: action.RecurrenceType(req.RecurrenceType),
		LockGroup:      req.LockGroup,
		MaxRetries:     req.MaxRetries,
	}
	if req.ScheduledAt != nil && strings.TrimSpace(*req.ScheduledAt) != "" {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			http.Error(w, "invalid scheduledAt (RFC3339)", http.StatusBadRequest)
			return
		}
		opts.ScheduledAt = t
	}

	var (
		id  string
		err error
	)
	if recurring {
		id, err = h.Scheduler.ScheduleRecurringAction(r.Context(), req.ActionType, req.Payload, req.RecurringInterval, opts)
	} else {
		opts.RecurringInterval = req.RecurringInterval
		id, err = h.Scheduler.ScheduleAction(r.Context(), req.ActionType, req.Payload, opts)
	}
	if err != nil {
		h.Log.Error().Err(err).Str("action_type", req.ActionType).Msg("schedule failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (h *ActionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	cancelled, err := h.Scheduler.CancelScheduledAction(r.Context(), id)
	if err != nil {
		h.Log.Error().Err(err).Str("action_id", id).Msg("cancel failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}
