package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"actionq/internal/action"
)

// CronHandler lets an external cron (or an operator) drive one
// processing pass over the queue.
type CronHandler struct {
	Processor *action.Processor
	Log       zerolog.Logger
}

func (h *CronHandler) Process(w http.ResponseWriter, r *http.Request) {
	batchSize := 0
	if raw := r.URL.Query().Get("batchSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid batchSize", http.StatusBadRequest)
			return
		}
		batchSize = n
	}

	res, err := h.Processor.ProcessPendingActions(r.Context(), batchSize)
	if err != nil {
		// Claim-step failures abort the whole pass; the caller should
		// back off and retry the batch later.
		h.Log.Error().Err(err).Msg("process pending actions failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}
