package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"actionq/internal/action"
	"actionq/internal/config"
	"actionq/internal/http/handler"
	mw "actionq/internal/http/middleware"
)

func NewRouter(cfg config.Config, sched *action.Scheduler, proc *action.Processor, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.ActionsHandler{Scheduler: sched, Log: log}
	r.Route("/actions", func(r chi.Router) {
		r.Post("/", ah.Schedule)
		r.Post("/recurring", ah.ScheduleRecurring)
		r.Delete("/{id}", ah.Cancel)
	})

	ch := &handler.CronHandler{Processor: proc, Log: log}
	r.Post("/cron/process", ch.Process)

	return r
}
