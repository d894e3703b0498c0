package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"notesync/internal/clock"
	"notesync/internal/logsink"
	"notesync/internal/queue"
	"notesync/internal/syncexec"
	"notesync/internal/syncstate"
	"notesync/internal/worker"
)

// LogReader serves recent durable log records.
type LogReader interface {
	Recent(ctx context.Context, limit int) ([]logsink.Record, error)
}

type Deps struct {
	Repo     queue.Repository
	Registry *worker.Registry
	State    *syncstate.Store
	Logs     LogReader
	Gatherer prometheus.Gatherer
	Clock    clock.Clock
	// ServerTime returns the current server-time estimate in epoch ms, or 0
	// when unknown.
	ServerTime func() int64
	// DefaultMaxAge applies to cleanup requests without older_than.
	DefaultMaxAge time.Duration
	Log           zerolog.Logger
	Debug         bool
}

type Server struct {
	r *chi.Mux
	d Deps
}

func NewServer(d Deps) http.Handler {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.ServerTime == nil {
		d.ServerTime = func() int64 { return 0 }
	}
	if d.DefaultMaxAge <= 0 {
		d.DefaultMaxAge = time.Hour
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(d.Log), middleware.Recoverer)

	s := &Server{r: r, d: d}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.listTasks)
		r.Post("/tasks/cleanup", s.cleanupTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.deleteTask)

		r.Get("/queues", s.listQueues)
		r.Post("/queues/{queue}/tasks", s.enqueue)
		r.Delete("/queues/{queue}/tasks", s.clearQueue)
		r.Post("/queues/{queue}/pause", s.pauseQueue)
		r.Post("/queues/{queue}/resume", s.resumeQueue)

		r.Get("/sync/state", s.getState)
		r.Delete("/sync/state", s.clearState)
		r.Post("/sync/scan", s.scan)

		r.Get("/logs", s.recentLogs)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		limit = n
	}
	tasks, err := s.d.Repo.ListRecent(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.d.Repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.d.Repo.Delete(r.Context(), chi.URLParam(r, "id"), force); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cleanupTasks(w http.ResponseWriter, r *http.Request) {
	olderThan := s.d.DefaultMaxAge
	if v := r.URL.Query().Get("older_than"); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil || mins < 0 {
			http.Error(w, "older_than must be a non-negative number of minutes", 400)
			return
		}
		olderThan = time.Duration(mins) * time.Minute
	}
	n, err := s.d.Repo.DeleteOlderThan(r.Context(), s.d.Clock.Now().Add(-olderThan))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, map[string]int{"removed": n})
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.d.Registry.Queues())
}

type enqueueReq struct {
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", 400)
		return
	}
	t, err := s.d.Registry.Enqueue(r.Context(), chi.URLParam(r, "queue"), req.Payload, req.Priority)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Registry.Clear(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, map[string]int{"removed": n})
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Registry.Pause(chi.URLParam(r, "queue")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Registry.Resume(chi.URLParam(r, "queue")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	data, err := s.d.State.Get(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, data)
}

func (s *Server) clearState(w http.ResponseWriter, r *http.Request) {
	if err := s.d.State.Clear(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	t, err := s.d.Registry.Enqueue(r.Context(), syncexec.QueueID, syncexec.Payload{
		Op:         syncexec.OpScan,
		ServerTime: s.d.ServerTime(),
	}, 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) recentLogs(w http.ResponseWriter, r *http.Request) {
	if s.d.Logs == nil {
		writeJSON(w, 200, []logsink.Record{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.d.Logs.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []logsink.Record{}
	}
	writeJSON(w, 200, recs)
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var unknown *queue.UnknownQueueError
	var inUse *queue.TaskInUseError
	switch {
	case errors.Is(err, queue.ErrTaskNotFound), errors.As(err, &unknown):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &inUse):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, syncstate.ErrCorrupt), errors.Is(err, queue.ErrInvalidRecord):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.d.Log.Error().Err(err).Msg("api request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
