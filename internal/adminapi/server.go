// Package adminapi exposes operator actions over HTTP: job inspection and
// dead-letter handling, feed registration and categorization rules.
package adminapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/categorize"
	"github.com/mhpenta/ingestq/feed"
)

// Server holds the stores behind the admin routes.
type Server struct {
	queue     ingestq.Queue
	admin     ingestq.Admin
	feeds     feed.Store
	rules     categorize.RuleStore
	validator *requestValidator
	logger    *slog.Logger
	clock     func() time.Time
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for cleanup cutoffs.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New builds a Server. Both backends' stores satisfy every argument, so
// callers usually pass the same store four times, with queue wrapped by
// notify.NotifyingQueue when wake-ups are enabled.
func New(queue ingestq.Queue, admin ingestq.Admin, feeds feed.Store, rules categorize.RuleStore, opts ...Option) *Server {
	s := &Server{
		queue:     queue,
		admin:     admin,
		feeds:     feeds,
		rules:     rules,
		validator: newRequestValidator(),
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.enqueueJob)
		r.Get("/counts", s.countJobs)
		r.Get("/failed", s.listFailedJobs)
		r.Post("/cleanup", s.cleanupJobs)
		r.Get("/{id}", s.getJob)
		r.Get("/{id}/events", s.listEvents)
		r.Post("/{id}/accept", s.acceptDeadLetter)
	})

	r.Route("/feeds", func(r chi.Router) {
		r.Get("/", s.listFeeds)
		r.Get("/{channelID}", s.getFeed)
		r.Put("/{channelID}", s.upsertFeed)
		r.Post("/{channelID}/enable", s.setFeedActive(true))
		r.Post("/{channelID}/disable", s.setFeedActive(false))
	})

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.listRules)
		r.Post("/", s.saveRule)
		r.Get("/{id}", s.getRule)
		r.Put("/{id}", s.saveRule)
		r.Delete("/{id}", s.deleteRule)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
