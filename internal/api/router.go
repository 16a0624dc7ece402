package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/canon/internal/api/handlers"
	mw "github.com/storyloom/canon/internal/api/middleware"
	"github.com/storyloom/canon/internal/config"
	"github.com/storyloom/canon/internal/domain"
	"github.com/storyloom/canon/internal/service"
	"github.com/storyloom/canon/internal/store"
	"go.uber.org/zap"
)

// App holds the router plus process metrics.
type App struct {
	Router       *chi.Mux
	Session      *service.SessionController
	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(db *pgxpool.Pool, logger *zap.Logger) *App {
	// Stores
	chronicleStore := store.NewChronicleStore(db)
	storyStore := store.NewStoryStore(db)
	scopeStore := store.NewScopeStore(db)
	turnStore := store.NewTurnStore(db)
	proposalStore := store.NewProposalStore(db)
	canonicalStore := store.NewCanonicalStore(db)
	evidenceStore := store.NewEvidenceStore(db)

	// Services. The canonical store is passed as reader everywhere and as
	// writer exactly once: only the canonizer can commit canon.
	stagingSvc := service.NewStagingService(proposalStore, scopeStore, logger)
	detector := service.NewDetector(canonicalStore)
	evaluator := service.NewEvaluator(config.ConfidenceThreshold())
	for _, a := range []domain.Authority{
		domain.AuthoritySource,
		domain.AuthorityArbiter,
		domain.AuthorityParticipant,
		domain.AuthorityInferred,
	} {
		evaluator.SetWeight(a, config.AuthorityWeight(string(a), a.Weight()))
	}
	canonizer := service.NewCanonizer(scopeStore, proposalStore, canonicalStore, canonicalStore, detector, evaluator, logger)
	if url := config.IndexerURL(); url != "" {
		canonizer.SetNotifier(service.NewHTTPNotifier(url, config.IndexerRetries(), logger))
	}
	loopSvc := service.NewLoopService(storyStore, scopeStore, turnStore, stagingSvc, canonizer, logger)

	// Handlers
	chronicleHandler := handlers.NewChronicleHandler(chronicleStore)
	proposalHandler := handlers.NewProposalHandler(stagingSvc)
	storyHandler := handlers.NewStoryHandler(loopSvc)
	scopeHandler := handlers.NewScopeHandler(loopSvc, canonizer)
	canonHandler := handlers.NewCanonHandler(canonicalStore, evidenceStore, canonizer)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		Session:   service.NewSessionController(),
		startTime: time.Now(),
	}

	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	// Health (no auth)
	r.Get("/health", healthHandler(db))

	// Metrics (no auth)
	r.Get("/metrics", app.metricsHandler())

	// Chronicle creation (no auth, bootstrap endpoint)
	r.Post("/v1/chronicles", chronicleHandler.Create)

	// Authenticated routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(chronicleStore))

		// Stories
		r.Route("/stories", func(r chi.Router) {
			r.Post("/", storyHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/activate", storyHandler.Activate)
				r.Post("/complete", storyHandler.Complete)
				r.Get("/scenes", storyHandler.ListScenes)
			})
		})

		// Scopes (scenes)
		r.Route("/scopes", func(r chi.Router) {
			r.Post("/", scopeHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", scopeHandler.GetByID)
				r.Post("/begin", scopeHandler.Begin)
				r.Post("/turns", scopeHandler.Turn)
				r.Post("/checkpoint", scopeHandler.Checkpoint)
				r.Post("/finalize", scopeHandler.Finalize)
				r.Get("/proposals", proposalHandler.ListByScope)
			})
		})

		// Proposals
		r.Route("/proposals", func(r chi.Router) {
			r.Post("/", proposalHandler.Stage)
			r.Get("/{id}", proposalHandler.GetByID)
		})

		// Canon
		r.Route("/canon", func(r chi.Router) {
			r.Post("/query", canonHandler.Query)
			r.Get("/active", canonHandler.ActiveByEntity)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", canonHandler.GetByID)
				r.Get("/history", canonHandler.History)
				r.Get("/evidence", canonHandler.Evidence)
				r.Post("/retcon", canonHandler.Retcon)
			})
		})
	})

	return app
}

// NewRouter returns just the chi.Mux.
func NewRouter(db *pgxpool.Pool, logger *zap.Logger) *chi.Mux {
	return NewApp(db, logger).Router
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"session_state":  app.Session.State(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores satisfy the domain interfaces at compile time.
var (
	_ domain.ChronicleStore  = (*store.ChronicleStore)(nil)
	_ domain.StoryStore      = (*store.StoryStore)(nil)
	_ domain.ScopeStore      = (*store.ScopeStore)(nil)
	_ domain.TurnStore       = (*store.TurnStore)(nil)
	_ domain.ProposalStore   = (*store.ProposalStore)(nil)
	_ domain.CanonicalReader = (*store.CanonicalStore)(nil)
	_ domain.CanonicalWriter = (*store.CanonicalStore)(nil)
	_ domain.EvidenceStore   = (*store.EvidenceStore)(nil)
)
