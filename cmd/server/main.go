package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ayush/research-aggregator/internal/auth"
	"github.com/ayush/research-aggregator/internal/config"
	"github.com/ayush/research-aggregator/internal/middleware"
	"github.com/ayush/research-aggregator/internal/research"
	"github.com/ayush/research-aggregator/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// ── PostgreSQL ────────────────────────────────────────────
	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect", zap.Error(err))
	}
	defer pgPool.Close()
	users := store.NewUserStore(pgPool)
	if err := users.Migrate(ctx); err != nil {
		logger.Fatal("postgres migrate", zap.Error(err))
	}

	// ── MongoDB ──────────────────────────────────────────────
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Fatal("mongo connect", zap.Error(err))
	}
	defer mongoClient.Disconnect(ctx)
	mongoDB := mongoClient.Database(cfg.MongoDB)
	if err := store.EnsureIndexes(ctx, mongoDB); err != nil {
		logger.Fatal("mongo indexes", zap.Error(err))
	}
	queries := store.NewQueryStore(mongoDB)

	// ── Redis ────────────────────────────────────────────────
	rdb, err := store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer rdb.Close()
	sessions := auth.NewSessionStore(rdb)

	// ── MinIO ────────────────────────────────────────────────
	exports, err := store.NewExportStore(
		ctx, cfg.MinioEndpoint, cfg.MinioAccessKey,
		cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL,
	)
	if err != nil {
		logger.Fatal("minio connect", zap.Error(err))
	}
	cache := store.NewCacheStore(mongoDB, exports, logger)

	// ── Research pipeline ────────────────────────────────────
	sources := []research.SourceClient{
		research.NewScholarClient(cfg.ScholarBaseURL, cfg.ScholarAPIKey,
			cfg.MaxResults, cfg.SourceRetries, cfg.SourceTimeout),
		research.NewBooksClient(cfg.BooksBaseURL, cfg.BooksAPIKey,
			cfg.MaxResults, cfg.SourceRetries, cfg.SourceTimeout),
		research.NewScienceDirectClient(cfg.ScienceDirectURL, cfg.ScienceDirectKey,
			cfg.MaxResults, cfg.SourceRetries, cfg.SourceTimeout),
	}
	synth := research.NewSynthesisClient(cfg.SynthesisURL)
	agg := research.NewAggregator(synth, logger)
	orch := research.NewOrchestrator(research.Options{
		CacheTTL:        cfg.CacheTTL,
		OverallTimeout:  cfg.OverallTimeout,
		MinSourcesOK:    cfg.MinSourceOK,
		StatusRetention: cfg.StatusRetention,
	}, cache, queries, sources, agg, exports, logger)

	// ── Background sweep of expired cache entries ────────────
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go cache.Janitor(janitorCtx, cfg.SweepInterval)

	// ── Handlers ─────────────────────────────────────────────
	authHandler := auth.NewHandler(users, sessions)
	researchHandler := research.NewHandler(orch, queries, cache, exports, logger)
	limiter := middleware.NewRateLimiter(rdb, cfg.RateLimitMax, cfg.RateLimitWindow, logger)

	// ── Router ───────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := "ok"
		code := http.StatusOK
		if err := queries.Touch(req.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		w.Write([]byte(`{"status":"` + status + `"}`))
	})

	// Auth routes (public)
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.With(middleware.RequireAuth(sessions)).Get("/me", authHandler.Me)
	})

	// Research routes: anonymous callers allowed, rate limited.
	r.Route("/api/research", func(r chi.Router) {
		r.Use(middleware.OptionalAuth(sessions))
		r.Use(limiter.Handler)
		researchHandler.Routes(r)
	})

	// ── Server ───────────────────────────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  1 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		logger.Info("listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopJanitor()
	shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
	orch.Close()
}
