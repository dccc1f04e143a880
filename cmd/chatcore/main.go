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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/tickerchat/chat-core/config"
	"github.com/tickerchat/chat-core/internal/chatapi"
	"github.com/tickerchat/chat-core/internal/orchestrator"
	"github.com/tickerchat/chat-core/internal/pubsub"
	"github.com/tickerchat/chat-core/internal/relay"
	"github.com/tickerchat/chat-core/internal/reqctx"
	"github.com/tickerchat/chat-core/internal/resolver"
	"github.com/tickerchat/chat-core/internal/telemetry"
	"github.com/tickerchat/chat-core/internal/usage"
	"github.com/tickerchat/chat-core/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("chat-core", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Connect Redis (optional: relay and rate limiting degrade without it)
	var publisher *pubsub.RedisPublisher
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis unreachable at startup, publishing stays best-effort: %v", err)
		} else {
			log.Println("Redis connected")
		}

		publisher = pubsub.NewRedisPublisher(rdb)
		defer publisher.Close()
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)
	} else {
		log.Println("REDIS_ADDR not set; stream relay is in-process only, no rate limiting")
	}

	// 4. Connect PostgreSQL (optional: usage logging only)
	var usageStore usage.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")
		usageStore = usage.NewPostgresStore(pool)
	} else {
		log.Println("POSTGRES_DSN not set; usage logging disabled")
	}

	// 5. Resolve providers. Never fatal: a degraded set only fails requests.
	res := resolver.Resolve(cfg)
	res.LogSummary()

	// 6. Orchestrator + relay
	orch := orchestrator.New(res.Primary, res.Fallback, res.MissingKeys())

	var pub pubsub.Publisher
	if publisher != nil {
		pub = publisher
	}
	streamRelay := relay.New(pub, cfg.StreamChannel)

	// 7. HTTP handler. Chart rendering is an external collaborator; none is
	// wired here, so responses carry hasChart=false.
	tracer := otel.GetTracerProvider().Tracer("chat-core")
	handler := chatapi.NewHandler(orch, streamRelay, usageStore, limiter, nil, tracer)

	// 8. Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(reqctx.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"chat-core"}`))
	})

	r.Post("/api/chat/stream", handler.HandleChat)
	r.Get("/api/usage", handler.HandleUsage)

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("chat-core starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
