package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/morning-markets/exchange/internal/api"
	"github.com/morning-markets/exchange/internal/auth"
	"github.com/morning-markets/exchange/internal/config"
	"github.com/morning-markets/exchange/internal/engine"
	"github.com/morning-markets/exchange/internal/feed"
	"github.com/morning-markets/exchange/internal/metrics"
	"github.com/morning-markets/exchange/internal/settle"
	"github.com/morning-markets/exchange/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DB.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.InitSchema(context.Background()); err != nil {
			slog.Error("schema init failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.Enabled {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("db.url not set, using in-memory store (data will not persist)")
		mem := store.NewMemoryStore()
		mem.SetPositionLimit(context.Background(), cfg.Game.PositionLimit)
		st = mem
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Trade feed ---
	var tradeFeed engine.TradePublisher
	if cfg.Kafka.Enabled {
		producer := feed.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() { producer.Close() })
		tradeFeed = producer
		slog.Info("Kafka trade feed enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Core services ---
	eng := engine.New(st, engine.NewMarketLocks(), tradeFeed)
	settleSvc := settle.New(st, eng.Locks())
	authMgr := auth.NewManager(st, cfg.Admin.Username, cfg.Admin.Password, cfg.Game.StaleSessionAge)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	apiSvc := api.NewService(st, eng, settleSvc, authMgr, wsHub, cfg.Game.RecentTradeCount)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", apiSvc.Routes())

	// WebSocket endpoint for per-market event streams.
	r.Get("/ws/markets/{marketID}", func(w http.ResponseWriter, r *http.Request) {
		wsHub.HandleWS(w, r, chi.URLParam(r, "marketID"))
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down exchange...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange stopped")
}
