package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/tempocall/billing-engine/internal/api"
	"github.com/tempocall/billing-engine/internal/call"
	"github.com/tempocall/billing-engine/internal/config"
	"github.com/tempocall/billing-engine/internal/events"
	"github.com/tempocall/billing-engine/internal/kyc"
	"github.com/tempocall/billing-engine/internal/ledger"
	"github.com/tempocall/billing-engine/internal/metering"
	"github.com/tempocall/billing-engine/internal/metrics"
	"github.com/tempocall/billing-engine/internal/payment"
	"github.com/tempocall/billing-engine/internal/store"
	"github.com/tempocall/billing-engine/internal/withdrawal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}
	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Events and payouts ---
	hub := events.NewHub()
	go hub.Run(ctx)

	publishers := events.Multi{hub}
	var dispatcher payment.Dispatcher = payment.LogDispatcher{}
	if cfg.AMQPURL != "" {
		producer, err := events.NewProducer(cfg.AMQPURL)
		if err != nil {
			slog.Error("message broker connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, producer.Close)
		publishers = append(publishers, events.NewAMQPPublisher(producer, cfg.EventsExchange))
		dispatcher = payment.NewAMQPDispatcher(producer, cfg.PayoutsExchange)
		slog.Info("AMQP publishing enabled", "events_exchange", cfg.EventsExchange, "payouts_exchange", cfg.PayoutsExchange)
	} else {
		slog.Warn("AMQP_URL not set, events and payout instructions are only logged")
		publishers = append(publishers, events.Log{Logger: logger})
	}

	// --- Domain services ---
	l := ledger.New(st, ledger.WithHoldPeriod(cfg.HoldPeriod()))

	engine := metering.New(st, l, metering.Config{
		Interval:             cfg.MeteringInterval(),
		RingTimeout:          cfg.RingTimeout(),
		PlatformAccountID:    cfg.PlatformAccountID,
		DefaultCommissionPct: cfg.DefaultCommissionPct,
	})
	calls := call.NewService(st, engine, publishers)
	engine.SetEnder(calls)

	gate := kyc.NewStoreGate(st)

	fee, _ := cfg.AnticipationFee()
	loc, _ := cfg.Location()
	withdrawals := withdrawal.NewManager(st, l, gate, dispatcher, publishers, withdrawal.Config{
		MinAmountCents:    cfg.MinWithdrawalCents,
		MaxAmountCents:    cfg.MaxWithdrawalCents,
		DailyLimit:        cfg.DailyWithdrawalLimit,
		AnticipationFee:   fee,
		Location:          loc,
		PlatformAccountID: cfg.PlatformAccountID,
	})

	if n, err := engine.Recover(ctx); err != nil {
		slog.Error("metering recovery failed", "err", err)
	} else {
		slog.Info("metering recovered", "active_calls", n)
	}

	// --- Reconciliation ---
	scheduler := cron.New(
		cron.WithChain(cron.Recover(cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)))),
		cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))),
	)
	if _, err := scheduler.AddFunc(cfg.ReconcileSchedule, func() { engine.Reconcile(ctx) }); err != nil {
		slog.Error("invalid RECONCILE_SCHEDULE", "schedule", cfg.ReconcileSchedule, "err", err)
		os.Exit(1)
	}
	scheduler.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"billing-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	h := api.NewHandler(api.Deps{
		Store:       st,
		Ledger:      l,
		Calls:       calls,
		Withdrawals: withdrawals,
		Payments:    payment.NewService(l),
		KYC:         gate,
		Hub:         hub,
	})
	r.Route("/api/v1", h.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("billing-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down billing-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	<-scheduler.Stop().Done()
	engine.Shutdown()
	stop()
	fmt.Println("billing-engine stopped")
}
