package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/trustmesh/reputation-market/internal/auth"
	"github.com/trustmesh/reputation-market/internal/engine"
	"github.com/trustmesh/reputation-market/internal/identity"
	"github.com/trustmesh/reputation-market/internal/metrics"
	"github.com/trustmesh/reputation-market/internal/model"
	"github.com/trustmesh/reputation-market/internal/payout"
	"github.com/trustmesh/reputation-market/internal/store"
	"github.com/trustmesh/reputation-market/internal/trade"
)

// defaultTiers seed the configuration registry when it is empty.
// Tier 0 is the default preset.
var defaultTiers = []model.ConfigTier{
	{InitialLiquidity: 2_000, InitialVotes: 1, BasePrice: 1_000},
	{InitialLiquidity: 50_000, InitialVotes: 1_000, BasePrice: 1_000},
	{InitialLiquidity: 100_000, InitialVotes: 10_000, BasePrice: 1_000},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// Seed default configuration tiers for a fresh deployment.
	if tiers, err := st.ConfigTiers(context.Background()); err == nil && len(tiers) == 0 {
		for _, t := range defaultTiers {
			if err := st.AppendConfigTier(context.Background(), t); err != nil {
				slog.Error("failed to seed config tier", "err", err)
				os.Exit(1)
			}
		}
		slog.Info("seeded default config tiers", "count", len(defaultTiers))
	}

	// --- External collaborators ---
	// The identity registry and value transferor run in-memory here;
	// production deployments swap in clients for the real services.
	registry := identity.NewMemoryRegistry()
	guard := auth.NewMemoryGuard(splitList(os.Getenv("ADMIN_ADDRESSES"))...)
	transferor := payout.NewMemoryTransferor()
	authority := os.Getenv("GRADUATION_AUTHORITY")

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Engine + HTTP service ---
	eng := engine.New(engine.Config{
		Store:      st,
		Registry:   registry,
		Guard:      guard,
		Transferor: transferor,
		Authority:  authority,
		OnUpdate:   wsHub.Broadcast,
	})
	svc := trade.NewService(eng)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"reputation-market"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time market updates.
		r.Get("/ws", wsHub.HandleWS)

		// Market management.
		r.Get("/markets", svc.ListMarkets)
		r.Post("/markets", svc.CreateMarket)
		r.Get("/markets/{subject}", svc.GetMarket)
		r.Get("/markets/{subject}/price", svc.GetPrice)
		r.Get("/markets/{subject}/participants", svc.GetParticipantCount)
		r.Get("/markets/{subject}/events", svc.GetMarketEvents)

		// Trade execution and previews.
		r.Post("/trade/buy", svc.Buy)
		r.Post("/trade/sell", svc.Sell)
		r.Post("/trade/preview/buy", svc.PreviewBuy)
		r.Post("/trade/preview/sell", svc.PreviewSell)

		// Graduation lifecycle.
		r.Post("/graduate", svc.Graduate)
		r.Post("/graduate/withdraw", svc.WithdrawGraduatedFunds)

		// Donation escrow.
		r.Post("/donations/claim", svc.ClaimDonations)
		r.Post("/donations/recipient", svc.ReassignDonationRecipient)

		// Holdings.
		r.Get("/holdings/{account}/{subject}", svc.GetHolding)

		// Admin configuration.
		r.Post("/admin/config-tiers", svc.AddConfigTier)
		r.Delete("/admin/config-tiers/{index}", svc.RemoveConfigTier)
		r.Post("/admin/fees/entry", svc.SetEntryFees)
		r.Post("/admin/fees/exit", svc.SetExitFees)
		r.Post("/admin/fees/address", svc.SetProtocolFeeAddress)
		r.Post("/admin/allowlist", svc.SetAllowListEnforcement)
		r.Post("/admin/allowlist/{subject}", svc.SetMarketCreationAllowed)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("reputation-market listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down reputation-market...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("reputation-market stopped")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
