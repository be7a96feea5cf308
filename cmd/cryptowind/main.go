package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cryptowin/cryptowin-go/internal/platform/auth"
	"github.com/cryptowin/cryptowin-go/internal/platform/clock"
	"github.com/cryptowin/cryptowin-go/internal/platform/server"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	httpAddr := envOr("CW_HTTP_ADDR", ":8080")
	databaseURL := envOr("CW_DATABASE_URL", "")
	jwtSecret := envOr("CW_JWT_SECRET", "")
	adminID := envOr("CW_ADMIN_ACCOUNT_ID", "admin-platform")
	accessTTL := envDuration("CW_ACCESS_TOKEN_TTL", 24*time.Hour)
	idempotencyTTL := envDuration("CW_IDEMPOTENCY_TTL", 24*time.Hour)
	cleanupInterval := envDuration("CW_IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour)
	cleanupBatch := envInt("CW_IDEMPOTENCY_CLEANUP_BATCH", 500)
	payoutTimeout := envDuration("CW_PAYOUT_TIMEOUT", 30*time.Second)
	lockoutMax := envInt("CW_LOGIN_LOCKOUT_FAILURES", 5)
	lockoutTTL := envDuration("CW_LOGIN_LOCKOUT_TTL", 15*time.Minute)

	if jwtSecret == "" {
		log.Fatal("CW_JWT_SECRET is required")
	}

	var db *sql.DB
	if databaseURL != "" {
		var err error
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("ping database: %v", err)
		}
		defer db.Close()
	}

	metrics := server.NewMetrics()
	tokens := auth.NewTokenProvider(jwtSecret, accessTTL)

	ledger := server.NewLedgerService(clk, adminID, db)
	ledger.SetMetrics(metrics)
	ledger.SetIdempotencyTTL(idempotencyTTL)
	ledger.SetPayoutTimeout(payoutTimeout)

	directory := server.NewDirectoryService(clk, tokens, ledger, db)
	directory.SetMetrics(metrics)
	directory.SetLoginLockoutPolicy(lockoutMax, lockoutTTL)

	if db != nil {
		ledger.StartIdempotencyCleanupWorker(ctx, cleanupInterval, cleanupBatch, log.Printf, func(deleted int64, err error) {
			metrics.ObserveLedgerIdempotencyCleanup(deleted, err)
			if err == nil {
				metrics.RefreshLedgerIdempotencyCounts(ctx, db)
			}
		})
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           server.NewRouter(ledger, directory, tokens, db),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("http listening on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}
