package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callmeter/internal/auth"
	"callmeter/internal/config"
	"callmeter/internal/directory"
	"callmeter/internal/gateway"
	"callmeter/internal/httpapi"
	"callmeter/internal/pricing"
	"callmeter/internal/reporting"
	"callmeter/internal/session"
	"callmeter/internal/wallet"
	"callmeter/pkg/logger"
	"callmeter/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	wallets := wallet.NewPostgresStore(db)
	records := directory.NewPostgresRepo(db)
	gw := gateway.NewRedisGateway(rdb, log)
	rates := pricing.NewService(seededRates(cfg.Billing))

	var limiter session.Limiter
	if cfg.Billing.MaxCallsPerHost > 0 {
		limiter = session.NewRedisLimiter(rdb, cfg.Billing.MaxCallsPerHost, 0)
	}

	engine := session.NewEngine(session.Config{
		TickInterval:    cfg.Billing.TickInterval,
		RingTimeout:     cfg.Billing.RingTimeout,
		MinStartSeconds: cfg.Billing.MinStartSeconds,
		RecoveryGrace:   cfg.Billing.RecoveryGrace,
	}, session.Deps{
		Wallets: wallets,
		Records: records,
		Rates:   rates,
		Gateway: gw,
		Limiter: limiter,
		Logger:  log,
	})

	// Resume or close out sessions left open by the previous instance
	// before accepting traffic.
	if err := engine.Recover(rootCtx); err != nil {
		log.Error("session recovery failed", "err", err)
		os.Exit(1)
	}

	h := httpapi.Handlers{
		Auth:    authManager,
		Engine:  engine,
		Wallets: wallets,
		Records: records,
		Reports: reporting.NewService(reporting.NewSources(records, wallets)),
		Gateway: gw,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, h, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: /events holds an SSE stream open for the
		// duration of a call.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Stop billing loops without ending sessions; the next instance's
	// recovery pass resumes them from their durable records.
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func seededRates(b config.BillingConfig) *pricing.MemoryRepo {
	now := time.Now().UTC()
	return &pricing.MemoryRepo{Rates: []pricing.Rate{
		{
			ID:              "voice-default",
			Kind:            string(directory.CallKindVoice),
			Currency:        b.Currency,
			PerSecondMicros: b.RateVoiceMicros,
			Status:          pricing.RateStatusActive,
			EffectiveFrom:   now,
		},
		{
			ID:              "video-default",
			Kind:            string(directory.CallKindVideo),
			Currency:        b.Currency,
			PerSecondMicros: b.RateVideoMicros,
			Status:          pricing.RateStatusActive,
			EffectiveFrom:   now,
		},
	}}
}
