package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/diagnosis/phoneauth/internal/handlers"
	"github.com/diagnosis/phoneauth/internal/ratelimit"
	"github.com/diagnosis/phoneauth/internal/repository"
	"github.com/diagnosis/phoneauth/internal/service"
	"github.com/diagnosis/phoneauth/internal/sms"
	"github.com/diagnosis/phoneauth/pkg/auth"
	"github.com/diagnosis/phoneauth/pkg/config"
	"github.com/diagnosis/phoneauth/pkg/database"
	"github.com/diagnosis/phoneauth/pkg/events"
	"github.com/diagnosis/phoneauth/pkg/logger"
	mw "github.com/diagnosis/phoneauth/pkg/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	// Connect to database
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Client rate limiter backed by Redis, in-process fallback for dev
	var clientLimiter ratelimit.Limiter
	if redisOpts, err := redis.ParseURL(cfg.Redis.URL); err == nil {
		clientLimiter = ratelimit.NewRedisLimiter(redis.NewClient(redisOpts), cfg.OTP.ClientRatePerMinute, time.Minute)
	} else {
		logger.Warn("Invalid REDIS_URL, using in-process rate limiter", "error", err)
		clientLimiter = ratelimit.NewMemoryLimiter(cfg.OTP.ClientRatePerMinute, time.Minute)
	}

	// Connect to event bus
	var eventBus events.Publisher
	natsBus, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		logger.Warn("NATS unavailable, events disabled", "error", err)
		eventBus = events.NopBus{}
	} else {
		eventBus = natsBus
		defer natsBus.Close()
	}

	// SMS gateway
	var gateway sms.Gateway
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" && cfg.Twilio.From != "" {
		gateway = sms.NewTwilioGateway(cfg.Twilio)
	} else {
		logger.Warn("Twilio credentials missing, using dev SMS gateway")
		gateway = sms.NewDevGateway()
	}

	// Initialize repositories
	otpRepo := repository.NewOTPRepository(pool)
	userRepo := repository.NewUserRepository(pool)

	// Initialize services
	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	otpService := service.NewOTPService(otpRepo, userRepo, clientLimiter, gateway, issuer, eventBus, cfg.OTP)

	// Initialize handlers
	h := handlers.New(otpService, issuer)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logging)
	r.Use(mw.Health)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/request-otp", h.RequestOTP)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Get("/me", h.Me)
	})

	// Periodic cleanup: drop records expired for longer than the per-phone
	// rate-limit window, so window counting still sees recent issuances.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			deleted, err := otpRepo.DeleteExpired(ctx, time.Now().Add(-time.Hour))
			if err != nil {
				logger.Error("OTP cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Info("Cleaned up expired OTP records", "deleted", deleted)
			}
		}
	}()

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down phoneauth service...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}()

	logger.Info("Starting phoneauth service", "port", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
