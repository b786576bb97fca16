package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/semesterpass/backend/internal/config"
	"github.com/semesterpass/backend/internal/handler"
	appMiddleware "github.com/semesterpass/backend/internal/middleware"
	"github.com/semesterpass/backend/internal/repository"
	"github.com/semesterpass/backend/internal/service"
	"github.com/semesterpass/backend/pkg/crypto"
	"github.com/semesterpass/backend/pkg/payment"
	"github.com/semesterpass/backend/pkg/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()

	db, err := repository.NewDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error("database error", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := repository.RunMigrations(ctx, db); err != nil {
		logger.Error("migration error", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected and migrated")

	var sealer service.PayloadSealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			logger.Error("encryption error", "error", err)
			os.Exit(1)
		}
		sealer = s
		logger.Info("webhook payloads will be stored encrypted", "key_id", s.KeyID())
	} else {
		logger.Warn("ENCRYPTION_KEY not set, webhook payloads will not be stored")
	}

	var publisher rabbitmq.Publisher = &rabbitmq.LogPublisher{Logger: logger}
	if cfg.AMQPURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.AMQPURL)
		if err != nil {
			logger.Warn("broker not available, lifecycle events will only be logged", "error", err)
		} else {
			publisher = producer
			logger.Info("lifecycle events publishing to broker", "exchange", service.LifecycleExchange)
		}
	}
	defer publisher.Close()

	clock := service.Clock(time.Now)
	gateway := payment.NewLocalGateway(cfg.PaymentWebhookSecret, cfg.PaymentBaseURL)

	userRepo := repository.NewUserRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)
	offerRepo := repository.NewOfferRepository(db)
	eventRepo := repository.NewEventRepository(db)

	authSvc := service.NewAuthService(cfg.JWTSecret)
	pricingSvc := service.NewPricingService(offerRepo, clock, logger)
	subSvc := service.NewSubscriptionService(subRepo, userRepo, pricingSvc, gateway, publisher, clock, logger)
	checkoutSvc := service.NewCheckoutService(subRepo, userRepo, pricingSvc, gateway, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL, clock, logger)
	processor := service.NewWebhookProcessor(gateway, subSvc, eventRepo, sealer, logger)
	gate := service.NewAccessGate(subRepo, userRepo, clock)

	scheduler := service.NewScheduler(subSvc, cfg.ExpirySchedule, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}

	healthHandler := handler.NewHealthHandler(db)
	plansHandler := handler.NewPlansHandler()
	subHandler := handler.NewSubscriptionHandler(subSvc, gate)
	offersHandler := handler.NewOffersHandler(pricingSvc)
	paymentHandler := handler.NewPaymentHandler(checkoutSvc, subSvc, processor, gateway, logger)
	adminHandler := handler.NewAdminHandler(subSvc)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(appMiddleware.Recovery(logger))
	r.Use(appMiddleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Timeout(cfg.RequestTimeout))

	globalRL := appMiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	r.Use(globalRL.Middleware())

	// Public routes
	r.Get("/health", healthHandler.Check)
	r.Get("/api/plans", plansHandler.List)
	r.Get("/api/plans/{type}", plansHandler.Get)
	r.Post("/api/payments/webhook", paymentHandler.Webhook)

	// Protected API routes
	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.Auth(authSvc))

		r.Post("/api/subscriptions", subHandler.Create)
		r.Get("/api/subscriptions", subHandler.List)
		r.Get("/api/subscriptions/active", subHandler.Active)
		r.Get("/api/subscriptions/check-access/{feature}", subHandler.CheckAccess)
		r.Post("/api/subscriptions/{id}/cancel", subHandler.Cancel)
		r.Get("/api/offers/applicable", offersHandler.Applicable)

		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.StrictRateLimiter())
			r.Post("/api/payments/create-checkout-session", paymentHandler.CreateCheckout)
			r.Post("/api/payments/create-portal-session", paymentHandler.CreatePortal)
			r.Post("/api/payments/cancel-subscription", paymentHandler.CancelSubscription)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.AdminOnly)
			r.Patch("/api/admin/subscriptions/{id}/status", adminHandler.UpdateStatus)
			r.Post("/api/admin/users/{id}/refresh-subscription", adminHandler.RefreshUser)
			r.Post("/api/admin/payments/simulate", paymentHandler.Simulate)
			r.Get("/api/admin/payments/events/{id}", paymentHandler.Event)
		})
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
			logger.Warn("expiry job still running at shutdown")
		}
	}()

	logger.Info("subscription backend listening", "addr", addr, "env", cfg.Env)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	<-done
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
