package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"clinic-crm/backend/internal/audit"
	auditproducer "clinic-crm/backend/internal/audit/producer"
	auditrepo "clinic-crm/backend/internal/audit/repository"
	"clinic-crm/backend/internal/config"
	"clinic-crm/backend/internal/db"
	"clinic-crm/backend/internal/field"
	leadhandler "clinic-crm/backend/internal/lead/handler"
	leadrepo "clinic-crm/backend/internal/lead/repository"
	leadservice "clinic-crm/backend/internal/lead/service"
	"clinic-crm/backend/internal/logging"
	"clinic-crm/backend/internal/ratelimit"
	schemarepo "clinic-crm/backend/internal/schema/repository"
	schemasvc "clinic-crm/backend/internal/schema/service"
	"clinic-crm/backend/internal/security"
	"clinic-crm/backend/internal/server"
	"clinic-crm/backend/internal/server/middleware"
	tenantrepo "clinic-crm/backend/internal/tenant/repository"
	tenantsvc "clinic-crm/backend/internal/tenant/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is not set")
	}
	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer database.Close()

	// Rate-limiter store: shared Redis counters when configured, otherwise
	// per-process memory.
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		limiter = ratelimit.NewRedisLimiter(client, "ratelimit")
		logger.Info("rate limiter using redis", zap.String("addr", cfg.RedisAddr))
	}

	// Audit stream producer is optional; audit rows always go to Postgres.
	var streamProducer auditproducer.Producer
	if kp, err := auditproducer.NewKafkaProducer(cfg.AuditKafkaBrokersList(), cfg.AuditKafkaTopic); err != nil {
		logger.Fatal("kafka producer", zap.Error(err))
	} else if kp != nil {
		streamProducer = kp
		defer func() { _ = kp.Close() }()
		logger.Info("audit stream enabled", zap.String("topic", cfg.AuditKafkaTopic))
	}

	auditor := audit.NewWriter(auditrepo.NewPostgresRepository(database), streamProducer, logger)
	validator := field.NewValidator(field.Region{
		CountryCode: cfg.PhoneCountryCode,
		TrunkPrefix: cfg.PhoneTrunkPrefix,
	})
	catalog := schemasvc.NewCatalog(schemarepo.NewPostgresRepository(database))
	leads := leadrepo.NewPostgresRepository(database)
	verifier := tenantsvc.NewVerifier(tenantrepo.NewPostgresRepository(database))

	ingestor := leadservice.NewIngestor(verifier, limiter, leadservice.RateLimits{
		AddressLimit:  cfg.AddressRateLimit,
		AddressWindow: cfg.AddressWindow(),
		TenantLimit:   cfg.TenantRateLimit,
		TenantWindow:  cfg.TenantWindow(),
	}, validator, catalog, leads, auditor, logger)
	importer := leadservice.NewImporter(validator, catalog,
		schemarepo.NewPostgresRepository(database), leads, auditor, logger)

	var importAuth func(http.Handler) http.Handler
	if cfg.JWTPublicKey != "" {
		pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
		if err != nil {
			logger.Fatal("parse JWT public key", zap.Error(err))
		}
		importAuth = middleware.JWTAuth(pub, cfg.JWTIssuer)
	} else {
		logger.Warn("JWT_PUBLIC_KEY not set; bulk import endpoint will reject all requests")
	}

	router := server.NewRouter(server.Deps{
		Leads:        leadhandler.New(ingestor, importer, logger),
		ImportAuth:   importAuth,
		HealthPinger: database,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")
}
