package main

import (
	"context"
	"encoding/json"
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/landlordly/backend/src/config"
	"github.com/username/landlordly/backend/src/database"
	"github.com/username/landlordly/backend/src/handlers"
	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/monzo"
	"github.com/username/landlordly/backend/src/progress"
	"github.com/username/landlordly/backend/src/retry"
	"github.com/username/landlordly/backend/src/security"
	"github.com/username/landlordly/backend/src/services"
)

const shutdownGrace = 20 * time.Second

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("Landlordly backend server starting...")

	if len(config.Cfg.JWTSecret) < 32 {
		logger.L.Error("JWT_SECRET configuration invalid. Must be at least 32 bytes.")
		os.Exit(1)
	}

	vault, err := security.NewVault(config.Cfg.TokenEncryptionKey)
	if err != nil {
		logger.L.Error("Token vault unavailable; refusing to start", "error", err)
		os.Exit(1)
	}

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	db := database.DB
	logger.L.Info("Database initialized successfully.")

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.L.Info("Initializing services and handlers...")
	authService := security.NewAuthService(config.Cfg.JWTSecret, config.Cfg.AccessTokenExpiry)
	stateSigner := security.NewStateSigner(config.Cfg.JWTSecret, config.Cfg.OAuthStateTTL)
	bank := monzo.NewClient(monzo.Config{
		ClientID:     config.Cfg.MonzoClientID,
		ClientSecret: config.Cfg.MonzoClientSecret,
		RedirectURL:  config.Cfg.MonzoRedirectURL,
		APIBaseURL:   config.Cfg.MonzoAPIBaseURL,
		AuthURL:      config.Cfg.MonzoAuthURL,
	})
	policy := retry.NewPolicy(config.Cfg.SyncRetryMaxAttempts, config.Cfg.SyncRetryBaseDelay, config.Cfg.SyncRetryMaxDelay)
	hub := progress.NewHub()
	notifier := services.NewNotifier()

	syncService := services.NewSyncService(db, bank, vault, policy, hub, notifier, services.SyncConfig{
		PageLimit: config.Cfg.SyncPageLimit,
		Watchdog:  config.Cfg.ImportWatchdog,
	})
	oauthService := services.NewOAuthService(db, bank, vault, stateSigner, policy, syncService, services.OAuthConfig{
		WebhookSecret: config.Cfg.MonzoWebhookSecret,
		PublicBaseURL: config.Cfg.PublicBaseURL,
		StateTTL:      config.Cfg.OAuthStateTTL,
	})
	accountService := services.NewAccountService(db, bank, vault, policy)
	webhookService := services.NewWebhookService(db, config.Cfg.MonzoWebhookSecret, hub)
	ledgerService := services.NewLedgerService(db, services.LedgerConfig{
		OverpaymentTolerance: decimal.NewFromFloat(config.Cfg.SettlementOverpaymentTolerance),
	})
	classificationService := services.NewClassificationService(db, ledgerService)
	if n, err := classificationService.SeedDefaults(baseCtx); err != nil {
		logger.L.Error("Failed to seed default matching rules", "error", err)
	} else if n > 0 {
		logger.L.Info("Seeded default matching rules", "count", n)
	}

	scheduler, err := services.NewSyncScheduler(baseCtx, syncService, config.Cfg.SyncSchedule, config.Cfg.SyncTimezone)
	if err != nil {
		logger.L.Error("Invalid SYNC_SCHEDULE", "schedule", config.Cfg.SyncSchedule, "error", err)
		os.Exit(1)
	}
	if scheduler != nil {
		scheduler.Start()
	}

	userHandler := handlers.NewUserHandler(authService, db)
	oauthHandler := handlers.NewOAuthHandler(oauthService, config.Cfg.FrontendBaseURL)
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	syncHandler := handlers.NewSyncHandler(syncService, accountService, hub, config.Cfg.ProgressStreamTimeout)
	accountHandler := handlers.NewAccountHandler(accountService)
	propertyHandler := handlers.NewPropertyHandler(ledgerService)
	ruleHandler := handlers.NewRuleHandler(classificationService)
	txHandler := handlers.NewTransactionHandler(classificationService)

	logger.L.Info("Configuring routes...")
	rootMux := http.NewServeMux()

	// Public routes
	rootMux.HandleFunc("POST /api/auth/register", userHandler.RegisterUserHandler)
	rootMux.HandleFunc("POST /api/auth/login", userHandler.LoginUserHandler)
	rootMux.HandleFunc("GET /api/oauth/monzo/callback", oauthHandler.HandleCallback)
	rootMux.HandleFunc("POST /webhooks/{secret}", webhookHandler.HandleMonzoWebhook)

	auth := func(handler http.HandlerFunc) http.Handler {
		return userHandler.AuthMiddleware(handler)
	}

	rootMux.Handle("GET /api/me", auth(userHandler.HandleMe))

	rootMux.Handle("POST /api/oauth/monzo/initiate", auth(oauthHandler.HandleInitiate))

	rootMux.Handle("GET /api/accounts", auth(accountHandler.HandleListAccounts))
	rootMux.Handle("GET /api/accounts/{id}", auth(accountHandler.HandleGetAccount))
	rootMux.Handle("PATCH /api/accounts/{id}", auth(accountHandler.HandleUpdateAccount))
	rootMux.Handle("DELETE /api/accounts/{id}", auth(accountHandler.HandleDeleteAccount))
	rootMux.Handle("GET /api/accounts/{id}/transactions", auth(accountHandler.HandleListTransactions))
	rootMux.Handle("GET /api/accounts/{id}/sync-runs", auth(accountHandler.HandleListSyncRuns))
	rootMux.Handle("POST /api/accounts/{id}/sync", auth(syncHandler.HandleSync))
	rootMux.Handle("GET /api/sync-runs/{id}", auth(syncHandler.HandleGetSyncRun))
	rootMux.Handle("GET /api/sync-runs/{id}/progress", auth(syncHandler.HandleProgressStream))

	rootMux.Handle("GET /api/rules", auth(ruleHandler.HandleListRules))
	rootMux.Handle("POST /api/rules", auth(ruleHandler.HandleCreateRule))
	rootMux.Handle("GET /api/rules/errors", auth(ruleHandler.HandleRuleErrors))
	rootMux.Handle("PUT /api/rules/{id}", auth(ruleHandler.HandleUpdateRule))
	rootMux.Handle("DELETE /api/rules/{id}", auth(ruleHandler.HandleDeleteRule))
	rootMux.Handle("GET /api/bank-transactions/{id}/classification", auth(txHandler.HandleClassify))
	rootMux.Handle("POST /api/bank-transactions/{id}/import", auth(txHandler.HandleImport))

	rootMux.Handle("GET /api/properties", auth(propertyHandler.HandleListProperties))
	rootMux.Handle("POST /api/properties", auth(propertyHandler.HandleCreateProperty))
	rootMux.Handle("GET /api/properties/{id}", auth(propertyHandler.HandleGetProperty))
	rootMux.Handle("GET /api/properties/{id}/owners", auth(propertyHandler.HandleListOwnership))
	rootMux.Handle("PUT /api/properties/{id}/owners", auth(propertyHandler.HandleReplaceOwnership))
	rootMux.Handle("POST /api/properties/{id}/owners", auth(propertyHandler.HandleAddOwner))
	rootMux.Handle("DELETE /api/properties/{id}/owners/{userId}", auth(propertyHandler.HandleRemoveOwner))
	rootMux.Handle("PATCH /api/properties/{id}/ownerships/{recordId}", auth(propertyHandler.HandleUpdateOwnership))
	rootMux.Handle("GET /api/properties/{id}/transactions", auth(propertyHandler.HandleListTransactions))
	rootMux.Handle("POST /api/properties/{id}/transactions", auth(propertyHandler.HandleRecordTransaction))
	rootMux.Handle("GET /api/properties/{id}/settlements", auth(propertyHandler.HandleListSettlements))
	rootMux.Handle("POST /api/properties/{id}/settlements", auth(propertyHandler.HandleRecordSettlement))
	rootMux.Handle("GET /api/properties/{id}/balances", auth(propertyHandler.HandleGetBalances))
	rootMux.Handle("GET /api/properties/{id}/balances/{userA}/{userB}", auth(propertyHandler.HandleGetPairBalance))

	rootMux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "Landlordly Backend is running"})
	})

	logger.L.Info("Applying global middleware...")
	rateLimiter := handlers.NewRateLimiter(config.Cfg.RateLimitPerSec, config.Cfg.RateLimitBurst)
	finalHandler := handlers.CORS(config.Cfg.AllowedOrigins)(rateLimiter.Middleware(handlers.RequestLogger(rootMux)))

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     finalHandler,
		ReadTimeout: 15 * time.Second,
		// Long enough for a manual sync that exhausts its retries. The progress stream
		// clears its own deadline.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.L.Info("Server starting", "address", serverAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("Failed to start server", "error", err)
			stdlog.Fatalf("Failed to start server: %v", err)
		}
	case <-baseCtx.Done():
		logger.L.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.L.Warn("Scheduler did not stop cleanly", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	if err := syncService.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Running imports did not finish before the deadline", "error", err)
	}
	hub.Close()
	if err := db.Close(); err != nil {
		logger.L.Warn("Failed to close database", "error", err)
	}
	logger.L.Info("Server stopped gracefully.")
}
