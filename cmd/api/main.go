package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/tracelight/server/internal/attest"
	"github.com/tracelight/server/internal/auth"
	"github.com/tracelight/server/internal/config"
	"github.com/tracelight/server/internal/db"
	"github.com/tracelight/server/internal/export"
	"github.com/tracelight/server/internal/exposure"
	httphandler "github.com/tracelight/server/internal/http"
	"github.com/tracelight/server/internal/http/handlers"
	"github.com/tracelight/server/internal/ratelimit"
	"github.com/tracelight/server/internal/repo"
	"github.com/tracelight/server/internal/token"
	"github.com/tracelight/server/internal/verification"
)

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create context for startup operations
	ctx := context.Background()

	// Open database connection
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	registrationRepo := repo.NewRegistrationRepo(database)
	verificationRepo := repo.NewVerificationRepo(database)
	tokenRepo := repo.NewTokenRepo(database)
	exposureRepo := repo.NewExposureRepo(database)
	exportRepo := repo.NewExportRepo(database)

	// Rate limiters share the registrations table as their only state
	verifyLimiter, err := ratelimit.NewLimiter(database, "last_verification_attempt")
	if err != nil {
		log.Fatalf("Failed to build verify limiter: %v", err)
	}
	controlLimiter := ratelimit.NewControlLimiter(database)
	callbackLimiter, err := ratelimit.NewBudgetLimiter(database, "last_callback", "callback_request_count")
	if err != nil {
		log.Fatalf("Failed to build callback limiter: %v", err)
	}
	checkInLimiter, err := ratelimit.NewLimiter(database, "last_check_in")
	if err != nil {
		log.Fatalf("Failed to build check-in limiter: %v", err)
	}
	noticeLimiter, err := ratelimit.NewLimiter(database, "last_notice")
	if err != nil {
		log.Fatalf("Failed to build notice limiter: %v", err)
	}

	// Core services
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	tokenManager := token.NewManager(tokenRepo, cfg.UploadTokenLifetime)
	ledger := verification.NewLedger(
		verificationRepo,
		verifyLimiter,
		controlLimiter,
		tokenManager,
		cfg.CodeLifetime,
		cfg.VerifyRateLimit,
		cfg.ControlRateLimit,
	)
	exposureService := exposure.NewService(exposureRepo, cfg.MaxKeys)
	exportCursor := export.NewCursor(exportRepo)

	attestor := attest.NewDispatcher(buildVerifiers(cfg, jwtService, registrationRepo))

	var certificateVerifier *auth.CertificateVerifier
	if cfg.CertificatePublicKey != "" {
		certificateVerifier, err = auth.NewCertificateVerifier(
			cfg.CertificatePublicKey, cfg.CertificateIssuer, cfg.CertificateAudience)
		if err != nil {
			log.Fatalf("Failed to load certificate public key: %v", err)
		}
	} else {
		log.Printf("No certificate public key configured, /publish disabled")
	}

	// Initialize handlers
	exposureHandler := handlers.NewExposureHandler(
		ledger,
		tokenManager,
		exposureService,
		exportCursor,
		attestor,
		certificateVerifier,
		cfg.DefaultRegion,
	)
	registrationHandler := handlers.NewRegistrationHandler(registrationRepo)
	callbackHandler := handlers.NewCallbackHandler(cfg, callbackLimiter, checkInLimiter, noticeLimiter)

	// Create router
	router := httphandler.NewRouter(exposureHandler, registrationHandler, callbackHandler, jwtService, registrationRepo)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// safetyNetStatement validates SafetyNet JWS signatures. It stays nil until a
// statement implementation is plugged in; the verifier then fails every
// android attestation closed while the claim allow-list stays configured.
var safetyNetStatement attest.StatementVerifier

// buildVerifiers wires one attestation verifier per configured method.
// Methods without configuration stay absent and fail closed in the
// dispatcher.
func buildVerifiers(cfg *config.Config, jwtService *auth.JWTService, registrationRepo repo.RegistrationRepo) map[attest.Method]attest.Verifier {
	verifiers := make(map[attest.Method]attest.Verifier)

	if cfg.DevMode {
		verifiers[attest.MethodTest] = attest.NewTestVerifier(jwtService, registrationRepo)
		log.Printf("DEV_MODE: test attestation enabled")
	}

	if cfg.SafetyNet.ApkPackageName != "" {
		verifiers[attest.MethodAndroid] = attest.NewSafetyNetVerifier(cfg.SafetyNet, safetyNetStatement)
		if safetyNetStatement == nil {
			log.Printf("SafetyNet statement verification not configured, android attestations fail closed")
		}
	}

	if cfg.DeviceCheck.Key != "" {
		deviceCheck, err := attest.NewDeviceCheckVerifier(cfg.DeviceCheck, !cfg.DevMode)
		if err != nil {
			log.Fatalf("Failed to build DeviceCheck verifier: %v", err)
		}
		verifiers[attest.MethodIOS] = deviceCheck
	}

	if cfg.Recaptcha.Secret != "" {
		verifiers[attest.MethodRecaptcha] = attest.NewRecaptchaVerifier(cfg.Recaptcha)
	}

	return verifiers
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// Resolve migration dir so it works from the repo root or cmd/api
	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		migrationDir = "../../internal/db/migrations"
	}
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the repo root)")
	}

	absDir, _ := filepath.Abs(migrationDir)
	log.Printf("Running migrations from %s", absDir)

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
