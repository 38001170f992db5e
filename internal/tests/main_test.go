package tests

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"
	"github.com/tracelight/server/internal/attest"
	"github.com/tracelight/server/internal/auth"
	"github.com/tracelight/server/internal/config"
	"github.com/tracelight/server/internal/db"
	"github.com/tracelight/server/internal/export"
	"github.com/tracelight/server/internal/exposure"
	httphandler "github.com/tracelight/server/internal/http"
	"github.com/tracelight/server/internal/http/handlers"
	"github.com/tracelight/server/internal/model"
	"github.com/tracelight/server/internal/ratelimit"
	"github.com/tracelight/server/internal/repo"
	"github.com/tracelight/server/internal/token"
	"github.com/tracelight/server/internal/verification"
)

// testCertificateKey signs publish certificates in tests; its public half is
// handed to the server via CERTIFICATE_PUBLIC_KEY.
var testCertificateKey *ecdsa.PrivateKey

func TestMain(m *testing.M) {
	// Set env if unset. Do NOT set DATABASE_URL; integration tests skip if missing.
	if os.Getenv("JWT_SECRET") == "" {
		os.Setenv("JWT_SECRET", "test-jwt-secret-at-least-32-characters-long")
	}
	os.Setenv("DEV_MODE", "true")
	// Keep the HTTP flows free of incidental 429s; limiter behavior has its
	// own tests with explicit intervals
	os.Setenv("VERIFY_RATE_LIMIT_SECS", "0")
	os.Setenv("CONTROL_RATE_LIMIT_SECS", "0")

	var err error
	testCertificateKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Fatalf("generate certificate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&testCertificateKey.PublicKey)
	if err != nil {
		log.Fatalf("marshal certificate public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	os.Setenv("CERTIFICATE_PUBLIC_KEY", string(publicPEM))

	os.Exit(m.Run())
}

// testServer holds the wired application and DB for integration tests
type testServer struct {
	Server *httptest.Server
	DB     *sql.DB
	Cfg    *config.Config

	JWT           *auth.JWTService
	Registrations repo.RegistrationRepo
	Verifications repo.VerificationRepo
	Tokens        *token.Manager
	TokenRepo     repo.TokenRepo
	Exposures     repo.ExposureRepo
	Service       *exposure.Service
	Cursor        *export.Cursor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, RunMigrations(database), "migrations must run successfully")
	require.NoError(t, TruncateCoreTables(ctx, database), "truncate core tables")

	registrationRepo := repo.NewRegistrationRepo(database)
	verificationRepo := repo.NewVerificationRepo(database)
	tokenRepo := repo.NewTokenRepo(database)
	exposureRepo := repo.NewExposureRepo(database)
	exportRepo := repo.NewExportRepo(database)

	verifyLimiter, err := ratelimit.NewLimiter(database, "last_verification_attempt")
	require.NoError(t, err)
	controlLimiter := ratelimit.NewControlLimiter(database)
	callbackLimiter, err := ratelimit.NewBudgetLimiter(database, "last_callback", "callback_request_count")
	require.NoError(t, err)
	checkInLimiter, err := ratelimit.NewLimiter(database, "last_check_in")
	require.NoError(t, err)
	noticeLimiter, err := ratelimit.NewLimiter(database, "last_notice")
	require.NoError(t, err)

	jwtService := auth.NewJWTService(cfg.JWTSecret)
	tokenManager := token.NewManager(tokenRepo, cfg.UploadTokenLifetime)
	ledger := verification.NewLedger(
		verificationRepo, verifyLimiter, controlLimiter, tokenManager,
		cfg.CodeLifetime, cfg.VerifyRateLimit, cfg.ControlRateLimit)
	exposureService := exposure.NewService(exposureRepo, cfg.MaxKeys)
	exportCursor := export.NewCursor(exportRepo)

	attestor := attest.NewDispatcher(map[attest.Method]attest.Verifier{
		attest.MethodTest: attest.NewTestVerifier(jwtService, registrationRepo),
	})

	certificateVerifier, err := auth.NewCertificateVerifier(
		cfg.CertificatePublicKey, cfg.CertificateIssuer, cfg.CertificateAudience)
	require.NoError(t, err)

	exposureHandler := handlers.NewExposureHandler(
		ledger, tokenManager, exposureService, exportCursor, attestor,
		certificateVerifier, cfg.DefaultRegion)
	registrationHandler := handlers.NewRegistrationHandler(registrationRepo)
	callbackHandler := handlers.NewCallbackHandler(cfg, callbackLimiter, checkInLimiter, noticeLimiter)

	router := httphandler.NewRouter(exposureHandler, registrationHandler, callbackHandler, jwtService, registrationRepo)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{
		Server:        server,
		DB:            database,
		Cfg:           cfg,
		JWT:           jwtService,
		Registrations: registrationRepo,
		Verifications: verificationRepo,
		Tokens:        tokenManager,
		TokenRepo:     tokenRepo,
		Exposures:     exposureRepo,
		Service:       exposureService,
		Cursor:        exportCursor,
	}
}

func (s *testServer) BaseURL() string { return s.Server.URL }

// newRegistration creates a registration row and a signed identity token for it
func (s *testServer) newRegistration(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	regID, err := s.Registrations.Create(context.Background())
	require.NoError(t, err)
	tokenString, err := s.JWT.SignToken(regID)
	require.NoError(t, err)
	return regID, tokenString
}

// issueCode stores a verification record the way the lab issuance side does
// and returns the concatenated hash a client would submit
func (s *testServer) issueCode(t *testing.T, code string, onsetDate *time.Time, testType model.TestType) string {
	t.Helper()
	control, full := verification.HashCode(code)
	_, err := s.Verifications.Insert(context.Background(), control, full, onsetDate, testType)
	require.NoError(t, err)
	return control + full
}

// errorResponse matches error JSON bodies
type errorResponse struct {
	Error string `json:"error"`
}
