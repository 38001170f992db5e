package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	DevMode     bool

	DefaultRegion string

	// Code exchange / upload limits
	CodeLifetime        time.Duration
	UploadTokenLifetime time.Duration
	VerifyRateLimit     time.Duration
	ControlRateLimit    time.Duration
	MaxKeys             int

	// Callback / notice rate limiting
	CallbackRateLimitEnabled bool
	CallbackRateLimit        time.Duration
	CallbackRequestCount     int
	NoticeRateLimit          time.Duration

	DeviceCheck DeviceCheckConfig
	SafetyNet   SafetyNetConfig
	Recaptcha   RecaptchaConfig

	// ES256 public key (PEM) of the lab verification service signing publish certificates
	CertificatePublicKey string
	CertificateIssuer    string
	CertificateAudience  string
}

// DeviceCheckConfig holds the Apple DeviceCheck client settings
type DeviceCheckConfig struct {
	KeyID                   string
	Key                     string // ES256 private key, PEM
	TeamID                  string
	Host                    string // override for tests; empty selects the Apple endpoint
	TimeDifferenceThreshold time.Duration
}

// SafetyNetConfig holds the Android attestation allow-list; unset fields are skipped
type SafetyNetConfig struct {
	ApkPackageName             string
	ApkDigestSha256            string
	ApkCertificateDigestSha256 []string
}

// RecaptchaConfig holds the challenge verification service settings
type RecaptchaConfig struct {
	Secret string
	URL    string // override for tests; empty selects the Google endpoint
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port: "8080", // default port
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	cfg.DefaultRegion = getEnvDefault("DEFAULT_REGION", "IE")

	var err error
	if cfg.CodeLifetime, err = minutesEnv("CODE_LIFETIME_MINS", 10); err != nil {
		return nil, err
	}
	if cfg.UploadTokenLifetime, err = minutesEnv("UPLOAD_TOKEN_LIFETIME_MINS", 1440); err != nil {
		return nil, err
	}
	if cfg.VerifyRateLimit, err = secondsEnv("VERIFY_RATE_LIMIT_SECS", 1); err != nil {
		return nil, err
	}
	if cfg.ControlRateLimit, err = secondsEnv("CONTROL_RATE_LIMIT_SECS", 1); err != nil {
		return nil, err
	}
	if cfg.MaxKeys, err = intEnv("UPLOAD_MAX_KEYS", 100); err != nil {
		return nil, err
	}

	// CALLBACK_RATE_LIMIT_SECS unset means "one callback, ever"
	if raw := os.Getenv("CALLBACK_RATE_LIMIT_SECS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CALLBACK_RATE_LIMIT_SECS: %w", err)
		}
		cfg.CallbackRateLimitEnabled = true
		cfg.CallbackRateLimit = time.Duration(secs) * time.Second
	}
	if cfg.CallbackRequestCount, err = intEnv("CALLBACK_RATE_LIMIT_REQUEST_COUNT", 1); err != nil {
		return nil, err
	}
	if cfg.NoticeRateLimit, err = secondsEnv("NOTICE_RATE_LIMIT_SECS", 86400); err != nil {
		return nil, err
	}

	threshold, err := minutesEnv("DEVICE_CHECK_TIME_DIFF_THRESHOLD_MINS", 10)
	if err != nil {
		return nil, err
	}
	cfg.DeviceCheck = DeviceCheckConfig{
		KeyID:                   os.Getenv("DEVICE_CHECK_KEY_ID"),
		Key:                     os.Getenv("DEVICE_CHECK_KEY"),
		TeamID:                  os.Getenv("DEVICE_CHECK_TEAM_ID"),
		Host:                    os.Getenv("DEVICE_CHECK_HOST"),
		TimeDifferenceThreshold: threshold,
	}

	cfg.SafetyNet = SafetyNetConfig{
		ApkPackageName:  os.Getenv("SAFETYNET_PACKAGE_NAME"),
		ApkDigestSha256: os.Getenv("SAFETYNET_PACKAGE_DIGEST"),
	}
	if digest := os.Getenv("SAFETYNET_CERTIFICATE_DIGEST"); digest != "" {
		cfg.SafetyNet.ApkCertificateDigestSha256 = strings.Split(digest, ",")
	}

	cfg.Recaptcha = RecaptchaConfig{
		Secret: os.Getenv("RECAPTCHA_SECRET"),
		URL:    os.Getenv("RECAPTCHA_URL"),
	}

	cfg.CertificatePublicKey = os.Getenv("CERTIFICATE_PUBLIC_KEY")
	cfg.CertificateIssuer = getEnvDefault("CERTIFICATE_ISSUER", "tracelight")
	cfg.CertificateAudience = getEnvDefault("CERTIFICATE_AUDIENCE", "tracelight")

	logDatabaseTarget(cfg.DatabaseURL)

	return cfg, nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func secondsEnv(key string, fallback int) (time.Duration, error) {
	v, err := intEnv(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func minutesEnv(key string, fallback int) (time.Duration, error) {
	v, err := intEnv(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Minute, nil
}

// logDatabaseTarget logs connection details with credentials masked
func logDatabaseTarget(databaseURL string) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if idx := strings.Index(dbName, "?"); idx >= 0 {
		dbName = dbName[:idx]
	}
	user := u.User.Username()
	if user == "" {
		user = "(none)"
	}
	log.Printf("DB connect: host=%s port=%s db=%s user=%s", host, port, dbName, user)
}
