package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	// State and push queue DSNs. Empty values fall back to the backend
	// profile chosen by the server binary.
	State struct {
		DSN         string
		Profile     string
		DataDir     string
		PostgresDSN string
	}

	Auth struct {
		JWTSecret string
		TokenTTL  time.Duration
	}

	HTTP struct {
		CORSOrigins    []string
		RateLimitRPS   float64
		RateLimitBurst int
		MaxBodyBytes   int64
	}

	Google struct {
		ClientID     string
		ClientSecret string
		RedirectURL  string
	}

	Push struct {
		QueueDSN      string
		QueueCapacity int
		BatchDelay    time.Duration
		Workers       int
		VAPIDPublic   string
		VAPIDPrivate  string
		VAPIDSubject  string
	}

	PrometheusEnabled bool
}

// Load reads the server configuration from APP_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":3001")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:3001")
	cfg.State.DSN = strings.TrimSpace(os.Getenv("APP_STATE_DSN"))
	cfg.State.Profile = strings.ToLower(strings.TrimSpace(os.Getenv("APP_BACKEND_PROFILE")))
	cfg.State.DataDir = getenvDefault("APP_DATA_DIR", ".familysync")
	cfg.State.PostgresDSN = strings.TrimSpace(os.Getenv("APP_POSTGRES_DSN"))

	cfg.Auth.JWTSecret = os.Getenv("APP_JWT_SECRET")

	var err error
	if cfg.Auth.TokenTTL, err = getenvDuration("APP_TOKEN_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}

	cfg.HTTP.CORSOrigins = getenvList("APP_CORS_ORIGIN")
	if cfg.HTTP.RateLimitRPS, err = getenvFloat("APP_RATE_LIMIT_RPS", 20); err != nil {
		return nil, err
	}
	if cfg.HTTP.RateLimitBurst, err = getenvInt("APP_RATE_LIMIT_BURST", 40); err != nil {
		return nil, err
	}
	maxBody, err := getenvInt("APP_MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	cfg.HTTP.MaxBodyBytes = int64(maxBody)

	cfg.Google.ClientID = os.Getenv("APP_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("APP_GOOGLE_CLIENT_SECRET")
	cfg.Google.RedirectURL = getenvDefault("APP_GOOGLE_REDIRECT_URL", strings.TrimRight(cfg.BaseURL, "/")+"/api/calendar/callback")

	cfg.Push.QueueDSN = strings.TrimSpace(os.Getenv("APP_PUSH_QUEUE_DSN"))
	if cfg.Push.QueueCapacity, err = getenvInt("APP_PUSH_QUEUE_CAPACITY", 1024); err != nil {
		return nil, err
	}
	if cfg.Push.BatchDelay, err = getenvDuration("APP_PUSH_BATCH_DELAY", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Push.Workers, err = getenvInt("APP_PUSH_WORKERS", 2); err != nil {
		return nil, err
	}
	cfg.Push.VAPIDPublic = os.Getenv("APP_VAPID_PUBLIC_KEY")
	cfg.Push.VAPIDPrivate = os.Getenv("APP_VAPID_PRIVATE_KEY")
	cfg.Push.VAPIDSubject = getenvDefault("APP_VAPID_SUBJECT", "mailto:admin@familysync.app")

	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENABLED", false)

	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("APP_JWT_SECRET is required")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return nil, fmt.Errorf("APP_JWT_SECRET must be at least 32 characters long (got %d)", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.TokenTTL <= 0 {
		return nil, errors.New("APP_TOKEN_TTL must be positive")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return nil, errors.New("APP_MAX_BODY_BYTES must be positive")
	}
	if (cfg.Push.VAPIDPublic == "") != (cfg.Push.VAPIDPrivate == "") {
		return nil, errors.New("APP_VAPID_PUBLIC_KEY and APP_VAPID_PRIVATE_KEY must be set together")
	}

	if len(cfg.HTTP.CORSOrigins) == 0 {
		fmt.Println("WARNING: No APP_CORS_ORIGIN configured. Cross-origin browser requests will be rejected.")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
