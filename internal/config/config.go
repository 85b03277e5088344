package config

import (
	"fmt"
	"log"
	"os"
	"time"
)

// App holds the runtime configuration loaded from environment variables.
// The load-handling auxiliaries (batching, login cache) are toggles here so
// a single binary covers every deployment profile.
type App struct {
	Env      string
	HTTPPort string

	DBPath       string
	DBMaxConns   int
	StoreTimeout time.Duration

	RedisAddr string

	JWTIssuer     string
	JWTSigningKey string
	LoginTTL      time.Duration

	AdminUser     string
	AdminPassword string

	SessionTTL    time.Duration
	SweepInterval time.Duration

	BatchEnabled bool
	BatchSize    int
	BatchWait    time.Duration
	BatchTimeout time.Duration

	CacheBackend  string // "memory", "redis" or "off"
	LoginCacheTTL time.Duration

	RateLimitPerMin int
	TemplateGlob    string
	CollegeName     string
}

// Load returns application config populated from environment variables with sensible defaults.
func Load() App {
	return App{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("HTTP_PORT", "5000"),
		DBPath:          getEnv("DB_PATH", "./data/attendance.db"),
		DBMaxConns:      intEnv("DB_MAX_CONNS", 20),
		StoreTimeout:    durationEnv("STORE_TIMEOUT", 5*time.Second),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		JWTIssuer:       getEnv("JWT_ISSUER", "campusattend"),
		JWTSigningKey:   getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		LoginTTL:        durationEnv("LOGIN_TTL", 24*time.Hour),
		AdminUser:       getEnv("ADMIN_USER", "admin"),
		AdminPassword:   getEnv("ADMIN_PASSWORD", "admin123"),
		SessionTTL:      durationEnv("SESSION_TTL", time.Hour),
		SweepInterval:   durationEnv("SWEEP_INTERVAL", 30*time.Minute),
		BatchEnabled:    boolEnv("BATCH_ENABLED", false),
		BatchSize:       intEnv("BATCH_SIZE", 100),
		BatchWait:       durationEnv("BATCH_WAIT", 2*time.Second),
		BatchTimeout:    durationEnv("BATCH_TIMEOUT", 10*time.Second),
		CacheBackend:    getEnv("LOGIN_CACHE", "memory"),
		LoginCacheTTL:   durationEnv("LOGIN_CACHE_TTL", 5*time.Minute),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
		TemplateGlob:    getEnv("TEMPLATE_GLOB", "web/templates/*.html"),
		CollegeName:     getEnv("COLLEGE_NAME", "Shambhunath College of Education"),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}
