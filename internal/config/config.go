package config

import (
	"fmt"
	"log"
	"os"
	"time"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string

	ServerURL     string
	DeviceID      string
	CheckpointID  string
	EventID       string
	JWTIssuer     string
	JWTSigningKey string
	TokenTTL      time.Duration

	DBPath         string
	HistoryLimit   int
	ArchiveAfter   time.Duration
	BatchSize      int
	ReconcilePages int
	// MaxSyncAttempts is reserved; retries are currently unbounded and the
	// attempt counter is recorded but never consulted.
	MaxSyncAttempts int
	SyncInterval    time.Duration
	ProbeInterval   time.Duration
	DebounceWindow  time.Duration

	BusBackend string
	RedisAddr  string

	RateLimitPerMin int
}

// Load returns agent config populated from environment variables with
// sensible defaults. DEVICE_ID has no default: each checkpoint device must
// carry its own identity.
func Load() App {
	return App{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8082"),

		ServerURL:     getEnv("SERVER_URL", "http://localhost:8080"),
		DeviceID:      getEnv("DEVICE_ID", ""),
		CheckpointID:  getEnv("CHECKPOINT_ID", ""),
		EventID:       getEnv("EVENT_ID", ""),
		JWTIssuer:     getEnv("JWT_ISSUER", "checkpoint-agent"),
		JWTSigningKey: getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		TokenTTL:      durationEnv("TOKEN_TTL", 15*time.Minute),

		DBPath:          getEnv("DB_PATH", "checkpoint.db"),
		HistoryLimit:    intEnv("HISTORY_LIMIT", 200),
		ArchiveAfter:    durationEnv("ARCHIVE_AFTER", 72*time.Hour),
		BatchSize:       intEnv("SYNC_BATCH_SIZE", 25),
		ReconcilePages:  intEnv("RECONCILE_PAGES", 5),
		MaxSyncAttempts: intEnv("MAX_SYNC_ATTEMPTS", 0),
		SyncInterval:    durationEnv("SYNC_INTERVAL", 15*time.Second),
		ProbeInterval:   durationEnv("PROBE_INTERVAL", 10*time.Second),
		DebounceWindow:  durationEnv("DEBOUNCE_WINDOW", 2000*time.Millisecond),

		BusBackend: getEnv("BUS_BACKEND", "memory"),
		RedisAddr:  getEnv("REDIS_ADDR", "localhost:6379"),

		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 600),
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
