package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"landwatch/models"
)

// Config holds all application configuration loaded from environment variables.
// It is passed explicitly into every constructor; there is no global state.
type Config struct {
	BaseURL string

	DBPath      string
	PoolSize    int
	PoolTimeout time.Duration

	CachePath       string
	CacheTTL        time.Duration
	CacheMaxEntries int
	CacheEnabled    bool

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	ContentTimeout    time.Duration
	ScrollInterval    time.Duration
	ScrollMaxAttempts int
	ScrollStableStop  int

	MemoryThresholdMB int
	RestartEveryN     int

	PriceChangeThreshold int
	TrackDisappeared     bool

	SpeedPreset models.SpeedPreset

	MirrorDSN string
	ChromeBin string
}

// SpeedPresets are the supported inter-request delay windows.
var SpeedPresets = map[string]models.SpeedPreset{
	"fast":   {Name: "fast", MinDelay: 500 * time.Millisecond, MaxDelay: 1500 * time.Millisecond},
	"normal": {Name: "normal", MinDelay: 1 * time.Second, MaxDelay: 3 * time.Second},
	"safe":   {Name: "safe", MinDelay: 3 * time.Second, MaxDelay: 6 * time.Second},
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	preset, ok := SpeedPresets[getEnv("SPEED_PRESET", "normal")]
	if !ok {
		preset = SpeedPresets["normal"]
	}

	return &Config{
		BaseURL: getEnv("BASE_URL", "https://new.land.naver.com"),

		DBPath:      getEnv("DB_PATH", "./data/landwatch.db"),
		PoolSize:    getEnvInt("POOL_SIZE", 5),
		PoolTimeout: getEnvDuration("POOL_TIMEOUT", 5*time.Second),

		CachePath:       getEnv("CACHE_PATH", "./data/result_cache.json"),
		CacheTTL:        getEnvDuration("CACHE_TTL", 30*time.Minute),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 200),
		CacheEnabled:    getEnvBool("CACHE_ENABLED", true),

		MaxRetries: getEnvInt("MAX_RETRIES", 3),
		BaseDelay:  getEnvDuration("RETRY_BASE_DELAY", 2*time.Second),
		MaxDelay:   getEnvDuration("RETRY_MAX_DELAY", 60*time.Second),

		ContentTimeout:    getEnvDuration("CONTENT_TIMEOUT", 10*time.Second),
		ScrollInterval:    getEnvDuration("SCROLL_INTERVAL", 700*time.Millisecond),
		ScrollMaxAttempts: getEnvInt("SCROLL_MAX_ATTEMPTS", 12),
		ScrollStableStop:  getEnvInt("SCROLL_STABLE_STOP", 2),

		MemoryThresholdMB: getEnvInt("MEMORY_THRESHOLD_MB", 1024),
		RestartEveryN:     getEnvInt("RESTART_EVERY_N", 10),

		PriceChangeThreshold: getEnvInt("PRICE_CHANGE_THRESHOLD", 0),
		TrackDisappeared:     getEnvBool("TRACK_DISAPPEARED", true),

		SpeedPreset: preset,

		MirrorDSN: getEnv("MIRROR_DSN", ""),
		ChromeBin: getEnv("CHROME_BIN", ""),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
