package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all environment configuration for the killfeed daemon.
// Subscriber profiles live in a separate YAML file; see profiles.go.
type Config struct {
	DatabaseURL  string `json:"database_url"`
	RedisAddr    string `json:"redis_addr,omitempty"`
	HTTPAddr     string `json:"http_addr"`
	ProfilesPath string `json:"profiles_path"`

	FeedURL     string `json:"feed_url"`
	FeedQueueID string `json:"feed_queue_id"`
	FeedTTW     int    `json:"feed_ttw"`

	FeedRequestTimeout time.Duration `json:"-"`
	FeedInitialBackoff time.Duration `json:"-"`
	FeedMaxBackoff     time.Duration `json:"-"`

	DetailAPIURL       string        `json:"detail_api_url"`
	DetailUserAgent    string        `json:"detail_user_agent"`
	DetailFetchTimeout time.Duration `json:"-"`

	EnrichWorkers      int           `json:"enrich_workers"`
	EnrichBatchSize    int           `json:"enrich_batch_size"`
	EnrichMaxAttempts  int           `json:"enrich_max_attempts"`
	EnrichPollInterval time.Duration `json:"-"`
	EnrichRetryDelay   time.Duration `json:"-"`
	ClaimTTL           time.Duration `json:"-"`

	DispatchBatchSize    int           `json:"dispatch_batch_size"`
	DispatchPollInterval time.Duration `json:"-"`
	DispatchLookback     time.Duration `json:"-"`
	DeliveryMaxAttempts  int           `json:"delivery_max_attempts"`

	// DeliveryRetention must exceed the maximum expected out-of-order delay
	// from the feed, and DispatchLookback, or late killmails can be
	// notified twice.
	DeliveryRetention time.Duration `json:"-"`

	JanitorInterval time.Duration `json:"-"`
	ExpungeSchedule string        `json:"expunge_schedule"`

	DBOpTimeout       time.Duration `json:"-"`
	DBMaxOpenConns    int           `json:"db_max_open_conns"`
	DBMaxIdleConns    int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `json:"-"`
	DBConnMaxIdleTime time.Duration `json:"-"`

	HTTPShutdownTimeout time.Duration `json:"-"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	// CircuitBreakerThreshold: 0 disables the breaker on notification sinks.
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `json:"-"`

	// LeaderElectionEnabled gates the feed listener behind a Postgres
	// advisory lock so exactly one instance streams the feed.
	LeaderElectionEnabled   bool          `json:"leader_election_enabled"`
	LeaderLockKey           int64         `json:"leader_lock_key"`
	LeaderRetryInterval     time.Duration `json:"-"`
	LeaderHeartbeatInterval time.Duration `json:"-"`

	// Raw holds the unparsed duration strings for validation messages and
	// the config subcommand output.
	Raw map[string]string `json:"durations"`
}

// Load reads configuration from environment variables with defaults.
// Validation is handled separately by Validate().
func Load() Config {
	cfg := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		ProfilesPath:    os.Getenv("PROFILES_PATH"),
		FeedURL:         os.Getenv("FEED_URL"),
		FeedQueueID:     os.Getenv("FEED_QUEUE_ID"),
		DetailAPIURL:    os.Getenv("DETAIL_API_URL"),
		DetailUserAgent: os.Getenv("DETAIL_USER_AGENT"),
		ExpungeSchedule: os.Getenv("EXPUNGE_SCHEDULE"),
		MetricsEnabled:  os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:     os.Getenv("METRICS_PATH"),
		MetricsPort:     os.Getenv("METRICS_PORT"),

		LeaderElectionEnabled: os.Getenv("LEADER_ELECTION_ENABLED") == "true",

		Raw: make(map[string]string),
	}

	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.FeedQueueID == "" {
		cfg.FeedQueueID = "killfeed"
	}
	if cfg.DetailUserAgent == "" {
		cfg.DetailUserAgent = "killfeed"
	}
	if cfg.ExpungeSchedule == "" {
		cfg.ExpungeSchedule = "15 4 * * *"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}

	cfg.FeedTTW = loadInt("FEED_TTW", 10)
	cfg.EnrichWorkers = loadInt("ENRICH_WORKERS", 4)
	cfg.EnrichBatchSize = loadInt("ENRICH_BATCH_SIZE", 20)
	cfg.EnrichMaxAttempts = loadInt("ENRICH_MAX_ATTEMPTS", 3)
	cfg.DispatchBatchSize = loadInt("DISPATCH_BATCH_SIZE", 100)
	cfg.DeliveryMaxAttempts = loadInt("DELIVERY_MAX_ATTEMPTS", 5)
	cfg.DBMaxOpenConns = loadInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = loadInt("DB_MAX_IDLE_CONNS", 5)
	cfg.CircuitBreakerThreshold = loadInt("CIRCUIT_BREAKER_THRESHOLD", 5)

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 911417", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 911417
	}

	cfg.FeedRequestTimeout = cfg.loadDuration("FEED_REQUEST_TIMEOUT", "30s")
	cfg.FeedInitialBackoff = cfg.loadDuration("FEED_INITIAL_BACKOFF", "1s")
	cfg.FeedMaxBackoff = cfg.loadDuration("FEED_MAX_BACKOFF", "1m")
	cfg.DetailFetchTimeout = cfg.loadDuration("DETAIL_FETCH_TIMEOUT", "15s")
	cfg.EnrichPollInterval = cfg.loadDuration("ENRICH_POLL_INTERVAL", "10s")
	cfg.EnrichRetryDelay = cfg.loadDuration("ENRICH_RETRY_DELAY", "5m")
	cfg.ClaimTTL = cfg.loadDuration("CLAIM_TTL", "60s")
	cfg.DispatchPollInterval = cfg.loadDuration("DISPATCH_POLL_INTERVAL", "30s")
	cfg.DispatchLookback = cfg.loadDuration("DISPATCH_LOOKBACK", "1h")
	cfg.DeliveryRetention = cfg.loadDuration("DELIVERY_RETENTION", "168h")
	cfg.JanitorInterval = cfg.loadDuration("JANITOR_INTERVAL", "30s")
	cfg.DBOpTimeout = cfg.loadDuration("DB_OP_TIMEOUT", "5s")
	cfg.DBConnMaxLifetime = cfg.loadDuration("DB_CONN_MAX_LIFETIME", "30m")
	cfg.DBConnMaxIdleTime = cfg.loadDuration("DB_CONN_MAX_IDLE_TIME", "5m")
	cfg.HTTPShutdownTimeout = cfg.loadDuration("HTTP_SHUTDOWN_TIMEOUT", "10s")
	cfg.CircuitBreakerCooldown = cfg.loadDuration("CIRCUIT_BREAKER_COOLDOWN", "2m")
	cfg.LeaderRetryInterval = cfg.loadDuration("LEADER_RETRY_INTERVAL", "5s")
	cfg.LeaderHeartbeatInterval = cfg.loadDuration("LEADER_HEARTBEAT_INTERVAL", "2s")

	return cfg
}

// loadDuration reads a duration env var, recording the raw string so
// Validate can report bad values. The parsed value falls back to the
// default on a parse error.
func (c *Config) loadDuration(name, def string) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		raw = def
	}
	c.Raw[name] = raw

	d, err := time.ParseDuration(raw)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}

func loadInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := parseInt(raw)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", name, raw, def)
		return def
	}
	return n
}

// parseInt parses a non-negative decimal integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	if masked.DatabaseURL != "" {
		masked.DatabaseURL = "***"
	}
	if masked.RedisAddr != "" {
		masked.RedisAddr = "***"
	}
	return json.MarshalIndent(masked, "", "  ")
}
