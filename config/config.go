package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PopularTokenPair names a (token, network) the Lifecycle Manager's
// cacheWarming task keeps hot.
type PopularTokenPair struct {
	Token   string
	Network string
}

// Config holds all service configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Mongo durable store
	MongoURI string
	MongoDB  string

	// Redis (cache backing store + asynq broker)
	RedisURL string

	// Authentication
	APIKeyHeader string

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPM     int // requests per minute per key
	RateLimitBurst   int

	// Timeouts
	DefaultTimeout  time.Duration
	NetworkTimeouts map[string]time.Duration

	// Body limits
	MaxBodyBytes int64

	// Supported networks
	SupportedNetworks []string

	// Oracle client
	OracleAPIKey             string
	OracleMaxRetries         int
	OracleRetryBaseDelay     time.Duration
	OracleRateLimitPerSecond int

	// Cache TTLs per strategy
	CacheTTLHot          time.Duration
	CacheTTLWarm         time.Duration
	CacheTTLCold         time.Duration
	CacheTTLArchive      time.Duration
	CacheTTLInterpolated time.Duration

	// Interpolation Engine
	InterpolationMaxDataPoints             int
	InterpolationMaxTimeGapHours           int
	InterpolationMinConfidenceThreshold    float64
	InterpolationExtrapolationMaxChangePct float64

	// Job Queue
	QueueConcurrencyPriceProcessing int
	QueueConcurrencyBatchProcessing int
	QueueMaxRetries                 int
	QueueRetryBaseDelay             time.Duration

	// Retention
	RetentionPricesDays     int
	RetentionAnalyticsDays  int
	RetentionCacheStatsDays int
	ArchiveThresholdDays    int

	// Lifecycle Manager cron schedules
	CronCacheCleanup         string
	CronDataArchival         string
	CronCacheWarming         string
	CronMetricsCollection    string
	CronDBOptimization       string
	CronDailyHistoricalFetch string

	// Lifecycle Manager feature toggles
	CacheWarmingEnabled      bool
	MetricsCollectionEnabled bool
	PopularTokenPairs        []PopularTokenPair

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("ORACLE_GRACEFUL_TIMEOUT_SEC", 15)
	defaultTimeoutSec := getEnvInt("ORACLE_DEFAULT_TIMEOUT_SEC", 30)
	retryBaseMs := getEnvInt("ORACLE_RETRY_BASE_DELAY_MS", 250)
	queueRetryBaseMs := getEnvInt("QUEUE_RETRY_BASE_DELAY_MS", 500)

	cfg := &Config{
		Addr:            getEnv("ORACLE_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,

		MongoURI: getEnv("MONGO_URI", "mongodb://mongo:27017"),
		MongoDB:  getEnv("MONGO_DB", "token_price_oracle"),

		RedisURL: getEnv("REDIS_URL", "redis://redis:6379"),

		APIKeyHeader: getEnv("API_KEY_HEADER", "Authorization"),

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 120),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 20),

		DefaultTimeout: time.Duration(defaultTimeoutSec) * time.Second,
		MaxBodyBytes:   int64(getEnvInt("ORACLE_MAX_BODY_BYTES", 256*1024)),

		SupportedNetworks: getEnvList("SUPPORTED_NETWORKS", []string{"ethereum", "polygon", "bsc", "avalanche", "arbitrum", "optimism"}),

		OracleAPIKey:             getEnv("ORACLE_API_KEY", ""),
		OracleMaxRetries:         getEnvInt("ORACLE_MAX_RETRIES", 3),
		OracleRetryBaseDelay:     time.Duration(retryBaseMs) * time.Millisecond,
		OracleRateLimitPerSecond: getEnvInt("ORACLE_RATE_LIMIT_PER_SECOND", 10),

		CacheTTLHot:          time.Duration(getEnvInt("CACHE_TTL_HOT_SEC", 30)) * time.Second,
		CacheTTLWarm:         time.Duration(getEnvInt("CACHE_TTL_WARM_SEC", 300)) * time.Second,
		CacheTTLCold:         time.Duration(getEnvInt("CACHE_TTL_COLD_SEC", 3600)) * time.Second,
		CacheTTLArchive:      time.Duration(getEnvInt("CACHE_TTL_ARCHIVE_SEC", 86400)) * time.Second,
		CacheTTLInterpolated: time.Duration(getEnvInt("CACHE_TTL_INTERPOLATED_SEC", 120)) * time.Second,

		InterpolationMaxDataPoints:             getEnvInt("INTERPOLATION_MAX_DATA_POINTS", 2),
		InterpolationMaxTimeGapHours:           getEnvInt("INTERPOLATION_MAX_TIME_GAP_HOURS", 48),
		InterpolationMinConfidenceThreshold:    getEnvFloat("INTERPOLATION_MIN_CONFIDENCE_THRESHOLD", 0.4),
		InterpolationExtrapolationMaxChangePct: getEnvFloat("INTERPOLATION_EXTRAPOLATION_MAX_CHANGE_PCT", 0.2),

		QueueConcurrencyPriceProcessing: getEnvInt("QUEUE_CONCURRENCY_PRICE_PROCESSING", 10),
		QueueConcurrencyBatchProcessing: getEnvInt("QUEUE_CONCURRENCY_BATCH_PROCESSING", 4),
		QueueMaxRetries:                 getEnvInt("QUEUE_MAX_RETRIES", 5),
		QueueRetryBaseDelay:             time.Duration(queueRetryBaseMs) * time.Millisecond,

		RetentionPricesDays:     getEnvInt("RETENTION_PRICES_DAYS", 730),
		RetentionAnalyticsDays:  getEnvInt("RETENTION_ANALYTICS_DAYS", 365),
		RetentionCacheStatsDays: getEnvInt("RETENTION_CACHE_STATS_DAYS", 90),
		ArchiveThresholdDays:    getEnvInt("ARCHIVE_THRESHOLD_DAYS", 365),

		CronCacheCleanup:         getEnv("CRON_CACHE_CLEANUP", "0 * * * *"),
		CronDataArchival:         getEnv("CRON_DATA_ARCHIVAL", "0 2 * * *"),
		CronCacheWarming:         getEnv("CRON_CACHE_WARMING", "0 */6 * * *"),
		CronMetricsCollection:    getEnv("CRON_METRICS_COLLECTION", "*/15 * * * *"),
		CronDBOptimization:       getEnv("CRON_DB_OPTIMIZATION", "0 3 * * 0"),
		CronDailyHistoricalFetch: getEnv("CRON_DAILY_HISTORICAL_FETCH", "30 0 * * *"),

		CacheWarmingEnabled:      getEnvBool("CACHE_WARMING_ENABLED", true),
		MetricsCollectionEnabled: getEnvBool("METRICS_COLLECTION_ENABLED", true),
		PopularTokenPairs:        getEnvPairs("POPULAR_TOKEN_PAIRS", defaultPopularTokenPairs),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		NetworkTimeouts: map[string]time.Duration{
			"ethereum":  time.Duration(getEnvInt("NETWORK_TIMEOUT_ETHEREUM_SEC", 30)) * time.Second,
			"polygon":   time.Duration(getEnvInt("NETWORK_TIMEOUT_POLYGON_SEC", 30)) * time.Second,
			"bsc":       time.Duration(getEnvInt("NETWORK_TIMEOUT_BSC_SEC", 30)) * time.Second,
			"avalanche": time.Duration(getEnvInt("NETWORK_TIMEOUT_AVALANCHE_SEC", 30)) * time.Second,
			"arbitrum":  time.Duration(getEnvInt("NETWORK_TIMEOUT_ARBITRUM_SEC", 30)) * time.Second,
			"optimism":  time.Duration(getEnvInt("NETWORK_TIMEOUT_OPTIMISM_SEC", 30)) * time.Second,
		},
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NetworkTimeout returns the configured timeout for a given network.
func (c *Config) NetworkTimeout(network string) time.Duration {
	if t, ok := c.NetworkTimeouts[network]; ok {
		return t
	}
	return c.DefaultTimeout
}

// SupportsNetwork reports whether network is in the configured allow-list.
func (c *Config) SupportsNetwork(network string) bool {
	for _, n := range c.SupportedNetworks {
		if n == network {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// defaultPopularTokenPairs seeds cache warming with a small, well-known
// set absent an explicit POPULAR_TOKEN_PAIRS override (USDC on ethereum
// and polygon).
var defaultPopularTokenPairs = []PopularTokenPair{
	{Token: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Network: "ethereum"},
	{Token: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174", Network: "polygon"},
}

// getEnvPairs parses "token:network,token:network" into PopularTokenPairs.
func getEnvPairs(key string, fallback []PopularTokenPair) []PopularTokenPair {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	var out []PopularTokenPair
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, PopularTokenPair{Token: strings.ToLower(parts[0]), Network: parts[1]})
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvList(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
