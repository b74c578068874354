// Package config loads miner configuration from environment variables with
// sensible defaults, plus an optional TOML file describing the pool list.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// PoolConfig describes one upstream pool.
type PoolConfig struct {
	URL       string `toml:"url"`
	User      string `toml:"user"`
	Pass      string `toml:"pass"`
	Name      string `toml:"name"`
	Proxy     string `toml:"proxy"`
	Algorithm string `toml:"algorithm"`
	Priority  int    `toml:"priority"`
	Quota     int    `toml:"quota"`
	Disabled  bool   `toml:"disabled"`
}

type poolsFile struct {
	Strategy      string       `toml:"strategy"`
	RotateMinutes int          `toml:"rotate_minutes"`
	Pools         []PoolConfig `toml:"pool"`
}

// Config holds the miner configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	ClientID    string

	// Pools and selection
	PoolsFile       string
	Pools           []PoolConfig
	Strategy        string
	RotateInterval  time.Duration
	FailSwitchDelay time.Duration

	// Work queue
	QueueDepth      int
	ScanInterval    time.Duration
	Expiry          time.Duration
	MinExpiry       time.Duration
	MaxRolls        int
	CloneDiscount   time.Duration
	MaxDeviceDiff   float64
	GetFailLimit    int
	SubmitStale     bool
	LowResource     bool
	SubmitLanes     int
	WatchdogPeriod  time.Duration
	RejectThreshold int
	RejectUtility   float64

	// Stratum transport
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectDelay    time.Duration
	SubmitRetryWindow time.Duration
	RPCTimeout        time.Duration
	RPCRateLimit      float64

	// Block notifications from a local node
	ZMQAddr string

	// Hashing
	CPUThreads int

	// Sinks
	KafkaBrokers []string
	KafkaTopic   string
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	MetricsAddr  string

	// Logging
	LogLevel  string
	LogFormat string
}

var strategies = map[string]bool{
	"failover":     true,
	"round-robin":  true,
	"rotate":       true,
	"load-balance": true,
	"balance":      true,
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "gominer"),
		Version:     getEnv("VERSION", "dev"),

		PoolsFile:       getEnv("POOLS_FILE", ""),
		Strategy:        getEnv("POOL_STRATEGY", "failover"),
		RotateInterval:  getEnvDuration("ROTATE_INTERVAL", 0),
		FailSwitchDelay: getEnvDuration("FAILOVER_SWITCH_DELAY", 60*time.Second),

		QueueDepth:      getEnvInt("QUEUE_DEPTH", 4),
		ScanInterval:    getEnvDuration("SCAN_INTERVAL", 30*time.Second),
		Expiry:          getEnvDuration("WORK_EXPIRY", 120*time.Second),
		MinExpiry:       getEnvDuration("MIN_EXPIRY", 5*time.Second),
		MaxRolls:        getEnvInt("MAX_ROLLS", 60),
		CloneDiscount:   getEnvDuration("CLONE_DISCOUNT", time.Second),
		MaxDeviceDiff:   getEnvFloat("MAX_DEVICE_DIFFICULTY", 0),
		GetFailLimit:    getEnvInt("GET_FAIL_LIMIT", 3),
		SubmitStale:     getEnvBool("SUBMIT_STALE", false),
		LowResource:     getEnvBool("LOW_RESOURCE", false),
		SubmitLanes:     getEnvInt("SUBMIT_LANES", 8),
		WatchdogPeriod:  getEnvDuration("WATCHDOG_INTERVAL", 5*time.Second),
		RejectThreshold: getEnvInt("REJECT_THRESHOLD", 10),
		RejectUtility:   getEnvFloat("REJECT_UTILITY_FACTOR", 3),

		ConnectTimeout:    getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		ReadTimeout:       getEnvDuration("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      getEnvDuration("WRITE_TIMEOUT", time.Second),
		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", 30*time.Second),
		SubmitRetryWindow: getEnvDuration("SUBMIT_RETRY_WINDOW", 120*time.Second),
		RPCTimeout:        getEnvDuration("RPC_TIMEOUT", 60*time.Second),
		RPCRateLimit:      getEnvFloat("RPC_RATE_LIMIT", 10),

		ZMQAddr: getEnv("BITCOIN_ZMQ_ADDR", ""),

		CPUThreads: getEnvInt("CPU_THREADS", 0),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC_PREFIX", "gominer"),
		PostgresURL:  getEnv("POSTGRES_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "gominer"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),
		MetricsAddr:  getEnv("METRICS_ADDR", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
	cfg.ClientID = getEnv("CLIENT_ID", cfg.ServiceName+"/"+cfg.Version)

	if cfg.PoolsFile != "" {
		if err := cfg.loadPoolsFile(cfg.PoolsFile); err != nil {
			return nil, err
		}
	}
	if url := getEnv("POOL_URL", ""); url != "" {
		cfg.Pools = append(cfg.Pools, PoolConfig{
			URL:   url,
			User:  getEnv("POOL_USER", ""),
			Pass:  getEnv("POOL_PASS", "x"),
			Proxy: getEnv("POOL_PROXY", ""),
			Quota: 1,
		})
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadPoolsFile merges a TOML pool list. Strategy settings in the file only
// apply when the environment leaves them at their defaults.
func (c *Config) loadPoolsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading pools file: %w", err)
	}

	var pf poolsFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing pools file %s: %w", path, err)
	}

	if pf.Strategy != "" && os.Getenv("POOL_STRATEGY") == "" {
		c.Strategy = pf.Strategy
	}
	if pf.RotateMinutes > 0 && os.Getenv("ROTATE_INTERVAL") == "" {
		c.RotateInterval = time.Duration(pf.RotateMinutes) * time.Minute
	}
	for i, p := range pf.Pools {
		if p.Quota <= 0 {
			p.Quota = 1
		}
		if p.Priority == 0 {
			p.Priority = i
		}
		c.Pools = append(c.Pools, p)
	}
	return nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if len(c.Pools) == 0 {
		return fmt.Errorf("no pools configured: set POOL_URL or POOLS_FILE")
	}

	for i, p := range c.Pools {
		if p.URL == "" {
			return fmt.Errorf("pool %d has no url", i)
		}
		if p.Quota < 0 {
			return fmt.Errorf("pool %d quota must not be negative", i)
		}
	}

	if !strategies[c.Strategy] {
		return fmt.Errorf("unknown POOL_STRATEGY %q", c.Strategy)
	}

	if c.Strategy == "rotate" && c.RotateInterval <= 0 {
		return fmt.Errorf("POOL_STRATEGY rotate needs a positive ROTATE_INTERVAL or rotate_minutes")
	}

	if c.QueueDepth <= 0 {
		return fmt.Errorf("QUEUE_DEPTH must be positive")
	}

	if c.MaxRolls < 0 {
		return fmt.Errorf("MAX_ROLLS must not be negative")
	}

	if c.MinExpiry <= 0 || c.Expiry < c.MinExpiry {
		return fmt.Errorf("WORK_EXPIRY must be at least MIN_EXPIRY")
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("READ_TIMEOUT and WRITE_TIMEOUT must be positive")
	}

	if c.CPUThreads < 0 {
		return fmt.Errorf("CPU_THREADS must not be negative")
	}

	if c.SubmitLanes <= 0 {
		return fmt.Errorf("SUBMIT_LANES must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
