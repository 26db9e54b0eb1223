package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"convodb/pkg/logger"
)

const (
	defaultPort           = 8080
	defaultRateRPS        = 1000
	defaultRateBurst      = 1000
	defaultMaxRequestBody = 1 << 20 // 1 MiB

	defaultLogMaxSize    = 100 << 20
	defaultLogMaxBackups = 5

	defaultBackend          = "pebble"
	defaultRedisURL         = "redis://127.0.0.1:6379/0"
	defaultRedisTimeout     = 3 * time.Second
	defaultMessagesCL       = "quorum"
	defaultIndexCL          = "one"
	defaultRetriesCL        = "one"
	defaultPreviewLength    = 100
	defaultMessageLimit     = 20
	defaultMaxMessageLimit  = 100
	defaultMaxBodyBytes     = 64 << 10
	defaultFanoutTimeout    = 2 * time.Second
	defaultRetryCapacity    = 4096
	defaultRetryRPS         = 200
	defaultRetryBurst       = 50
	defaultInitialBackoff   = 200 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	defaultRetryMaxAttempts = 12
	defaultRetryPoll        = time.Second

	defaultCompactionCron    = "30 3 * * *" // daily at 03:30
	defaultCompactionBatch   = 500
	defaultCompactionLockTTL = 300 * time.Second
)

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ValidateConfig fills in defaults for anything left unset. Invalid values
// are reported by the package-level ValidateConfig.
func (c *Config) ValidateConfig() error {
	if c.Server.RateLimit.RPS <= 0 {
		c.Server.RateLimit.RPS = defaultRateRPS
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = defaultRateBurst
	}
	if c.Server.MaxRequestBody <= 0 {
		c.Server.MaxRequestBody = SizeBytes(defaultMaxRequestBody)
	}

	if c.Logging.MaxSize <= 0 {
		c.Logging.MaxSize = SizeBytes(defaultLogMaxSize)
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = defaultLogMaxBackups
	}

	st := &c.Storage
	st.Backend = strings.ToLower(strings.TrimSpace(st.Backend))
	if st.Backend == "" {
		st.Backend = defaultBackend
	}
	if st.Redis.URL == "" {
		st.Redis.URL = defaultRedisURL
	}
	if st.Redis.Timeout.Duration() == 0 {
		st.Redis.Timeout = Duration(defaultRedisTimeout)
	}
	if st.Consistency.Messages == "" {
		st.Consistency.Messages = defaultMessagesCL
	}
	if st.Consistency.Index == "" {
		st.Consistency.Index = defaultIndexCL
	}
	if st.Consistency.Retries == "" {
		st.Consistency.Retries = defaultRetriesCL
	}

	m := &c.Messages
	if m.PreviewLength <= 0 {
		m.PreviewLength = defaultPreviewLength
	}
	if m.DefaultLimit <= 0 {
		m.DefaultLimit = defaultMessageLimit
	}
	if m.MaxLimit <= 0 {
		m.MaxLimit = defaultMaxMessageLimit
	}
	if m.DefaultLimit > m.MaxLimit {
		logger.Warn("default_limit_capped", "requested", m.DefaultLimit, "capped_to", m.MaxLimit)
		m.DefaultLimit = m.MaxLimit
	}
	if m.MaxBodyBytes <= 0 {
		m.MaxBodyBytes = SizeBytes(defaultMaxBodyBytes)
	}

	co := &c.Coordinator
	if co.FanoutTimeout.Duration() == 0 {
		co.FanoutTimeout = Duration(defaultFanoutTimeout)
	}
	if co.FanoutConcurrency <= 0 {
		co.FanoutConcurrency = runtime.NumCPU() * 4
	}

	r := &c.Retry
	if r.Capacity <= 0 {
		r.Capacity = defaultRetryCapacity
	}
	if r.Workers <= 0 {
		r.Workers = runtime.NumCPU()
	}
	if r.RPS <= 0 {
		r.RPS = defaultRetryRPS
	}
	if r.Burst <= 0 {
		r.Burst = defaultRetryBurst
	}
	if r.InitialBackoff.Duration() == 0 {
		r.InitialBackoff = Duration(defaultInitialBackoff)
	}
	if r.MaxBackoff.Duration() == 0 {
		r.MaxBackoff = Duration(defaultMaxBackoff)
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = defaultRetryMaxAttempts
	}
	if r.PollInterval.Duration() == 0 {
		r.PollInterval = Duration(defaultRetryPoll)
	}

	cp := &c.Compaction
	if cp.Cron == "" {
		cp.Cron = defaultCompactionCron
	}
	if cp.BatchSize <= 0 {
		cp.BatchSize = defaultCompactionBatch
	}
	if cp.LockTTL.Duration() == 0 {
		cp.LockTTL = Duration(defaultCompactionLockTTL)
	}
	return nil
}
