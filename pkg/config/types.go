package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Messages    MessagesConfig    `yaml:"messages"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Retry       RetryConfig       `yaml:"retry"`
	Compaction  CompactionConfig  `yaml:"compaction"`
}

// ServerConfig holds http settings.
type ServerConfig struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	MaxRequestBody SizeBytes `yaml:"max_request_body"`
}

type LoggingConfig struct {
	Level      string    `yaml:"level"`
	File       bool      `yaml:"file"`
	MaxSize    SizeBytes `yaml:"max_size"`
	MaxBackups int       `yaml:"max_backups"`
}

// StorageConfig selects the wide-column backend and per-table consistency.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "pebble" or "redis"
	Redis   struct {
		URL      string   `yaml:"url"`
		Replicas int      `yaml:"replicas"`
		Timeout  Duration `yaml:"timeout"`
	} `yaml:"redis"`
	Consistency struct {
		Messages string `yaml:"messages"`
		Index    string `yaml:"index"`
		Retries  string `yaml:"retries"`
	} `yaml:"consistency"`
	DisableWAL bool `yaml:"disable_wal"`
}

type MessagesConfig struct {
	PreviewLength int       `yaml:"preview_length"`
	DefaultLimit  int       `yaml:"default_limit"`
	MaxLimit      int       `yaml:"max_limit"`
	MaxBodyBytes  SizeBytes `yaml:"max_body_bytes"`
}

// CoordinatorConfig tunes the index fanout.
type CoordinatorConfig struct {
	FanoutTimeout     Duration `yaml:"fanout_timeout"`
	FanoutConcurrency int      `yaml:"fanout_concurrency"`
}

// RetryConfig tunes the queue that replays failed index writes.
type RetryConfig struct {
	Capacity       int      `yaml:"capacity"`
	Workers        int      `yaml:"workers"`
	RPS            float64  `yaml:"rps"`
	Burst          int      `yaml:"burst"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	MaxAttempts    int      `yaml:"max_attempts"`
	PollInterval   Duration `yaml:"poll_interval"`
}

// CompactionConfig holds configuration for the superseded-row trimmer.
type CompactionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Cron      string `yaml:"cron"`
	BatchSize int    `yaml:"batch_size"`
	DryRun    bool   `yaml:"dry_run"`
	// LockTTL bounds how long a crashed runner can hold the lease.
	LockTTL Duration `yaml:"lock_ttl"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := parseDur(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDur(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
