package config

import (
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

const envPrefix = "CONVODB_"

// parses command-line flags from args (normally os.Args[1:])
func ParseConfigFlags(args []string) (Flags, error) {
	fsFlags := flag.NewFlagSet("convodb", flag.ContinueOnError)
	addrPtr := fsFlags.String("addr", ":8080", "HTTP listen address")
	dbPtr := fsFlags.String("db", "./.database", "database path")
	cfgPtr := fsFlags.String("config", "./config.yaml", "Path to config file")
	if err := fsFlags.Parse(args); err != nil {
		return Flags{}, err
	}

	setFlags := make(map[string]bool)
	fsFlags.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}, nil
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfg, err := LoadConfigFile(flags.Config)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// loads CONVODB_* environment variables into a new Config; envUsed reports
// whether any were present
func ParseConfigEnvs() (*Config, bool) {
	return parseEnvs(os.Getenv)
}

func parseEnvs(getenv func(string) string) (*Config, bool) {
	keys := []string{
		"ADDR", "SERVER_ADDRESS", "SERVER_PORT", "DB_PATH",
		"RATE_RPS", "RATE_BURST", "MAX_REQUEST_BODY",
		"LOG_LEVEL", "LOG_FILE",
		"STORAGE_BACKEND", "REDIS_URL", "REDIS_REPLICAS",
		"CONSISTENCY_MESSAGES", "CONSISTENCY_INDEX", "CONSISTENCY_RETRIES", "DISABLE_WAL",
		"PREVIEW_LENGTH", "DEFAULT_LIMIT", "MAX_LIMIT", "MAX_BODY_BYTES",
		"FANOUT_TIMEOUT", "FANOUT_CONCURRENCY",
		"RETRY_CAPACITY", "RETRY_WORKERS", "RETRY_RPS", "RETRY_MAX_ATTEMPTS",
		"RETRY_INITIAL_BACKOFF", "RETRY_MAX_BACKOFF",
		"COMPACTION_ENABLED", "COMPACTION_CRON", "COMPACTION_BATCH_SIZE",
		"COMPACTION_DRY_RUN", "COMPACTION_LOCK_TTL",
	}
	envs := make(map[string]string, len(keys))
	envUsed := false
	for _, k := range keys {
		v := strings.TrimSpace(getenv(envPrefix + k))
		envs[k] = v
		if v != "" {
			envUsed = true
		}
	}

	cfg := &Config{}

	parseBool := func(v string) bool {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}
	parseInt := func(v string, dst *int) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
	parseFloat := func(v string, dst *float64) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
	parseDuration := func(v string, dst *Duration) {
		if d, err := parseDur(v); err == nil {
			*dst = d
		}
	}
	parseSizeBytes := func(v string, dst *SizeBytes) {
		if s, err := parseSize(v); err == nil {
			*dst = s
		}
	}

	if v := envs["ADDR"]; v != "" {
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			parseInt(p, &cfg.Server.Port)
		} else {
			cfg.Server.Address = v
		}
	} else {
		cfg.Server.Address = envs["SERVER_ADDRESS"]
		if v := envs["SERVER_PORT"]; v != "" {
			parseInt(v, &cfg.Server.Port)
		}
	}
	cfg.Server.DBPath = envs["DB_PATH"]
	if v := envs["RATE_RPS"]; v != "" {
		parseFloat(v, &cfg.Server.RateLimit.RPS)
	}
	if v := envs["RATE_BURST"]; v != "" {
		parseInt(v, &cfg.Server.RateLimit.Burst)
	}
	if v := envs["MAX_REQUEST_BODY"]; v != "" {
		parseSizeBytes(v, &cfg.Server.MaxRequestBody)
	}

	cfg.Logging.Level = envs["LOG_LEVEL"]
	if v := envs["LOG_FILE"]; v != "" {
		cfg.Logging.File = parseBool(v)
	}

	cfg.Storage.Backend = envs["STORAGE_BACKEND"]
	cfg.Storage.Redis.URL = envs["REDIS_URL"]
	if v := envs["REDIS_REPLICAS"]; v != "" {
		parseInt(v, &cfg.Storage.Redis.Replicas)
	}
	cfg.Storage.Consistency.Messages = envs["CONSISTENCY_MESSAGES"]
	cfg.Storage.Consistency.Index = envs["CONSISTENCY_INDEX"]
	cfg.Storage.Consistency.Retries = envs["CONSISTENCY_RETRIES"]
	if v := envs["DISABLE_WAL"]; v != "" {
		cfg.Storage.DisableWAL = parseBool(v)
	}

	if v := envs["PREVIEW_LENGTH"]; v != "" {
		parseInt(v, &cfg.Messages.PreviewLength)
	}
	if v := envs["DEFAULT_LIMIT"]; v != "" {
		parseInt(v, &cfg.Messages.DefaultLimit)
	}
	if v := envs["MAX_LIMIT"]; v != "" {
		parseInt(v, &cfg.Messages.MaxLimit)
	}
	if v := envs["MAX_BODY_BYTES"]; v != "" {
		parseSizeBytes(v, &cfg.Messages.MaxBodyBytes)
	}

	if v := envs["FANOUT_TIMEOUT"]; v != "" {
		parseDuration(v, &cfg.Coordinator.FanoutTimeout)
	}
	if v := envs["FANOUT_CONCURRENCY"]; v != "" {
		parseInt(v, &cfg.Coordinator.FanoutConcurrency)
	}

	if v := envs["RETRY_CAPACITY"]; v != "" {
		parseInt(v, &cfg.Retry.Capacity)
	}
	if v := envs["RETRY_WORKERS"]; v != "" {
		parseInt(v, &cfg.Retry.Workers)
	}
	if v := envs["RETRY_RPS"]; v != "" {
		parseFloat(v, &cfg.Retry.RPS)
	}
	if v := envs["RETRY_MAX_ATTEMPTS"]; v != "" {
		parseInt(v, &cfg.Retry.MaxAttempts)
	}
	if v := envs["RETRY_INITIAL_BACKOFF"]; v != "" {
		parseDuration(v, &cfg.Retry.InitialBackoff)
	}
	if v := envs["RETRY_MAX_BACKOFF"]; v != "" {
		parseDuration(v, &cfg.Retry.MaxBackoff)
	}

	// compaction runner
	if v := envs["COMPACTION_ENABLED"]; v != "" {
		cfg.Compaction.Enabled = parseBool(v)
	}
	cfg.Compaction.Cron = envs["COMPACTION_CRON"]
	if v := envs["COMPACTION_BATCH_SIZE"]; v != "" {
		parseInt(v, &cfg.Compaction.BatchSize)
	}
	if v := envs["COMPACTION_DRY_RUN"]; v != "" {
		cfg.Compaction.DryRun = parseBool(v)
	}
	if v := envs["COMPACTION_LOCK_TTL"]; v != "" {
		parseDuration(v, &cfg.Compaction.LockTTL)
	}
	return cfg, envUsed
}

// decides which single source to use and returns the effective config plus
// resolved addr and dbPath. --config wins outright; otherwise explicit flags
// override whichever of file or env is present; otherwise the file if present;
// else env.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	if flags.Set["config"] {
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		res.Config = fileCfg
		res.Source = "config"
	} else if fileExists {
		res.Config = fileCfg
		res.Source = "config"
	} else {
		res.Config = envCfg
		res.Source = "env"
	}
	if res.Config == nil {
		res.Config = &Config{}
	}

	if !flags.Set["config"] && (flags.Set["addr"] || flags.Set["db"]) {
		if flags.Set["addr"] {
			host, port, err := net.SplitHostPort(flags.Addr)
			if err != nil {
				return res, fmt.Errorf("invalid --addr %q: %w", flags.Addr, err)
			}
			res.Config.Server.Address = host
			res.Config.Server.Port = parsePort(port)
		}
		if flags.Set["db"] {
			res.Config.Server.DBPath = flags.DB
		}
		res.Source = "flags"
	}

	if strings.TrimSpace(res.Config.Server.DBPath) == "" {
		res.Config.Server.DBPath = flags.DB
	}
	res.Addr = res.Config.Addr()
	res.DBPath = res.Config.Server.DBPath
	return res, nil
}

func parsePort(p string) int {
	if pi, err := strconv.Atoi(p); err == nil {
		return pi
	}
	return 0
}
