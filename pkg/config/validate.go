package config

import (
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
)

var consistencyLevels = map[string]struct{}{"one": {}, "quorum": {}, "all": {}}

// set defaults, fail fast on critical errors
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	if p := eff.DBPath; p == "" {
		return fmt.Errorf("database path is empty: set --db flag, CONVODB_DB_PATH env, or server.db_path in config")
	}
	if err := cfg.ValidateConfig(); err != nil {
		return err
	}

	switch cfg.Storage.Backend {
	case "pebble", "redis":
	default:
		return fmt.Errorf("invalid storage.backend %q: want pebble or redis", cfg.Storage.Backend)
	}
	for name, v := range map[string]string{
		"messages": cfg.Storage.Consistency.Messages,
		"index":    cfg.Storage.Consistency.Index,
		"retries":  cfg.Storage.Consistency.Retries,
	} {
		if _, ok := consistencyLevels[strings.ToLower(v)]; !ok {
			return fmt.Errorf("invalid storage.consistency.%s %q: want one, quorum or all", name, v)
		}
	}
	if cfg.Storage.Backend == "pebble" && cfg.Storage.DisableWAL {
		c := cfg.Storage.Consistency
		for _, v := range []string{c.Messages, c.Index, c.Retries} {
			if strings.ToLower(v) != "one" {
				return fmt.Errorf("storage.disable_wal requires every storage.consistency level to be one")
			}
		}
	}

	if cfg.Coordinator.FanoutTimeout.Duration() < 0 {
		return fmt.Errorf("coordinator.fanout_timeout must be positive")
	}
	if cfg.Retry.MaxBackoff.Duration() < cfg.Retry.InitialBackoff.Duration() {
		return fmt.Errorf("retry.max_backoff must be >= retry.initial_backoff")
	}

	if cfg.Compaction.Enabled {
		if !gronx.New().IsValid(cfg.Compaction.Cron) {
			return fmt.Errorf("invalid compaction.cron: not a valid cron expression")
		}
	}
	return nil
}
