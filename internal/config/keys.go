package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "VSR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VSR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "nhtsa.api_base_url", typ: kString, env: "VSR_NHTSA_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.NHTSA.APIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.NHTSA.APIBaseURL },
	},
	{
		key: "nhtsa.csv_url", typ: kString, env: "VSR_NHTSA_CSV_URL",
		apply:   func(cfg *Config, v any) { cfg.NHTSA.CSVURL = v.(string) },
		extract: func(cfg Config) any { return cfg.NHTSA.CSVURL },
	},
	{
		key: "nhtsa.timeout", typ: kDuration, env: "VSR_NHTSA_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.NHTSA.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.NHTSA.Timeout },
	},
	{
		key: "sync.batch_size", typ: kInt, env: "VSR_SYNC_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.BatchSize },
	},
	{
		key: "sync.batch_interval", typ: kDuration, env: "VSR_SYNC_BATCH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.BatchInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BatchInterval },
	},
	{
		key: "sync.max_attempts", typ: kInt, env: "VSR_SYNC_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxAttempts },
	},
	{
		key: "sync.retry_base_seconds", typ: kInt, env: "VSR_SYNC_RETRY_BASE_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Sync.RetryBaseSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.RetryBaseSeconds },
	},
	{
		key: "sync.request_delay", typ: kDuration, env: "VSR_SYNC_REQUEST_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Sync.RequestDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.RequestDelay },
	},
	{
		key: "sync.scheduler", typ: kBool, env: "VSR_SYNC_SCHEDULER",
		apply:   func(cfg *Config, v any) { cfg.Sync.Scheduler = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.Scheduler },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "VSR_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.api_ttl", typ: kDuration, env: "VSR_CACHE_API_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.APITTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.APITTL },
	},
	{
		key: "alerts.webhook_url", typ: kString, env: "VSR_ALERTS_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Alerts.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.WebhookURL },
	},
	{
		key: "log.level", typ: kString, env: "VSR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "admin.token", typ: kString, env: "VSR_ADMIN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Admin.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Admin.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || v == "" {
			continue
		}
		parsed, err := parseValue(s.typ, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			continue
		}
		s.apply(cfg, parsed)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", d)
		}
		return d, nil
	default:
		return raw, nil
	}
}
