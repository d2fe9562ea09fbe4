package config

import (
	"errors"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	NHTSA   NHTSAConfig
	Sync    SyncConfig
	Cache   CacheConfig
	Alerts  AlertsConfig
	Log     LogConfig
	Admin   AdminConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type NHTSAConfig struct {
	APIBaseURL string
	CSVURL     string
	Timeout    time.Duration
}

type SyncConfig struct {
	BatchSize     int
	BatchInterval time.Duration
	MaxAttempts   int
	// RetryBaseSeconds is the backoff unit; attempt n waits n times this.
	RetryBaseSeconds int
	RequestDelay     time.Duration
	// Scheduler disables the periodic jobs when false.
	Scheduler bool
}

// RetryBase returns the backoff unit as a duration.
func (s SyncConfig) RetryBase() time.Duration {
	return time.Duration(s.RetryBaseSeconds) * time.Second
}

type CacheConfig struct {
	TTL    time.Duration
	APITTL time.Duration
}

type AlertsConfig struct {
	WebhookURL string
}

type LogConfig struct {
	Level string
}

type AdminConfig struct {
	Token string
}

// ErrMissingAdminToken is returned by Validate when no admin token is set.
var ErrMissingAdminToken = errors.New("missing required config: admin token. Set it via environment variable VSR_ADMIN_TOKEN")

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		NHTSA: NHTSAConfig{
			APIBaseURL: "https://api.nhtsa.gov/SafetyRatings",
			CSVURL:     "https://static.nhtsa.gov/nhtsa/downloads/Safercar/Safercar_data.csv",
			Timeout:    15 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:        10,
			BatchInterval:    5 * time.Minute,
			MaxAttempts:      3,
			RetryBaseSeconds: 300,
			RequestDelay:     500 * time.Millisecond,
			Scheduler:        true,
		},
		Cache: CacheConfig{
			TTL:    24 * time.Hour,
			APITTL: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/vsr/config.json, then applies VSR_* environment
// variable overrides. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// Validate checks the settings the server needs to start.
func (c Config) Validate() error {
	if c.Admin.Token == "" {
		return ErrMissingAdminToken
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return errors.New("sync.max_attempts must be positive")
	}
	return nil
}
