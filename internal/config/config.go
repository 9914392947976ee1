package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the agent configuration, loaded from a YAML file with
// environment-variable overrides.
type Config struct {
	Env         string `yaml:"env" env:"FIELD_AGENT_ENV" env-default:"production"`
	StoragePath string `yaml:"storage_path" env:"FIELD_AGENT_STORAGE_PATH" env-default:"field-agent.db"`

	Log struct {
		Level  string `yaml:"level" env:"FIELD_AGENT_LOG_LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"FIELD_AGENT_LOG_FORMAT" env-default:"json"`
	} `yaml:"log"`

	Backend struct {
		BaseURL string `yaml:"base_url" env:"FIELD_AGENT_BACKEND_URL"`
		APIKey  string `yaml:"api_key" env:"FIELD_AGENT_API_KEY"`
		Timeout int    `yaml:"timeout" env:"FIELD_AGENT_BACKEND_TIMEOUT" env-default:"15"` // seconds
	} `yaml:"backend"`

	Operator struct {
		UserID     string `yaml:"user_id" env:"FIELD_AGENT_USER_ID"`
		StrategyID string `yaml:"strategy_id" env:"FIELD_AGENT_STRATEGY_ID"`
		Version    int    `yaml:"version" env:"FIELD_AGENT_STRATEGY_VERSION" env-default:"1"`
	} `yaml:"operator"`

	Sync struct {
		Interval     int `yaml:"interval" env:"FIELD_AGENT_SYNC_INTERVAL" env-default:"60"`       // seconds
		MaxAttempts  int `yaml:"max_attempts" env:"FIELD_AGENT_SYNC_MAX_ATTEMPTS" env-default:"8"`
		BackoffBase  int `yaml:"backoff_base" env:"FIELD_AGENT_SYNC_BACKOFF_BASE" env-default:"2"`    // seconds
		BackoffMax   int `yaml:"backoff_max" env:"FIELD_AGENT_SYNC_BACKOFF_MAX" env-default:"300"`    // seconds
		SummaryLimit int `yaml:"summary_limit" env:"FIELD_AGENT_SUMMARY_LIMIT" env-default:"100"`
	} `yaml:"sync"`

	Network struct {
		ProbeInterval int `yaml:"probe_interval" env:"FIELD_AGENT_PROBE_INTERVAL" env-default:"10"` // seconds
		Debounce      int `yaml:"debounce" env:"FIELD_AGENT_NET_DEBOUNCE" env-default:"5"`          // seconds
	} `yaml:"network"`

	Status struct {
		Enabled bool `yaml:"enabled" env:"FIELD_AGENT_STATUS_ENABLED" env-default:"true"`
		Port    int  `yaml:"port" env:"FIELD_AGENT_STATUS_PORT" env-default:"8425"`
	} `yaml:"status"`

	Retention struct {
		SyncedTTLDays int `yaml:"synced_ttl_days" env:"FIELD_AGENT_SYNCED_TTL_DAYS" env-default:"30"`
	} `yaml:"retention"`
}

// LoadConfig reads the YAML file at path, then applies environment overrides.
// A missing file is not an error: the environment alone can configure the
// agent.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	}

	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("backend.base_url is required")
	}
	if cfg.Operator.UserID == "" {
		return nil, fmt.Errorf("operator.user_id is required")
	}
	if cfg.Operator.StrategyID == "" {
		return nil, fmt.Errorf("operator.strategy_id is required")
	}

	return cfg, nil
}
