package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultPolicyPath = ".mcplane/policy.json"

// maxLogWindowSeconds caps the log collection bound; streams that emit no
// completion marker still resolve within this window.
const maxLogWindowSeconds = 360

type Config struct {
	Version   int `json:"version"`
	Execution struct {
		MaxAttempts          int `json:"max_attempts"`
		CooldownSeconds      int `json:"cooldown_seconds"`
		SubmitTimeoutSeconds int `json:"submit_timeout_seconds"`
		SettleDelaySeconds   int `json:"settle_delay_seconds"`
		LogWindowSeconds     int `json:"log_window_seconds"`
	} `json:"execution"`
	Platform struct {
		BaseURL               string `json:"base_url"`
		Token                 string `json:"token,omitempty"`
		RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
		MaxRows               int    `json:"max_rows"`
	} `json:"platform"`
	Logs struct {
		CompletionMarkers []string `json:"completion_markers"`
		CompletionScript  string   `json:"completion_script,omitempty"`
	} `json:"logs"`
	Sessions struct {
		Backend    string `json:"backend"`
		TTLSeconds int    `json:"ttl_seconds"`
		Redis      struct {
			URL       string `json:"url,omitempty"`
			KeyPrefix string `json:"key_prefix,omitempty"`
		} `json:"redis"`
	} `json:"sessions"`
	Events struct {
		BufferSize int `json:"buffer_size"`
		Redis      struct {
			URL    string `json:"url,omitempty"`
			Stream string `json:"stream,omitempty"`
		} `json:"redis"`
	} `json:"events"`
}

const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Execution.MaxAttempts = 3
	cfg.Execution.CooldownSeconds = 30
	cfg.Execution.SubmitTimeoutSeconds = 60
	cfg.Execution.SettleDelaySeconds = 5
	cfg.Execution.LogWindowSeconds = 120
	cfg.Platform.BaseURL = "http://localhost:8400"
	cfg.Platform.RequestTimeoutSeconds = 15
	cfg.Platform.MaxRows = 200
	cfg.Logs.CompletionMarkers = []string{"[DONE]", "COMPLETED", "FINISHED"}
	cfg.Sessions.Backend = SessionBackendMemory
	cfg.Sessions.TTLSeconds = 86400
	cfg.Sessions.Redis.KeyPrefix = "mcplane:session:"
	cfg.Events.BufferSize = 128
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if cfg.Execution.MaxAttempts <= 0 {
		return fmt.Errorf("execution.max_attempts must be > 0")
	}
	if cfg.Execution.CooldownSeconds <= 0 {
		return fmt.Errorf("execution.cooldown_seconds must be > 0")
	}
	if cfg.Execution.SubmitTimeoutSeconds <= 0 {
		return fmt.Errorf("execution.submit_timeout_seconds must be > 0")
	}
	if cfg.Execution.SettleDelaySeconds < 0 {
		return fmt.Errorf("execution.settle_delay_seconds must be >= 0")
	}
	if cfg.Execution.LogWindowSeconds <= 0 || cfg.Execution.LogWindowSeconds > maxLogWindowSeconds {
		return fmt.Errorf("execution.log_window_seconds must be in 1..%d", maxLogWindowSeconds)
	}
	if strings.TrimSpace(cfg.Platform.BaseURL) == "" {
		return fmt.Errorf("platform.base_url cannot be empty")
	}
	if cfg.Platform.MaxRows <= 0 {
		return fmt.Errorf("platform.max_rows must be > 0")
	}
	if len(cfg.Logs.CompletionMarkers) == 0 && strings.TrimSpace(cfg.Logs.CompletionScript) == "" {
		return fmt.Errorf("logs.completion_markers or logs.completion_script is required")
	}
	switch strings.TrimSpace(cfg.Sessions.Backend) {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if strings.TrimSpace(cfg.Sessions.Redis.URL) == "" {
			return fmt.Errorf("sessions.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("sessions.backend must be memory|redis")
	}
	if cfg.Sessions.TTLSeconds <= 0 {
		return fmt.Errorf("sessions.ttl_seconds must be > 0")
	}
	if strings.TrimSpace(cfg.Events.Redis.URL) != "" && strings.TrimSpace(cfg.Events.Redis.Stream) == "" {
		return fmt.Errorf("events.redis.stream is required when events.redis.url is set")
	}
	return nil
}

func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Execution.CooldownSeconds) * time.Second
}

func (c Config) SubmitTimeout() time.Duration {
	return time.Duration(c.Execution.SubmitTimeoutSeconds) * time.Second
}

func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Execution.SettleDelaySeconds) * time.Second
}

func (c Config) LogWindow() time.Duration {
	return time.Duration(c.Execution.LogWindowSeconds) * time.Second
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Sessions.TTLSeconds) * time.Second
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Platform.RequestTimeoutSeconds) * time.Second
}
