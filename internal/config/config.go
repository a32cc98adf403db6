package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ErrorDelayMaxDuration == 0 {
		cfg.ErrorDelayMaxDuration = DefaultErrorDelayMaxDuration
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.CallTimeout < 0 {
		return fmt.Errorf("callTimeout must be non-negative")
	}
	if cfg.ReconnectDelay < 0 {
		return fmt.Errorf("reconnectDelay must be non-negative")
	}
	if cfg.ErrorDelayMaxDuration < cfg.ReconnectDelay {
		return fmt.Errorf("errorDelayMaxDuration must be at least reconnectDelay")
	}
	if cfg.PingInterval < 0 {
		return fmt.Errorf("pingInterval must be non-negative")
	}
	if cfg.CacheSize < 0 {
		return fmt.Errorf("cacheSize must be non-negative")
	}
	if cfg.CacheTTL < 0 {
		return fmt.Errorf("cacheTTL must be non-negative")
	}

	return nil
}
