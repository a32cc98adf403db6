package config

import "time"

// Config represents the daemon configuration structure
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	LogLevel string `json:"logLevel"`

	CallTimeout           int `json:"callTimeout"`           // ms - default per-call deadline
	ReconnectDelay        int `json:"reconnectDelay"`        // ms - initial push reconnect backoff
	ErrorDelayMaxDuration int `json:"errorDelayMaxDuration"` // ms - push reconnect backoff ceiling
	PingInterval          int `json:"pingInterval"`          // ms - push liveness probe period

	CacheSize int `json:"cacheSize"` // entries in the demo client's SWR cache
	CacheTTL  int `json:"cacheTTL"`  // seconds
}

// Default values
const (
	DefaultHost                  = "localhost"
	DefaultPort                  = 8080
	DefaultLogLevel              = "info"
	DefaultCallTimeout           = 5000  // ms
	DefaultReconnectDelay        = 1000  // ms
	DefaultErrorDelayMaxDuration = 30000 // ms
	DefaultPingInterval          = 30000 // ms
	DefaultCacheSize             = 1024
	DefaultCacheTTL              = 300 // seconds
)

// GetCallTimeoutDuration returns the call timeout as time.Duration
func (c *Config) GetCallTimeoutDuration() time.Duration {
	return time.Duration(c.CallTimeout) * time.Millisecond
}

// GetReconnectDelayDuration returns the reconnect delay as time.Duration
func (c *Config) GetReconnectDelayDuration() time.Duration {
	return time.Duration(c.ReconnectDelay) * time.Millisecond
}

// GetErrorDelayMaxDuration returns the backoff ceiling as time.Duration
func (c *Config) GetErrorDelayMaxDuration() time.Duration {
	return time.Duration(c.ErrorDelayMaxDuration) * time.Millisecond
}

// GetPingIntervalDuration returns the ping interval as time.Duration
func (c *Config) GetPingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

// GetCacheTTLDuration returns the cache TTL as time.Duration
func (c *Config) GetCacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}
