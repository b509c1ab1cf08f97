// Package config provides configuration management for the gateway server.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including server port, debug
// settings, proxy configuration, API keys, and the Gemini web upstream.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile redirects application logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	// An empty list disables authentication entirely.
	APIKeys []string `yaml:"api-keys"`

	// RequestLog enables or disables detailed request logging functionality.
	RequestLog bool `yaml:"request-log"`

	// RequestRetry defines the retry times when the upstream request failed.
	RequestRetry int `yaml:"request-retry"`

	// AllowLocalhostUnauthenticated allows unauthenticated requests from localhost.
	AllowLocalhostUnauthenticated bool `yaml:"allow-localhost-unauthenticated"`

	// GeminiWeb configures the cookie-authenticated Gemini web upstream.
	GeminiWeb GeminiWeb `yaml:"gemini-web"`
}

// GeminiWeb holds the settings for the Gemini web chat upstream.
type GeminiWeb struct {
	// Secure1PSID is the __Secure-1PSID cookie value. When set it takes
	// precedence over the token file.
	Secure1PSID string `yaml:"secure-1psid"`

	// Secure1PSIDTS is the __Secure-1PSIDTS cookie value.
	Secure1PSIDTS string `yaml:"secure-1psidts"`

	// TokenFile is the path of the JSON credential file written by --login
	// and updated when the upstream rotates cookies.
	TokenFile string `yaml:"token-file"`

	// DefaultModel is used when a request names no model or an alias such
	// as gpt-* that has no direct upstream equivalent.
	DefaultModel string `yaml:"default-model"`

	// SessionIdleMinutes is how long a conversation may sit unused before
	// its upstream handle is reclaimed.
	SessionIdleMinutes int `yaml:"session-idle-minutes"`

	// EvictIntervalSeconds is how often the idle sweep runs.
	EvictIntervalSeconds int `yaml:"evict-interval-seconds"`

	// OpenTimeoutSeconds bounds how long opening a new upstream
	// conversation may take.
	OpenTimeoutSeconds int `yaml:"open-timeout-seconds"`

	// RotateCookieSeconds is how often a fresh __Secure-1PSIDTS is requested.
	// Zero disables rotation.
	RotateCookieSeconds int `yaml:"rotate-cookie-seconds"`

	// MaxCharsPerRequest splits prompts larger than this into multiple
	// upstream messages. Zero means no splitting.
	MaxCharsPerRequest int `yaml:"max-chars-per-request"`

	// Context enables persisting conversation metadata so web threads
	// survive a gateway restart.
	Context bool `yaml:"context"`
}

// IdleThreshold returns the session idle timeout as a duration.
func (g GeminiWeb) IdleThreshold() time.Duration {
	return time.Duration(g.SessionIdleMinutes) * time.Minute
}

// EvictInterval returns the eviction sweep interval as a duration.
func (g GeminiWeb) EvictInterval() time.Duration {
	return time.Duration(g.EvictIntervalSeconds) * time.Second
}

// OpenTimeout returns the conversation open timeout as a duration.
func (g GeminiWeb) OpenTimeout() time.Duration {
	return time.Duration(g.OpenTimeoutSeconds) * time.Second
}

// RotateInterval returns the cookie rotation interval as a duration.
func (g GeminiWeb) RotateInterval() time.Duration {
	return time.Duration(g.RotateCookieSeconds) * time.Second
}

// setDefaults fills unset fields with working values.
func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.RequestRetry == 0 {
		c.RequestRetry = 1
	}
	g := &c.GeminiWeb
	if g.TokenFile == "" {
		g.TokenFile = "gemini-web.json"
	}
	if g.DefaultModel == "" {
		g.DefaultModel = "gemini-2.5-flash"
	}
	if g.SessionIdleMinutes == 0 {
		g.SessionIdleMinutes = 30
	}
	if g.EvictIntervalSeconds == 0 {
		g.EvictIntervalSeconds = 60
	}
	if g.OpenTimeoutSeconds == 0 {
		g.OpenTimeoutSeconds = 120
	}
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, applies defaults, and returns it.
//
// Parameters:
//   - configFile: The path to the YAML configuration file
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the configuration could not be loaded
func LoadConfig(configFile string) (*Config, error) {
	// Read the entire configuration file into memory.
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal the YAML data into the Config struct.
	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	return &config, nil
}
