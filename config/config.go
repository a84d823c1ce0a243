// Package config loads server settings for the minicached daemon.
//
// Values come from three sources, highest priority first:
//  1. Command-line flags (-port, -host, -log-level, ...)
//  2. Environment variables prefixed with MINICACHED_
//  3. Built-in defaults
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

const (
	// DefaultPort is the traditional memcached port.
	DefaultPort = 11211

	DefaultIdleTimeoutSecs = 300
	DefaultMaxValueSize    = 1 << 20
)

// ServerConfig holds everything the daemon needs to start listening.
type ServerConfig struct {
	Host         string // address to bind to (default "0.0.0.0")
	LogLevel     string // debug, info, warn, error (default "info")
	Port         int    // TCP port to listen on (default 11211)
	IdleTimeout  int    // seconds before an idle connection is dropped, 0 disables
	MaxValueSize int    // largest accepted value payload in bytes
}

// LoadServerConfig builds a ServerConfig from flags and environment
// variables. Flags win over the environment, which wins over defaults.
//
// Recognized environment variables: MINICACHED_PORT, MINICACHED_HOST,
// MINICACHED_LOG_LEVEL, MINICACHED_IDLE_TIMEOUT, MINICACHED_MAX_VALUE_SIZE.
func LoadServerConfig() *ServerConfig {
	config := &ServerConfig{
		Host:         "0.0.0.0",
		LogLevel:     "info",
		Port:         DefaultPort,
		IdleTimeout:  DefaultIdleTimeoutSecs,
		MaxValueSize: DefaultMaxValueSize,
	}

	if port := os.Getenv("MINICACHED_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}

	if host := os.Getenv("MINICACHED_HOST"); host != "" {
		config.Host = host
	}

	if level := os.Getenv("MINICACHED_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}

	if idle := os.Getenv("MINICACHED_IDLE_TIMEOUT"); idle != "" {
		if it, err := strconv.Atoi(idle); err == nil {
			config.IdleTimeout = it
		}
	}

	if maxVal := os.Getenv("MINICACHED_MAX_VALUE_SIZE"); maxVal != "" {
		if mv, err := strconv.Atoi(maxVal); err == nil {
			config.MaxValueSize = mv
		}
	}

	flag.IntVar(&config.Port, "port", config.Port, "TCP port to listen on")
	flag.StringVar(&config.Host, "host", config.Host, "Address to bind to")
	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	flag.IntVar(&config.IdleTimeout, "idle-timeout", config.IdleTimeout, "Idle connection timeout in seconds (0 disables)")
	flag.IntVar(&config.MaxValueSize, "max-value-size", config.MaxValueSize, "Largest accepted value payload in bytes")
	flag.Parse()

	return config
}

// Address combines host and port into a form suitable for net.Listen.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate reports the first invalid setting it finds.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must be non-negative: %d", c.IdleTimeout)
	}

	if c.MaxValueSize < 1 {
		return fmt.Errorf("max value size must be positive: %d", c.MaxValueSize)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}
