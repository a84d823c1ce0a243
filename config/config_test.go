package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "127.0.0.1",
		LogLevel:     "info",
		Port:         11211,
		IdleTimeout:  300,
		MaxValueSize: 1 << 20,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*ServerConfig){
		"zero port":         func(c *ServerConfig) { c.Port = 0 },
		"port too large":    func(c *ServerConfig) { c.Port = 70000 },
		"negative idle":     func(c *ServerConfig) { c.IdleTimeout = -1 },
		"zero max value":    func(c *ServerConfig) { c.MaxValueSize = 0 },
		"unknown log level": func(c *ServerConfig) { c.LogLevel = "trace" },
		"empty log level":   func(c *ServerConfig) { c.LogLevel = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestAddress(t *testing.T) {
	c := validConfig()
	require.Equal(t, "127.0.0.1:11211", c.Address())

	c.Host = "0.0.0.0"
	c.Port = 9999
	require.Equal(t, "0.0.0.0:9999", c.Address())
}
