// Package config resolves the bridge's runtime configuration from flags and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// DefaultHost is the only listen address the bridge binds. The bus carries
// browser credentials and tool results, so it never leaves loopback.
const DefaultHost = "127.0.0.1"

// DefaultPort is used when neither environment variable nor flag supplies
// a port.
const DefaultPort = 12306

// Environment variables recognised for the listen port. EnvPort wins over
// EnvPortLegacy.
const (
	EnvPort       = "CHROME_MCP_PORT"
	EnvPortLegacy = "MCP_HTTP_PORT"
)

// Config is the resolved runtime configuration.
type Config struct {
	Host string
	Port int

	// Session lifetime for MCP client sessions.
	SessionTTL time.Duration

	// Idle-eviction policy for extension instances.
	InstanceIdleTimeout   time.Duration
	InstanceEvictInterval time.Duration

	// Sweep cadence for the pending-request table.
	PendingSweepInterval time.Duration

	Debug bool
}

// Load resolves configuration. Port precedence: the --port flag (bound into
// viper by the command layer) when set, then CHROME_MCP_PORT, then
// MCP_HTTP_PORT, then DefaultPort.
func Load() (*Config, error) {
	cfg := &Config{
		Host:                  DefaultHost,
		SessionTTL:            30 * time.Minute,
		InstanceIdleTimeout:   1 * time.Hour,
		InstanceEvictInterval: 60 * time.Second,
		PendingSweepInterval:  1 * time.Second,
		Debug:                 viper.GetBool("debug"),
	}

	port, err := resolvePort()
	if err != nil {
		return nil, err
	}
	cfg.Port = port
	return cfg, nil
}

func resolvePort() (int, error) {
	if viper.IsSet("port") && viper.GetInt("port") != 0 {
		return validatePort(viper.GetInt("port"))
	}
	for _, key := range []string{EnvPort, EnvPortLegacy} {
		if raw := os.Getenv(key); raw != "" {
			p, err := strconv.Atoi(raw)
			if err != nil {
				return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
			}
			return validatePort(p)
		}
	}
	return DefaultPort, nil
}

func validatePort(p int) (int, error) {
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

// ExportPort writes the actual bound port into both recognised environment
// variables so child processes and probes agree on the address even when the
// configured port was 0 or taken.
func ExportPort(port int) {
	val := strconv.Itoa(port)
	os.Setenv(EnvPort, val)
	os.Setenv(EnvPortLegacy, val)
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
