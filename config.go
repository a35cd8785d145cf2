// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mdp

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Security mechanisms understood by the worker configuration.
const (
	MechanismNull  = "null"
	MechanismPlain = "plain"
)

// Config is the on-disk configuration of a Majordomo worker.
type Config struct {
	BrokerEndpoint      string         `toml:"broker_endpoint" mapstructure:"broker_endpoint"`
	ServiceName         string         `toml:"service_name" mapstructure:"service_name"`
	HeartbeatIntervalMs int            `toml:"heartbeat_interval_ms" mapstructure:"heartbeat_interval_ms"`
	HeartbeatLiveness   int            `toml:"heartbeat_liveness" mapstructure:"heartbeat_liveness"`
	ReconnectDelayMs    int            `toml:"reconnect_delay_ms" mapstructure:"reconnect_delay_ms"`
	Identity            string         `toml:"identity" mapstructure:"identity"`
	LogLevel            string         `toml:"log_level" mapstructure:"log_level"`
	Security            SecurityConfig `toml:"security" mapstructure:"security"`
}

// SecurityConfig selects the ZMTP security mechanism of the broker link.
type SecurityConfig struct {
	Mechanism string `toml:"mechanism" mapstructure:"mechanism"`
	Username  string `toml:"username" mapstructure:"username"`
	Password  string `toml:"password" mapstructure:"password"`
}

// DefaultConfig returns the configuration used when a file leaves a value unset.
// Broker endpoint and service name have no defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatIntervalMs: 2500,
		HeartbeatLiveness:   3,
		ReconnectDelayMs:    2500,
		LogLevel:            "info",
		Security:            SecurityConfig{Mechanism: MechanismNull},
	}
}

// ReadConfig decodes a TOML file on top of DefaultConfig. Unknown keys are
// an error; values are not validated so that flags can still fill them in.
func ReadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("mdp: could not decode config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("mdp: unknown config keys in %q: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// LoadConfig reads a TOML file and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.BrokerEndpoint == "":
		return fmt.Errorf("mdp: broker_endpoint is required")
	case c.ServiceName == "":
		return fmt.Errorf("mdp: service_name is required")
	case len(c.ServiceName) > 255:
		return fmt.Errorf("mdp: service_name too long: %d bytes (max 255)", len(c.ServiceName))
	case c.HeartbeatIntervalMs <= 0:
		return fmt.Errorf("mdp: heartbeat_interval_ms must be positive, got %d", c.HeartbeatIntervalMs)
	case c.HeartbeatLiveness <= 0:
		return fmt.Errorf("mdp: heartbeat_liveness must be positive, got %d", c.HeartbeatLiveness)
	case c.ReconnectDelayMs < 0:
		return fmt.Errorf("mdp: reconnect_delay_ms must not be negative, got %d", c.ReconnectDelayMs)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.Security.Mechanism) {
	case "", MechanismNull:
	case MechanismPlain:
		if c.Security.Username == "" {
			return fmt.Errorf("mdp: security.username is required for the plain mechanism")
		}
	default:
		return fmt.Errorf("mdp: unsupported security mechanism %q", c.Security.Mechanism)
	}
	return nil
}

// HeartbeatInterval returns heartbeat_interval_ms as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ReconnectDelay returns reconnect_delay_ms as a duration.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// Logger builds a logger at the configured level.
func (c Config) Logger() *Logger {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		level = LogLevelInfo
	}
	return NewLogger(level)
}
