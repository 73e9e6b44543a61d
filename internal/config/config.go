// Package config loads and validates f5vpnc's configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigPath is the default location for the client configuration file.
	DefaultConfigPath = "/etc/f5vpnc/config.yaml"

	// DefaultDataDir is the default directory for client state files.
	// Validate creates it if missing.
	DefaultDataDir = "/var/lib/f5vpnc"
)

// Config holds all configuration for f5vpnc.
type Config struct {
	// Host is the F5 gateway hostname (and optional :port) to authenticate against.
	Host string `mapstructure:"host" yaml:"host"`

	// DataDir is the directory where client state is stored.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// OpenSSLPath is the path to the openssl binary used as the TLS client subprocess.
	OpenSSLPath string `mapstructure:"openssl_path" yaml:"openssl_path"`

	// PppdPath is the path to the pppd binary.
	PppdPath string `mapstructure:"pppd_path" yaml:"pppd_path"`

	// PluginPath is the path to the built pppnotify plugin shared object.
	PluginPath string `mapstructure:"plugin_path" yaml:"plugin_path"`

	// StatusAddr, if set, is the address the optional status HTTP endpoint
	// listens on (e.g. "127.0.0.1:7171"). Empty disables it.
	StatusAddr string `mapstructure:"status_addr" yaml:"status_addr"`

	// UseKeyring enables caching the MRHSession cookie in the OS keyring
	// between invocations.
	UseKeyring bool `mapstructure:"use_keyring" yaml:"use_keyring"`
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables (prefixed
// F5VPNC_) override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("openssl_path", "/usr/bin/openssl")
	v.SetDefault("pppd_path", "/usr/sbin/pppd")
	v.SetDefault("plugin_path", "/usr/lib/f5vpnc/pppnotify.so")
	v.SetDefault("use_keyring", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("F5VPNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"host":         "F5VPNC_HOST",
		"data_dir":     "F5VPNC_DATA_DIR",
		"log_level":    "F5VPNC_LOG_LEVEL",
		"openssl_path": "F5VPNC_OPENSSL_PATH",
		"pppd_path":    "F5VPNC_PPPD_PATH",
		"plugin_path":  "F5VPNC_PLUGIN_PATH",
		"status_addr":  "F5VPNC_STATUS_ADDR",
		"use_keyring":  "F5VPNC_USE_KEYRING",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars, flags, and defaults.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks that configuration is well-formed enough to run with,
// and ensures the data directory exists.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", c.DataDir, err)
	}
	return nil
}
