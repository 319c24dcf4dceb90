// Package config loads bridge settings from the environment
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix used by Load
const Prefix = "WVBRIDGE"

// Config holds bridge configuration
type Config struct {
	// CallTimeout bounds host -> embedded calls that don't set their own timeout
	CallTimeout time.Duration `envconfig:"CALL_TIMEOUT" default:"1s"`
	// HostAPITimeout is the default timeout of the embedded proxy stubs
	HostAPITimeout time.Duration `envconfig:"HOST_API_TIMEOUT" default:"1s"`
	// FactoryName is the global the embedded runtime defines
	FactoryName string `envconfig:"FACTORY_NAME" default:"getHostApi"`
	// PostMessage is the expression the embedded context posts outward with
	PostMessage string `envconfig:"POST_MESSAGE" default:"window.ReactNativeWebView.postMessage"`
	// ScriptTimeout interrupts sandboxed scripts that run too long
	ScriptTimeout time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"5s"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from WVBRIDGE_* environment variables
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from the environment. If that
// fails, it returns the default configuration along with the error,
// so callers can keep running and still report the problem.
func LoadOrDefault() (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Default returns the default configuration
func Default() Config {
	return Config{
		CallTimeout:    time.Second,
		HostAPITimeout: time.Second,
		FactoryName:    "getHostApi",
		PostMessage:    "window.ReactNativeWebView.postMessage",
		ScriptTimeout:  5 * time.Second,
		LogLevel:       "info",
	}
}
