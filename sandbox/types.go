package sandbox

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("sandbox context is closed")
)

// Config defines sandbox configuration
type Config struct {
	Href          string        // Initial value of window.location.href
	ScriptTimeout time.Duration // Longest a single script or callback may run
	PostMessage   string        // Name of the outward post object on window
	Logger        *zap.Logger   // Receives console output and script errors
}

// DefaultConfig returns the default sandbox configuration
func DefaultConfig() Config {
	return Config{
		Href:          "about:blank",
		ScriptTimeout: 5 * time.Second,
		PostMessage:   "ReactNativeWebView",
		Logger:        zap.NewNop(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Href == "" {
		c.Href = def.Href
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = def.ScriptTimeout
	}
	if c.PostMessage == "" {
		c.PostMessage = def.PostMessage
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return c
}

// LogEntry represents console output
type LogEntry struct {
	Level   string    // log, info, warn, error
	Message string    // Log message
	Time    time.Time // Timestamp
}

// ScriptError is a value thrown or rejected by a script
type ScriptError struct {
	Name    string // Error name, such as TypeError, if the value was an Error
	Message string // Error message, or the value converted to a string
	Value   any    // Exported thrown value
}

func (e *ScriptError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}
