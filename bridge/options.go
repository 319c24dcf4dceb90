package bridge

import (
	"time"

	"go.arsenm.dev/wvbridge/config"
	"go.arsenm.dev/wvbridge/ids"
	"go.arsenm.dev/wvbridge/script"
	"go.arsenm.dev/wvbridge/serialize"
	"go.uber.org/zap"
)

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger used by the bridge
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithTimeout sets the default timeout of host to embedded calls
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithIDSource sets the source of correlation IDs
func WithIDSource(src ids.Source) Option {
	return func(b *Bridge) {
		if src != nil {
			b.newID = src
		}
	}
}

// WithSerializer sets the serializer used for outbound payloads
func WithSerializer(s serialize.Serializer) Option {
	return func(b *Bridge) {
		if s != nil {
			b.serializer = s
		}
	}
}

// WithErrorHandler sets the observer for errors that can't be
// reported to any caller, such as failing to deliver a response
func WithErrorHandler(h func(error)) Option {
	return func(b *Bridge) {
		b.onError = h
	}
}

// WithMessageHandler sets a handler that receives every raw inbound
// message after the bridge has processed it, including messages
// that are not bridge messages
func WithMessageHandler(h func(string)) Option {
	return func(b *Bridge) {
		b.onMessage = h
	}
}

// WithMetrics enables metrics collection
func WithMetrics(m *Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithRuntime configures the runtime injected by EnsureRuntime. Its
// PostMessage expression is also used by host to embedded calls.
func WithRuntime(r script.Runtime) Option {
	return func(b *Bridge) {
		b.runtime = r
	}
}

// WithConfig applies the timeouts and runtime settings of cfg
func WithConfig(cfg config.Config) Option {
	return func(b *Bridge) {
		WithTimeout(cfg.CallTimeout)(b)
		b.runtime = script.Runtime{
			FactoryName: cfg.FactoryName,
			Timeout:     cfg.HostAPITimeout,
			PostMessage: cfg.PostMessage,
		}
	}
}
