package httpserver

import (
	"log/slog"
	"time"
)

type Option func(*config)

func WithAddr(addr string) Option {
	if addr == "" {
		panic("httpserver: addr cannot be empty")
	}
	return func(c *config) { c.addr = addr }
}

func positive(name string, d time.Duration) {
	if d <= 0 {
		panic("httpserver: " + name + " must be > 0")
	}
}

func WithReadHeaderTimeout(d time.Duration) Option {
	positive("read header timeout", d)
	return func(c *config) { c.readHeaderTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	positive("read timeout", d)
	return func(c *config) { c.readTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	positive("write timeout", d)
	return func(c *config) { c.writeTimeout = d }
}

func WithIdleTimeout(d time.Duration) Option {
	positive("idle timeout", d)
	return func(c *config) { c.idleTimeout = d }
}

// WithShutdownTimeout bounds how long in-flight requests may finish after Run's ctx ends.
func WithShutdownTimeout(d time.Duration) Option {
	positive("shutdown timeout", d)
	return func(c *config) { c.shutdownTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStartHook runs h with the bound address once the listener is open.
func WithStartHook(h func(addr string)) Option {
	if h == nil {
		panic("httpserver: nil start hook")
	}
	return func(c *config) { c.startHooks = append(c.startHooks, h) }
}
