package httpserver

import "time"

type Config struct {
	Addr              string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"45s"` // covers a full processor round trip
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// NewFromConfig applies the non-zero fields of cfg before opts.
func NewFromConfig(cfg Config, opts ...Option) *Server {
	base := make([]Option, 0, 6+len(opts))
	if cfg.Addr != "" {
		base = append(base, WithAddr(cfg.Addr))
	}
	for _, d := range []struct {
		v   time.Duration
		opt func(time.Duration) Option
	}{
		{cfg.ReadHeaderTimeout, WithReadHeaderTimeout},
		{cfg.ReadTimeout, WithReadTimeout},
		{cfg.WriteTimeout, WithWriteTimeout},
		{cfg.IdleTimeout, WithIdleTimeout},
		{cfg.ShutdownTimeout, WithShutdownTimeout},
	} {
		if d.v > 0 {
			base = append(base, d.opt(d.v))
		}
	}
	return New(append(base, opts...)...)
}
