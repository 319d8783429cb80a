package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Environment names accepted by WithEnvironment.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the env-driven logger configuration.
type Config struct {
	Service string `env:"SERVICE_NAME" envDefault:"paygate"`
	Env     string `env:"APP_ENV" envDefault:"development"`
	Level   string `env:"LOG_LEVEL"`
	Format  string `env:"LOG_FORMAT"`
}

// Option configures logger creation.
type Option func(*options)

type options struct {
	level      slog.Level
	format     Format
	output     io.Writer
	attrs      []slog.Attr
	extractors []ContextExtractor
}

func WithLevel(l slog.Level) Option {
	return func(o *options) { o.level = l }
}

// WithFormat sets the output encoding. Unknown formats panic: a misconfigured
// logger should stop the process at start-up.
func WithFormat(f Format) Option {
	return func(o *options) {
		switch f {
		case FormatJSON, FormatText:
			o.format = f
		default:
			panic(fmt.Errorf("invalid log format %q: must be %q or %q", f, FormatJSON, FormatText))
		}
	}
}

func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.output = w
		}
	}
}

// WithAttr adds static attributes to every record.
func WithAttr(attrs ...slog.Attr) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// WithContextExtractors registers functions that pull attributes out of the
// context passed to the *Context logging methods.
func WithContextExtractors(extractors ...ContextExtractor) Option {
	return func(o *options) {
		for _, ex := range extractors {
			if ex != nil {
				o.extractors = append(o.extractors, ex)
			}
		}
	}
}

// WithEnvironment applies the preset for env: text/debug for development,
// json/info for staging and production. Service and env are attached to every record.
func WithEnvironment(env, service string) Option {
	return func(o *options) {
		switch strings.ToLower(env) {
		case EnvProduction, "prod":
			env = EnvProduction
			o.level, o.format = slog.LevelInfo, FormatJSON
		case EnvStaging, "stage":
			env = EnvStaging
			o.level, o.format = slog.LevelInfo, FormatJSON
		default:
			env = EnvDevelopment
			o.level, o.format = slog.LevelDebug, FormatText
		}
		if service != "" {
			o.attrs = append(o.attrs, slog.String("service", service))
		}
		o.attrs = append(o.attrs, slog.String("env", env))
	}
}

// FromConfig translates Config into options. Explicit level and format win
// over the environment preset.
func FromConfig(cfg Config) []Option {
	opts := []Option{WithEnvironment(cfg.Env, cfg.Service)}
	if cfg.Level != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err == nil {
			opts = append(opts, WithLevel(lvl))
		}
	}
	if cfg.Format != "" {
		opts = append(opts, WithFormat(Format(strings.ToLower(cfg.Format))))
	}
	return opts
}

// New builds a *slog.Logger. Defaults to JSON at info level on stdout.
func New(opts ...Option) *slog.Logger {
	o := &options{
		level:  slog.LevelInfo,
		format: FormatJSON,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}

	handlerOpts := &slog.HandlerOptions{Level: o.level}

	var handler slog.Handler
	if o.format == FormatText {
		handler = slog.NewTextHandler(o.output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(o.output, handlerOpts)
	}
	if len(o.attrs) > 0 {
		handler = handler.WithAttrs(o.attrs)
	}

	return slog.New(NewLogHandlerDecorator(handler, o.extractors...))
}

// Discard returns a logger that drops every record. Handy as a default in constructors.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
