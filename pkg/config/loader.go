package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// entry holds a parsed config value together with the once guarding its parsing.
type entry struct {
	once  sync.Once
	value any
	err   error
}

var (
	mu      sync.Mutex
	entries = map[reflect.Type]*entry{}

	dotenvOnce sync.Once
)

// LoadEnv reads the given .env files into the process environment.
// Variables already present in the environment are not overwritten.
// With no paths it reads ./.env and ignores a missing file.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		dotenvOnce.Do(func() { _ = godotenv.Load() })
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return errors.Join(ErrLoadingEnvFile, err)
	}
	return nil
}

// Load parses environment variables into v using `env` struct tags.
// Each config type is parsed once per process; later calls copy the cached value.
//
//	type StripeConfig struct {
//		SecretKey      string `env:"STRIPE_SECRET_KEY,required"`
//		PublishableKey string `env:"STRIPE_PUBLISHABLE_KEY"`
//	}
//
//	var cfg StripeConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	_ = LoadEnv()

	e := lookup(reflect.TypeFor[T]())
	e.once.Do(func() {
		var parsed T
		if err := env.Parse(&parsed); err != nil {
			e.err = errors.Join(ErrParsingConfig, err)
			return
		}
		e.value = parsed
	})

	if e.err != nil {
		// Drop the failed entry so a fixed environment can be retried.
		forget(reflect.TypeFor[T](), e)
		return e.err
	}

	cached, ok := e.value.(T)
	if !ok {
		return ErrConfigNotLoaded
	}
	*v = cached
	return nil
}

// MustLoad is like Load but panics on failure. Use it for configuration the
// process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: failed to load %T: %v", *v, err))
	}
}

// ResetCache forgets every parsed config. Intended for tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	entries = map[reflect.Type]*entry{}
}

func lookup(t reflect.Type) *entry {
	mu.Lock()
	defer mu.Unlock()
	e, ok := entries[t]
	if !ok {
		e = &entry{}
		entries[t] = e
	}
	return e
}

func forget(t reflect.Type, e *entry) {
	mu.Lock()
	defer mu.Unlock()
	if entries[t] == e {
		delete(entries, t)
	}
}
