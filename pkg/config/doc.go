// Package config loads typed application configuration from environment variables.
//
// It combines github.com/joho/godotenv (optional .env bootstrap) with
// github.com/caarlos0/env/v11 (struct tag parsing). Every package in the module
// owns a small Config struct annotated with `env` tags; the binary loads each
// of them once at start-up:
//
//	var pgCfg pg.Config
//	config.MustLoad(&pgCfg)
//
// Parsed values are cached per type, so repeated Load calls are cheap and
// always observe the same values. A failed parse is not cached.
package config
