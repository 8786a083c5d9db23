package main

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/getsentry/ktrace/internal/symbol"
	"github.com/getsentry/ktrace/internal/wire"
)

type ServiceConfig struct {
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT" env-default:"development" env-description:"environment reported to Sentry"`

	SentryDSN string `yaml:"sentry_dsn" env:"SENTRY_DSN" env-description:"Sentry DSN, errors aren't reported when empty"`

	LogLevel string `yaml:"log_level" env:"KTRACE_LOG_LEVEL" env-default:"info" env-description:"minimum level of logged events"`

	Addr2LinePath string `yaml:"addr2line_path" env:"KTRACE_ADDR2LINE" env-default:"addr2line" env-description:"addr2line executable"`
	SymbolBinary  string `yaml:"symbol_binary" env:"KTRACE_SYMBOL_BINARY" env-description:"binary backtraces are resolved against"`
	SymbolCache   int    `yaml:"symbol_cache" env:"KTRACE_SYMBOL_CACHE" env-default:"16384" env-description:"resolved addresses kept in memory"`

	SpecCacheSize int `yaml:"spec_cache_size" env:"KTRACE_SPEC_CACHE_SIZE" env-default:"1024" env-description:"format specifiers kept split in memory"`

	StorageTimeout time.Duration `yaml:"storage_timeout" env:"KTRACE_STORAGE_TIMEOUT" env-default:"1m" env-description:"timeout of object storage reads and writes"`
}

// loadConfig reads the configuration from the environment, on top of the
// file at path when one is given.
func loadConfig(path string) (ServiceConfig, error) {
	var cfg ServiceConfig
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	return cfg, err
}

func (c ServiceConfig) addr2LineOptions() symbol.Options {
	return symbol.Options{
		Path:      c.Addr2LinePath,
		CacheSize: c.SymbolCache,
	}
}

func (c ServiceConfig) specCache() (*wire.SpecCache, error) {
	size := c.SpecCacheSize
	if size <= 0 {
		size = wire.DefaultSpecCacheSize
	}
	return wire.NewSpecCache(size)
}
