package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// Config holds the daemon settings. Environment variables are read first,
// then an optional TOML file overlays the keys it defines.
type Config struct {
	Listen      string `env:"MW_LISTEN,default=:8080" toml:"listen"`
	BasePath    string `env:"MW_BASE_PATH,default=/wire" toml:"base_path"`
	GraceMillis int    `env:"MW_GRACE_MILLIS,default=0" toml:"grace_millis"`
	RedisAddr   string `env:"MW_REDIS_ADDR" toml:"redis_addr"`
	WatchDir    string `env:"MW_WATCH_DIR" toml:"watch_dir"`
	MetricsPath string `env:"MW_METRICS_PATH,default=/metrics" toml:"metrics_path"`
	LogLevel    string `env:"MW_LOG_LEVEL,default=info" toml:"log_level"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if path == "" {
		return cfg, nil
	}

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config file: %w", err)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = raw.Listen
	}
	if meta.IsDefined("base_path") {
		cfg.BasePath = raw.BasePath
	}
	if meta.IsDefined("grace_millis") {
		cfg.GraceMillis = raw.GraceMillis
	}
	if meta.IsDefined("redis_addr") {
		cfg.RedisAddr = raw.RedisAddr
	}
	if meta.IsDefined("watch_dir") {
		cfg.WatchDir = raw.WatchDir
	}
	if meta.IsDefined("metrics_path") {
		cfg.MetricsPath = raw.MetricsPath
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = raw.LogLevel
	}
	return cfg, nil
}

// GracePeriod returns the configured grace window, or zero to use the
// library default.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GraceMillis) * time.Millisecond
}

func (c Config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
