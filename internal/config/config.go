// Package config loads daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Config holds the daemon settings.
type Config struct {
	WSAddr            string
	SocketAddr        string
	LogLevel          string
	LogFormat         string
	RateLimit         float64
	RateBurst         int
	MaxKeySize        int
	SocketIdleTimeout time.Duration
	Metrics           bool
}

// Load reads the given .env files (".env" when none are named) without
// overriding variables already set, then builds a Config from the
// environment. Missing files are ignored.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var errs error
	cfg := &Config{
		WSAddr:            getEnv("OTPNET_WS_ADDR", ":8080"),
		SocketAddr:        getEnv("OTPNET_SOCKET_ADDR", ":9090"),
		LogLevel:          getEnv("OTPNET_LOG_LEVEL", "info"),
		LogFormat:         getEnv("OTPNET_LOG_FORMAT", "json"),
		RateLimit:         parse(&errs, "OTPNET_RATE_LIMIT", 100.0, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }),
		RateBurst:         parse(&errs, "OTPNET_RATE_BURST", 200, strconv.Atoi),
		MaxKeySize:        parse(&errs, "OTPNET_MAX_KEY_SIZE", 1<<20, strconv.Atoi),
		SocketIdleTimeout: parse(&errs, "OTPNET_SOCKET_IDLE_TIMEOUT", 5*time.Minute, time.ParseDuration),
		Metrics:           parse(&errs, "OTPNET_METRICS", true, strconv.ParseBool),
	}
	if errs != nil {
		return nil, errs
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parse[T any](errs *error, key string, defaultVal T, fn func(string) (T, error)) T {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	v, err := fn(val)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return v
}
