package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-warplock/v1/presets"
)

const defaultRedisPort = 6379

// initConfig loads .env files and maps WARPLOCK_* variables onto flags.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("warplock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// container-style variables, used when --redis-addr is not set
	_ = viper.BindEnv("redis-host", "REDIS_HOST")
	_ = viper.BindEnv("redis-port", "REDIS_PORT")
}

// bindFlags binds the flags of cmd, including inherited ones, to viper.
func bindFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}

// extractPort accepts a bare port number or a URL such as tcp://host:6379.
// An empty value yields the default Redis port.
func extractPort(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultRedisPort, nil
	}
	if strings.Contains(value, "://") {
		u, err := url.Parse(value)
		if err != nil {
			return 0, fmt.Errorf("invalid port %q: %w", value, err)
		}
		value = u.Port()
		if value == "" {
			return defaultRedisPort, nil
		}
	}
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", value)
	}
	return port, nil
}

// redisAddr resolves the Redis address from --redis-addr, falling back to
// REDIS_HOST and REDIS_PORT.
func redisAddr() (string, error) {
	if addr := viper.GetString("redis-addr"); addr != "" {
		return addr, nil
	}
	host := viper.GetString("redis-host")
	if host == "" {
		host = "localhost"
	}
	port, err := extractPort(viper.GetString("redis-port"))
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func redisOptions() (presets.RedisOptions, error) {
	addr, err := redisAddr()
	if err != nil {
		return presets.RedisOptions{}, err
	}
	prefix := viper.GetString("prefix")
	if prefix == "" {
		// an empty prefix would let sweep and status touch every key in the DB
		return presets.RedisOptions{}, errors.New("prefix must not be empty")
	}
	return presets.RedisOptions{
		Addr:             addr,
		Password:         viper.GetString("redis-password"),
		DB:               viper.GetInt("redis-db"),
		Prefix:           prefix,
		BreakerThreshold: viper.GetInt("breaker-threshold"),
		BreakerTimeout:   viper.GetDuration("breaker-timeout"),
	}, nil
}

// newLogger builds the text logger written to stderr.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func setupRootFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("redis-addr", "", "Redis address host:port (defaults to REDIS_HOST and REDIS_PORT)")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.String("prefix", "LOCK_", "namespace prepended to lock names")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Int("breaker-threshold", 0, "consecutive store failures before failing fast (0 disables)")
	f.Duration("breaker-timeout", 5*time.Second, "how long the circuit breaker stays open")
}
