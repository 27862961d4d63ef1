package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ssh-port-lease/internal/logging"
)

const (
	FileName    = "config.yaml"
	DotEnvFile  = ".env"
	MinPortBase = 10000
	MaxPortTop  = 65535
	// MaxLeaseCap is the longest lease any deployment may configure.
	MaxLeaseCap = 24 * 60
)

type Config struct {
	APIListenAddr       string `yaml:"api_listen_addr"`
	PortMin             int    `yaml:"port_min"`
	PortMax             int    `yaml:"port_max"`
	ReservedPorts       []int  `yaml:"reserved_ports"`
	DefaultLeaseMinutes int    `yaml:"default_lease_minutes"`
	MaxLeaseMinutes     int    `yaml:"max_lease_minutes"`
	SweepIntervalSec    int    `yaml:"sweep_interval_sec"`
	RateLimitRPS        int    `yaml:"rate_limit_rps"`
	RateLimitBurst      int    `yaml:"rate_limit_burst"`
	MetricsEnabled      bool   `yaml:"metrics_enabled"`
	Store               Store  `yaml:"store"`
}

type Store struct {
	Driver        string `yaml:"driver"`
	SQLiteDSN     string `yaml:"sqlite_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisUsername string `yaml:"redis_username"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// Load reads config.yaml from the working directory when present and falls
// back to environment variables otherwise. A .env file, if any, is loaded
// into the environment first and never overrides variables already set.
func Load() (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("resolve current working directory: %w", err)
	}

	dotEnv := filepath.Join(cwd, DotEnvFile)
	if err := godotenv.Load(dotEnv); err == nil {
		logging.L().Info("loaded dotenv", "path", dotEnv)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv %s: %w", dotEnv, err)
	}

	path := filepath.Join(cwd, FileName)
	if _, err := os.Stat(path); err == nil {
		cfg, err := loadFromFile(path)
		if err != nil {
			return Config{}, err
		}
		logging.L().Info("loaded config", "source", "file", "path", path)
		return cfg, cfg.Validate()
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
	}

	cfg := loadFromEnv()
	logging.L().Info("loaded config", "source", "env")
	return cfg, cfg.Validate()
}

func loadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing overrides a field.
func Defaults() Config {
	return Config{
		APIListenAddr:       "0.0.0.0:8080",
		PortMin:             MinPortBase,
		PortMax:             MaxPortTop,
		DefaultLeaseMinutes: 30,
		MaxLeaseMinutes:     1440,
		SweepIntervalSec:    30,
		RateLimitBurst:      20,
		MetricsEnabled:      true,
		Store: Store{
			Driver:      "memory",
			SQLiteDSN:   "port-lease.db",
			RedisPrefix: "portlease:mac:",
		},
	}
}

func loadFromEnv() Config {
	def := Defaults()
	return Config{
		APIListenAddr:       getEnv("API_LISTEN_ADDR", def.APIListenAddr),
		PortMin:             getEnvInt("PORT_MIN", def.PortMin),
		PortMax:             getEnvInt("PORT_MAX", def.PortMax),
		ReservedPorts:       getEnvInts("RESERVED_PORTS"),
		DefaultLeaseMinutes: getEnvInt("DEFAULT_LEASE_MINUTES", def.DefaultLeaseMinutes),
		MaxLeaseMinutes:     getEnvInt("MAX_LEASE_MINUTES", def.MaxLeaseMinutes),
		SweepIntervalSec:    getEnvInt("SWEEP_INTERVAL_SEC", def.SweepIntervalSec),
		RateLimitRPS:        getEnvInt("RATE_LIMIT_RPS", def.RateLimitRPS),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", def.RateLimitBurst),
		MetricsEnabled:      getEnvBool("METRICS_ENABLED", def.MetricsEnabled),
		Store: Store{
			Driver:        getEnv("STORE_DRIVER", def.Store.Driver),
			SQLiteDSN:     getEnv("SQLITE_DSN", def.Store.SQLiteDSN),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisUsername: os.Getenv("REDIS_USERNAME"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			RedisPrefix:   getEnv("REDIS_PREFIX", def.Store.RedisPrefix),
		},
	}
}

// Validate rejects configurations the lease manager cannot run with.
func (c Config) Validate() error {
	if c.PortMin < MinPortBase || c.PortMax > MaxPortTop || c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range %d-%d: must be within %d-%d", c.PortMin, c.PortMax, MinPortBase, MaxPortTop)
	}
	if c.MaxLeaseMinutes <= 0 || c.MaxLeaseMinutes > MaxLeaseCap {
		return fmt.Errorf("max_lease_minutes must be in 1-%d, got %d", MaxLeaseCap, c.MaxLeaseMinutes)
	}
	if c.DefaultLeaseMinutes <= 0 || c.DefaultLeaseMinutes > c.MaxLeaseMinutes {
		return fmt.Errorf("default_lease_minutes must be in 1-%d, got %d", c.MaxLeaseMinutes, c.DefaultLeaseMinutes)
	}
	if c.SweepIntervalSec < 0 {
		return fmt.Errorf("sweep_interval_sec must not be negative, got %d", c.SweepIntervalSec)
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("redis store requires redis_addr")
	}
	return nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInts(key string) []int {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		parsed, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			logging.L().Warn("ignoring invalid port in env", "key", key, "value", part)
			continue
		}
		out = append(out, parsed)
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
