package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "LPWATCH"

// Supported store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel        string
	Store           string
	DSN             string
	DiscordToken    string
	APIAddr         string
	Interval        time.Duration
	Workers         int
	CallTimeout     time.Duration
	RequestTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RewardRate      decimal.Decimal
	RewardThreshold decimal.Decimal
	Protocols       Protocols
}

// Load merges .env, config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("store", StoreSQLite)
	v.SetDefault("dsn", "./data/lpwatch.db")
	v.SetDefault("api-addr", ":8080")
	v.SetDefault("interval", time.Hour)
	v.SetDefault("workers", 4)
	v.SetDefault("call-timeout", 15*time.Second)
	v.SetDefault("request-timeout", 30*time.Second)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("reward-rate", "0.01")
	v.SetDefault("reward-threshold", "10")
	if err := setProtocolDefaults(v); err != nil {
		return Config{}, err
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	rewardRate, err := decimal.NewFromString(v.GetString("reward-rate"))
	if err != nil {
		return Config{}, fmt.Errorf("reward-rate: %w", err)
	}
	rewardThreshold, err := decimal.NewFromString(v.GetString("reward-threshold"))
	if err != nil {
		return Config{}, fmt.Errorf("reward-threshold: %w", err)
	}

	protocols, err := loadProtocols(v, getStringSlice(v, "enabled-protocols"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:        v.GetString("log-level"),
		Store:           strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		DSN:             v.GetString("dsn"),
		DiscordToken:    v.GetString("discord-token"),
		APIAddr:         v.GetString("api-addr"),
		Interval:        v.GetDuration("interval"),
		Workers:         v.GetInt("workers"),
		CallTimeout:     v.GetDuration("call-timeout"),
		RequestTimeout:  v.GetDuration("request-timeout"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		RewardRate:      rewardRate,
		RewardThreshold: rewardThreshold,
		Protocols:       protocols,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail at runtime.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreSQLite:
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for store %s", c.Store)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported store: %q", c.Store)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call-timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request-timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries must not be negative")
	}
	if c.RewardRate.IsNegative() {
		return fmt.Errorf("reward-rate must not be negative")
	}
	if c.Protocols.Len() == 0 {
		return fmt.Errorf("at least one protocol is required")
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
