// Package config loads runtime settings from flags, environment variables,
// and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration for the replay command.
type Config struct {
	Actions           string
	Out               string
	Checkpoint        string
	CheckpointEnabled bool
	BatchSize         int
	PGDSN             string
	StateName         string
	Owner             string
	Custody           string
	Fund              string
	FeedRPC           string
	FeedContract      string
	FeedTTL           time.Duration
	LogLevel          string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEVERSWAP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("out", "./data/events.jsonl")
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-enabled", true)
	v.SetDefault("batch-size", 1000)
	v.SetDefault("state-name", "replay")
	v.SetDefault("owner", "0x0000000000000000000000000000000000000001")
	v.SetDefault("custody", "0x0000000000000000000000000000000000000002")
	v.SetDefault("fund", "0x0000000000000000000000000000000000000003")
	v.SetDefault("feed-ttl", "30s")
	v.SetDefault("log-level", "info")

	if err := readConfig(v, cfgFile, flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Actions:           v.GetString("actions"),
		Out:               v.GetString("out"),
		Checkpoint:        v.GetString("checkpoint"),
		CheckpointEnabled: v.GetBool("checkpoint-enabled"),
		BatchSize:         v.GetInt("batch-size"),
		PGDSN:             v.GetString("pg-dsn"),
		StateName:         v.GetString("state-name"),
		Owner:             v.GetString("owner"),
		Custody:           v.GetString("custody"),
		Fund:              v.GetString("fund"),
		FeedRPC:           v.GetString("feed-rpc"),
		FeedContract:      v.GetString("feed-contract"),
		FeedTTL:           v.GetDuration("feed-ttl"),
		LogLevel:          v.GetString("log-level"),
	}

	return cfg, nil
}

// AggregateConfig holds configuration for aggregation.
type AggregateConfig struct {
	Input     string
	Window    string
	PGDSN     string
	BatchSize int
	LogLevel  string
}

// LoadAggregate merges config file, environment variables, and flags into AggregateConfig.
func LoadAggregate(cfgFile string, flags *pflag.FlagSet) (AggregateConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("LEVERSWAP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("batch-size", 1000)
	v.SetDefault("window", "5m")
	v.SetDefault("log-level", "info")

	if err := readConfig(v, cfgFile, flags); err != nil {
		return AggregateConfig{}, err
	}

	cfg := AggregateConfig{
		Input:     v.GetString("in"),
		Window:    v.GetString("window"),
		PGDSN:     v.GetString("pg-dsn"),
		BatchSize: v.GetInt("batch-size"),
		LogLevel:  v.GetString("log-level"),
	}

	return cfg, nil
}

func readConfig(v *viper.Viper, cfgFile string, flags *pflag.FlagSet) error {
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}
