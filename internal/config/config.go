// Package config loads dbmazz's runtime configuration from a config file,
// environment variables, or both, using viper the way the rest of this
// codebase's config layer does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of knobs the engine needs to replicate from one
// Postgres source to one StarRocks sink.
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	StarRocks  StarRocksConfig  `mapstructure:"starrocks"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	ControlAPI ControlAPIConfig `mapstructure:"controlApi"`
}

// SourceConfig describes the Postgres logical-replication source.
type SourceConfig struct {
	DatabaseURL     string   `mapstructure:"databaseUrl"`
	SlotName        string   `mapstructure:"slotName"`
	PublicationName string   `mapstructure:"publicationName"`
	Tables          []string `mapstructure:"tables"`
}

// StarRocksConfig describes the Stream Load / SQL endpoints for the sink.
type StarRocksConfig struct {
	StreamLoadURL string `mapstructure:"streamLoadUrl"`
	SQLAddr       string `mapstructure:"sqlAddr"`
	Database      string `mapstructure:"database"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
}

// PipelineConfig tunes the batching/backpressure policy.
type PipelineConfig struct {
	FlushSize       int           `mapstructure:"flushSize"`
	FlushInterval   time.Duration `mapstructure:"flushInterval"`
	ChannelCapacity int           `mapstructure:"channelCapacity"`
}

// ControlAPIConfig configures the status/control HTTP facade.
type ControlAPIConfig struct {
	Port int `mapstructure:"port"`
}

// DefaultPipelineConfig matches spec defaults: 10,000-row or 5-second flush,
// whichever comes first, with a safety cap of twice the flush size.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		FlushSize:       10000,
		FlushInterval:   5 * time.Second,
		ChannelCapacity: 20000,
	}
}

// Load reads configuration from cfgFile if given, else from ./dbmazz.yaml or
// $HOME/.config/dbmazz.yaml, then overlays DBMAZZ_-prefixed environment
// variables (DBMAZZ_SOURCE_DATABASEURL, DBMAZZ_STARROCKS_STREAMLOADURL, …).
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("dbmazz")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DBMAZZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := Config{Pipeline: DefaultPipelineConfig()}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unable to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Source.DatabaseURL == "" {
		return fmt.Errorf("config: source.databaseUrl is required")
	}
	if c.Source.SlotName == "" {
		return fmt.Errorf("config: source.slotName is required")
	}
	if c.Source.PublicationName == "" {
		return fmt.Errorf("config: source.publicationName is required")
	}
	if len(c.Source.Tables) == 0 {
		return fmt.Errorf("config: source.tables must list at least one table")
	}
	if c.StarRocks.StreamLoadURL == "" {
		return fmt.Errorf("config: starrocks.streamLoadUrl is required")
	}
	if c.StarRocks.Database == "" {
		return fmt.Errorf("config: starrocks.database is required")
	}
	if c.Pipeline.FlushSize <= 0 {
		return fmt.Errorf("config: pipeline.flushSize must be positive")
	}
	if c.Pipeline.FlushInterval <= 0 {
		return fmt.Errorf("config: pipeline.flushInterval must be positive")
	}
	return nil
}
