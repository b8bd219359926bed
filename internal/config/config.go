// Package config loads the pipeline's typed configuration, enumerating
// exactly the options in §6 (no string-keyed dynamic config, per §9's
// redesign hint). Grounded on the teacher's viper.New()/mapstructure
// pattern in its own config loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the single typed configuration value passed to every
// component at startup.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr       string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// PipelineConfig enumerates the §6 resource caps and defaults.
type PipelineConfig struct {
	MaxChunkBytes        int `mapstructure:"max_chunk_bytes"`
	MaxInFlight          int `mapstructure:"max_in_flight"`
	ChunkTimeoutS        int `mapstructure:"chunk_timeout_s"`
	AggregationTimeoutS  int `mapstructure:"aggregation_timeout_s"`
	CleanupIntervalS     int `mapstructure:"cleanup_interval_s"`
	SessionGraceS        int `mapstructure:"session_grace_s"`
	SampleRateDefault    int `mapstructure:"sample_rate_default"`
	ChannelsDefault      int `mapstructure:"channels_default"`
	SpeechGateEnabled    bool `mapstructure:"speech_gate_enabled"`

	// AnalyzerOptions is the per-analyzer opaque options blob (§6)
	// passed through to Service.Initialize unparsed.
	AnalyzerOptions map[string]interface{} `mapstructure:"analyzer_options"`
}

// RedisConfig configures the optional distributed session backing
// store (§5 DOMAIN STACK). When Addr is empty, the Session Manager runs
// in local (in-process) mode.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// LoggingConfig controls the zap logger construction.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the §6 default configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Pipeline: PipelineConfig{
			MaxChunkBytes:       64 * 1024,
			MaxInFlight:         4,
			ChunkTimeoutS:       30,
			AggregationTimeoutS: 30,
			CleanupIntervalS:    1,
			SessionGraceS:       300,
			SampleRateDefault:   16000,
			ChannelsDefault:     1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from CONFIG_PATH (YAML), falling back to the
// §6 defaults for anything unset, with environment variables taking
// precedence over the file.
func Load() (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/pipeline.yaml"
	}
	if info, err := os.Stat(cfgPath); err == nil {
		if info.IsDir() {
			cfgPath = filepath.Join(cfgPath, "pipeline.yaml")
		}
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	return cfg, nil
}
