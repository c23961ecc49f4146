package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	DataDir     string `mapstructure:"data_dir"`
	DownloadDir string `mapstructure:"download_dir"`

	NumberOfDownloader       int           `mapstructure:"number_of_downloader"`
	RescanQueuePeriodIfError time.Duration `mapstructure:"rescan_queue_period_if_error"`
	UnfinishedSuffixTerm     string        `mapstructure:"unfinished_suffix_term"`
	ChunkCooldown            time.Duration `mapstructure:"chunk_cooldown"`

	PeerSessionCacheSize int           `mapstructure:"peer_session_cache_size"`
	PeerBreakerTimeout   time.Duration `mapstructure:"peer_breaker_timeout"`

	RateLimit      int           `mapstructure:"rate_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func Load() (*Config, error) {
	return LoadFrom(".")
}

func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "data")
	v.SetDefault("download_dir", "downloads")
	v.SetDefault("number_of_downloader", 3)
	v.SetDefault("rescan_queue_period_if_error", "10s")
	v.SetDefault("unfinished_suffix_term", ".unfinished")
	v.SetDefault("chunk_cooldown", "5s")
	v.SetDefault("peer_session_cache_size", 64)
	v.SetDefault("peer_breaker_timeout", "30s")
	v.SetDefault("rate_limit", 100)
	v.SetDefault("request_timeout", "30s")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
