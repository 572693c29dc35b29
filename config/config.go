package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradestream TradestreamConfig `yaml:"tradestream"`
	Server      ServerConfig      `yaml:"server"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Reader      ReaderConfig      `yaml:"reader"`
	Source      SourceConfig      `yaml:"source"`
	Relay       RelayConfig       `yaml:"relay"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type TradestreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address      string `yaml:"address"`
	StaticDir    string `yaml:"static_dir"`
	AuthUser     string `yaml:"auth_user"`
	AuthPassword string `yaml:"auth_password"`
	// CacheMaxAge is sent in Cache-Control for dataset responses.
	CacheMaxAge time.Duration `yaml:"cache_max_age"`
}

// AuthEnabled reports whether the basic auth gate is active. Either value
// alone is enough; the missing one is treated as empty.
func (s ServerConfig) AuthEnabled() bool {
	return s.AuthUser != "" || s.AuthPassword != ""
}

type ChannelsConfig struct {
	LineBuffer       int `yaml:"line_buffer"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type ReaderConfig struct {
	// Timeout bounds archive requests. Zero keeps the download unbounded.
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
	Okx     OkxSourceConfig     `yaml:"okx"`
}

type BinanceSourceConfig struct {
	ArchiveURL  string        `yaml:"archive_url"`
	SampleEvery int           `yaml:"sample_every"`
	Listing     ListingConfig `yaml:"listing"`
	Feed        FeedConfig    `yaml:"feed"`
}

type OkxSourceConfig struct {
	ArchiveURL  string `yaml:"archive_url"`
	SampleEvery int    `yaml:"sample_every"`
}

type ListingConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Region   string        `yaml:"region"`
	Bucket   string        `yaml:"bucket"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout"`
	// Keys are only needed for private mirrors of the bucket.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type FeedConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	Timeout           time.Duration `yaml:"timeout"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

type RelayConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type DashboardConfig struct {
	Enabled        bool `yaml:"enabled"`
	LogHistory     int  `yaml:"log_history"`
	MetricsHistory int  `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level          string           `yaml:"level"`
	Format         string           `yaml:"format"`
	Output         string           `yaml:"output"`
	MaxAge         int              `yaml:"max_age"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Tradestream: TradestreamConfig{Name: "tradestream", Version: "dev"},
		Server: ServerConfig{
			Address:     "0.0.0.0:2137",
			StaticDir:   "./frontend",
			CacheMaxAge: 31557600 * time.Second,
		},
		Channels: ChannelsConfig{
			LineBuffer:       128,
			SubscriberBuffer: 1024,
		},
		Reader: ReaderConfig{
			RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 20},
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				ArchiveURL:  "https://data.binance.vision/data/futures/um/daily/trades",
				SampleEvery: 50,
				Listing: ListingConfig{
					Endpoint: "https://s3-ap-northeast-1.amazonaws.com",
					Region:   "ap-northeast-1",
					Bucket:   "data.binance.vision",
					Prefix:   "data/futures/um/daily/trades",
					Timeout:  40 * time.Second,
				},
				Feed: FeedConfig{
					Enabled:           true,
					URL:               "wss://fstream.binance.com/ws/btcusdt@aggTrade",
					HandshakeTimeout:  5 * time.Second,
					KeepAliveInterval: time.Second,
					Timeout:           10 * time.Second,
					Backoff: BackoffConfig{
						Min:    100 * time.Millisecond,
						Max:    30 * time.Second,
						Factor: 2,
						Jitter: true,
					},
				},
			},
			Okx: OkxSourceConfig{
				ArchiveURL:  "https://static.okx.com/cdn/okex/traderecords/trades/daily",
				SampleEvery: 10,
			},
		},
		Relay: RelayConfig{
			Kafka: KafkaConfig{Topic: "aggtrades"},
		},
		Dashboard: DashboardConfig{
			Enabled:        true,
			LogHistory:     200,
			MetricsHistory: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v, ok := os.LookupEnv("AUTH_USER"); ok {
		config.Server.AuthUser = v
	}
	if v, ok := os.LookupEnv("AUTH_PASSWORD"); ok {
		config.Server.AuthPassword = v
	}
	if v := os.Getenv("HTTP_ADDRESS"); v != "" {
		config.Server.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" && config.Logging.CloudWatch.Region == "" {
		config.Logging.CloudWatch.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Relay.Kafka.Brokers = brokers
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradestream.Name == "" {
		return fmt.Errorf("tradestream.name is required")
	}

	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	if cfg.Channels.LineBuffer <= 0 {
		return fmt.Errorf("channels.line_buffer must be greater than 0")
	}
	if cfg.Channels.SubscriberBuffer <= 0 {
		return fmt.Errorf("channels.subscriber_buffer must be greater than 0")
	}

	if cfg.Reader.RateLimit.RequestsPerSecond < 0 || cfg.Reader.RateLimit.BurstSize < 0 {
		return fmt.Errorf("reader.rate_limit values must not be negative")
	}

	if cfg.Source.Binance.SampleEvery <= 0 {
		return fmt.Errorf("source.binance.sample_every must be greater than 0")
	}
	if cfg.Source.Okx.SampleEvery <= 0 {
		return fmt.Errorf("source.okx.sample_every must be greater than 0")
	}

	feed := cfg.Source.Binance.Feed
	if feed.Enabled {
		if feed.URL == "" {
			return fmt.Errorf("source.binance.feed.url is required when the feed is enabled")
		}
		if feed.KeepAliveInterval <= 0 || feed.Timeout <= 0 {
			return fmt.Errorf("source.binance.feed keep_alive_interval and timeout must be greater than 0")
		}
		if feed.Timeout < feed.KeepAliveInterval {
			return fmt.Errorf("source.binance.feed.timeout must not be shorter than keep_alive_interval")
		}
	}

	if cfg.Relay.Kafka.Enabled {
		if len(cfg.Relay.Kafka.Brokers) == 0 {
			return fmt.Errorf("relay.kafka.brokers is required when the kafka relay is enabled")
		}
		if cfg.Relay.Kafka.Topic == "" {
			return fmt.Errorf("relay.kafka.topic is required when the kafka relay is enabled")
		}
	}

	return nil
}
