package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Hub struct {
		PublisherGracePeriod time.Duration `yaml:"publisher_grace_period"`
		MaxViewersPerStream  int           `yaml:"max_viewers_per_stream"`
		ChatHistoryOnJoin    int           `yaml:"chat_history_on_join"`
	} `yaml:"hub"`

	Quality struct {
		AdaptInterval    time.Duration `yaml:"adapt_interval"`
		UpgradeHeadroom  int           `yaml:"upgrade_headroom_intervals"`
		HysteresisFactor float64       `yaml:"hysteresis_factor"`
	} `yaml:"quality"`

	Presence struct {
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"presence"`

	Recording struct {
		Enabled        bool          `yaml:"enabled"`
		Retention      time.Duration `yaml:"retention"`
		MaxBufferBytes int64         `yaml:"max_buffer_bytes"`
		UploadAttempts int           `yaml:"upload_attempts"`
		SweepInterval  time.Duration `yaml:"sweep_interval"`
	} `yaml:"recording"`

	Storage struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"storage"`

	Stats struct {
		SampleInterval time.Duration `yaml:"sample_interval"`
	} `yaml:"stats"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool   `yaml:"enabled"`
		JaegerEndpoint string `yaml:"jaeger_endpoint"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		ChatPerSecond     float64 `yaml:"chat_messages_per_second"`
		ChatBurst         int     `yaml:"chat_burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Hub.PublisherGracePeriod <= 0 {
		return fmt.Errorf("hub.publisher_grace_period must be > 0")
	}
	if c.Hub.MaxViewersPerStream <= 0 {
		return fmt.Errorf("hub.max_viewers_per_stream must be > 0")
	}

	if c.Quality.AdaptInterval <= 0 {
		return fmt.Errorf("quality.adapt_interval must be > 0")
	}
	if c.Quality.UpgradeHeadroom < 1 {
		return fmt.Errorf("quality.upgrade_headroom_intervals must be >= 1")
	}
	if c.Quality.HysteresisFactor < 0 || c.Quality.HysteresisFactor > 1 {
		return fmt.Errorf("quality.hysteresis_factor must be in [0,1]")
	}

	if c.Presence.FlushInterval <= 0 {
		return fmt.Errorf("presence.flush_interval must be > 0")
	}

	if c.Recording.Enabled {
		if c.Recording.Retention <= 0 {
			return fmt.Errorf("recording.retention must be > 0 when recording is enabled")
		}
		if c.Recording.MaxBufferBytes <= 0 {
			return fmt.Errorf("recording.max_buffer_bytes must be > 0 when recording is enabled")
		}
		if c.Recording.UploadAttempts <= 0 {
			return fmt.Errorf("recording.upload_attempts must be > 0 when recording is enabled")
		}
		if c.Recording.SweepInterval <= 0 {
			return fmt.Errorf("recording.sweep_interval must be > 0 when recording is enabled")
		}
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("storage.endpoint and storage.bucket must be set when recording is enabled")
		}
	}

	if c.Stats.SampleInterval <= 0 {
		return fmt.Errorf("stats.sample_interval must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 || c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second and burst must be > 0 when enabled")
		}
		if c.RateLimiting.ChatPerSecond <= 0 || c.RateLimiting.ChatBurst <= 0 {
			return fmt.Errorf("rate_limiting chat limits must be > 0 when enabled")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is an error (wrapping fs.ErrNotExist) so
// callers searching several paths can tell "not here" from "broken".
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Hub.PublisherGracePeriod = 30 * time.Second
	cfg.Hub.MaxViewersPerStream = 10000
	cfg.Hub.ChatHistoryOnJoin = 50

	cfg.Quality.AdaptInterval = 5 * time.Second
	cfg.Quality.UpgradeHeadroom = 3
	cfg.Quality.HysteresisFactor = 0.15

	cfg.Presence.FlushInterval = 3 * time.Second

	cfg.Recording.Enabled = true
	cfg.Recording.Retention = 6 * time.Hour
	cfg.Recording.MaxBufferBytes = 512 * 1024 * 1024
	cfg.Recording.UploadAttempts = 3
	cfg.Recording.SweepInterval = time.Minute

	cfg.Storage.Endpoint = "localhost:9000"
	cfg.Storage.Bucket = "livecast-recordings"
	cfg.Storage.UseSSL = false

	cfg.Stats.SampleInterval = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"

	cfg.Logging.Level = "info"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100
	cfg.RateLimiting.ChatPerSecond = 2
	cfg.RateLimiting.ChatBurst = 5

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LIVECAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("LIVECAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("LIVECAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("LIVECAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if key := os.Getenv("LIVECAST_STORAGE_ACCESS_KEY"); key != "" {
		c.Storage.AccessKey = key
	}
	if key := os.Getenv("LIVECAST_STORAGE_SECRET_KEY"); key != "" {
		c.Storage.SecretKey = key
	}
}
