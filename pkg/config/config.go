package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path              string        `yaml:"path"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		ResumeGrace       time.Duration `yaml:"resume_grace"`
		ResumeSecret      string        `yaml:"resume_secret"`
		SendBuffer        int           `yaml:"send_buffer"`
	} `yaml:"signal"`

	Rooms struct {
		DefaultUsername   string `yaml:"default_username"`
		MaxUsernameLength int    `yaml:"max_username_length"`
		MaxRoomIDLength   int    `yaml:"max_room_id_length"`
	} `yaml:"rooms"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		DisableDefaultInterceptors bool   `yaml:"disable_default_interceptors"`
		LogLevel                   string `yaml:"log_level"`
	} `yaml:"webrtc"`

	Peer struct {
		SignalURL           string        `yaml:"signal_url"`
		RoomID              string        `yaml:"room_id"`
		Username            string        `yaml:"username"`
		NegotiationDelay    time.Duration `yaml:"negotiation_delay"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		OfferTimeout        time.Duration `yaml:"offer_timeout"`
		RecoveryThrottle    time.Duration `yaml:"recovery_throttle"`
		DisconnectGrace     time.Duration `yaml:"disconnect_grace"`
		MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`

		Reconnect struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
			MaxAttempts  int           `yaml:"max_attempts"`
			Jitter       bool          `yaml:"jitter"`
		} `yaml:"reconnect"`
	} `yaml:"peer"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	// Snapshots let a standalone relay keep detached participants across
	// a restart. Ignored when the registry lives in Redis.
	Snapshots struct {
		Enabled   bool          `yaml:"enabled"`
		Directory string        `yaml:"directory"`
		Interval  time.Duration `yaml:"interval"`
		Keep      int           `yaml:"keep"`
	} `yaml:"snapshots"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.HeartbeatInterval <= 0 {
		return fmt.Errorf("signal.heartbeat_interval must be > 0")
	}
	if c.Signal.HeartbeatTimeout <= c.Signal.HeartbeatInterval {
		return fmt.Errorf("signal.heartbeat_timeout must be greater than signal.heartbeat_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ResumeGrace < 0 {
		return fmt.Errorf("signal.resume_grace must be >= 0")
	}
	if c.Signal.ResumeGrace > 0 && c.Signal.ResumeSecret == "" {
		return fmt.Errorf("signal.resume_secret must not be empty when resume is enabled")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	// Rooms
	if c.Rooms.MaxUsernameLength <= 0 {
		return fmt.Errorf("rooms.max_username_length must be > 0")
	}
	if l := len([]rune(c.Rooms.DefaultUsername)); l == 0 || l > c.Rooms.MaxUsernameLength {
		return fmt.Errorf("rooms.default_username must be 1..%d characters", c.Rooms.MaxUsernameLength)
	}
	if c.Rooms.MaxRoomIDLength <= 0 {
		return fmt.Errorf("rooms.max_room_id_length must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Peer
	if c.Peer.NegotiationDelay < 0 {
		return fmt.Errorf("peer.negotiation_delay must be >= 0")
	}
	if c.Peer.HealthCheckInterval <= 0 {
		return fmt.Errorf("peer.health_check_interval must be > 0")
	}
	if c.Peer.OfferTimeout < 0 {
		return fmt.Errorf("peer.offer_timeout must be >= 0")
	}
	if c.Peer.RecoveryThrottle <= 0 {
		return fmt.Errorf("peer.recovery_throttle must be > 0")
	}
	if c.Peer.DisconnectGrace < 0 {
		return fmt.Errorf("peer.disconnect_grace must be >= 0")
	}
	if c.Peer.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("peer.max_recovery_attempts must be > 0")
	}
	if c.Peer.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("peer.reconnect.initial_delay must be > 0")
	}
	if c.Peer.Reconnect.MaxDelay < c.Peer.Reconnect.InitialDelay {
		return fmt.Errorf("peer.reconnect.max_delay must be >= initial_delay")
	}
	if c.Peer.Reconnect.Multiplier < 1 {
		return fmt.Errorf("peer.reconnect.multiplier must be >= 1")
	}
	if c.Peer.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("peer.reconnect.max_attempts must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Snapshots
	if c.Snapshots.Enabled {
		if c.Snapshots.Directory == "" {
			return fmt.Errorf("snapshots.directory must not be empty when snapshots are enabled")
		}
		if c.Snapshots.Interval <= 0 {
			return fmt.Errorf("snapshots.interval must be > 0 when snapshots are enabled")
		}
		if c.Snapshots.Keep <= 0 {
			return fmt.Errorf("snapshots.keep must be > 0 when snapshots are enabled")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
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
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.HeartbeatInterval = 30 * time.Second
	cfg.Signal.HeartbeatTimeout = 90 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ResumeGrace = 60 * time.Second
	cfg.Signal.ResumeSecret = "change-me-in-production"
	cfg.Signal.SendBuffer = 64

	cfg.Rooms.DefaultUsername = "Anonymous"
	cfg.Rooms.MaxUsernameLength = 15
	cfg.Rooms.MaxRoomIDLength = 64

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.LogLevel = "warn"

	cfg.Peer.SignalURL = "ws://localhost:8080/ws"
	cfg.Peer.Username = "Anonymous"
	cfg.Peer.NegotiationDelay = 100 * time.Millisecond
	cfg.Peer.HealthCheckInterval = 2 * time.Second
	cfg.Peer.OfferTimeout = 5 * time.Second
	cfg.Peer.RecoveryThrottle = 5 * time.Second
	cfg.Peer.DisconnectGrace = 3 * time.Second
	cfg.Peer.MaxRecoveryAttempts = 5
	cfg.Peer.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Peer.Reconnect.MaxDelay = 30 * time.Second
	cfg.Peer.Reconnect.Multiplier = 2.0
	cfg.Peer.Reconnect.MaxAttempts = 10
	cfg.Peer.Reconnect.Jitter = true

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "huddle-signal"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "huddle:relay"

	cfg.Snapshots.Enabled = false
	cfg.Snapshots.Directory = "data/snapshots"
	cfg.Snapshots.Interval = 15 * time.Second
	cfg.Snapshots.Keep = 5

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("HUDDLE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("HUDDLE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("HUDDLE_RESUME_SECRET"); secret != "" {
		c.Signal.ResumeSecret = secret
	}
	if url := os.Getenv("HUDDLE_SIGNAL_URL"); url != "" {
		c.Peer.SignalURL = url
	}
	if addr := os.Getenv("HUDDLE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("HUDDLE_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
}
