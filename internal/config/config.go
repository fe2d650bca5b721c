package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from Go duration strings such as "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EngineConfig controls the rolling window and the snapshot cadence.
type EngineConfig struct {
	BufferCapacity int      `yaml:"buffer_capacity"`
	FetchInterval  Duration `yaml:"fetch_interval"`
	FetchTimeout   Duration `yaml:"fetch_timeout"`
}

// HTTPSourceConfig points at the REST backend.
type HTTPSourceConfig struct {
	BaseURL       string   `yaml:"base_url"`
	IncidentsPath string   `yaml:"incidents_path"`
	TrafficPath   string   `yaml:"traffic_path"`
	Timeout       Duration `yaml:"timeout"`
}

// ClickHouseConfig holds the connection details for a ClickHouse snapshot source.
type ClickHouseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	IncidentsTable string `yaml:"incidents_table"`
	TrafficTable   string `yaml:"traffic_table"`
	Limit          int    `yaml:"limit"`
}

// PostgresConfig holds the connection details for a PostgreSQL snapshot source.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	IncidentsTable string `yaml:"incidents_table"`
	TrafficTable   string `yaml:"traffic_table"`
	Limit          int    `yaml:"limit"`
}

// SourceConfig selects and configures the snapshot source.
type SourceConfig struct {
	Type       string           `yaml:"type"`
	HTTP       HTTPSourceConfig `yaml:"http"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
}

// ReconnectConfig is the backoff policy applied by the engine when the stream drops.
type ReconnectConfig struct {
	Enabled         bool     `yaml:"enabled"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
	Jitter          float64  `yaml:"jitter"`
}

// WebSocketConfig configures the websocket live feed.
type WebSocketConfig struct {
	URL              string   `yaml:"url"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	ReadTimeout      Duration `yaml:"read_timeout"`
	MaxMessageSize   int64    `yaml:"max_message_size"`
}

// NATSConfig configures the NATS live feed.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// RedisConfig configures the Redis Pub/Sub live feed.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// StreamConfig selects and configures the live traffic transport.
type StreamConfig struct {
	Transport string          `yaml:"transport"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
}

// APIConfig holds listen addresses for the read surfaces.
type APIConfig struct {
	HttpListenAddr string `yaml:"http_listen_addr"`
	GrpcListenAddr string `yaml:"grpc_listen_addr"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Source SourceConfig `yaml:"source"`
	Stream StreamConfig `yaml:"stream"`
	API    APIConfig    `yaml:"api"`
	Log    LogConfig    `yaml:"log"`
}

// Default returns the built-in configuration: a 100-event window refreshed
// every 10s, fed by a websocket on the local backend.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			BufferCapacity: 100,
			FetchInterval:  Duration(10 * time.Second),
			FetchTimeout:   Duration(8 * time.Second),
		},
		Source: SourceConfig{
			Type: "http",
			HTTP: HTTPSourceConfig{
				BaseURL:       "http://127.0.0.1:8000",
				IncidentsPath: "/api/incidents/",
				TrafficPath:   "/api/traffic/",
				Timeout:       Duration(5 * time.Second),
			},
			ClickHouse: ClickHouseConfig{
				Host:           "127.0.0.1",
				Port:           9000,
				Database:       "default",
				Username:       "default",
				IncidentsTable: "threat_incidents",
				TrafficTable:   "network_traffic",
				Limit:          1000,
			},
			Postgres: PostgresConfig{
				IncidentsTable: "api_threatincident",
				TrafficTable:   "api_networktraffic",
				Limit:          1000,
			},
		},
		Stream: StreamConfig{
			Transport: "websocket",
			Reconnect: ReconnectConfig{
				Enabled:         true,
				InitialInterval: Duration(time.Second),
				MaxInterval:     Duration(30 * time.Second),
				Multiplier:      2,
				Jitter:          0.5,
			},
			WebSocket: WebSocketConfig{
				URL:              "ws://127.0.0.1:8000/ws/traffic/",
				HandshakeTimeout: Duration(10 * time.Second),
				ReadTimeout:      Duration(60 * time.Second),
				MaxMessageSize:   64 * 1024,
			},
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Subject: "netsentry.traffic.live",
			},
			Redis: RedisConfig{
				Addr:    "127.0.0.1:6379",
				Channel: "netsentry:traffic:live",
			},
		},
		API: APIConfig{
			HttpListenAddr: ":8080",
			GrpcListenAddr: ":9090",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
// Keys absent from the file keep their Default values.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.BufferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("engine.buffer_capacity must be positive, got %d", c.Engine.BufferCapacity))
	}
	if c.Engine.FetchInterval <= 0 {
		errs = append(errs, errors.New("engine.fetch_interval must be a positive duration"))
	}
	if c.Engine.FetchTimeout <= 0 {
		errs = append(errs, errors.New("engine.fetch_timeout must be a positive duration"))
	}

	switch c.Source.Type {
	case "http":
		if c.Source.HTTP.BaseURL == "" {
			errs = append(errs, errors.New("source.http.base_url is required"))
		}
	case "clickhouse":
		if c.Source.ClickHouse.Host == "" {
			errs = append(errs, errors.New("source.clickhouse.host is required"))
		}
	case "postgres":
		if c.Source.Postgres.DSN == "" {
			errs = append(errs, errors.New("source.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.type %q", c.Source.Type))
	}

	switch c.Stream.Transport {
	case "websocket":
		if c.Stream.WebSocket.URL == "" {
			errs = append(errs, errors.New("stream.websocket.url is required"))
		}
	case "nats":
		if c.Stream.NATS.Subject == "" {
			errs = append(errs, errors.New("stream.nats.subject is required"))
		}
	case "redis":
		if c.Stream.Redis.Channel == "" {
			errs = append(errs, errors.New("stream.redis.channel is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown stream.transport %q", c.Stream.Transport))
	}

	if r := c.Stream.Reconnect; r.Enabled {
		if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval {
			errs = append(errs, errors.New("stream.reconnect intervals must satisfy 0 < initial_interval <= max_interval"))
		}
		if r.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("stream.reconnect.multiplier must be >= 1, got %v", r.Multiplier))
		}
		if r.Jitter < 0 || r.Jitter > 1 {
			errs = append(errs, fmt.Errorf("stream.reconnect.jitter must be within [0,1], got %v", r.Jitter))
		}
	}

	return errors.Join(errs...)
}
