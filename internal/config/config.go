package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. CANTEEN_DATABASE_DRIVER.
const EnvPrefix = "CANTEEN"

type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	NATS      NATSConfig      `yaml:"nats"`
	Events    EventsConfig    `yaml:"events"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Cache     CacheConfig     `yaml:"cache"`
	Pending   PendingConfig   `yaml:"pending"`
	Log       LogConfig       `yaml:"log"`
}

type ServiceConfig struct {
	// CanteenID is the stable identifier the local server uses on the bridge.
	CanteenID string `yaml:"canteen_id" split_words:"true"`
}

type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout time.Duration `yaml:"write_timeout" split_words:"true"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	MongoURL string `yaml:"mongo_url" split_words:"true"`
	MongoDB  string `yaml:"mongo_db" split_words:"true"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Prefetch int    `yaml:"prefetch"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type EventsConfig struct {
	// Driver selects the notification feed: none, amqp or nats.
	Driver string `yaml:"driver"`
}

type BridgeConfig struct {
	CloudURL    string        `yaml:"cloud_url" split_words:"true"`
	MinDelay    time.Duration `yaml:"min_delay" split_words:"true"`
	MaxDelay    time.Duration `yaml:"max_delay" split_words:"true"`
	GrowFactor  float64       `yaml:"grow_factor" split_words:"true"`
	DialTimeout time.Duration `yaml:"dial_timeout" split_words:"true"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	MaxPerTarget int `yaml:"max_per_target" split_words:"true"`
}

type PendingConfig struct {
	MaxAttempts int `yaml:"max_attempts" split_words:"true"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path (a missing file is not an error), loads
// .env if present, and applies CANTEEN_* environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Service: ServiceConfig{CanteenID: "LOCAL_SERVER_01"},
		HTTP: HTTPConfig{
			Port:         3000,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "mongo",
			MongoURL: "mongodb://localhost:27017",
			MongoDB:  "canteen",
			Host:     "localhost",
			Port:     5432,
			User:     "canteen",
			Database: "canteen",
		},
		RabbitMQ: RabbitMQConfig{Host: "localhost", Port: 5672, User: "guest", Password: "guest", Prefetch: 10},
		NATS:     NATSConfig{URL: "nats://localhost:4222", Subject: "canteen.notifications"},
		Events:   EventsConfig{Driver: "none"},
		Bridge: BridgeConfig{
			CloudURL:    "ws://localhost:5000/ws/bridge",
			MinDelay:    5 * time.Second,
			MaxDelay:    60 * time.Second,
			GrowFactor:  1.3,
			DialTimeout: 5 * time.Second,
		},
		Heartbeat: HeartbeatConfig{Interval: 10 * time.Second, Timeout: 30 * time.Second},
		Cache:     CacheConfig{MaxPerTarget: 500},
		Pending:   PendingConfig{MaxAttempts: 10},
		Log:       LogConfig{Level: "info"},
	}
}

func (c *Config) Validate() error {
	if c.Service.CanteenID == "" {
		return errors.New("service.canteen_id is required")
	}
	switch c.Database.Driver {
	case "mongo", "postgres":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Events.Driver {
	case "none", "amqp", "nats":
	default:
		return fmt.Errorf("unknown events.driver %q", c.Events.Driver)
	}
	if c.Bridge.MinDelay <= 0 || c.Bridge.MaxDelay < c.Bridge.MinDelay {
		return errors.New("bridge delays must satisfy 0 < min_delay <= max_delay")
	}
	if c.Bridge.GrowFactor < 1 {
		return errors.New("bridge.grow_factor must be >= 1")
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return errors.New("heartbeat.timeout must exceed heartbeat.interval")
	}
	if c.Cache.MaxPerTarget < 1 {
		return errors.New("cache.max_per_target must be positive")
	}
	if c.Pending.MaxAttempts < 1 {
		return errors.New("pending.max_attempts must be positive")
	}
	return nil
}
