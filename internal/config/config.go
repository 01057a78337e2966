package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        int               `yaml:"port"`
		CORSOrigins []string          `yaml:"cors_origins"`
		APIKeys     map[string]string `yaml:"api_keys"` // project -> key; empty disables auth
		RateLimit   struct {
			Capacity int           `yaml:"capacity"`
			Refill   time.Duration `yaml:"refill"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres | memory
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Storage struct {
		Backend string `yaml:"backend"` // local | minio
		Root    string `yaml:"root"`
		Minio   struct {
			Endpoint   string `yaml:"endpoint"`
			AccessKey  string `yaml:"accessKey"`
			SecretKey  string `yaml:"secretKey"`
			BucketName string `yaml:"bucketName"`
			Region     string `yaml:"region"`
			UseSSL     bool   `yaml:"useSSL"`
		} `yaml:"minio"`
	} `yaml:"storage"`

	Queue struct {
		Backend string `yaml:"backend"` // memory | redis | amqp
		Workers int    `yaml:"workers"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Key      string `yaml:"key"`
		} `yaml:"redis"`
		AMQP struct {
			URL   string `yaml:"url"`
			Queue string `yaml:"queue"`
		} `yaml:"amqp"`
	} `yaml:"queue"`

	Jobs struct {
		MaxStartAttempts int           `yaml:"max_start_attempts"`
		StartBackoff     time.Duration `yaml:"start_backoff"`
		PollInterval     time.Duration `yaml:"poll_interval"`
		MaxPollAttempts  int           `yaml:"max_poll_attempts"`
	} `yaml:"jobs"`

	Stream struct {
		PollInterval      time.Duration `yaml:"poll_interval"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		MaxDuration       time.Duration `yaml:"max_duration"`
	} `yaml:"stream"`

	Tools struct {
		Static  Tool `yaml:"static"`
		Dynamic Tool `yaml:"dynamic"`
		ZAP     Tool `yaml:"zap"`
	} `yaml:"tools"`

	// CallbackBaseURL is how tool containers reach this API; empty disables callbacks.
	CallbackBaseURL string `yaml:"callback_base_url"`
}

// Tool is one external scanner endpoint. An empty BaseURL leaves the tool
// without a driver.
type Tool struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load baca file config.yaml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit.Capacity == 0 {
		c.Server.RateLimit.Capacity = 60
	}
	if c.Server.RateLimit.Refill == 0 {
		c.Server.RateLimit.Refill = time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "postgres":
			c.Database.Port = 5432
		default:
			c.Database.Port = 3306
		}
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "data"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "automaton:jobs"
	}
	if c.Queue.AMQP.Queue == "" {
		c.Queue.AMQP.Queue = "automaton_jobs"
	}
	if c.Jobs.MaxStartAttempts <= 0 {
		c.Jobs.MaxStartAttempts = 5
	}
	if c.Jobs.StartBackoff == 0 {
		c.Jobs.StartBackoff = 5 * time.Second
	}
	if c.Jobs.PollInterval == 0 {
		c.Jobs.PollInterval = 10 * time.Second
	}
	if c.Jobs.MaxPollAttempts <= 0 {
		c.Jobs.MaxPollAttempts = 360
	}
	if c.Stream.PollInterval == 0 {
		c.Stream.PollInterval = time.Second
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 15 * time.Second
	}
	if c.Stream.MaxDuration == 0 {
		c.Stream.MaxDuration = time.Hour
	}
	for _, t := range []*Tool{&c.Tools.Static, &c.Tools.Dynamic, &c.Tools.ZAP} {
		if t.Timeout == 0 {
			t.Timeout = 30 * time.Second
		}
	}
}

// Validate rejects unknown backends and malformed tool endpoints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	switch c.Storage.Backend {
	case "local":
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.BucketName == "" {
			errs = append(errs, errors.New("storage.minio: endpoint and bucketName are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			errs = append(errs, errors.New("queue.redis.addr is required"))
		}
	case "amqp":
		if c.Queue.AMQP.URL == "" {
			errs = append(errs, errors.New("queue.amqp.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend))
	}
	tools := []struct {
		name string
		t    Tool
	}{{"static", c.Tools.Static}, {"dynamic", c.Tools.Dynamic}, {"zap", c.Tools.ZAP}}
	for _, tt := range tools {
		if tt.t.BaseURL == "" {
			continue
		}
		if u, err := url.Parse(tt.t.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("tools.%s.base_url: invalid url %q", tt.name, tt.t.BaseURL))
		}
	}
	return errors.Join(errs...)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC&multiStatements=true&clientFoundRows=true",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres (lib/pq key=value form)
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// CallbackURL returns the push endpoint of a task, or "" when disabled.
func (c *Config) CallbackURL(taskID string) string {
	if c.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.CallbackBaseURL, "/") + "/v1/callbacks/tasks/" + url.PathEscape(taskID)
}
