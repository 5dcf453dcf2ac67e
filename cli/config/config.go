// Package config loads and writes newton.yaml, the configuration file of the
// newton CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name
const ConfigFileName = "newton.yaml"

// Supported drivers and codecs.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	CodecJSON     = "json"
	CodecMsgpack  = "msgpack"
	CodecProtobuf = "protobuf"
)

// Config represents the newton CLI configuration
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	Project ProjectConfig `yaml:"project"`

	// BoundedContext namespaces the broadcast streams, as in
	// "<bounded_context>/<AggregateType>".
	BoundedContext string `yaml:"bounded_context"`

	Database DatabaseConfig `yaml:"database"`

	// Codec encodes events, command payloads and saga state:
	// json, msgpack or protobuf.
	Codec string `yaml:"codec"`

	Broadcast BroadcastConfig `yaml:"broadcast"`

	Logging LoggingConfig `yaml:"logging"`
}

// ProjectConfig contains project-level settings
type ProjectConfig struct {
	Name string `yaml:"name"`
}

// DatabaseConfig selects the stream client and saga store.
type DatabaseConfig struct {
	// Driver is memory or postgres.
	Driver string `yaml:"driver"`

	// URL is the postgres connection string.
	URL string `yaml:"url,omitempty"`

	// Schema holds the newton tables (postgres only).
	Schema string `yaml:"schema"`
}

// BroadcastConfig lists the external mirrors of broadcast streams. Empty
// sections are disabled.
type BroadcastConfig struct {
	Kafka   KafkaConfig   `yaml:"kafka"`
	SNS     SNSConfig     `yaml:"sns"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// KafkaConfig configures the Kafka mirror.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers,omitempty"`
	TopicPrefix string   `yaml:"topic_prefix,omitempty"`
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// SNSConfig configures the SNS mirror.
type SNSConfig struct {
	TopicARNPrefix string `yaml:"topic_arn_prefix,omitempty"`
	FIFO           bool   `yaml:"fifo,omitempty"`
}

// Enabled reports whether a topic prefix is configured.
func (s SNSConfig) Enabled() bool {
	return s.TopicARNPrefix != ""
}

// WebhookConfig configures the webhook mirror.
type WebhookConfig struct {
	URL string `yaml:"url,omitempty"`
}

// Enabled reports whether a URL is configured.
func (w WebhookConfig) Enabled() bool {
	return w.URL != ""
}

// LoggingConfig configures the slog handler of the CLI.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version:        "1",
		Project:        ProjectConfig{Name: "my-newton-app"},
		BoundedContext: "newton",
		Database: DatabaseConfig{
			Driver: DriverMemory,
			Schema: "newton",
		},
		Codec: CodecJSON,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from path. Missing keys keep their defaults
// and ${VAR} references are expanded from the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.expand()

	return cfg, nil
}

func (c *Config) expand() {
	c.BoundedContext = os.ExpandEnv(c.BoundedContext)
	c.Database.URL = os.ExpandEnv(c.Database.URL)
	c.Database.Schema = os.ExpandEnv(c.Database.Schema)
	c.Broadcast.Kafka.TopicPrefix = os.ExpandEnv(c.Broadcast.Kafka.TopicPrefix)
	c.Broadcast.SNS.TopicARNPrefix = os.ExpandEnv(c.Broadcast.SNS.TopicARNPrefix)
	c.Broadcast.Webhook.URL = os.ExpandEnv(c.Broadcast.Webhook.URL)

	var brokers []string
	for _, b := range c.Broadcast.Kafka.Brokers {
		for _, part := range strings.Split(os.ExpandEnv(b), ",") {
			if part = strings.TrimSpace(part); part != "" {
				brokers = append(brokers, part)
			}
		}
	}
	c.Broadcast.Kafka.Brokers = brokers
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Validate returns every problem found in the configuration.
func (c *Config) Validate() []string {
	var problems []string

	if c.Project.Name == "" {
		problems = append(problems, "project.name is required")
	}

	if c.BoundedContext == "" {
		problems = append(problems, "bounded_context is required")
	} else if strings.Contains(c.BoundedContext, "/") {
		problems = append(problems, "bounded_context must not contain '/'")
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			problems = append(problems, "database.url is required for postgres driver")
		}
	case "":
		problems = append(problems, "database.driver is required")
	default:
		problems = append(problems, "database.driver must be 'postgres' or 'memory'")
	}

	switch c.Codec {
	case CodecJSON, CodecMsgpack, CodecProtobuf:
	default:
		problems = append(problems, "codec must be 'json', 'msgpack' or 'protobuf'")
	}

	if c.Broadcast.SNS.Enabled() && !strings.HasPrefix(c.Broadcast.SNS.TopicARNPrefix, "arn:") {
		problems = append(problems, "broadcast.sns.topic_arn_prefix must be an ARN prefix")
	}

	if c.Broadcast.Webhook.Enabled() &&
		!strings.HasPrefix(c.Broadcast.Webhook.URL, "http://") &&
		!strings.HasPrefix(c.Broadcast.Webhook.URL, "https://") {
		problems = append(problems, "broadcast.webhook.url must be an http(s) URL")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, "logging.level must be debug, info, warn or error")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		problems = append(problems, "logging.format must be 'text' or 'json'")
	}

	return problems
}

// GenerateYAML renders cfg as a commented newton.yaml. A postgres URL is
// written as ${DATABASE_URL} so that secrets stay out of the file.
func GenerateYAML(cfg *Config) string {
	dbURL := `""`
	if cfg.Database.Driver == DriverPostgres {
		dbURL = `"${DATABASE_URL}"`
	}

	return `# newton configuration file

version: "1"

project:
  name: "` + cfg.Project.Name + `"

# Namespace of the broadcast streams ("<bounded_context>/<AggregateType>")
bounded_context: "` + cfg.BoundedContext + `"

database:
  # Driver: memory or postgres
  driver: "` + cfg.Database.Driver + `"

  # Connection URL (required for postgres)
  url: ` + dbURL + `

  # Schema for the newton tables (postgres only)
  schema: "` + cfg.Database.Schema + `"

# Codec for events, commands and saga state: json, msgpack or protobuf
codec: "` + cfg.Codec + `"

# Mirrors of the broadcast streams, disabled while empty
broadcast:
  kafka:
    brokers: []
    topic_prefix: ""
  sns:
    topic_arn_prefix: ""
  webhook:
    url: ""

logging:
  level: "` + cfg.Logging.Level + `"
  format: "` + cfg.Logging.Format + `"
`
}
