// Package config loads the harness configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvDSN         = "DATABASE_URL"
	EnvTokenSecret = "HARNESS_TOKEN_SECRET"

	DefaultCallbackPort = 8111
)

type Config struct {
	Server   ServerConfig      `yaml:"server"`
	SMART    SMARTConfig       `yaml:"smart"`
	Export   ExportConfig      `yaml:"export"`
	Callback CallbackConfig    `yaml:"callback"`
	Suspend  SuspendConfig     `yaml:"suspend"`
	Policy   string            `yaml:"conflictPolicy"`
	DSN      string            `yaml:"dsn"`
	Session  string            `yaml:"session"`
	Plan     []string          `yaml:"sequences"`
	Inputs   map[string]string `yaml:"inputs"`
}

type ServerConfig struct {
	URL             string        `yaml:"url"`
	BearerToken     string        `yaml:"bearerToken"`
	MetadataTimeout time.Duration `yaml:"metadataTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
}

type SMARTConfig struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	Scope        string `yaml:"scope"`
}

type ExportConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`

	// LineLimit is "all", a number of lines, or empty for structural checks only.
	LineLimit string `yaml:"lineLimit"`

	// Types are the resource types whose files are fetched and validated.
	Types []string `yaml:"types"`

	// Profiles maps a resource type to the profile its resources are validated against.
	Profiles map[string]string `yaml:"profiles"`

	// Schemas maps a profile URL or resource type to a JSON schema file. Resources without a
	// schema are checked for required elements only.
	Schemas map[string]string `yaml:"schemas"`
}

type CallbackConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SuspendConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	TokenSecret string        `yaml:"tokenSecret"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadFile reads a configuration file, applies defaults, then environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Load(data)
}

func Load(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.MetadataTimeout <= 0 {
		c.Server.MetadataTimeout = 10 * time.Second
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Export.Timeout <= 0 {
		c.Export.Timeout = 180 * time.Second
	}
	if c.Export.PollInterval <= 0 {
		c.Export.PollInterval = 5 * time.Second
	}
	if c.Export.RequestTimeout <= 0 {
		c.Export.RequestTimeout = 30 * time.Second
	}
	if len(c.Export.Types) == 0 {
		c.Export.Types = []string{"Patient"}
	}
	if c.SMART.Scope == "" {
		c.SMART.Scope = "launch/patient openid fhirUser patient/*.read"
	}
	if c.Callback.Host == "" {
		c.Callback.Host = "localhost"
	}
	if c.Callback.Port == 0 {
		c.Callback.Port = DefaultCallbackPort
	}
	if c.Suspend.TTL <= 0 {
		c.Suspend.TTL = 30 * time.Minute
	}
	if c.Policy == "" {
		c.Policy = "cancel"
	}
	if c.Session == "" {
		c.Session = "default"
	}
	c.ApplyEnv(os.Getenv)
}

// ApplyEnv overrides secrets and the database location from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvDSN); v != "" {
		c.DSN = v
	}
	if v := getenv(EnvTokenSecret); v != "" {
		c.Suspend.TokenSecret = v
	}
}

func (c *Config) Validate() error {
	if c.Policy != "cancel" && c.Policy != "queue" {
		return fmt.Errorf("conflictPolicy must be \"cancel\" or \"queue\", not %q", c.Policy)
	}
	if c.Callback.Port < 0 || c.Callback.Port > 65535 {
		return fmt.Errorf("callback port %d is out of range", c.Callback.Port)
	}
	if c.Export.RequestsPerSecond < 0 {
		return fmt.Errorf("export requestsPerSecond must not be negative")
	}
	return nil
}
