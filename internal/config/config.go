// Package config handles configuration for tim8-gateway.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. A missing file means
// defaults.
const DefaultPath = "/etc/tim8/gateway.yaml"

// Config holds all tim8-gateway configuration.
type Config struct {
	Listen        string              `yaml:"listen"`
	Log           LogConfig           `yaml:"log"`
	Database      DatabaseConfig      `yaml:"database"`
	Poller        PollerConfig        `yaml:"poller"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	NATS          NATSConfig          `yaml:"nats"`
	Ingress       IngressConfig       `yaml:"ingress"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type PollerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	SweepInterval  time.Duration `yaml:"sweepInterval"`
	PollTimeout    time.Duration `yaml:"pollTimeout"`
	BackoffFloor   time.Duration `yaml:"backoffFloor"`
	BackoffCeiling time.Duration `yaml:"backoffCeiling"`
}

type CollaboratorsConfig struct {
	Detective        string        `yaml:"detective"`
	Context          string        `yaml:"context"`
	Runbook          string        `yaml:"runbook"`
	Remediator       string        `yaml:"remediator"`
	Reporter         string        `yaml:"reporter"`
	Summarizer       string        `yaml:"summarizer,omitempty"`
	CallTimeout      time.Duration `yaml:"callTimeout"`
	RemediateTimeout time.Duration `yaml:"remediateTimeout"`
}

// CredentialsConfig selects the kubeconfig store. With a seal key the
// sealed SQL store is used; otherwise Kubernetes Secrets in SecretNamespace.
type CredentialsConfig struct {
	SecretNamespace string `yaml:"secretNamespace"`
	Kubeconfig      string `yaml:"kubeconfig,omitempty"`
	SealKey         string `yaml:"sealKey,omitempty"`
}

// NATSConfig enables the event relay. Embedded starts an in-process server
// on Listen; URL connects to an external one.
type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	Embedded      bool   `yaml:"embedded"`
	Listen        string `yaml:"listen"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

type IngressConfig struct {
	ReportInterval time.Duration `yaml:"reportInterval"`
	ReportBurst    int           `yaml:"reportBurst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "tim8.db",
		},
		Poller: PollerConfig{
			Enabled:        true,
			Interval:       5 * time.Second,
			SweepInterval:  5 * time.Minute,
			PollTimeout:    30 * time.Second,
			BackoffFloor:   5 * time.Second,
			BackoffCeiling: 300 * time.Second,
		},
		Collaborators: CollaboratorsConfig{
			Detective:        "http://agent-detective:8000",
			Context:          "http://agent-context:8000",
			Runbook:          "http://agent-runbook:8000",
			Remediator:       "http://agent-remediator:8000",
			Reporter:         "http://agent-reporter:8000",
			CallTimeout:      30 * time.Second,
			RemediateTimeout: 60 * time.Second,
		},
		Credentials: CredentialsConfig{
			SecretNamespace: "tim8",
		},
		NATS: NATSConfig{
			Listen:        "127.0.0.1:4222",
			SubjectPrefix: "tim8.events",
		},
		Ingress: IngressConfig{
			ReportInterval: time.Second,
			ReportBurst:    5,
		},
	}
}

// envOverrides maps environment variables onto config fields.
var envOverrides = []struct {
	key string
	set func(c *Config, v string)
}{
	{"TIM8_LISTEN", func(c *Config, v string) { c.Listen = v }},
	{"TIM8_DB_DRIVER", func(c *Config, v string) { c.Database.Driver = v }},
	{"TIM8_DB_DSN", func(c *Config, v string) { c.Database.DSN = v }},
	{"DETECTIVE_URL", func(c *Config, v string) { c.Collaborators.Detective = v }},
	{"CONTEXT_URL", func(c *Config, v string) { c.Collaborators.Context = v }},
	{"RUNBOOK_URL", func(c *Config, v string) { c.Collaborators.Runbook = v }},
	{"REMED_URL", func(c *Config, v string) { c.Collaborators.Remediator = v }},
	{"REPORT_URL", func(c *Config, v string) { c.Collaborators.Reporter = v }},
	{"SUMMARIZER_URL", func(c *Config, v string) { c.Collaborators.Summarizer = v }},
	{"TIM8_NATS_URL", func(c *Config, v string) { c.NATS.URL = v }},
	{"TIM8_SEAL_KEY", func(c *Config, v string) { c.Credentials.SealKey = v }},
	{"TIM8_SECRET_NAMESPACE", func(c *Config, v string) { c.Credentials.SecretNamespace = v }},
}

// Load reads path (if it exists), applies environment overrides and
// validates the result. An empty path reads DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	case len(strings.TrimSpace(string(b))) > 0:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		if v, ok := lookup(o.key); ok && v != "" {
			o.set(c, v)
		}
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	p := c.Poller
	for name, d := range map[string]time.Duration{
		"poller.interval":       p.Interval,
		"poller.sweepInterval":  p.SweepInterval,
		"poller.pollTimeout":    p.PollTimeout,
		"poller.backoffFloor":   p.BackoffFloor,
		"poller.backoffCeiling": p.BackoffCeiling,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if p.BackoffCeiling < p.BackoffFloor {
		return fmt.Errorf("poller.backoffCeiling (%s) is below backoffFloor (%s)", p.BackoffCeiling, p.BackoffFloor)
	}

	cc := c.Collaborators
	for name, u := range map[string]string{
		"collaborators.detective":  cc.Detective,
		"collaborators.context":    cc.Context,
		"collaborators.runbook":    cc.Runbook,
		"collaborators.remediator": cc.Remediator,
		"collaborators.reporter":   cc.Reporter,
	} {
		if err := validateURL(name, u); err != nil {
			return err
		}
	}
	if cc.Summarizer != "" {
		if err := validateURL("collaborators.summarizer", cc.Summarizer); err != nil {
			return err
		}
	}
	if cc.CallTimeout <= 0 || cc.RemediateTimeout <= 0 {
		return fmt.Errorf("collaborator timeouts must be positive")
	}

	if c.Credentials.SealKey == "" && c.Credentials.SecretNamespace == "" {
		return fmt.Errorf("credentials.secretNamespace is required without a seal key")
	}
	if c.NATS.URL != "" && c.NATS.Embedded {
		return fmt.Errorf("nats.url and nats.embedded are mutually exclusive")
	}
	if c.NATS.Embedded {
		if _, _, err := net.SplitHostPort(c.NATS.Listen); err != nil {
			return fmt.Errorf("invalid nats.listen: %w", err)
		}
	}
	if c.Ingress.ReportInterval <= 0 || c.Ingress.ReportBurst < 1 {
		return fmt.Errorf("ingress.reportInterval and ingress.reportBurst must be positive")
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %q", field, raw)
	}
	return nil
}
