package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FileName = "portability.yml"

	DefaultNotificationPath = "/api/portability"
	DefaultExpireAfter      = 48 * time.Hour
	DefaultConcurrency      = 4
	DefaultPollInterval     = time.Second
	DefaultStaleAfter       = time.Hour
)

// Approval hook kinds.
const (
	HookNone    = ""
	HookLog     = "log"
	HookWebhook = "webhook"
)

// Config models portability.yml.
type Config struct {
	Approval struct {
		Skip    bool   `yaml:"skip" json:"skip"`
		Hook    string `yaml:"hook" json:"hook,omitempty"`
		HookURL string `yaml:"hook_url" json:"hook_url,omitempty"`
	} `yaml:"approval" json:"approval"`
	Identifier       string                   `yaml:"identifier" json:"identifier"`
	Token            string                   `yaml:"token" json:"-"`
	NotificationPath string                   `yaml:"notification_path" json:"notification_path"`
	ExpireAfter      Duration                 `yaml:"expire_after" json:"expire_after"`
	ArtifactsURL     string                   `yaml:"artifacts_url" json:"artifacts_url,omitempty"`
	Worker           WorkerConfig             `yaml:"worker" json:"worker"`
	Services         map[string]ServiceConfig `yaml:"services" json:"services"`
}

// ServiceConfig describes one external service notified on export start.
// An empty Host disables the service.
type ServiceConfig struct {
	Host  string `yaml:"host" json:"host,omitempty"`
	Token string `yaml:"token" json:"-"`
}

type WorkerConfig struct {
	Concurrency  int      `yaml:"concurrency" json:"concurrency"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	// StaleAfter is how long a claimed job may run before a starting worker requeues it.
	StaleAfter Duration `yaml:"stale_after" json:"stale_after"`
}

// Duration reads Go duration strings ("48h", "1s") from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identifier) == "" {
		return fmt.Errorf("config.identifier is required")
	}
	if c.NotificationPath == "" || !strings.HasPrefix(c.NotificationPath, "/") {
		return fmt.Errorf("config.notification_path must start with /")
	}
	if c.ExpireAfter.Duration < 0 {
		return fmt.Errorf("config.expire_after must not be negative")
	}
	switch c.Approval.Hook {
	case HookNone, HookLog:
	case HookWebhook:
		if _, err := url.ParseRequestURI(c.Approval.HookURL); err != nil {
			return fmt.Errorf("config.approval.hook_url is invalid: %w", err)
		}
	default:
		return fmt.Errorf("config.approval.hook must be one of log, webhook")
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("config.worker.concurrency must not be negative")
	}
	for name, svc := range c.Services {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.services contains empty service name")
		}
		if svc.Host == "" {
			continue
		}
		u, err := url.ParseRequestURI(svc.Host)
		if err != nil || u.Host == "" {
			return fmt.Errorf("service %s has invalid host %q", name, svc.Host)
		}
		if svc.Token == "" && c.Token == "" {
			return fmt.Errorf("service %s has no token and no shared token is configured", name)
		}
	}
	return nil
}

// ServiceNames returns configured service names in stable order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service returns the named service with its token resolved against the shared token.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	svc, ok := c.Services[name]
	if !ok {
		return ServiceConfig{}, false
	}
	if svc.Token == "" {
		svc.Token = c.Token
	}
	return svc, true
}

// Expiry returns the artifact retention period.
func (c *Config) Expiry() time.Duration {
	if c.ExpireAfter.Duration <= 0 {
		return DefaultExpireAfter
	}
	return c.ExpireAfter.Duration
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with portability config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	if c.NotificationPath == "" {
		c.NotificationPath = DefaultNotificationPath
	}
	if c.ExpireAfter.Duration == 0 {
		c.ExpireAfter.Duration = DefaultExpireAfter
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = DefaultConcurrency
	}
	if c.Worker.PollInterval.Duration <= 0 {
		c.Worker.PollInterval.Duration = DefaultPollInterval
	}
	if c.Worker.StaleAfter.Duration <= 0 {
		c.Worker.StaleAfter.Duration = DefaultStaleAfter
	}
	if c.Services == nil {
		c.Services = map[string]ServiceConfig{}
	}
}

const defaultTemplate = `approval:
  # skip manual approval and start the export right after creation
  skip: false
  # log | webhook
  hook: ""
  hook_url: ""

# owner attribute used as the identifier sent to services ("id" uses the owner id)
identifier: email
# shared secret for services without their own token
token: ""
notification_path: /api/portability
expire_after: 48h

worker:
  concurrency: 4
  poll_interval: 1s
  # jobs claimed longer ago than this are requeued when a worker starts
  stale_after: 1h

services: {}
`
