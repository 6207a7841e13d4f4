package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zeroharbor/guardian/pkg/types"
)

// DefaultPath is where the guardian config lives unless overridden
const DefaultPath = "/etc/guardian/config.yaml"

// Redis holds state store connection settings
type Redis struct {
	URL string `yaml:"url"`
}

// Node is the on-disk form of a node descriptor
type Node struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	SSHUser   string `yaml:"ssh_user"`
	SSHPort   int    `yaml:"ssh_port"`
	Container string `yaml:"docker_container"`
	SSHKey    string `yaml:"ssh_key,omitempty"`
	SSHPass   string `yaml:"ssh_pass,omitempty"`
}

// Telegram holds operator notifier credentials
type Telegram struct {
	BotToken string   `yaml:"bot_token,omitempty"`
	ChatID   string   `yaml:"chat_id,omitempty"`
	Admins   []string `yaml:"admins,omitempty"`
}

// Config is the guardian configuration document
type Config struct {
	Redis             Redis          `yaml:"redis"`
	BanMinutes        int            `yaml:"ban_minutes"`
	RejectedThreshold int            `yaml:"rejected_threshold"` // reserved
	InboundLimits     map[string]int `yaml:"inbounds_limit"`
	Nodes             []Node         `yaml:"nodes"`
	Telegram          Telegram       `yaml:"telegram,omitempty"`
	MetricsListen     string         `yaml:"metrics_listen,omitempty"`
}

// Load reads and parses the config file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Save writes the config back to path (the control plane edits limits
// and nodes at runtime).
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// ApplyDefaults fills unset fields with their defaults
func (c *Config) ApplyDefaults() {
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://127.0.0.1:6379/0"
	}
	if c.BanMinutes <= 0 {
		c.BanMinutes = 10
	}
	if c.RejectedThreshold <= 0 {
		c.RejectedThreshold = 8
	}
	if c.InboundLimits == nil {
		c.InboundLimits = map[string]int{}
	}
	for i := range c.Nodes {
		if c.Nodes[i].SSHUser == "" {
			c.Nodes[i].SSHUser = "root"
		}
		if c.Nodes[i].SSHPort == 0 {
			c.Nodes[i].SSHPort = 22
		}
		if c.Nodes[i].Container == "" {
			c.Nodes[i].Container = "marzban-node"
		}
	}
}

// Validate checks the config for fatal problems
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	seen := map[string]bool{}
	for _, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node with host %q has no name", n.Host)
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
		if n.Host == "" {
			return fmt.Errorf("node %q has no host", n.Name)
		}
		if (n.SSHKey == "") == (n.SSHPass == "") {
			return fmt.Errorf("node %q needs exactly one of ssh_key or ssh_pass", n.Name)
		}
	}
	for name, limit := range c.InboundLimits {
		if limit < 1 {
			return fmt.Errorf("inbound %q has non-positive limit %d", name, limit)
		}
	}
	return nil
}

// NodeSpecs converts the configured nodes into immutable descriptors
func (c *Config) NodeSpecs() []types.NodeSpec {
	specs := make([]types.NodeSpec, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		specs = append(specs, types.NodeSpec{
			Name:      n.Name,
			Host:      n.Host,
			SSHPort:   n.SSHPort,
			SSHUser:   n.SSHUser,
			Container: n.Container,
			SSHKey:    n.SSHKey,
			SSHPass:   n.SSHPass,
		})
	}
	return specs
}
