package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"signoff/internal/domain"
)

// Config models signoff.yml.
type Config struct {
	Workflow WorkflowConfig  `yaml:"workflow"`
	Log      LogConfig       `yaml:"log"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WorkflowConfig struct {
	// DefaultFlowType applies when a submission names no flow type.
	DefaultFlowType domain.FlowType `yaml:"default_flow_type"`
	// FinalizerRoles receive final_review on every new artifact.
	FinalizerRoles []string `yaml:"finalizer_roles"`
	// ArtifactKinds restricts which kinds may be created. Empty allows any.
	ArtifactKinds []string `yaml:"artifact_kinds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	BasePath               string `yaml:"base_path"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	DevLogin               bool   `yaml:"dev_login"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// CanFinalizeReview reports whether role may perform the final review.
func (c *Config) CanFinalizeReview(role string) bool {
	for _, r := range c.Workflow.FinalizerRoles {
		if r == role {
			return true
		}
	}
	return false
}

// KindAllowed reports whether artifacts of kind may be created.
func (c *Config) KindAllowed(kind string) bool {
	if len(c.Workflow.ArtifactKinds) == 0 {
		return true
	}
	for _, k := range c.Workflow.ArtifactKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.DefaultFlowType != "" && !c.Workflow.DefaultFlowType.Valid() {
		return fmt.Errorf("config.workflow.default_flow_type %q is invalid", c.Workflow.DefaultFlowType)
	}
	for _, r := range c.Workflow.FinalizerRoles {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("config.workflow.finalizer_roles contains an empty role")
		}
	}
	for _, k := range c.Workflow.ArtifactKinds {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("config.workflow.artifact_kinds contains an empty kind")
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is invalid", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format %q is invalid", c.Log.Format)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be positive", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signoff.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with signoff config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  default_flow_type: SINGLE
  finalizer_roles: [secretary, admin, dev]
  artifact_kinds: []

log:
  level: info
  format: console

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_legacy_actor_header: false
  dev_login: false

webhooks: []
`
