package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	FileName     = "crewline.yml"
	TOMLFileName = "crewline.toml"
)

// Config models crewline.yml (or crewline.toml).
type Config struct {
	Storage struct {
		Driver string `yaml:"driver" toml:"driver"`
	} `yaml:"storage" toml:"storage"`
	Logging struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
	} `yaml:"logging" toml:"logging"`
	Actors   []string `yaml:"actors" toml:"actors"`
	Approval struct {
		AutoApprove  bool `yaml:"auto_approve" toml:"auto_approve"`
		TimeoutHours int  `yaml:"timeout_hours" toml:"timeout_hours"`
	} `yaml:"approval" toml:"approval"`
	Board struct {
		Velocity           int      `yaml:"velocity" toml:"velocity"`
		SprintDays         int      `yaml:"sprint_days" toml:"sprint_days"`
		FoundationKeywords []string `yaml:"foundation_keywords" toml:"foundation_keywords"`
	} `yaml:"board" toml:"board"`
	Defects struct {
		MaxRetries int       `yaml:"max_retries" toml:"max_retries"`
		EscalateTo string    `yaml:"escalate_to" toml:"escalate_to"`
		Assignees  Assignees `yaml:"assignees" toml:"assignees"`
	} `yaml:"defects" toml:"defects"`
	Server struct {
		Addr     string `yaml:"addr" toml:"addr"`
		BasePath string `yaml:"base_path" toml:"base_path"`
		MCPPath  string `yaml:"mcp_path" toml:"mcp_path"`

		// JWTSecret enables bearer-token auth on the API.
		JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	} `yaml:"server" toml:"server"`
	Webhooks []Webhook `yaml:"webhooks" toml:"webhooks"`
}

// Assignees names the actor receiving each class of defect.
type Assignees struct {
	Design         string `yaml:"design" toml:"design"`
	Requirements   string `yaml:"requirements" toml:"requirements"`
	Implementation string `yaml:"implementation" toml:"implementation"`
}

type Webhook struct {
	URL     string   `yaml:"url" toml:"url"`
	Events  []string `yaml:"events" toml:"events"`
	Project string   `yaml:"project" toml:"project"`
	Secret  string   `yaml:"secret" toml:"secret"`
}

// Load reads and validates config from workspace. The yaml file wins over toml.
func Load(workspace string) (*Config, error) {
	path, err := locate(workspace)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("config %s not found; create one with crew init", Path(workspace))
	}
	return FromFile(path)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "files":
	default:
		return fmt.Errorf("config.storage.driver must be 'sqlite' or 'files', got %q", c.Storage.Driver)
	}
	switch c.Logging.Format {
	case "text", "logfmt", "json":
	default:
		return fmt.Errorf("config.logging.format must be text, logfmt or json, got %q", c.Logging.Format)
	}
	if c.Approval.TimeoutHours <= 0 {
		return fmt.Errorf("config.approval.timeout_hours must be positive")
	}
	if c.Board.Velocity <= 0 {
		return fmt.Errorf("config.board.velocity must be positive")
	}
	if c.Board.SprintDays <= 0 {
		return fmt.Errorf("config.board.sprint_days must be positive")
	}
	if c.Defects.MaxRetries <= 0 {
		return fmt.Errorf("config.defects.max_retries must be positive")
	}
	if c.Defects.EscalateTo == "" {
		return fmt.Errorf("config.defects.escalate_to is required")
	}
	a := c.Defects.Assignees
	if a.Design == "" || a.Requirements == "" || a.Implementation == "" {
		return fmt.Errorf("config.defects.assignees requires design, requirements and implementation")
	}
	for _, actor := range c.Actors {
		if strings.TrimSpace(actor) == "" {
			return fmt.Errorf("config.actors contains empty actor name")
		}
		if actor == "all" {
			return fmt.Errorf("config.actors cannot contain the broadcast name 'all'")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the yaml config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// locate returns the existing config file for a workspace, or "" when none exists.
func locate(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	for _, name := range []string{FileName, TOMLFileName} {
		p := filepath.Join(workspace, name)
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if no config file exists.
func LoadOptional(workspace string) (*Config, string, error) {
	path, err := locate(workspace)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := FromFile(path)
	return cfg, path, err
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep defaults.
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

// FromTOML parses and validates config from raw TOML bytes. Missing keys keep defaults.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads config from the given path, decoding by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

const defaultTemplate = `storage:
  driver: sqlite

logging:
  level: info
  format: text

actors: [Alice, Bob, Alex, Client]

approval:
  auto_approve: false
  timeout_hours: 24

board:
  velocity: 20
  sprint_days: 7
  foundation_keywords: [setup, structure, init]

defects:
  max_retries: 3
  escalate_to: Alice
  assignees:
    design: Bob
    requirements: Alice
    implementation: Alex

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  mcp_path: /mcp
`
