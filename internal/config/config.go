package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models conveyor.yml.
type Config struct {
	Engine struct {
		ID string `yaml:"id"`
	} `yaml:"engine"`
	Sync struct {
		PortalURL      string `yaml:"portal_url"`
		Workers        int    `yaml:"workers"`
		MaxAttempts    int    `yaml:"max_attempts"`
		BackoffBaseSec int    `yaml:"backoff_base_seconds"`
		JitterSec      int    `yaml:"jitter_seconds"`
		TimeoutSec     int    `yaml:"timeout_seconds"`
		RetentionDays  int    `yaml:"retention_days"`
	} `yaml:"sync"`
	Conflicts struct {
		CaseWins   []string `yaml:"case_wins"`
		PortalWins []string `yaml:"portal_wins"`
	} `yaml:"conflicts"`
	Documents struct {
		// Default requirements requested when a case is opened,
		// keyed by transaction type.
		Defaults map[string][]DocumentRequirementConfig `yaml:"defaults"`
	} `yaml:"documents"`
	Guards struct {
		SigningMilestone string `yaml:"signing_milestone"`
	} `yaml:"guards"`
}

type DocumentRequirementConfig struct {
	DocType   string `yaml:"doc_type"`
	Title     string `yaml:"title"`
	Mandatory bool   `yaml:"mandatory"`
	DueDays   int    `yaml:"due_days"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with conveyor config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.ID == "" {
		return fmt.Errorf("config.engine.id is required")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("config.sync.workers must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("config.sync.max_attempts must be positive")
	}
	if c.Sync.BackoffBaseSec <= 0 {
		return fmt.Errorf("config.sync.backoff_base_seconds must be positive")
	}
	if c.Sync.TimeoutSec <= 0 {
		return fmt.Errorf("config.sync.timeout_seconds must be positive")
	}
	if c.Sync.JitterSec < 0 {
		return fmt.Errorf("config.sync.jitter_seconds must not be negative")
	}
	seen := map[string]string{}
	for _, f := range c.Conflicts.CaseWins {
		if f == "" {
			return fmt.Errorf("config.conflicts.case_wins contains empty field")
		}
		seen[f] = "case_wins"
	}
	for _, f := range c.Conflicts.PortalWins {
		if f == "" {
			return fmt.Errorf("config.conflicts.portal_wins contains empty field")
		}
		if owner, ok := seen[f]; ok && owner == "case_wins" {
			return fmt.Errorf("field %s listed under both case_wins and portal_wins", f)
		}
	}
	for txnType, reqs := range c.Documents.Defaults {
		if txnType == "" {
			return fmt.Errorf("config.documents.defaults has empty transaction type")
		}
		for _, req := range reqs {
			if req.DocType == "" {
				return fmt.Errorf("document requirement for %s missing doc_type", txnType)
			}
			if req.Title == "" {
				return fmt.Errorf("document requirement %s for %s missing title", req.DocType, txnType)
			}
		}
	}
	if c.Guards.SigningMilestone == "" {
		return fmt.Errorf("config.guards.signing_milestone is required")
	}
	return nil
}

// CaseOwnedField reports whether the case record is authoritative for a field.
func (c *Config) CaseOwnedField(field string) bool {
	for _, f := range c.Conflicts.CaseWins {
		if f == field {
			return true
		}
	}
	return false
}

// PortalOwnedField reports whether the portal is authoritative for a field.
func (c *Config) PortalOwnedField(field string) bool {
	for _, f := range c.Conflicts.PortalWins {
		if f == field {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "conveyor.yml")
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

// Default returns the default Config struct for an engine id.
func Default(engineID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, engineID)), &cfg)
	cfg.Engine.ID = engineID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

// GenerateDefault returns default config YAML.
func GenerateDefault(engineID string) string {
	return fmt.Sprintf(defaultTemplate, engineID)
}

const defaultTemplate = `engine:
  id: %s

sync:
  portal_url: ""
  workers: 4
  max_attempts: 5
  backoff_base_seconds: 2
  jitter_seconds: 1
  timeout_seconds: 10
  retention_days: 30

conflicts:
  case_wins: [status, documents, milestones]
  portal_wins: [contact_phone, contact_email, viewing_preference, notification_preference]

guards:
  signing_milestone: contract-signing

documents:
  defaults:
    purchase:
      - doc_type: identity
        title: "Photo identification"
        mandatory: true
        due_days: 7
      - doc_type: address_proof
        title: "Proof of address"
        mandatory: true
        due_days: 7
      - doc_type: deposit_proof
        title: "Proof of deposit funds"
        mandatory: true
        due_days: 14
      - doc_type: mortgage_approval
        title: "Mortgage approval in principle"
        mandatory: false
        due_days: 21
    htb-application:
      - doc_type: income_proof
        title: "Income statements"
        mandatory: true
        due_days: 7
      - doc_type: htb_approval
        title: "Help-to-Buy approval"
        mandatory: true
        due_days: 28
`
