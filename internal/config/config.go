package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"stagegate/internal/actor"
	"stagegate/internal/domain"
)

// Config models stagegate.yml.
type Config struct {
	Tenant struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"tenant" json:"tenant"`
	Enforcement struct {
		Mode           string `yaml:"mode" json:"mode"`
		AuditQueueSize int    `yaml:"audit_queue_size" json:"audit_queue_size"`
	} `yaml:"enforcement" json:"enforcement"`
	Actors struct {
		MaxAIRisk           string  `yaml:"max_ai_risk" json:"max_ai_risk"`
		AIBaseConfidence    float64 `yaml:"ai_base_confidence" json:"ai_base_confidence"`
		HumanBaseConfidence float64 `yaml:"human_base_confidence" json:"human_base_confidence"`
	} `yaml:"actors" json:"actors"`
	Playbooks struct {
		Default string   `yaml:"default" json:"default"`
		Files   []string `yaml:"files" json:"files"`
	} `yaml:"playbooks" json:"playbooks"`
	Pipelines map[string]PipelineSpec `yaml:"pipelines" json:"pipelines"`
	Webhooks  []Webhook               `yaml:"webhooks" json:"webhooks"`
}

// PipelineSpec is a tenant pipeline override: external stage IDs mapped onto
// canonical stages plus the allowed forward edges between them.
type PipelineSpec struct {
	Stages map[string]StageSpec `yaml:"stages" json:"stages"`
}

type StageSpec struct {
	Canonical string   `yaml:"canonical" json:"canonical"`
	Next      []string `yaml:"next" json:"next"`
}

type Webhook struct {
	Name   string   `yaml:"name" json:"name"`
	URL    string   `yaml:"url" json:"url"`
	Secret string   `yaml:"secret" json:"secret"`
	Events []string `yaml:"events" json:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with sg init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Enforcement.Mode != "" && !domain.EnforcementMode(c.Enforcement.Mode).Known() {
		return fmt.Errorf("config.enforcement.mode %s is not a known mode", c.Enforcement.Mode)
	}
	if c.Enforcement.AuditQueueSize < 0 {
		return fmt.Errorf("config.enforcement.audit_queue_size must not be negative")
	}
	if c.Actors.MaxAIRisk != "" && domain.RiskBand(c.Actors.MaxAIRisk).Rank() < 0 {
		return fmt.Errorf("config.actors.max_ai_risk %s is not a known risk band", c.Actors.MaxAIRisk)
	}
	if c.Actors.AIBaseConfidence < 0 || c.Actors.AIBaseConfidence > 1 {
		return fmt.Errorf("config.actors.ai_base_confidence must be within [0,1]")
	}
	if c.Actors.HumanBaseConfidence < 0 || c.Actors.HumanBaseConfidence > 1 {
		return fmt.Errorf("config.actors.human_base_confidence must be within [0,1]")
	}
	for pipelineID, spec := range c.Pipelines {
		if pipelineID == "" {
			return fmt.Errorf("config.pipelines contains empty pipeline id")
		}
		if len(spec.Stages) == 0 {
			return fmt.Errorf("pipeline %s has no stages", pipelineID)
		}
		for stageID, st := range spec.Stages {
			if stageID == "" {
				return fmt.Errorf("pipeline %s contains empty stage id", pipelineID)
			}
			if !domain.CanonicalStage(st.Canonical).Known() {
				return fmt.Errorf("pipeline %s stage %s maps to unknown canonical stage %s", pipelineID, stageID, st.Canonical)
			}
			for _, next := range st.Next {
				if _, ok := spec.Stages[next]; !ok {
					return fmt.Errorf("pipeline %s stage %s allows transition to undefined stage %s", pipelineID, stageID, next)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Name == "" {
			return fmt.Errorf("webhook %d has no name", i)
		}
		if hook.URL == "" {
			return fmt.Errorf("webhook %s has no url", hook.Name)
		}
	}
	return nil
}

// Mode returns the configured enforcement mode, monitor_only when unset.
func (c *Config) Mode() domain.EnforcementMode {
	m := domain.EnforcementMode(c.Enforcement.Mode)
	if m.Known() {
		return m
	}
	return domain.ModeMonitorOnly
}

// ActorConfig converts the actor thresholds to a selection config.
func (c *Config) ActorConfig() actor.Config {
	return actor.Config{
		MaxAIRisk:           domain.RiskBand(c.Actors.MaxAIRisk),
		AIBaseConfidence:    c.Actors.AIBaseConfidence,
		HumanBaseConfidence: c.Actors.HumanBaseConfidence,
	}
}

// PipelineConfiguration converts a pipeline override to the registry form.
// Returns false when the pipeline is not configured.
func (c *Config) PipelineConfiguration(pipelineID string) (domain.PipelineConfiguration, bool) {
	spec, ok := c.Pipelines[pipelineID]
	if !ok {
		return domain.PipelineConfiguration{}, false
	}
	cfg := domain.PipelineConfiguration{
		TenantID:           c.Tenant.ID,
		PipelineID:         pipelineID,
		Stages:             make([]domain.StageMapping, 0, len(spec.Stages)),
		AllowedTransitions: make(map[domain.CanonicalStage][]domain.CanonicalStage, len(spec.Stages)),
	}
	stageIDs := make([]string, 0, len(spec.Stages))
	for stageID := range spec.Stages {
		stageIDs = append(stageIDs, stageID)
	}
	sort.Strings(stageIDs)
	for _, stageID := range stageIDs {
		st := spec.Stages[stageID]
		canonical := domain.CanonicalStage(st.Canonical)
		cfg.Stages = append(cfg.Stages, domain.StageMapping{
			ExternalStageID: stageID,
			CanonicalStage:  canonical,
			IsWon:           canonical == domain.StageClosedWon,
			IsLost:          canonical == domain.StageClosedLost,
		})
		targets := make([]domain.CanonicalStage, 0, len(st.Next))
		for _, next := range st.Next {
			targets = append(targets, domain.CanonicalStage(spec.Stages[next].Canonical))
		}
		cfg.AllowedTransitions[canonical] = targets
	}
	return cfg, true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
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

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
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

const defaultTemplate = `tenant:
  id: %s

enforcement:
  mode: monitor_only
  audit_queue_size: 256

actors:
  max_ai_risk: MEDIUM
  ai_base_confidence: 0.90
  human_base_confidence: 0.70

playbooks:
  default: default-sales
  files: []
`
