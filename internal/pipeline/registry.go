package pipeline

import (
	"fmt"
	"sync"

	"stagegate/internal/domain"
)

// Registry maps tenant pipelines onto the canonical stage graph. It is
// written once per pipeline on the admin path and read on every evaluation,
// so lookups take a read lock only and setters swap fully-built values.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]domain.PipelineConfiguration
}

func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]domain.PipelineConfiguration)}
}

func configKey(tenantID, pipelineID string) string {
	return tenantID + "|" + pipelineID
}

// SetPipelineConfiguration installs a tenant pipeline configuration after
// checking its structural invariants.
func (r *Registry) SetPipelineConfiguration(cfg domain.PipelineConfiguration) error {
	if cfg.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if cfg.PipelineID == "" {
		return fmt.Errorf("pipeline_id is required")
	}
	for _, m := range cfg.Stages {
		if m.ExternalStageID == "" {
			return fmt.Errorf("stage mapping with empty external_stage_id")
		}
		if !m.CanonicalStage.Known() {
			return fmt.Errorf("stage %s maps to unknown canonical stage %s", m.ExternalStageID, m.CanonicalStage)
		}
	}
	for from, targets := range cfg.AllowedTransitions {
		if !from.Known() {
			return fmt.Errorf("allowed_transitions references unknown stage %s", from)
		}
		for _, to := range targets {
			if _, ok := cfg.AllowedTransitions[to]; !ok {
				return fmt.Errorf("transition target %s has no allowed_transitions entry", to)
			}
		}
	}
	r.mu.Lock()
	r.configs[configKey(cfg.TenantID, cfg.PipelineID)] = cfg
	r.mu.Unlock()
	return nil
}

// GetPipelineConfiguration returns the tenant-specific configuration if one
// was set, else the default nine-stage pipeline.
func (r *Registry) GetPipelineConfiguration(tenantID, pipelineID string) domain.PipelineConfiguration {
	r.mu.RLock()
	cfg, ok := r.configs[configKey(tenantID, pipelineID)]
	r.mu.RUnlock()
	if ok {
		return cfg
	}
	return DefaultPipeline(tenantID, pipelineID)
}

// MapExternalStage resolves an external stage identifier to its canonical
// stage. The second return is false when the identifier is unmapped.
func (r *Registry) MapExternalStage(tenantID, pipelineID, externalID string) (domain.CanonicalStage, bool) {
	cfg := r.GetPipelineConfiguration(tenantID, pipelineID)
	for _, m := range cfg.Stages {
		if m.ExternalStageID == externalID {
			return m.CanonicalStage, true
		}
	}
	return "", false
}

// DefaultPipeline is the documented default: the nine canonical stages with
// identity mappings and a forward-only graph where every open stage may also
// drop to CLOSED_LOST. The two closed stages are terminal.
func DefaultPipeline(tenantID, pipelineID string) domain.PipelineConfiguration {
	stages := make([]domain.StageMapping, 0, len(domain.CanonicalStages))
	for _, s := range domain.CanonicalStages {
		stages = append(stages, domain.StageMapping{
			ExternalStageID: string(s),
			CanonicalStage:  s,
			IsWon:           s == domain.StageClosedWon,
			IsLost:          s == domain.StageClosedLost,
		})
	}
	return domain.PipelineConfiguration{
		TenantID:   tenantID,
		PipelineID: pipelineID,
		Stages:     stages,
		AllowedTransitions: map[domain.CanonicalStage][]domain.CanonicalStage{
			domain.StageProspectIdentified: {domain.StageInitialContact, domain.StageClosedLost},
			domain.StageInitialContact:     {domain.StageQualified, domain.StageClosedLost},
			domain.StageQualified:          {domain.StageDiscovery, domain.StageClosedLost},
			domain.StageDiscovery:          {domain.StageProposalSent, domain.StageClosedLost},
			domain.StageProposalSent:       {domain.StageNegotiation, domain.StageClosedLost},
			domain.StageNegotiation:        {domain.StageVerbalCommit, domain.StageClosedLost},
			domain.StageVerbalCommit:       {domain.StageClosedWon, domain.StageClosedLost},
			domain.StageClosedWon:          {},
			domain.StageClosedLost:         {},
		},
	}
}
