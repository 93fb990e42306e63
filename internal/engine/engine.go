// Package engine wires the registries, the evidence store, the enforcer and
// the audit channel into one facade shared by the CLI and the HTTP API.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/actor"
	"stagegate/internal/audit"
	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/enforce"
	"stagegate/internal/evaluator"
	"stagegate/internal/pipeline"
	"stagegate/internal/planner"
	"stagegate/internal/playbook"
	"stagegate/internal/repo"
	"stagegate/internal/risk"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Playbooks *playbook.Registry
	Pipelines *pipeline.Registry
	Audit     *audit.Publisher
	Enforcer  enforce.Enforcer
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	queueSize := 0
	if cfg != nil {
		queueSize = cfg.Enforcement.AuditQueueSize
	}
	books := playbook.NewRegistry()
	pipes := pipeline.NewRegistry()
	pub := audit.NewPublisher(audit.Writer{DB: db}, queueSize, nil)
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Playbooks: books,
		Pipelines: pipes,
		Audit:     pub,
		Enforcer:  enforce.New(books, pipes, pub),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Close flushes the audit queue.
func (e Engine) Close() {
	if e.Audit != nil {
		e.Audit.Close()
	}
}

// Hydrate loads the embedded default playbook plus everything persisted in
// the database into the in-memory registries. Call once after migrations.
func (e Engine) Hydrate(ctx context.Context) error {
	if err := e.Playbooks.Publish(playbook.Default()); err != nil {
		return fmt.Errorf("publish default playbook: %w", err)
	}
	tenants, err := e.Repo.ListTenants(ctx)
	if err != nil {
		return err
	}
	seen := map[string]bool{"": true}
	for _, t := range tenants {
		seen[t.ID] = true
	}
	for tenantID := range seen {
		books, err := e.Repo.ListPlaybooks(ctx, tenantID)
		if err != nil {
			return err
		}
		for _, pb := range books {
			if err := e.Playbooks.Publish(pb); err != nil && !errors.Is(err, playbook.ErrVersionExists) {
				return fmt.Errorf("hydrate playbook %s: %w", pb.PlaybookID, err)
			}
		}
		if tenantID == "" {
			continue
		}
		pipes, err := e.Repo.ListPipelines(ctx, tenantID)
		if err != nil {
			return err
		}
		for _, cfg := range pipes {
			if err := e.Pipelines.SetPipelineConfiguration(cfg); err != nil {
				return fmt.Errorf("hydrate pipeline %s/%s: %w", cfg.TenantID, cfg.PipelineID, err)
			}
		}
	}
	if e.Config != nil {
		for _, file := range e.Config.Playbooks.Files {
			pb, err := playbook.FromFile(file)
			if err != nil {
				return fmt.Errorf("load playbook file %s: %w", file, err)
			}
			if err := e.Playbooks.Publish(pb); err != nil && !errors.Is(err, playbook.ErrVersionExists) {
				return err
			}
		}
	}
	return nil
}

// RecordEvidence appends one evidence record. ID and collection time are
// filled in when absent; existing records are never modified.
func (e Engine) RecordEvidence(ctx context.Context, ev domain.ActionEvidence) (domain.ActionEvidence, error) {
	if ev.TenantID == "" {
		return domain.ActionEvidence{}, errors.New("tenant_id is required")
	}
	if ev.OpportunityID == "" {
		return domain.ActionEvidence{}, errors.New("opportunity_id is required")
	}
	if ev.StageID == "" {
		return domain.ActionEvidence{}, errors.New("stage_id is required")
	}
	if ev.EvidenceType == "" {
		return domain.ActionEvidence{}, errors.New("evidence_type is required")
	}
	if ev.CollectedBy == "" {
		return domain.ActionEvidence{}, errors.New("collected_by is required")
	}
	if ev.EvidenceID == "" {
		ev.EvidenceID = uuid.New().String()
	}
	if ev.CollectedAt == "" {
		ev.CollectedAt = e.now().UTC().Format(time.RFC3339)
	}
	if err := e.Repo.InsertEvidence(ctx, ev); err != nil {
		return domain.ActionEvidence{}, err
	}
	return ev, nil
}

// ListEvidence returns the evidence log in collection order.
func (e Engine) ListEvidence(ctx context.Context, f repo.EvidenceFilters) ([]domain.ActionEvidence, error) {
	return e.Repo.ListEvidence(ctx, f)
}

// TransitionOptions names one transition attempt. Mode overrides the
// tenant's configured enforcement mode when set.
type TransitionOptions struct {
	TenantID         string
	OpportunityID    string
	PipelineID       string
	PlaybookID       string
	CurrentStageID   string
	RequestedStageID string
	ElapsedMinutes   int
	CorrelationID    string
	Trigger          string
	Mode             domain.EnforcementMode
}

// EvaluateTransition loads the opportunity's evidence for the current stage
// and runs the enforcer under the tenant's enforcement mode.
func (e Engine) EvaluateTransition(ctx context.Context, opts TransitionOptions) (enforce.Result, error) {
	if opts.TenantID == "" {
		return enforce.Result{}, errors.New("tenant_id is required")
	}
	if opts.OpportunityID == "" {
		return enforce.Result{}, errors.New("opportunity_id is required")
	}
	if opts.CurrentStageID == "" || opts.RequestedStageID == "" {
		return enforce.Result{}, errors.New("current_stage_id and requested_stage_id are required")
	}
	if opts.PlaybookID == "" {
		opts.PlaybookID = e.defaultPlaybookID()
	}
	evidence, err := e.Repo.ListEvidence(ctx, repo.EvidenceFilters{
		TenantID:      opts.TenantID,
		OpportunityID: opts.OpportunityID,
		StageID:       opts.CurrentStageID,
	})
	if err != nil {
		return enforce.Result{}, err
	}
	mode := opts.Mode
	if !mode.Known() {
		mode = e.modeFor(ctx, opts.TenantID)
	}
	res := e.Enforcer.EvaluateTransition(enforce.Policy{Mode: mode}, enforce.Request{
		TenantID:         opts.TenantID,
		OpportunityID:    opts.OpportunityID,
		PipelineID:       opts.PipelineID,
		PlaybookID:       opts.PlaybookID,
		CurrentStageID:   opts.CurrentStageID,
		RequestedStageID: opts.RequestedStageID,
		Evidence:         evidence,
		ElapsedMinutes:   opts.ElapsedMinutes,
		CorrelationID:    opts.CorrelationID,
		Trigger:          opts.Trigger,
	})
	return res, nil
}

// EvaluateStage runs the stage evaluator against the stored evidence
// without an enforcement decision or audit event.
func (e Engine) EvaluateStage(ctx context.Context, tenantID, playbookID, opportunityID, stageID string, elapsedMinutes int) (domain.StageEvaluationResult, error) {
	if playbookID == "" {
		playbookID = e.defaultPlaybookID()
	}
	pb, ok := e.Playbooks.GetPlaybook(tenantID, playbookID)
	if !ok {
		return domain.StageEvaluationResult{}, fmt.Errorf("playbook %s: %w", playbookID, repo.ErrNotFound)
	}
	evidence, err := e.Repo.ListEvidence(ctx, repo.EvidenceFilters{
		TenantID:      tenantID,
		OpportunityID: opportunityID,
		StageID:       stageID,
	})
	if err != nil {
		return domain.StageEvaluationResult{}, err
	}
	return evaluator.EvaluateStage(pb, evaluator.Input{
		StageID:        stageID,
		Evidence:       evidence,
		ElapsedMinutes: elapsedMinutes,
	}), nil
}

// PlanActions produces the execution commands for a stage's required
// actions.
func (e Engine) PlanActions(ctx context.Context, tenantID, playbookID, opportunityID, stageID, correlationID string) ([]domain.ExecutionCommand, error) {
	if playbookID == "" {
		playbookID = e.defaultPlaybookID()
	}
	pb, ok := e.Playbooks.GetPlaybook(tenantID, playbookID)
	if !ok {
		return nil, fmt.Errorf("playbook %s: %w", playbookID, repo.ErrNotFound)
	}
	if _, ok := pb.Stage(stageID); !ok {
		return nil, fmt.Errorf("stage %s: %w", stageID, repo.ErrNotFound)
	}
	return planner.PlanStageActions(pb, planner.Request{
		OpportunityID: opportunityID,
		TenantID:      tenantID,
		StageID:       stageID,
		CorrelationID: correlationID,
	}), nil
}

// AssessRisk derives the risk band for an opportunity context.
func (e Engine) AssessRisk(rc risk.Context) domain.RiskAssessment {
	return risk.Assess(rc)
}

// AssessActors evaluates all actor types for a command under the tenant's
// thresholds.
func (e Engine) AssessActors(ctx context.Context, tenantID string, cmd domain.ExecutionCommand, rc risk.Context) (domain.RiskAssessment, map[domain.ActorType]domain.ActorCapability) {
	assessment := risk.Assess(rc)
	return assessment, actor.AssessCapabilities(cmd, assessment, e.actorConfigFor(ctx, tenantID))
}

// SelectActor picks the single actor for a command.
func (e Engine) SelectActor(ctx context.Context, tenantID string, cmd domain.ExecutionCommand, rc risk.Context) (domain.RiskAssessment, domain.ActorCapability) {
	assessment := risk.Assess(rc)
	return assessment, actor.SelectActor(cmd, assessment, e.actorConfigFor(ctx, tenantID))
}

// PublishPlaybook validates, registers and persists a playbook version.
func (e Engine) PublishPlaybook(ctx context.Context, pb domain.Playbook) error {
	if err := e.Playbooks.Publish(pb); err != nil {
		return err
	}
	return e.Repo.InsertPlaybook(ctx, pb)
}

// ValidatePlaybook lints a playbook without publishing it.
func (e Engine) ValidatePlaybook(pb domain.Playbook) playbook.ValidationResult {
	return playbook.Validate(pb)
}

// SetPipeline installs and persists a tenant pipeline configuration.
func (e Engine) SetPipeline(ctx context.Context, cfg domain.PipelineConfiguration) error {
	if err := e.Pipelines.SetPipelineConfiguration(cfg); err != nil {
		return err
	}
	return e.Repo.UpsertPipeline(ctx, cfg)
}

// Status summarizes one tenant's governance state.
func (e Engine) Status(ctx context.Context, tenantID string) (map[string]any, error) {
	t, err := e.Repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	books, err := e.Repo.ListPlaybooks(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	pipes, err := e.Repo.ListPipelines(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	lastEvent, err := e.Repo.LatestAuditEventID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tenant_id":        t.ID,
		"status":           t.Status,
		"mode":             string(e.modeFor(ctx, tenantID)),
		"playbooks":        len(books),
		"pipelines":        len(pipes),
		"last_audit_event": lastEvent,
	}, nil
}

func (e Engine) defaultPlaybookID() string {
	if e.Config != nil && e.Config.Playbooks.Default != "" {
		return e.Config.Playbooks.Default
	}
	return playbook.DefaultID
}

// modeFor resolves the tenant's enforcement mode: persisted tenant config
// first, then the process config, then monitor_only.
func (e Engine) modeFor(ctx context.Context, tenantID string) domain.EnforcementMode {
	if cfg, err := e.Repo.GetTenantConfig(ctx, tenantID); err == nil {
		return cfg.Mode()
	}
	if e.Config != nil {
		return e.Config.Mode()
	}
	return domain.ModeMonitorOnly
}

func (e Engine) actorConfigFor(ctx context.Context, tenantID string) actor.Config {
	if cfg, err := e.Repo.GetTenantConfig(ctx, tenantID); err == nil {
		return cfg.ActorConfig()
	}
	if e.Config != nil {
		return e.Config.ActorConfig()
	}
	return actor.DefaultConfig()
}
