package domain

// CanonicalStage is a tenant-independent point in the sales process graph.
// External (per-tenant) stage identifiers are mapped onto this set by the
// pipeline registry.
type CanonicalStage string

const (
	StageProspectIdentified CanonicalStage = "PROSPECT_IDENTIFIED"
	StageInitialContact     CanonicalStage = "INITIAL_CONTACT"
	StageQualified          CanonicalStage = "QUALIFIED"
	StageDiscovery          CanonicalStage = "DISCOVERY"
	StageProposalSent       CanonicalStage = "PROPOSAL_SENT"
	StageNegotiation        CanonicalStage = "NEGOTIATION"
	StageVerbalCommit       CanonicalStage = "VERBAL_COMMIT"
	StageClosedWon          CanonicalStage = "CLOSED_WON"
	StageClosedLost         CanonicalStage = "CLOSED_LOST"
)

// CanonicalStages lists every canonical stage in process order.
var CanonicalStages = []CanonicalStage{
	StageProspectIdentified,
	StageInitialContact,
	StageQualified,
	StageDiscovery,
	StageProposalSent,
	StageNegotiation,
	StageVerbalCommit,
	StageClosedWon,
	StageClosedLost,
}

func (s CanonicalStage) Known() bool {
	for _, c := range CanonicalStages {
		if c == s {
			return true
		}
	}
	return false
}

// Closed reports whether the stage is one of the two terminal outcomes.
func (s CanonicalStage) Closed() bool {
	return s == StageClosedWon || s == StageClosedLost
}

// StageMapping binds one external stage identifier to a canonical stage.
// Mappings are immutable once a pipeline configuration has been evaluated
// against.
type StageMapping struct {
	ExternalStageID string         `json:"external_stage_id" yaml:"external_stage_id"`
	CanonicalStage  CanonicalStage `json:"canonical_stage" yaml:"canonical_stage"`
	IsWon           bool           `json:"is_won,omitempty" yaml:"is_won,omitempty"`
	IsLost          bool           `json:"is_lost,omitempty" yaml:"is_lost,omitempty"`
}

// PipelineConfiguration is the per-tenant stage mapping plus the allowed
// transition graph. Terminal stages appear as keys with an empty list.
type PipelineConfiguration struct {
	TenantID           string                              `json:"tenant_id" yaml:"tenant_id"`
	PipelineID         string                              `json:"pipeline_id" yaml:"pipeline_id"`
	Stages             []StageMapping                      `json:"stages" yaml:"stages"`
	AllowedTransitions map[CanonicalStage][]CanonicalStage `json:"allowed_transitions" yaml:"allowed_transitions"`
}

// RetryPolicy is advisory metadata for the execution layer; the engine
// never retries anything itself.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	BackoffMinutes int     `json:"backoff_minutes,omitempty" yaml:"backoff_minutes,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
}

// StageAction is one required action within a playbook stage.
type StageAction struct {
	ActionID         string       `json:"action_id" yaml:"action_id"`
	ActionType       string       `json:"action_type" yaml:"action_type" enum:"contact_attempt,qualification_call,send_message,schedule_meeting,followup"`
	Channel          string       `json:"channel" yaml:"channel" enum:"voice,sms,email,calendar"`
	SLAMinutes       int          `json:"sla_minutes" yaml:"sla_minutes"`
	EvidenceRequired []string     `json:"evidence_required" yaml:"evidence_required"`
	HumanAllowed     bool         `json:"human_allowed" yaml:"human_allowed"`
	AIAllowed        bool         `json:"ai_allowed" yaml:"ai_allowed"`
	RetryPolicy      *RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// Escalation names who gets pulled in when a stage overstays.
type Escalation struct {
	AfterMinutes int    `json:"after_minutes" yaml:"after_minutes"`
	NotifyRole   string `json:"notify_role" yaml:"notify_role"`
}

// PlaybookStage describes the required actions and exit rules for one stage
// of a playbook. OnSuccess/OnFailure are nil for terminal stages.
type PlaybookStage struct {
	StageID            string          `json:"stage_id" yaml:"-" required:"false"`
	CanonicalStage     CanonicalStage  `json:"canonical_stage" yaml:"canonical_stage"`
	MustDo             []StageAction   `json:"must_do,omitempty" yaml:"must_do,omitempty"`
	OnSuccess          *TransitionRule `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure          *TransitionRule `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Escalations        []Escalation    `json:"escalations,omitempty" yaml:"escalations,omitempty"`
	MaxDurationMinutes int             `json:"max_duration_minutes,omitempty" yaml:"max_duration_minutes,omitempty"`
}

// Playbook is a versioned process definition. TenantID is empty for global
// playbooks; tenant-specific lookup falls back to global. Published
// playbooks are immutable; behavior changes require a new version.
type Playbook struct {
	PlaybookID string                   `json:"playbook_id" yaml:"playbook_id"`
	Version    string                   `json:"version" yaml:"version"`
	TenantID   string                   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	EntryStage string                   `json:"entry_stage" yaml:"entry_stage"`
	Stages     map[string]PlaybookStage `json:"stages" yaml:"stages"`
}

// Stage returns the named stage and whether it exists.
func (p Playbook) Stage(stageID string) (PlaybookStage, bool) {
	s, ok := p.Stages[stageID]
	return s, ok
}

// ActionEvidence is an immutable record that a real-world action or outcome
// occurred. Evidence is only ever appended, never mutated.
type ActionEvidence struct {
	EvidenceID    string         `json:"evidence_id"`
	TenantID      string         `json:"tenant_id"`
	OpportunityID string         `json:"opportunity_id"`
	StageID       string         `json:"stage_id"`
	ActionID      string         `json:"action_id,omitempty"`
	EvidenceType  string         `json:"evidence_type"`
	CollectedAt   string         `json:"collected_at" format:"date-time"`
	CollectedBy   string         `json:"collected_by"`
	Data          map[string]any `json:"data,omitempty"`
	Source        string         `json:"source,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
}

// CommandType classifies an execution command for adapter routing.
type CommandType string

const (
	CommandExecuteContact  CommandType = "EXECUTE_CONTACT"
	CommandSendMessage     CommandType = "SEND_MESSAGE"
	CommandScheduleMeeting CommandType = "SCHEDULE_MEETING"
	CommandFollowUp        CommandType = "FOLLOW_UP"
)

// Priority is the SLA-derived urgency band of a command.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ExecutionCommand is a planned, not-yet-performed instruction for an
// execution adapter. Produced fresh per planning call; idempotent delivery
// is the execution layer's concern.
type ExecutionCommand struct {
	CommandID     string       `json:"command_id"`
	OpportunityID string       `json:"opportunity_id"`
	PlaybookID    string       `json:"playbook_id"`
	StageID       string       `json:"stage_id"`
	ActionID      string       `json:"action_id"`
	CommandType   CommandType  `json:"command_type"`
	Channel       string       `json:"channel"`
	Priority      Priority     `json:"priority"`
	HumanAllowed  bool         `json:"human_allowed"`
	AIAllowed     bool         `json:"ai_allowed"`
	RetryPolicy   *RetryPolicy `json:"retry_policy,omitempty"`
	CorrelationID string       `json:"correlation_id"`
}

// StageEvaluationResult is the evaluator's judgement of one stage against
// accumulated evidence.
type StageEvaluationResult struct {
	CanAdvance       bool     `json:"can_advance"`
	NextStage        string   `json:"next_stage,omitempty"`
	Reason           string   `json:"reason"`
	RequiredEvidence []string `json:"required_evidence,omitempty"`
	MissingEvidence  []string `json:"missing_evidence,omitempty"`
	BlockingActions  []string `json:"blocking_actions,omitempty"`
}

// RiskBand is the four-level risk classification.
type RiskBand string

const (
	RiskLow      RiskBand = "LOW"
	RiskMedium   RiskBand = "MEDIUM"
	RiskHigh     RiskBand = "HIGH"
	RiskCritical RiskBand = "CRITICAL"
)

// Rank orders bands; higher is riskier.
func (b RiskBand) Rank() int {
	switch b {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// RiskAssessment explains the derived band.
type RiskAssessment struct {
	OverallRisk        RiskBand `json:"overall_risk" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	RiskFactors        []string `json:"risk_factors,omitempty"`
	MitigationRequired bool     `json:"mitigation_required"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
}

// ActorType identifies who may carry out an execution command.
type ActorType string

const (
	ActorAI     ActorType = "AI"
	ActorHuman  ActorType = "HUMAN"
	ActorHybrid ActorType = "HYBRID"
)

// ActorCapability is the assessment of one actor type for a planned action.
type ActorCapability struct {
	ActorType   ActorType `json:"actor_type" enum:"AI,HUMAN,HYBRID"`
	CanExecute  bool      `json:"can_execute"`
	Confidence  float64   `json:"confidence"`
	Constraints []string  `json:"constraints,omitempty"`
	RiskFactors []string  `json:"risk_factors,omitempty"`
}

// EnforcementMode governs whether a blocked decision is merely logged or
// actually denied.
type EnforcementMode string

const (
	ModeMonitorOnly    EnforcementMode = "monitor_only"
	ModeBlock          EnforcementMode = "block"
	ModeBlockAndRevert EnforcementMode = "block_and_revert"
)

func (m EnforcementMode) Known() bool {
	switch m {
	case ModeMonitorOnly, ModeBlock, ModeBlockAndRevert:
		return true
	}
	return false
}

// Enforcing reports whether denials take effect (anything but monitor_only).
func (m EnforcementMode) Enforcing() bool {
	return m == ModeBlock || m == ModeBlockAndRevert
}

// Tenant is one customer of the engine. All registries, evidence and audit
// records are scoped by tenant.
type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// APIKey authenticates service-to-service callers.
type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}

// TransitionEvent is the append-only audit record for one enforcement call,
// attempt and outcome alike.
type TransitionEvent struct {
	ID               int64           `json:"id,omitempty"`
	TenantID         string          `json:"tenant_id"`
	OpportunityID    string          `json:"opportunity_id"`
	PlaybookID       string          `json:"playbook_id"`
	FromStage        string          `json:"from_stage"`
	ToStage          string          `json:"to_stage"`
	Trigger          string          `json:"trigger"`
	EvidenceSnapshot []string        `json:"evidence_snapshot,omitempty"`
	Allowed          bool            `json:"allowed"`
	Enforced         bool            `json:"enforced"`
	Mode             EnforcementMode `json:"mode"`
	Reason           string          `json:"reason,omitempty"`
	CorrelationID    string          `json:"correlation_id"`
	TS               string          `json:"ts" format:"date-time"`
}
