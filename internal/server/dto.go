package server

import (
	"stagegate/internal/domain"
	"stagegate/internal/risk"
)

// Request payloads

type RecordEvidenceRequest struct {
	EvidenceID   *string        `json:"evidence_id,omitempty"`
	StageID      string         `json:"stage_id"`
	ActionID     *string        `json:"action_id,omitempty"`
	EvidenceType string         `json:"evidence_type"`
	CollectedAt  *string        `json:"collected_at,omitempty" format:"date-time"`
	CollectedBy  *string        `json:"collected_by,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Source       *string        `json:"source,omitempty"`
	Confidence   *float64       `json:"confidence,omitempty"`
}

type EvaluateTransitionRequest struct {
	PipelineID       string `json:"pipeline_id,omitempty"`
	PlaybookID       string `json:"playbook_id,omitempty"`
	CurrentStageID   string `json:"current_stage_id"`
	RequestedStageID string `json:"requested_stage_id"`
	ElapsedMinutes   int    `json:"elapsed_minutes,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	Trigger          string `json:"trigger,omitempty"`
	Mode             string `json:"mode,omitempty" enum:"monitor_only,block,block_and_revert"`
}

type EvaluateStageRequest struct {
	PlaybookID     string `json:"playbook_id,omitempty"`
	ElapsedMinutes int    `json:"elapsed_minutes,omitempty"`
}

type PlanActionsRequest struct {
	PlaybookID    string `json:"playbook_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type ValidateTransitionRequest struct {
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
}

type ActorRequest struct {
	Command domain.ExecutionCommand `json:"command"`
	Risk    risk.Context            `json:"risk"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type EvaluateStageResponse struct {
	Evaluation domain.StageEvaluationResult `json:"evaluation"`
}

type PlanActionsResponse struct {
	Commands []domain.ExecutionCommand `json:"commands"`
}

type SelectActorResponse struct {
	Assessment domain.RiskAssessment  `json:"assessment"`
	Selected   domain.ActorCapability `json:"selected"`
}

type AssessActorsResponse struct {
	Assessment   domain.RiskAssessment                       `json:"assessment"`
	Capabilities map[domain.ActorType]domain.ActorCapability `json:"capabilities"`
}

type PlaybookValidationResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AuditEventsResponse struct {
	Items      []domain.TransitionEvent `json:"items"`
	NextCursor int64                    `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}

func floatOrZero(in *float64) float64 {
	if in == nil {
		return 0
	}
	return *in
}
