// Package enforce orchestrates the playbook registry, stage evaluator,
// transition validator and action planner into one enforcement decision per
// transition request. The enforcement mode arrives with every call as part
// of the policy snapshot, never as enforcer state, so concurrent tenant
// evaluations cannot observe each other's modes.
package enforce

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/evaluator"
	"stagegate/internal/pipeline"
	"stagegate/internal/planner"
	"stagegate/internal/playbook"
)

// Policy is the per-call enforcement configuration snapshot.
type Policy struct {
	Mode domain.EnforcementMode
}

func (p Policy) mode() domain.EnforcementMode {
	if p.Mode.Known() {
		return p.Mode
	}
	return domain.ModeMonitorOnly
}

// Sink receives audit events. Publish must not block; failures stay on the
// sink's side of the boundary.
type Sink interface {
	Publish(evt domain.TransitionEvent)
}

// Enforcer evaluates transition requests. All fields are read-only after
// construction.
type Enforcer struct {
	Playbooks *playbook.Registry
	Pipelines *pipeline.Registry
	Audit     Sink
	Now       func() time.Time
}

func New(books *playbook.Registry, pipes *pipeline.Registry, sink Sink) Enforcer {
	return Enforcer{Playbooks: books, Pipelines: pipes, Audit: sink, Now: time.Now}
}

func (e Enforcer) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Request is one transition attempt. Evidence and elapsed time are owned by
// the caller; the enforcer stores nothing.
type Request struct {
	TenantID         string
	OpportunityID    string
	PipelineID       string
	PlaybookID       string
	CurrentStageID   string
	RequestedStageID string
	Evidence         []domain.ActionEvidence
	ElapsedMinutes   int
	CorrelationID    string
	Trigger          string
}

// Result is the enforcement decision plus everything needed for the caller
// to act on it or self-correct.
type Result struct {
	Allowed       bool                         `json:"allowed"`
	Enforced      bool                         `json:"enforced"`
	Mode          domain.EnforcementMode       `json:"mode"`
	Reason        string                       `json:"reason"`
	Evaluation    domain.StageEvaluationResult `json:"evaluation"`
	Graph         pipeline.ValidationResult    `json:"graph"`
	Commands      []domain.ExecutionCommand    `json:"commands,omitempty"`
	CorrelationID string                       `json:"correlation_id"`
}

// EvaluateTransition decides whether the requested stage change is allowed
// under the policy's enforcement mode. Exactly one audit event is published
// per call, attempt and outcome alike; a failing audit sink never changes
// the decision.
func (e Enforcer) EvaluateTransition(pol Policy, req Request) Result {
	mode := pol.mode()
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if req.Trigger == "" {
		req.Trigger = "stage_transition_request"
	}

	res := e.decide(mode, req)
	res.Mode = mode
	res.Enforced = !res.Allowed
	res.CorrelationID = req.CorrelationID

	e.publish(req, res)
	return res
}

// decide isolates the fallible evaluation path. Unexpected panics degrade
// to the mode's default decision instead of escaping the enforcer.
func (e Enforcer) decide(mode domain.EnforcementMode, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Allowed: !mode.Enforcing(),
				Reason:  fmt.Sprintf("evaluation error: %v", r),
			}
		}
	}()

	pb, ok := e.Playbooks.GetPlaybook(req.TenantID, req.PlaybookID)
	if !ok {
		return Result{
			Allowed: !mode.Enforcing(),
			Reason:  fmt.Sprintf("playbook %s not found for tenant %s", req.PlaybookID, req.TenantID),
		}
	}

	eval := evaluator.EvaluateStage(pb, evaluator.Input{
		StageID:        req.CurrentStageID,
		Evidence:       req.Evidence,
		ElapsedMinutes: req.ElapsedMinutes,
	})

	res = Result{Evaluation: eval}
	res.Graph = e.validateGraph(pb, req)

	switch {
	case !eval.CanAdvance:
		// Nothing decided yet, so there is nothing to block.
		res.Allowed = true
		res.Reason = "no playbook decision yet: " + eval.Reason
	case eval.NextStage == req.RequestedStageID:
		if !res.Graph.Valid && mode.Enforcing() {
			res.Allowed = false
			res.Reason = fmt.Sprintf("transition %s -> %s violates the pipeline graph", req.CurrentStageID, req.RequestedStageID)
			return res
		}
		res.Allowed = true
		res.Reason = "requested stage matches playbook decision"
		if next, ok := pb.Stage(eval.NextStage); ok && len(next.MustDo) > 0 {
			res.Commands = planner.PlanStageActions(pb, planner.Request{
				OpportunityID: req.OpportunityID,
				TenantID:      req.TenantID,
				StageID:       eval.NextStage,
				CorrelationID: req.CorrelationID,
			})
		}
	case mode.Enforcing():
		res.Allowed = false
		res.Reason = fmt.Sprintf("requested stage %s does not match playbook next stage %s", req.RequestedStageID, eval.NextStage)
	default:
		res.Allowed = true
		res.Reason = fmt.Sprintf("monitor only: requested stage %s, playbook expects %s", req.RequestedStageID, eval.NextStage)
	}
	return res
}

// validateGraph maps the playbook stage IDs onto canonical stages and
// checks the requested transition against the tenant's pipeline graph.
// Unknown stages yield an invalid result with no legal targets.
func (e Enforcer) validateGraph(pb domain.Playbook, req Request) pipeline.ValidationResult {
	from, okFrom := pb.Stage(req.CurrentStageID)
	to, okTo := pb.Stage(req.RequestedStageID)
	if !okFrom || !okTo {
		return pipeline.ValidationResult{}
	}
	cfg := e.Pipelines.GetPipelineConfiguration(req.TenantID, req.PipelineID)
	return pipeline.Validate(from.CanonicalStage, to.CanonicalStage, cfg.AllowedTransitions)
}

func (e Enforcer) publish(req Request, res Result) {
	if e.Audit == nil {
		return
	}
	snapshot := make([]string, 0, len(req.Evidence))
	for _, ev := range req.Evidence {
		snapshot = append(snapshot, ev.EvidenceType)
	}
	e.Audit.Publish(domain.TransitionEvent{
		TenantID:         req.TenantID,
		OpportunityID:    req.OpportunityID,
		PlaybookID:       req.PlaybookID,
		FromStage:        req.CurrentStageID,
		ToStage:          req.RequestedStageID,
		Trigger:          req.Trigger,
		EvidenceSnapshot: snapshot,
		Allowed:          res.Allowed,
		Enforced:         res.Enforced,
		Mode:             res.Mode,
		Reason:           res.Reason,
		CorrelationID:    res.CorrelationID,
		TS:               e.now().UTC().Format(time.RFC3339),
	})
}
