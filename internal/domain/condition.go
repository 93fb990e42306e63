package domain

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/danielgtaylor/huma/v2"
	"gopkg.in/yaml.v3"
)

// TransitionCondition is a closed sum over the four condition kinds. The
// evaluator switches over the concrete types; adding a kind without handling
// it there is a compile-visible change, not a silent default.
type TransitionCondition interface {
	isCondition()
	Kind() string
}

// ThresholdOperator compares an evidence count against a threshold.
type ThresholdOperator string

const (
	OpGTE ThresholdOperator = "gte"
	OpLTE ThresholdOperator = "lte"
	OpEQ  ThresholdOperator = "eq"
)

// EvidencePresent is satisfied when evidence of Type exists. With Threshold
// set, the count of matching items is compared using Operator (gte when
// Operator is empty).
type EvidencePresent struct {
	Type      string
	Threshold int
	Operator  ThresholdOperator
}

// EvidenceAbsent is the negation of presence.
type EvidenceAbsent struct {
	Type string
}

// TimeElapsed is satisfied once the caller-supplied elapsed time since stage
// entry exceeds ThresholdMinutes.
type TimeElapsed struct {
	ThresholdMinutes int
}

// ManualDecision never evaluates true automatically; it marks a transition
// that a human must decide out-of-band.
type ManualDecision struct{}

func (EvidencePresent) isCondition() {}
func (EvidenceAbsent) isCondition()  {}
func (TimeElapsed) isCondition()     {}
func (ManualDecision) isCondition()  {}

func (EvidencePresent) Kind() string { return "evidence_present" }
func (EvidenceAbsent) Kind() string  { return "evidence_absent" }
func (TimeElapsed) Kind() string     { return "time_elapsed" }
func (ManualDecision) Kind() string  { return "manual_decision" }

// TransitionRule pairs a condition with the stage it leads to.
type TransitionRule struct {
	Condition TransitionCondition
	NextStage string
}

// conditionDoc is the wire/document shape for a condition; a flat envelope
// keyed by kind, shared between YAML playbook files and the JSON API.
type conditionDoc struct {
	Kind             string `json:"kind" yaml:"kind" enum:"evidence_present,evidence_absent,time_elapsed,manual_decision"`
	EvidenceType     string `json:"evidence_type,omitempty" yaml:"evidence_type,omitempty"`
	Threshold        int    `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Operator         string `json:"operator,omitempty" yaml:"operator,omitempty" enum:"gte,lte,eq"`
	ThresholdMinutes int    `json:"threshold_minutes,omitempty" yaml:"threshold_minutes,omitempty"`
}

type ruleDoc struct {
	Condition conditionDoc `json:"condition" yaml:"condition"`
	NextStage string       `json:"next_stage" yaml:"next_stage"`
}

func encodeCondition(c TransitionCondition) conditionDoc {
	switch v := c.(type) {
	case EvidencePresent:
		return conditionDoc{
			Kind:         v.Kind(),
			EvidenceType: v.Type,
			Threshold:    v.Threshold,
			Operator:     string(v.Operator),
		}
	case EvidenceAbsent:
		return conditionDoc{Kind: v.Kind(), EvidenceType: v.Type}
	case TimeElapsed:
		return conditionDoc{Kind: v.Kind(), ThresholdMinutes: v.ThresholdMinutes}
	case ManualDecision:
		return conditionDoc{Kind: v.Kind()}
	}
	return conditionDoc{}
}

func decodeCondition(doc conditionDoc) (TransitionCondition, error) {
	switch doc.Kind {
	case "evidence_present":
		if doc.EvidenceType == "" {
			return nil, fmt.Errorf("evidence_present condition requires evidence_type")
		}
		op := ThresholdOperator(doc.Operator)
		if doc.Operator != "" && op != OpGTE && op != OpLTE && op != OpEQ {
			return nil, fmt.Errorf("unknown threshold operator %q", doc.Operator)
		}
		return EvidencePresent{Type: doc.EvidenceType, Threshold: doc.Threshold, Operator: op}, nil
	case "evidence_absent":
		if doc.EvidenceType == "" {
			return nil, fmt.Errorf("evidence_absent condition requires evidence_type")
		}
		return EvidenceAbsent{Type: doc.EvidenceType}, nil
	case "time_elapsed":
		if doc.ThresholdMinutes <= 0 {
			return nil, fmt.Errorf("time_elapsed condition requires positive threshold_minutes")
		}
		return TimeElapsed{ThresholdMinutes: doc.ThresholdMinutes}, nil
	case "manual_decision":
		return ManualDecision{}, nil
	case "":
		return nil, fmt.Errorf("condition kind is required")
	default:
		return nil, fmt.Errorf("unknown condition kind %q", doc.Kind)
	}
}

// Schema exposes the envelope shape instead of the condition interface.
func (r TransitionRule) Schema(reg huma.Registry) *huma.Schema {
	return reg.Schema(reflect.TypeOf(ruleDoc{}), true, "TransitionRule")
}

func (r TransitionRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleDoc{Condition: encodeCondition(r.Condition), NextStage: r.NextStage})
}

func (r *TransitionRule) UnmarshalJSON(data []byte) error {
	var doc ruleDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	cond, err := decodeCondition(doc.Condition)
	if err != nil {
		return err
	}
	r.Condition = cond
	r.NextStage = doc.NextStage
	return nil
}

func (r TransitionRule) MarshalYAML() (any, error) {
	return ruleDoc{Condition: encodeCondition(r.Condition), NextStage: r.NextStage}, nil
}

func (r *TransitionRule) UnmarshalYAML(node *yaml.Node) error {
	var doc ruleDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	cond, err := decodeCondition(doc.Condition)
	if err != nil {
		return err
	}
	r.Condition = cond
	r.NextStage = doc.NextStage
	return nil
}
