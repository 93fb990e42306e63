// Package actor decides which actor type (AI, human, or hybrid) may carry
// out a planned execution command, given a risk assessment and tenant
// thresholds. Both entry points are pure and deterministic: identical
// inputs always produce identical capabilities, and SelectActor returns
// exactly one of the capabilities AssessCapabilities produces.
package actor

import (
	"fmt"

	"stagegate/internal/domain"
)

// Config holds the tenant's actor-selection thresholds.
type Config struct {
	// MaxAIRisk is the highest band at which AI execution is allowed.
	MaxAIRisk domain.RiskBand
	// AIBaseConfidence is AI confidence at LOW risk; it drops as risk rises.
	AIBaseConfidence float64
	// HumanBaseConfidence is human confidence at LOW risk; it rises with
	// risk, as human oversight is increasingly preferred.
	HumanBaseConfidence float64
}

// DefaultConfig allows AI up to MEDIUM risk.
func DefaultConfig() Config {
	return Config{
		MaxAIRisk:           domain.RiskMedium,
		AIBaseConfidence:    0.90,
		HumanBaseConfidence: 0.70,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAIRisk == "" {
		c.MaxAIRisk = d.MaxAIRisk
	}
	if c.AIBaseConfidence == 0 {
		c.AIBaseConfidence = d.AIBaseConfidence
	}
	if c.HumanBaseConfidence == 0 {
		c.HumanBaseConfidence = d.HumanBaseConfidence
	}
	return c
}

// AssessCapabilities evaluates all three actor types for one command.
func AssessCapabilities(cmd domain.ExecutionCommand, assessment domain.RiskAssessment, cfg Config) map[domain.ActorType]domain.ActorCapability {
	cfg = cfg.withDefaults()
	ai := assessAI(cmd, assessment, cfg)
	human := assessHuman(cmd, assessment, cfg)
	hybrid := assessHybrid(ai, human)
	return map[domain.ActorType]domain.ActorCapability{
		domain.ActorAI:     ai,
		domain.ActorHuman:  human,
		domain.ActorHybrid: hybrid,
	}
}

func assessAI(cmd domain.ExecutionCommand, assessment domain.RiskAssessment, cfg Config) domain.ActorCapability {
	res := domain.ActorCapability{ActorType: domain.ActorAI}
	if !cmd.AIAllowed {
		res.Constraints = append(res.Constraints, "action does not allow AI execution")
		return res
	}
	if assessment.OverallRisk.Rank() > cfg.MaxAIRisk.Rank() {
		res.Constraints = append(res.Constraints,
			fmt.Sprintf("risk %s exceeds AI threshold %s", assessment.OverallRisk, cfg.MaxAIRisk))
		res.RiskFactors = append(res.RiskFactors, assessment.RiskFactors...)
		return res
	}
	res.CanExecute = true
	res.Confidence = cfg.AIBaseConfidence - 0.10*float64(assessment.OverallRisk.Rank())
	return res
}

func assessHuman(cmd domain.ExecutionCommand, assessment domain.RiskAssessment, cfg Config) domain.ActorCapability {
	res := domain.ActorCapability{ActorType: domain.ActorHuman}
	if !cmd.HumanAllowed {
		res.Constraints = append(res.Constraints, "action does not allow human execution")
		return res
	}
	res.CanExecute = true
	conf := cfg.HumanBaseConfidence + 0.08*float64(assessment.OverallRisk.Rank())
	if conf > 0.95 {
		conf = 0.95
	}
	res.Confidence = conf
	return res
}

// assessHybrid requires both components to independently qualify.
func assessHybrid(ai, human domain.ActorCapability) domain.ActorCapability {
	res := domain.ActorCapability{ActorType: domain.ActorHybrid}
	if !ai.CanExecute {
		res.Constraints = append(res.Constraints, "AI component not available")
	}
	if !human.CanExecute {
		res.Constraints = append(res.Constraints, "human component not available")
	}
	if len(res.Constraints) > 0 {
		return res
	}
	res.CanExecute = true
	res.Confidence = (ai.Confidence + human.Confidence) / 2
	return res
}

// SelectActor picks one actor deterministically:
//
//	LOW:    AI if eligible, else human
//	MEDIUM: hybrid when both components qualify, else human, else AI
//	HIGH and CRITICAL: human only
//
// When nothing qualifies the human capability is returned with
// CanExecute=false: the call fails closed rather than defaulting to an
// unsafe actor.
func SelectActor(cmd domain.ExecutionCommand, assessment domain.RiskAssessment, cfg Config) domain.ActorCapability {
	caps := AssessCapabilities(cmd, assessment, cfg)
	ai := caps[domain.ActorAI]
	human := caps[domain.ActorHuman]
	hybrid := caps[domain.ActorHybrid]

	switch assessment.OverallRisk {
	case domain.RiskLow:
		if ai.CanExecute {
			return ai
		}
		if human.CanExecute {
			return human
		}
	case domain.RiskMedium:
		if hybrid.CanExecute {
			return hybrid
		}
		if human.CanExecute {
			return human
		}
		if ai.CanExecute {
			return ai
		}
	default: // HIGH and CRITICAL force a human
		if human.CanExecute {
			return human
		}
	}
	return human
}
