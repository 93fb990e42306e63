// Package evaluator judges a playbook stage against accumulated evidence.
// It is a pure function of its inputs: the caller supplies the evidence log
// and the elapsed time since stage entry; nothing is read or stored here.
package evaluator

import "stagegate/internal/domain"

// Input is the caller-owned context for one stage evaluation.
// ElapsedMinutes is wall-clock minutes since the opportunity entered the
// stage; zero or negative means unknown, which makes every time_elapsed
// condition evaluate false.
type Input struct {
	StageID        string
	Evidence       []domain.ActionEvidence
	ElapsedMinutes int
}

// EvaluateStage applies the stage's exit rules in order: success condition
// first, then failure condition, else a blocked result listing what evidence
// is still missing. Calling twice with identical inputs yields identical
// results.
func EvaluateStage(pb domain.Playbook, in Input) domain.StageEvaluationResult {
	stage, ok := pb.Stage(in.StageID)
	if !ok {
		return domain.StageEvaluationResult{
			CanAdvance: false,
			Reason:     "stage not found",
		}
	}

	counts := evidenceCounts(in.Evidence)

	if stage.OnSuccess != nil && conditionMet(stage.OnSuccess.Condition, counts, in.ElapsedMinutes) {
		return domain.StageEvaluationResult{
			CanAdvance: true,
			NextStage:  stage.OnSuccess.NextStage,
			Reason:     "Success condition met",
		}
	}
	if stage.OnFailure != nil && conditionMet(stage.OnFailure.Condition, counts, in.ElapsedMinutes) {
		return domain.StageEvaluationResult{
			CanAdvance: true,
			NextStage:  stage.OnFailure.NextStage,
			Reason:     "Failure condition met",
		}
	}

	required, missing, blocking := outstandingEvidence(stage, counts)
	reason := "Conditions not met"
	if len(missing) > 0 {
		reason = "Conditions not met; required evidence missing"
	}
	return domain.StageEvaluationResult{
		CanAdvance:       false,
		Reason:           reason,
		RequiredEvidence: required,
		MissingEvidence:  missing,
		BlockingActions:  blocking,
	}
}

func evidenceCounts(evidence []domain.ActionEvidence) map[string]int {
	counts := make(map[string]int, len(evidence))
	for _, e := range evidence {
		counts[e.EvidenceType]++
	}
	return counts
}

// conditionMet evaluates one transition condition. The switch is exhaustive
// over the condition sum type; manual_decision deliberately abstains.
func conditionMet(c domain.TransitionCondition, counts map[string]int, elapsedMinutes int) bool {
	switch v := c.(type) {
	case domain.EvidencePresent:
		n := counts[v.Type]
		if v.Threshold > 0 {
			op := v.Operator
			if op == "" {
				op = domain.OpGTE
			}
			switch op {
			case domain.OpGTE:
				return n >= v.Threshold
			case domain.OpLTE:
				return n <= v.Threshold
			case domain.OpEQ:
				return n == v.Threshold
			}
			return false
		}
		return n > 0
	case domain.EvidenceAbsent:
		return counts[v.Type] == 0
	case domain.TimeElapsed:
		return elapsedMinutes > v.ThresholdMinutes
	case domain.ManualDecision:
		return false
	}
	return false
}

// outstandingEvidence computes the required-evidence union across mustDo
// actions, what is still missing, and which actions that blocks. Order
// follows the must_do declaration so results are stable.
func outstandingEvidence(stage domain.PlaybookStage, counts map[string]int) (required, missing, blocking []string) {
	seen := make(map[string]bool)
	for _, a := range stage.MustDo {
		actionBlocked := false
		for _, kind := range a.EvidenceRequired {
			if !seen[kind] {
				seen[kind] = true
				required = append(required, kind)
				if counts[kind] == 0 {
					missing = append(missing, kind)
				}
			}
			if counts[kind] == 0 {
				actionBlocked = true
			}
		}
		if actionBlocked {
			blocking = append(blocking, a.ActionID)
		}
	}
	return required, missing, blocking
}
