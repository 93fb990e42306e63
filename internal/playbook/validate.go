package playbook

import (
	"fmt"
	"sort"

	"stagegate/internal/domain"
)

// ValidationResult is the outcome of the static playbook linter.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate performs structural checks only; it never executes the playbook.
// Run at publish time so evaluation can assume a well-formed definition.
func Validate(pb domain.Playbook) ValidationResult {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if pb.PlaybookID == "" {
		fail("playbook_id is required")
	}
	if pb.Version == "" {
		fail("version is required")
	}
	if pb.EntryStage == "" {
		fail("entry_stage is required")
	}
	if len(pb.Stages) == 0 {
		fail("stages must not be empty")
	}
	if pb.EntryStage != "" && len(pb.Stages) > 0 {
		if _, ok := pb.Stages[pb.EntryStage]; !ok {
			fail("entry_stage %s does not exist", pb.EntryStage)
		}
	}

	// deterministic error order regardless of map iteration
	stageIDs := make([]string, 0, len(pb.Stages))
	for id := range pb.Stages {
		stageIDs = append(stageIDs, id)
	}
	sort.Strings(stageIDs)

	for _, id := range stageIDs {
		st := pb.Stages[id]
		if !st.CanonicalStage.Known() {
			fail("stage %s: unknown canonical stage %q", id, st.CanonicalStage)
		}
		for _, rule := range []struct {
			name string
			r    *domain.TransitionRule
		}{{"on_success", st.OnSuccess}, {"on_failure", st.OnFailure}} {
			if rule.r == nil {
				continue
			}
			if rule.r.Condition == nil {
				fail("stage %s: %s has no condition", id, rule.name)
			}
			if rule.r.NextStage == "" {
				fail("stage %s: %s has no next_stage", id, rule.name)
			} else if _, ok := pb.Stages[rule.r.NextStage]; !ok {
				fail("stage %s: %s.next_stage %s does not exist", id, rule.name, rule.r.NextStage)
			}
		}
		for _, a := range st.MustDo {
			if a.ActionID == "" {
				fail("stage %s: must_do action with empty action_id", id)
			}
			if len(a.EvidenceRequired) == 0 {
				fail("stage %s: action %s has no evidence_required", id, a.ActionID)
			}
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
