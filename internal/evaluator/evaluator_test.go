package evaluator_test

import (
	"reflect"
	"testing"

	"stagegate/internal/domain"
	"stagegate/internal/evaluator"
)

func testPlaybook() domain.Playbook {
	return domain.Playbook{
		PlaybookID: "pb-1",
		Version:    "1.0.0",
		EntryStage: "contact",
		Stages: map[string]domain.PlaybookStage{
			"contact": {
				StageID:        "contact",
				CanonicalStage: domain.StageProspectIdentified,
				MustDo: []domain.StageAction{{
					ActionID:         "attempt_call",
					ActionType:       "contact_attempt",
					Channel:          "voice",
					SLAMinutes:       15,
					EvidenceRequired: []string{"call_attempt_logged"},
					HumanAllowed:     true,
					AIAllowed:        true,
				}},
				OnSuccess: &domain.TransitionRule{
					Condition: domain.EvidencePresent{Type: "call_connected"},
					NextStage: "qualify",
				},
				OnFailure: &domain.TransitionRule{
					Condition: domain.EvidencePresent{Type: "call_attempt_logged", Threshold: 3, Operator: domain.OpGTE},
					NextStage: "lost",
				},
			},
			"waiting": {
				StageID:        "waiting",
				CanonicalStage: domain.StageInitialContact,
				OnSuccess: &domain.TransitionRule{
					Condition: domain.TimeElapsed{ThresholdMinutes: 60},
					NextStage: "qualify",
				},
			},
			"manual": {
				StageID:        "manual",
				CanonicalStage: domain.StageNegotiation,
				OnSuccess: &domain.TransitionRule{
					Condition: domain.ManualDecision{},
					NextStage: "qualify",
				},
			},
			"qualify": {StageID: "qualify", CanonicalStage: domain.StageQualified},
			"lost":    {StageID: "lost", CanonicalStage: domain.StageClosedLost},
		},
	}
}

func evidence(types ...string) []domain.ActionEvidence {
	out := make([]domain.ActionEvidence, 0, len(types))
	for _, tp := range types {
		out = append(out, domain.ActionEvidence{EvidenceType: tp})
	}
	return out
}

func TestSuccessConditionWins(t *testing.T) {
	res := evaluator.EvaluateStage(testPlaybook(), evaluator.Input{
		StageID:  "contact",
		Evidence: evidence("call_connected"),
	})
	if !res.CanAdvance || res.NextStage != "qualify" {
		t.Fatalf("got %+v, want advance to qualify", res)
	}
	if res.Reason != "Success condition met" {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestSuccessCheckedBeforeFailure(t *testing.T) {
	// Both conditions hold; success must win.
	res := evaluator.EvaluateStage(testPlaybook(), evaluator.Input{
		StageID:  "contact",
		Evidence: evidence("call_connected", "call_attempt_logged", "call_attempt_logged", "call_attempt_logged"),
	})
	if !res.CanAdvance || res.NextStage != "qualify" {
		t.Fatalf("got %+v, want success path", res)
	}
}

func TestFailureThreshold(t *testing.T) {
	pb := testPlaybook()
	in := evaluator.Input{StageID: "contact", Evidence: evidence("call_attempt_logged", "call_attempt_logged")}
	if res := evaluator.EvaluateStage(pb, in); res.CanAdvance {
		t.Fatalf("two attempts should not trip the gte-3 failure condition: %+v", res)
	}
	in.Evidence = append(in.Evidence, domain.ActionEvidence{EvidenceType: "call_attempt_logged"})
	res := evaluator.EvaluateStage(pb, in)
	if !res.CanAdvance || res.NextStage != "lost" {
		t.Fatalf("got %+v, want failure path to lost", res)
	}
	if res.Reason != "Failure condition met" {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestBlockedListsMissingEvidence(t *testing.T) {
	res := evaluator.EvaluateStage(testPlaybook(), evaluator.Input{StageID: "contact"})
	if res.CanAdvance {
		t.Fatalf("expected blocked, got %+v", res)
	}
	if !reflect.DeepEqual(res.RequiredEvidence, []string{"call_attempt_logged"}) {
		t.Fatalf("required = %v", res.RequiredEvidence)
	}
	if !reflect.DeepEqual(res.MissingEvidence, []string{"call_attempt_logged"}) {
		t.Fatalf("missing = %v", res.MissingEvidence)
	}
	if !reflect.DeepEqual(res.BlockingActions, []string{"attempt_call"}) {
		t.Fatalf("blocking = %v", res.BlockingActions)
	}
}

func TestTimeElapsedBoundary(t *testing.T) {
	pb := testPlaybook()
	if res := evaluator.EvaluateStage(pb, evaluator.Input{StageID: "waiting", ElapsedMinutes: 60}); res.CanAdvance {
		t.Fatalf("exactly at threshold must not advance: %+v", res)
	}
	res := evaluator.EvaluateStage(pb, evaluator.Input{StageID: "waiting", ElapsedMinutes: 61})
	if !res.CanAdvance || res.NextStage != "qualify" {
		t.Fatalf("past threshold should advance: %+v", res)
	}
}

func TestManualDecisionNeverAutoAdvances(t *testing.T) {
	res := evaluator.EvaluateStage(testPlaybook(), evaluator.Input{
		StageID:        "manual",
		Evidence:       evidence("anything"),
		ElapsedMinutes: 100000,
	})
	if res.CanAdvance {
		t.Fatalf("manual_decision should abstain: %+v", res)
	}
}

func TestUnknownStage(t *testing.T) {
	res := evaluator.EvaluateStage(testPlaybook(), evaluator.Input{StageID: "nope"})
	if res.CanAdvance || res.Reason != "stage not found" {
		t.Fatalf("got %+v", res)
	}
}

func TestDeterministic(t *testing.T) {
	in := evaluator.Input{StageID: "contact", Evidence: evidence("call_attempt_logged")}
	first := evaluator.EvaluateStage(testPlaybook(), in)
	for i := 0; i < 10; i++ {
		if res := evaluator.EvaluateStage(testPlaybook(), in); !reflect.DeepEqual(res, first) {
			t.Fatalf("run %d differs: %+v vs %+v", i, res, first)
		}
	}
}
