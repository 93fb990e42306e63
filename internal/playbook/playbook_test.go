package playbook_test

import (
	"errors"
	"strings"
	"testing"

	"stagegate/internal/domain"
	"stagegate/internal/playbook"
)

func TestDefaultPlaybookLoads(t *testing.T) {
	pb := playbook.Default()
	if pb.PlaybookID != playbook.DefaultID {
		t.Fatalf("id = %s", pb.PlaybookID)
	}
	if pb.EntryStage != "prospect_identified" {
		t.Fatalf("entry = %s", pb.EntryStage)
	}
	if len(pb.Stages) != 9 {
		t.Fatalf("stages = %d, want 9", len(pb.Stages))
	}
	stage, ok := pb.Stage("prospect_identified")
	if !ok {
		t.Fatal("prospect_identified missing")
	}
	if stage.StageID != "prospect_identified" {
		t.Fatalf("stage id not filled from map key: %q", stage.StageID)
	}
	if len(stage.MustDo) != 1 || stage.MustDo[0].SLAMinutes != 15 {
		t.Fatalf("must_do = %+v", stage.MustDo)
	}
	cond, ok := stage.OnFailure.Condition.(domain.EvidencePresent)
	if !ok || cond.Threshold != 3 || cond.Operator != domain.OpGTE {
		t.Fatalf("on_failure condition = %+v", stage.OnFailure.Condition)
	}
	for _, terminal := range []string{"won", "lost"} {
		st, ok := pb.Stage(terminal)
		if !ok {
			t.Fatalf("%s missing", terminal)
		}
		if st.OnSuccess != nil || st.OnFailure != nil || len(st.MustDo) != 0 {
			t.Fatalf("terminal stage %s has exit rules", terminal)
		}
	}
}

func TestValidateCatchesBrokenReferences(t *testing.T) {
	pb := domain.Playbook{
		PlaybookID: "broken",
		Version:    "1.0.0",
		EntryStage: "nowhere",
		Stages: map[string]domain.PlaybookStage{
			"first": {
				StageID:        "first",
				CanonicalStage: "NOT_CANONICAL",
				MustDo:         []domain.StageAction{{ActionID: "a"}},
				OnSuccess: &domain.TransitionRule{
					Condition: domain.EvidencePresent{Type: "x"},
					NextStage: "missing",
				},
			},
		},
	}
	res := playbook.Validate(pb)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	joined := strings.Join(res.Errors, "\n")
	for _, want := range []string{
		"entry_stage nowhere does not exist",
		"unknown canonical stage",
		"next_stage missing does not exist",
		"no evidence_required",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("errors missing %q:\n%s", want, joined)
		}
	}
}

func TestValidateErrorsDeterministic(t *testing.T) {
	pb := domain.Playbook{
		PlaybookID: "p",
		Version:    "1",
		EntryStage: "a",
		Stages: map[string]domain.PlaybookStage{
			"a": {StageID: "a", CanonicalStage: "BAD_A"},
			"b": {StageID: "b", CanonicalStage: "BAD_B"},
			"c": {StageID: "c", CanonicalStage: "BAD_C"},
		},
	}
	first := playbook.Validate(pb)
	for i := 0; i < 5; i++ {
		got := playbook.Validate(pb)
		if strings.Join(got.Errors, "|") != strings.Join(first.Errors, "|") {
			t.Fatalf("error order changed on run %d", i)
		}
	}
}

func TestRegistryVersionImmutable(t *testing.T) {
	r := playbook.NewRegistry()
	pb := playbook.Default()
	if err := r.Publish(pb); err != nil {
		t.Fatalf("publish: %v", err)
	}
	err := r.Publish(pb)
	if !errors.Is(err, playbook.ErrVersionExists) {
		t.Fatalf("republish err = %v, want ErrVersionExists", err)
	}
	pb.Version = "1.0.1"
	if err := r.Publish(pb); err != nil {
		t.Fatalf("new version: %v", err)
	}
}

func TestRegistryTenantFallback(t *testing.T) {
	r := playbook.NewRegistry()
	global := playbook.Default()
	if err := r.Publish(global); err != nil {
		t.Fatal(err)
	}
	got, ok := r.GetPlaybook("acme", playbook.DefaultID)
	if !ok || got.TenantID != "" {
		t.Fatalf("fallback failed: ok=%v tenant=%q", ok, got.TenantID)
	}

	custom := playbook.Default()
	custom.TenantID = "acme"
	custom.Version = "2.0.0"
	if err := r.Publish(custom); err != nil {
		t.Fatal(err)
	}
	got, ok = r.GetPlaybook("acme", playbook.DefaultID)
	if !ok || got.TenantID != "acme" {
		t.Fatalf("tenant copy not preferred: %q", got.TenantID)
	}
	// other tenants still see the global definition
	got, _ = r.GetPlaybook("beta", playbook.DefaultID)
	if got.TenantID != "" {
		t.Fatalf("tenant isolation broken: %q", got.TenantID)
	}
}

func TestRegistryRejectsInvalid(t *testing.T) {
	r := playbook.NewRegistry()
	if err := r.Publish(domain.Playbook{PlaybookID: "x"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	doc := `
playbook_id: mini
version: "1.0.0"
entry_stage: open
stages:
  open:
    canonical_stage: PROSPECT_IDENTIFIED
    on_success:
      condition:
        kind: evidence_present
        evidence_type: contact_made
      next_stage: done
  done:
    canonical_stage: CLOSED_WON
`
	pb, err := playbook.FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	open, _ := pb.Stage("open")
	if open.StageID != "open" {
		t.Fatalf("stage id = %q", open.StageID)
	}
	cond, ok := open.OnSuccess.Condition.(domain.EvidencePresent)
	if !ok || cond.Type != "contact_made" {
		t.Fatalf("condition = %+v", open.OnSuccess.Condition)
	}
}

func TestFromYAMLRejectsUnknownConditionKind(t *testing.T) {
	doc := `
playbook_id: mini
version: "1.0.0"
entry_stage: open
stages:
  open:
    canonical_stage: PROSPECT_IDENTIFIED
    on_success:
      condition:
        kind: crystal_ball
      next_stage: open
`
	if _, err := playbook.FromYAML([]byte(doc)); err == nil {
		t.Fatal("expected unknown condition kind error")
	}
}
