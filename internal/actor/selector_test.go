package actor_test

import (
	"reflect"
	"testing"

	"stagegate/internal/actor"
	"stagegate/internal/domain"
)

func command(ai, human bool) domain.ExecutionCommand {
	return domain.ExecutionCommand{
		CommandID:    "cmd-1",
		CommandType:  domain.CommandExecuteContact,
		Channel:      "voice",
		AIAllowed:    ai,
		HumanAllowed: human,
	}
}

func assessment(band domain.RiskBand) domain.RiskAssessment {
	return domain.RiskAssessment{OverallRisk: band}
}

func TestLowRiskPrefersAI(t *testing.T) {
	got := actor.SelectActor(command(true, true), assessment(domain.RiskLow), actor.DefaultConfig())
	if got.ActorType != domain.ActorAI || !got.CanExecute {
		t.Fatalf("got %+v, want executable AI", got)
	}
}

func TestLowRiskFallsBackToHuman(t *testing.T) {
	got := actor.SelectActor(command(false, true), assessment(domain.RiskLow), actor.DefaultConfig())
	if got.ActorType != domain.ActorHuman || !got.CanExecute {
		t.Fatalf("got %+v, want human", got)
	}
}

func TestMediumRiskPrefersHybrid(t *testing.T) {
	got := actor.SelectActor(command(true, true), assessment(domain.RiskMedium), actor.DefaultConfig())
	if got.ActorType != domain.ActorHybrid || !got.CanExecute {
		t.Fatalf("got %+v, want hybrid", got)
	}
}

func TestMediumRiskWithoutAIUsesHuman(t *testing.T) {
	got := actor.SelectActor(command(false, true), assessment(domain.RiskMedium), actor.DefaultConfig())
	if got.ActorType != domain.ActorHuman || !got.CanExecute {
		t.Fatalf("got %+v, want human", got)
	}
}

func TestHighRiskForcesHuman(t *testing.T) {
	for _, band := range []domain.RiskBand{domain.RiskHigh, domain.RiskCritical} {
		got := actor.SelectActor(command(true, true), assessment(band), actor.DefaultConfig())
		if got.ActorType != domain.ActorHuman || !got.CanExecute {
			t.Fatalf("band %s: got %+v, want human", band, got)
		}
	}
}

func TestFailClosedWhenNothingQualifies(t *testing.T) {
	got := actor.SelectActor(command(true, false), assessment(domain.RiskCritical), actor.DefaultConfig())
	if got.ActorType != domain.ActorHuman {
		t.Fatalf("fail-closed result must be the human capability, got %s", got.ActorType)
	}
	if got.CanExecute {
		t.Fatal("nothing qualifies, CanExecute must be false")
	}
}

func TestAIThresholdFromConfig(t *testing.T) {
	cfg := actor.Config{MaxAIRisk: domain.RiskLow, AIBaseConfidence: 0.9, HumanBaseConfidence: 0.7}
	caps := actor.AssessCapabilities(command(true, true), assessment(domain.RiskMedium), cfg)
	if caps[domain.ActorAI].CanExecute {
		t.Fatalf("MEDIUM exceeds the LOW threshold: %+v", caps[domain.ActorAI])
	}
	if len(caps[domain.ActorAI].Constraints) == 0 {
		t.Fatal("expected a threshold constraint")
	}
	if !caps[domain.ActorHuman].CanExecute {
		t.Fatal("human must still qualify")
	}
}

func TestHybridNeedsBothComponents(t *testing.T) {
	caps := actor.AssessCapabilities(command(true, false), assessment(domain.RiskLow), actor.DefaultConfig())
	if caps[domain.ActorHybrid].CanExecute {
		t.Fatalf("hybrid without a human component must not execute: %+v", caps[domain.ActorHybrid])
	}
}

func TestHumanConfidenceRisesWithRisk(t *testing.T) {
	cfg := actor.DefaultConfig()
	low := actor.AssessCapabilities(command(true, true), assessment(domain.RiskLow), cfg)[domain.ActorHuman]
	high := actor.AssessCapabilities(command(true, true), assessment(domain.RiskCritical), cfg)[domain.ActorHuman]
	if high.Confidence <= low.Confidence {
		t.Fatalf("human confidence should rise with risk: %v vs %v", low.Confidence, high.Confidence)
	}
	if high.Confidence > 0.95 {
		t.Fatalf("human confidence capped at 0.95, got %v", high.Confidence)
	}
}

func TestDeterministic(t *testing.T) {
	cmd := command(true, true)
	first := actor.AssessCapabilities(cmd, assessment(domain.RiskMedium), actor.DefaultConfig())
	for i := 0; i < 10; i++ {
		got := actor.AssessCapabilities(cmd, assessment(domain.RiskMedium), actor.DefaultConfig())
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs", i)
		}
	}
}
