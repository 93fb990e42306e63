package risk_test

import (
	"testing"

	"stagegate/internal/domain"
	"stagegate/internal/risk"
)

func TestLowRiskBaseline(t *testing.T) {
	res := risk.Assess(risk.Context{EvidenceCount: 1})
	if res.OverallRisk != domain.RiskLow {
		t.Fatalf("band = %s, want LOW", res.OverallRisk)
	}
	if res.MitigationRequired {
		t.Fatal("LOW must not require mitigation")
	}
}

func TestCriticalRisk(t *testing.T) {
	res := risk.Assess(risk.Context{
		DealValue:         250_000,
		CustomerRiskScore: 90,
		Priority:          domain.PriorityUrgent,
		RetryCount:        3,
	})
	if res.OverallRisk != domain.RiskCritical {
		t.Fatalf("band = %s, want CRITICAL", res.OverallRisk)
	}
	if !res.MitigationRequired {
		t.Fatal("CRITICAL requires mitigation")
	}
	if len(res.RiskFactors) == 0 || len(res.RecommendedActions) == 0 {
		t.Fatalf("factors/actions missing: %+v", res)
	}
}

func TestMitigationAtHigh(t *testing.T) {
	res := risk.Assess(risk.Context{
		DealValue:         150_000,
		CustomerRiskScore: 60,
		EvidenceCount:     3,
	})
	if res.OverallRisk != domain.RiskHigh {
		t.Fatalf("band = %s, want HIGH", res.OverallRisk)
	}
	if !res.MitigationRequired {
		t.Fatal("HIGH requires mitigation")
	}
}

func TestNoEvidenceRaisesRisk(t *testing.T) {
	with := risk.Assess(risk.Context{DealValue: 30_000, EvidenceCount: 5})
	without := risk.Assess(risk.Context{DealValue: 30_000})
	if with.OverallRisk != domain.RiskMedium {
		t.Fatalf("band with evidence = %s", with.OverallRisk)
	}
	if without.OverallRisk.Rank() < with.OverallRisk.Rank() {
		t.Fatalf("missing evidence lowered the band: %s < %s", without.OverallRisk, with.OverallRisk)
	}
}

func TestMonotoneInDealValue(t *testing.T) {
	base := risk.Context{CustomerRiskScore: 30, EvidenceCount: 1}
	prev := -1
	for _, dv := range []float64{0, 5_000, 25_000, 100_000, 1_000_000} {
		ctx := base
		ctx.DealValue = dv
		rank := risk.Assess(ctx).OverallRisk.Rank()
		if rank < prev {
			t.Fatalf("band rank dropped at deal value %.0f", dv)
		}
		prev = rank
	}
}

func TestMonotoneInRetries(t *testing.T) {
	prev := -1
	for retries := 0; retries <= 5; retries++ {
		rank := risk.Assess(risk.Context{DealValue: 25_000, RetryCount: retries, EvidenceCount: 1}).OverallRisk.Rank()
		if rank < prev {
			t.Fatalf("band rank dropped at %d retries", retries)
		}
		prev = rank
	}
}
