// Package risk derives a four-band risk assessment from opportunity
// context. Scoring is additive so that raising any input never lowers the
// band; the exact weights are policy, the band contract is not.
package risk

import (
	"fmt"

	"stagegate/internal/domain"
)

// Context is the caller-supplied opportunity state feeding the assessment.
// CustomerRiskScore is 0-100; EvidenceCount is the size of the accumulated
// evidence log for the current stage.
type Context struct {
	DealValue         float64         `json:"deal_value"`
	CustomerRiskScore float64         `json:"customer_risk_score"`
	Priority          domain.Priority `json:"priority"`
	RetryCount        int             `json:"retry_count"`
	EvidenceCount     int             `json:"evidence_count"`
}

// Assess scores the context and maps the total onto a band. Each input
// contributes non-negative points, so the band is monotone in deal value,
// customer risk score, urgency and retry count.
func Assess(ctx Context) domain.RiskAssessment {
	score := 0
	var factors []string

	switch {
	case ctx.DealValue >= 100_000:
		score += 3
		factors = append(factors, fmt.Sprintf("deal value %.0f at or above 100000", ctx.DealValue))
	case ctx.DealValue >= 25_000:
		score += 2
		factors = append(factors, fmt.Sprintf("deal value %.0f at or above 25000", ctx.DealValue))
	case ctx.DealValue >= 5_000:
		score++
		factors = append(factors, fmt.Sprintf("deal value %.0f at or above 5000", ctx.DealValue))
	}

	switch {
	case ctx.CustomerRiskScore >= 80:
		score += 3
		factors = append(factors, fmt.Sprintf("customer risk score %.0f at or above 80", ctx.CustomerRiskScore))
	case ctx.CustomerRiskScore >= 50:
		score += 2
		factors = append(factors, fmt.Sprintf("customer risk score %.0f at or above 50", ctx.CustomerRiskScore))
	case ctx.CustomerRiskScore >= 25:
		score++
		factors = append(factors, fmt.Sprintf("customer risk score %.0f at or above 25", ctx.CustomerRiskScore))
	}

	switch ctx.Priority {
	case domain.PriorityUrgent:
		score += 2
		factors = append(factors, "urgent SLA")
	case domain.PriorityHigh:
		score++
		factors = append(factors, "high-priority SLA")
	}

	switch {
	case ctx.RetryCount >= 3:
		score += 2
		factors = append(factors, fmt.Sprintf("%d prior retries", ctx.RetryCount))
	case ctx.RetryCount >= 1:
		score++
		factors = append(factors, fmt.Sprintf("%d prior retry", ctx.RetryCount))
	}

	if ctx.EvidenceCount == 0 {
		score++
		factors = append(factors, "no evidence collected for current stage")
	}

	band := bandFor(score)
	return domain.RiskAssessment{
		OverallRisk:        band,
		RiskFactors:        factors,
		MitigationRequired: band.Rank() >= domain.RiskHigh.Rank(),
		RecommendedActions: recommendations(band),
	}
}

func bandFor(score int) domain.RiskBand {
	switch {
	case score >= 7:
		return domain.RiskCritical
	case score >= 5:
		return domain.RiskHigh
	case score >= 2:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func recommendations(band domain.RiskBand) []string {
	switch band {
	case domain.RiskCritical:
		return []string{"require human execution", "notify sales manager before proceeding"}
	case domain.RiskHigh:
		return []string{"require human review before execution"}
	case domain.RiskMedium:
		return []string{"prefer hybrid execution with human oversight"}
	default:
		return nil
	}
}
