package pipeline

import "stagegate/internal/domain"

// ValidationResult reports whether a transition is legal and, either way,
// the full set of legal next stages so callers can self-correct.
type ValidationResult struct {
	Valid                  bool                    `json:"valid"`
	NextAllowedTransitions []domain.CanonicalStage `json:"next_allowed_transitions"`
}

// Validate checks a requested (from, to) transition against the graph.
// Terminal stages have an empty transition list and fail every attempt.
func Validate(from, to domain.CanonicalStage, allowed map[domain.CanonicalStage][]domain.CanonicalStage) ValidationResult {
	targets := allowed[from]
	res := ValidationResult{NextAllowedTransitions: append([]domain.CanonicalStage(nil), targets...)}
	for _, t := range targets {
		if t == to {
			res.Valid = true
			break
		}
	}
	return res
}
