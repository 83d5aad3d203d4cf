package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinRules returns the default alert-typing rules. Rules stored in the
// database with the same ID replace them.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "builtin-dispute",
			Name:        "Dispute raised",
			Description: "Transaction came from a processor dispute notification",
			Expression:  `"dispute" in metadata && metadata["dispute"] == "true"`,
			AlertType:   domain.AlertDisputeRisk,
			Priority:    10,
			Enabled:     true,
		},
		{
			ID:          "builtin-velocity",
			Name:        "Velocity anomaly",
			Description: "Unusually many transactions for this user today",
			Expression:  "velocity_score >= 0.8 || num_transactions_today >= 10.0",
			AlertType:   domain.AlertVelocityAnomaly,
			Priority:    20,
			Enabled:     true,
		},
		{
			ID:          "builtin-reputation",
			Name:        "Known bad address",
			Description: "IP or email address has a poor local reputation",
			Expression:  `reputation_score >= 0.4 || "proxy_ip" in risk_factors || "disposable_email" in risk_factors`,
			AlertType:   domain.AlertReputationRisk,
			Priority:    30,
			Enabled:     true,
		},
	}
}

// WithStored returns the builtin rules overlaid by stored. A stored rule
// replaces the builtin rule with its ID, so a disabled stored copy switches
// the builtin off.
func WithStored(stored []*domain.RuleConfig) []*domain.RuleConfig {
	byID := make(map[string]int)
	out := BuiltinRules()
	for i, r := range out {
		byID[r.ID] = i
	}
	for _, r := range stored {
		if i, ok := byID[r.ID]; ok {
			out[i] = r
			continue
		}
		byID[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}
