package domain

// RuleConfig is an alert-typing rule. When its CEL expression evaluates to
// true for a high-risk transaction, the alert takes the rule's AlertType.
type RuleConfig struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Expression  string    `json:"expression" yaml:"expression"`
	AlertType   AlertType `json:"alertType" yaml:"alert_type"`

	// Lower priority rules are checked first.
	Priority int  `json:"priority" yaml:"priority"`
	Enabled  bool `json:"enabled" yaml:"enabled"`
}
