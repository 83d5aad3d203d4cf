// Package rules provides the CEL-Go based alert-typing engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine decides the type of an alert by evaluating CEL rules against the
// transaction that raised it. Rules are checked in priority order and the
// first one that evaluates to true wins.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules []*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule engine.
func NewEngine() (*Engine, error) {
	opts := []cel.EnvOption{
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("fraud_probability", cel.DoubleType),
		cel.Variable("reputation_score", cel.DoubleType),
		cel.Variable("risk_factors", cel.ListType(cel.StringType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	}
	// Every model feature except the amount is exposed under its column name.
	for _, name := range domain.FeatureNames[1:] {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine, replacing any rule with the same ID.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rules := make([]*CompiledRule, 0, len(e.compiledRules)+1)
	for _, r := range e.compiledRules {
		if r.Config.ID != cfg.ID {
			rules = append(rules, r)
		}
	}
	e.compiledRules = sortRules(append(rules, compiled))
	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	var rules []*CompiledRule
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		rules = append(rules, compiled)
	}

	e.mu.Lock()
	e.compiledRules = sortRules(rules)
	e.mu.Unlock()
	return nil
}

// Match is the outcome of alert typing.
type Match struct {
	AlertType domain.AlertType
	RuleID    string
}

// Classify returns the alert type for a high-risk transaction. Rules that fail
// to evaluate are skipped. Without a match the type is high_risk_transaction.
func (e *Engine) Classify(ctx context.Context, tx *domain.Transaction, p *domain.FraudPrediction) Match {
	e.mu.RLock()
	rules := e.compiledRules
	e.mu.RUnlock()

	if len(rules) > 0 {
		activation := Activation(tx, p)
		for _, rule := range rules {
			out, _, err := rule.Program.ContextEval(ctx, activation)
			if err != nil {
				slog.Debug("alert rule evaluation failed",
					"rule_id", rule.Config.ID,
					"tx_id", tx.ID,
					"error", err,
				)
				continue
			}
			if out == types.True {
				return Match{AlertType: rule.Config.AlertType, RuleID: rule.Config.ID}
			}
		}
	}

	return Match{AlertType: domain.AlertHighRiskTransaction}
}

// Activation builds the CEL variables for a transaction and its prediction.
func Activation(tx *domain.Transaction, p *domain.FraudPrediction) map[string]any {
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	factors := p.RiskFactors
	if factors == nil {
		factors = []string{}
	}

	activation := map[string]any{
		"amount":            tx.Amount.InexactFloat64(),
		"currency":          tx.Currency,
		"merchant":          tx.Merchant,
		"user_id":           tx.UserID,
		"source":            string(tx.Source),
		"fraud_probability": p.FraudProbability,
		"reputation_score":  p.ReputationScore,
		"risk_factors":      factors,
		"metadata":          metadata,
	}
	vector := tx.Vector()
	for i, name := range domain.FeatureNames[1:] {
		activation[name] = vector[i+1]
	}
	return activation
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations in evaluation order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.AlertType == "" {
		return nil, fmt.Errorf("rule %s: alert type is required", cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

func sortRules(rules []*CompiledRule) []*CompiledRule {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Config.Priority != rules[j].Config.Priority {
			return rules[i].Config.Priority < rules[j].Config.Priority
		}
		return rules[i].Config.ID < rules[j].Config.ID
	})
	return rules
}
