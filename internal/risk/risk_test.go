package risk

import (
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestClassify(t *testing.T) {
	c, err := NewClassifier(0.3, 0.7, 0.9)
	if err != nil {
		t.Fatalf("failed to create classifier: %v", err)
	}

	tests := []struct {
		p    float64
		want domain.RiskLevel
	}{
		{0.0, domain.RiskLow},
		{0.29, domain.RiskLow},
		{0.3, domain.RiskMedium},
		{0.69, domain.RiskMedium},
		{0.7, domain.RiskHigh},
		{1.0, domain.RiskHigh},
	}

	for _, tt := range tests {
		if got := c.Classify(tt.p); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.p, got, tt.want)
		}
	}
}

func TestNewClassifierRejectsBadThresholds(t *testing.T) {
	cases := []struct {
		name      string
		low, high float64
	}{
		{"Equal", 0.5, 0.5},
		{"Inverted", 0.7, 0.3},
		{"ZeroLow", 0, 0.5},
		{"HighAtOne", 0.3, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClassifier(tc.low, tc.high, 0)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	t.Run("CriticalBelowHigh", func(t *testing.T) {
		if _, err := NewClassifier(0.3, 0.7, 0.6); err == nil {
			t.Error("expected error for critical below high")
		}
	})
}

func TestSeverity(t *testing.T) {
	c, _ := NewClassifier(0.3, 0.7, 0)

	if got := c.Severity(0.9); got != domain.SeverityCritical {
		t.Errorf("Severity(0.9) = %s, want critical", got)
	}
	if got := c.Severity(0.95); got != domain.SeverityCritical {
		t.Errorf("Severity(0.95) = %s, want critical", got)
	}
	if got := c.Severity(0.89); got != domain.SeverityHigh {
		t.Errorf("Severity(0.89) = %s, want high", got)
	}
}

func TestDecide(t *testing.T) {
	c, _ := NewClassifier(0.3, 0.7, 0.9)
	scores := map[domain.ModelType]float64{domain.ModelRandomForest: 0.8, domain.ModelSVM: 0.9}

	t.Run("High", func(t *testing.T) {
		p := c.Decide("tx-001", domain.ModelEnsemble, 0.85, scores)
		if p.TransactionID != "tx-001" || p.RiskLevel != domain.RiskHigh {
			t.Errorf("unexpected prediction: %+v", p)
		}
		if !ShouldAlert(p) {
			t.Error("high prediction should alert")
		}
		if p.ScoredAt.IsZero() {
			t.Error("scored timestamp not set")
		}
	})

	t.Run("Medium", func(t *testing.T) {
		p := c.Decide("tx-002", domain.ModelRandomForest, 0.5, nil)
		if p.RiskLevel != domain.RiskMedium || ShouldAlert(p) {
			t.Errorf("medium prediction should not alert: %+v", p)
		}
	})
}
