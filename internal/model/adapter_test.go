package model

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	artifact, err := LoadArtifact("")
	if err != nil {
		t.Fatalf("failed to load embedded model: %v", err)
	}
	return NewAdapter(artifact, domain.EnsembleWeights{}, 0)
}

func scenarioVector() []float64 {
	tx := &domain.Transaction{
		Amount: decimal.NewFromInt(1500),
		Features: domain.Features{
			AccountAgeDays:    30,
			MerchantRiskScore: 0.7,
			CrossBorder:       1,
		},
	}
	return tx.Vector()
}

func TestEmbeddedModelLoads(t *testing.T) {
	artifact, err := LoadArtifact("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(artifact.Features) != len(domain.FeatureNames) {
		t.Fatalf("expected %d features, got %d", len(domain.FeatureNames), len(artifact.Features))
	}
	for i, name := range domain.FeatureNames {
		if artifact.Features[i] != name {
			t.Errorf("feature %d: expected %s, got %s", i, name, artifact.Features[i])
		}
	}
}

func TestEnsembleIsMeanOfModels(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()
	x := scenarioVector()

	rf, err := adapter.Predict(ctx, domain.ModelRandomForest, x)
	if err != nil {
		t.Fatal(err)
	}
	svm, err := adapter.Predict(ctx, domain.ModelSVM, x)
	if err != nil {
		t.Fatal(err)
	}
	ens, err := adapter.Predict(ctx, domain.ModelEnsemble, x)
	if err != nil {
		t.Fatal(err)
	}

	want := (rf.Probability + svm.Probability) / 2
	if ens.Probability != want {
		t.Errorf("ensemble = %v, want exactly %v", ens.Probability, want)
	}
	if ens.PerModel[domain.ModelRandomForest] != rf.Probability || ens.PerModel[domain.ModelSVM] != svm.Probability {
		t.Errorf("per-model scores not reported: %v", ens.PerModel)
	}
}

func TestCombine(t *testing.T) {
	t.Run("EqualWeights", func(t *testing.T) {
		a := NewAdapter(&Artifact{}, domain.EnsembleWeights{}, 0)
		if got := a.Combine(0.8, 0.4); math.Abs(got-0.6) > 1e-12 {
			t.Errorf("Combine(0.8, 0.4) = %v, want 0.6", got)
		}
	})

	t.Run("CustomWeights", func(t *testing.T) {
		a := NewAdapter(&Artifact{}, domain.EnsembleWeights{RF: 3, SVM: 1}, 0)
		if got := a.Combine(0.8, 0.4); math.Abs(got-0.7) > 1e-12 {
			t.Errorf("weighted Combine = %v, want 0.7", got)
		}
	})
}

func TestProbabilitiesInRange(t *testing.T) {
	adapter := newTestAdapter(t)
	vectors := [][]float64{
		scenarioVector(),
		make([]float64, len(domain.FeatureNames)),
		{100000, 0, 50, 10, 0, 1, 1, 1, 1, 20, 3, 6, 1, 1, 1},
	}

	for _, x := range vectors {
		for _, m := range []domain.ModelType{domain.ModelRandomForest, domain.ModelSVM, domain.ModelEnsemble} {
			s, err := adapter.Predict(context.Background(), m, x)
			if err != nil {
				t.Fatalf("%s predict failed: %v", m, err)
			}
			if s.Probability < 0 || s.Probability > 1 {
				t.Errorf("%s probability out of range: %v", m, s.Probability)
			}
		}
	}
}

func TestRiskierInputScoresHigher(t *testing.T) {
	adapter := newTestAdapter(t)
	benign := &domain.Transaction{
		Amount:   decimal.NewFromInt(40),
		Features: domain.Features{AccountAgeDays: 900, MerchantRiskScore: 0.05, AvgTransactionAmount: 45, TimeSinceLastTransaction: 30},
	}

	low, _ := adapter.Predict(context.Background(), domain.ModelEnsemble, benign.Vector())
	high, _ := adapter.Predict(context.Background(), domain.ModelEnsemble, scenarioVector())

	if low.Probability >= high.Probability {
		t.Errorf("expected benign %v < risky %v", low.Probability, high.Probability)
	}
	if low.Probability >= 0.3 {
		t.Errorf("benign transaction should score low, got %v", low.Probability)
	}
}

func TestPredictErrors(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	t.Run("WrongDimension", func(t *testing.T) {
		_, err := adapter.Predict(ctx, domain.ModelEnsemble, []float64{1, 2, 3})
		if !errors.Is(err, domain.ErrModelInference) {
			t.Errorf("expected ErrModelInference, got %v", err)
		}
	})

	t.Run("NaNFeature", func(t *testing.T) {
		x := scenarioVector()
		x[3] = math.NaN()
		_, err := adapter.Predict(ctx, domain.ModelEnsemble, x)
		if !errors.Is(err, domain.ErrModelInference) {
			t.Errorf("expected ErrModelInference, got %v", err)
		}
	})

	t.Run("UnknownModel", func(t *testing.T) {
		_, err := adapter.Predict(ctx, "xgboost", scenarioVector())
		if !errors.Is(err, domain.ErrModelInference) {
			t.Errorf("expected ErrModelInference, got %v", err)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := adapter.Predict(cctx, domain.ModelEnsemble, scenarioVector())
		// Inference may win the race against cancellation; either outcome is valid.
		if err != nil && !errors.Is(err, domain.ErrModelInference) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestConcurrentPredict(t *testing.T) {
	adapter := newTestAdapter(t)
	x := scenarioVector()
	want, _ := adapter.Predict(context.Background(), domain.ModelEnsemble, x)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := adapter.Predict(context.Background(), domain.ModelEnsemble, x)
			if err != nil || got.Probability != want.Probability {
				t.Errorf("concurrent predict mismatch: %v %v", got.Probability, err)
			}
		}()
	}
	wg.Wait()
}

func TestLoadArtifactFromFile(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "model.json")
		if err := os.WriteFile(path, defaultModel, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadArtifact(path); err != nil {
			t.Errorf("load failed: %v", err)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		bad := `{"features":["a"],"scaler":{"mean":[0],"scale":[1]},"randomForest":{"trees":[]},"svm":{}}`
		if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadArtifact(path); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := LoadArtifact(filepath.Join(t.TempDir(), "nope.json")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
