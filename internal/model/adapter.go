package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scores is the result of one model invocation.
type Scores struct {
	Probability float64
	PerModel    map[domain.ModelType]float64
}

// Adapter scores feature vectors. It is read-only after construction and
// safe for concurrent use.
type Adapter struct {
	artifact *Artifact
	weights  domain.EnsembleWeights
	timeout  time.Duration
}

// NewAdapter wraps a loaded artifact. Zero weights mean equal weighting.
func NewAdapter(a *Artifact, weights domain.EnsembleWeights, timeout time.Duration) *Adapter {
	if weights.RF == 0 && weights.SVM == 0 {
		weights = domain.EnsembleWeights{RF: 0.5, SVM: 0.5}
	}
	return &Adapter{artifact: a, weights: weights, timeout: timeout}
}

// Version returns the artifact version string.
func (a *Adapter) Version() string {
	return a.artifact.Version
}

// Predict runs the requested model on raw (unscaled) features.
// Failures, including timeouts and panics, wrap domain.ErrModelInference.
func (a *Adapter) Predict(ctx context.Context, modelType domain.ModelType, features []float64) (Scores, error) {
	if len(features) != len(a.artifact.Features) {
		return Scores{}, fmt.Errorf("%w: expected %d features, got %d", domain.ErrModelInference, len(a.artifact.Features), len(features))
	}
	for i, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Scores{}, fmt.Errorf("%w: feature %s is not finite", domain.ErrModelInference, a.artifact.Features[i])
		}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	type result struct {
		scores Scores
		err    error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: panic: %v", domain.ErrModelInference, r)}
			}
		}()
		s, err := a.predict(modelType, features)
		done <- result{scores: s, err: err}
	}()

	select {
	case r := <-done:
		return r.scores, r.err
	case <-ctx.Done():
		return Scores{}, fmt.Errorf("%w: %v", domain.ErrModelInference, ctx.Err())
	}
}

func (a *Adapter) predict(modelType domain.ModelType, features []float64) (Scores, error) {
	x := a.artifact.Scaler.Transform(features)

	switch modelType {
	case domain.ModelRandomForest:
		rf := a.artifact.RandomForest.Predict(x)
		return Scores{
			Probability: rf,
			PerModel:    map[domain.ModelType]float64{domain.ModelRandomForest: rf},
		}, nil

	case domain.ModelSVM:
		svm := a.artifact.SVM.Probability(x)
		return Scores{
			Probability: svm,
			PerModel:    map[domain.ModelType]float64{domain.ModelSVM: svm},
		}, nil

	case domain.ModelEnsemble:
		rf := a.artifact.RandomForest.Predict(x)
		svm := a.artifact.SVM.Probability(x)
		return Scores{
			Probability: a.Combine(rf, svm),
			PerModel: map[domain.ModelType]float64{
				domain.ModelRandomForest: rf,
				domain.ModelSVM:          svm,
			},
		}, nil

	default:
		return Scores{}, fmt.Errorf("%w: unknown model type %q", domain.ErrModelInference, modelType)
	}
}

// Combine merges RF and SVM scores. Equal weights give exactly (rf + svm) / 2.
func (a *Adapter) Combine(rf, svm float64) float64 {
	w := a.weights
	if w.RF == w.SVM {
		return (rf + svm) / 2
	}
	return (w.RF*rf + w.SVM*svm) / (w.RF + w.SVM)
}
