// Package model runs the trained fraud classifiers: a random forest and an
// RBF or linear SVM with Platt-scaled probabilities, behind a standard scaler.
package model

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

//go:embed default_model.json
var defaultModel []byte

// Artifact is the serialized form of a trained model set.
type Artifact struct {
	Version      string   `json:"version"`
	Features     []string `json:"features"`
	Scaler       Scaler   `json:"scaler"`
	RandomForest Forest   `json:"randomForest"`
	SVM          SVM      `json:"svm"`
}

// Scaler standardizes features: (x - mean) / scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform returns a standardized copy of x.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out
}

// Forest is an ensemble of binary decision trees. Leaf values are fraud probabilities.
type Forest struct {
	Trees []Tree `json:"trees"`
}

// Tree stores nodes in parallel arrays. A node with Left == -1 is a leaf.
type Tree struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"left"`
	Right     []int     `json:"right"`
	Value     []float64 `json:"value"`
}

// Predict walks the tree: x[feature] <= threshold goes left.
func (t *Tree) Predict(x []float64) float64 {
	node := 0
	for t.Left[node] != -1 {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
	}
	return t.Value[node]
}

// Predict returns the mean leaf probability across trees.
func (f *Forest) Predict(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].Predict(x)
	}
	return sum / float64(len(f.Trees))
}

// SVM is a kernel support vector classifier with Platt probability calibration.
type SVM struct {
	Kernel         string      `json:"kernel"` // "rbf" or "linear"
	Gamma          float64     `json:"gamma"`
	SupportVectors [][]float64 `json:"supportVectors"`
	DualCoef       []float64   `json:"dualCoef"`
	Intercept      float64     `json:"intercept"`
	ProbA          float64     `json:"probA"`
	ProbB          float64     `json:"probB"`
}

// Decision returns the signed distance to the separating hyperplane.
func (s *SVM) Decision(x []float64) float64 {
	sum := s.Intercept
	for i, sv := range s.SupportVectors {
		sum += s.DualCoef[i] * s.kernel(sv, x)
	}
	return sum
}

// Probability maps the decision value through the fitted sigmoid.
func (s *SVM) Probability(x []float64) float64 {
	return 1 / (1 + math.Exp(s.ProbA*s.Decision(x)+s.ProbB))
}

func (s *SVM) kernel(a, b []float64) float64 {
	if s.Kernel == "linear" {
		var dot float64
		for i := range a {
			dot += a[i] * b[i]
		}
		return dot
	}
	var dist float64
	for i := range a {
		d := a[i] - b[i]
		dist += d * d
	}
	return math.Exp(-s.Gamma * dist)
}

// LoadArtifact reads a model file. An empty path loads the embedded model.
func LoadArtifact(path string) (*Artifact, error) {
	data := defaultModel
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read model: %w", err)
		}
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Artifact) validate() error {
	n := len(a.Features)
	if n == 0 {
		return fmt.Errorf("model has no features")
	}
	if len(a.Scaler.Mean) != n || len(a.Scaler.Scale) != n {
		return fmt.Errorf("scaler dimension mismatch: want %d", n)
	}
	if len(a.RandomForest.Trees) == 0 {
		return fmt.Errorf("random forest has no trees")
	}
	for i, t := range a.RandomForest.Trees {
		size := len(t.Left)
		if size == 0 || len(t.Right) != size || len(t.Feature) != size || len(t.Threshold) != size || len(t.Value) != size {
			return fmt.Errorf("tree %d: malformed node arrays", i)
		}
		for j := 0; j < size; j++ {
			if t.Left[j] == -1 {
				continue
			}
			if t.Feature[j] < 0 || t.Feature[j] >= n || t.Left[j] >= size || t.Right[j] >= size || t.Left[j] <= j || t.Right[j] <= j {
				return fmt.Errorf("tree %d: invalid node %d", i, j)
			}
		}
	}
	if len(a.SVM.SupportVectors) == 0 || len(a.SVM.DualCoef) != len(a.SVM.SupportVectors) {
		return fmt.Errorf("svm support vectors and coefficients mismatch")
	}
	for i, sv := range a.SVM.SupportVectors {
		if len(sv) != n {
			return fmt.Errorf("support vector %d: want %d dims", i, n)
		}
	}
	switch a.SVM.Kernel {
	case "rbf", "linear":
	default:
		return fmt.Errorf("unsupported svm kernel %q", a.SVM.Kernel)
	}
	return nil
}
