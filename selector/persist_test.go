package selector

import (
	"math"
	"path/filepath"
	"testing"
)

func trainedModel(t *testing.T) (*Selector, [][]float32) {
	t.Helper()
	p, y := syntheticRegression(120)

	s := New(Config{Seed: 99, LearningRate: 0.01, ScaleTargets: true, ImputeMissing: true, ClipNorm: 5.0})
	layers := []Layer{
		Dense{Units: 16, Activation: ReLU},
		Dropout{Rate: 0.25},
		Dense{Units: 2, Activation: Linear},
	}
	if err := s.Build(layers, 3); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := s.InitFit(p, y); err != nil {
		t.Fatalf("InitFit error: %v", err)
	}
	if _, err := s.Fit(p, y, FitOptions{BatchSize: 16, Epochs: 10}); err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	return s, p
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, p := trainedModel(t)
	base := filepath.Join(t.TempDir(), "model")

	if err := Save(s, base); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	loaded, err := Load(base)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if loaded.InputDim() != s.InputDim() || loaded.OutputDim() != s.OutputDim() {
		t.Fatalf("dims changed: %d/%d vs %d/%d",
			loaded.InputDim(), loaded.OutputDim(), s.InputDim(), s.OutputDim())
	}
	if loaded.steps != s.steps {
		t.Fatalf("Adam timestep changed: %d vs %d", loaded.steps, s.steps)
	}

	want, err := s.Predict(p[:15])
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	got, err := loaded.Predict(p[:15])
	if err != nil {
		t.Fatalf("Predict on loaded model: %v", err)
	}
	for i := range want {
		for j := range want[i] {
			if want[i][j] != got[i][j] {
				t.Fatalf("prediction drifted at [%d][%d]: %v vs %v", i, j, want[i][j], got[i][j])
			}
		}
	}

	// training can continue on the loaded model
	pp, yy := syntheticRegression(60)
	if _, err := loaded.Fit(pp, yy, FitOptions{BatchSize: 16, Epochs: 2}); err != nil {
		t.Fatalf("Fit on loaded model: %v", err)
	}
}

func TestSaveUnbuilt(t *testing.T) {
	s := New(Config{Seed: 1})
	if err := Save(s, filepath.Join(t.TempDir(), "model")); err == nil {
		t.Fatal("expected error saving an unbuilt model")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error loading a missing model")
	}
}

func TestLoadPreservesNormalization(t *testing.T) {
	s, _ := trainedModel(t)
	base := filepath.Join(t.TempDir(), "model")
	if err := Save(s, base); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	loaded, err := Load(base)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	for j := range s.pMean {
		if math.Abs(loaded.pMean[j]-s.pMean[j]) > 1e-12 || math.Abs(loaded.pStd[j]-s.pStd[j]) > 1e-12 {
			t.Fatalf("predictor scaler drifted at %d", j)
		}
	}
	for j := range s.tMean {
		if loaded.tMean[j] != s.tMean[j] || loaded.tStd[j] != s.tStd[j] {
			t.Fatalf("target scaler drifted at %d", j)
		}
	}
}
