package selector

import (
	"math"
	"testing"

	"github.com/ensnet/ensnet/datasets"
)

// syntheticRegression builds a dataset where each target is a linear function
// of the predictors, easy for a small MLP to approximate.
func syntheticRegression(n int) (predictors, targets [][]float32) {
	predictors = make([][]float32, n)
	targets = make([][]float32, n)
	for i := 0; i < n; i++ {
		x := float32(i%10) / 10.0
		y := float32((i/10)%10) / 10.0
		predictors[i] = []float32{x, y, x * y}
		targets[i] = []float32{2*x + 0.5*y, x - y}
	}
	return predictors, targets
}

func smallLayers(outputDim int) []Layer {
	return []Layer{
		Dense{Units: 16, Activation: ReLU},
		Dense{Units: outputDim, Activation: Linear},
	}
}

func TestBuildValidation(t *testing.T) {
	s := New(Config{Seed: 1})
	if err := s.Build(nil, 4); err == nil {
		t.Fatal("expected error for empty layer list")
	}
	if err := s.Build([]Layer{Dense{Units: 3, Activation: ReLU}, Dropout{Rate: 0.5}}, 4); err == nil {
		t.Fatal("expected error when the final layer is not Dense")
	}
	if err := s.Build([]Layer{Dense{Units: 0, Activation: ReLU}}, 4); err == nil {
		t.Fatal("expected error for a zero-unit dense layer")
	}
	if err := s.Build([]Layer{Dense{Units: 2, Activation: "sigmoid"}}, 4); err == nil {
		t.Fatal("expected error for an unknown activation")
	}

	if err := s.Build(smallLayers(2), 3); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if s.InputDim() != 3 || s.OutputDim() != 2 {
		t.Fatalf("built dims %d/%d, want 3/2", s.InputDim(), s.OutputDim())
	}
	if err := s.Build(smallLayers(2), 3); err == nil {
		t.Fatal("expected error on second Build")
	}
}

func TestFitRequiresInitFit(t *testing.T) {
	s := New(Config{Seed: 1})
	if err := s.Build(smallLayers(2), 3); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	p, y := syntheticRegression(10)
	if _, err := s.Fit(p, y, FitOptions{Epochs: 1}); err == nil {
		t.Fatal("expected Fit to require InitFit")
	}
	if _, err := s.Predict(p); err == nil {
		t.Fatal("expected Predict to require InitFit")
	}
}

func TestFitReducesLoss(t *testing.T) {
	p, y := syntheticRegression(200)

	s := New(Config{Seed: 42, LearningRate: 0.01, ClipNorm: 5.0})
	if err := s.Build(smallLayers(2), 3); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := s.InitFit(p, y); err != nil {
		t.Fatalf("InitFit error: %v", err)
	}

	hist, err := s.Fit(p, y, FitOptions{BatchSize: 16, Epochs: 30})
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	if len(hist.Loss) != 30 || len(hist.MAE) != 30 {
		t.Fatalf("history has %d/%d entries, want 30/30", len(hist.Loss), len(hist.MAE))
	}
	t.Logf("loss first=%.6f last=%.6f", hist.Loss[0], hist.Loss[len(hist.Loss)-1])
	if !(hist.Loss[len(hist.Loss)-1] < hist.Loss[0]) {
		t.Fatalf("loss did not decrease: first=%.6f last=%.6f", hist.Loss[0], hist.Loss[len(hist.Loss)-1])
	}

	preds, err := s.Predict(p[:20])
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	for i := range preds {
		for j := range preds[i] {
			v := float64(preds[i][j])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("non-finite prediction at %d,%d: %v", i, j, v)
			}
		}
	}
}

// TestIncrementalFit verifies weight updates accumulate across Fit calls,
// which the chunked training protocol depends on.
func TestIncrementalFit(t *testing.T) {
	p, y := syntheticRegression(200)

	s := New(Config{Seed: 7, LearningRate: 0.01})
	if err := s.Build(smallLayers(2), 3); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := s.InitFit(p[:100], y[:100]); err != nil {
		t.Fatalf("InitFit error: %v", err)
	}

	lossBefore, _, err := s.Evaluate(p, y)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	for chunk := 0; chunk < 4; chunk++ {
		lo, hi := chunk*50, (chunk+1)*50
		if _, err := s.Fit(p[lo:hi], y[lo:hi], FitOptions{BatchSize: 10, Epochs: 5}); err != nil {
			t.Fatalf("Fit on chunk %d: %v", chunk, err)
		}
	}
	lossAfter, _, err := s.Evaluate(p, y)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	t.Logf("loss before=%.6f after=%.6f steps=%d", lossBefore, lossAfter, s.steps)
	if !(lossAfter < lossBefore) {
		t.Fatalf("chunked fits did not improve loss: before=%.6f after=%.6f", lossBefore, lossAfter)
	}
	if s.steps == 0 {
		t.Fatal("Adam timestep was not advanced across fits")
	}
}

func TestImputation(t *testing.T) {
	p, y := syntheticRegression(50)
	s := New(Config{Seed: 3, ImputeMissing: true})
	if err := s.Build(smallLayers(2), 3); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := s.InitFit(p, y); err != nil {
		t.Fatalf("InitFit error: %v", err)
	}

	row := []float32{float32(math.NaN()), 0.5, 0.1}
	out := s.transformPredictors(row)
	if math.IsNaN(float64(out[0])) {
		t.Fatal("imputer left NaN in the transformed row")
	}

	preds, err := s.Predict([][]float32{row})
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	if math.IsNaN(float64(preds[0][0])) {
		t.Fatal("prediction from an imputed row is NaN")
	}
}

func TestTargetScalingRoundTrip(t *testing.T) {
	p, y := syntheticRegression(50)
	s := New(Config{Seed: 3, ScaleTargets: true})
	if err := s.Build(smallLayers(2), 3); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := s.InitFit(p, y); err != nil {
		t.Fatalf("InitFit error: %v", err)
	}

	row := y[17]
	back := s.inverseTargets(s.transformTargets(row))
	for j := range row {
		if math.Abs(float64(back[j]-row[j])) > 1e-4 {
			t.Fatalf("target scaling round trip drifted at %d: %v -> %v", j, row[j], back[j])
		}
	}
}

func TestRankMembers(t *testing.T) {
	ranks := RankMembers([]float64{3.0, 1.0, 2.0})
	wantRank := []float64{3, 1, 2}
	for m, r := range ranks {
		if r.Member != m {
			t.Fatalf("rank entry %d names member %d", m, r.Member)
		}
		if r.Rank != wantRank[m] {
			t.Fatalf("member %d rank = %v, want %v", m, r.Rank, wantRank[m])
		}
	}

	// ties keep member-index order
	tied := RankMembers([]float64{2.0, 1.0, 1.0})
	if tied[1].Rank != 1 || tied[2].Rank != 2 || tied[0].Rank != 3 {
		t.Fatalf("tie handling wrong: %+v", tied)
	}
}

// TestSelect wires known outputs through the fold-and-aggregate path by
// zeroing the network weights and planting the output biases, so the
// prediction is a constant vector regardless of input.
func TestSelect(t *testing.T) {
	shape := datasets.SelectShape{Members: 2, Stations: 2, Variables: 1}

	s := New(Config{Seed: 5})
	if err := s.Build([]Layer{Dense{Units: shape.Outputs(), Activation: Linear}}, 3); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	p, _ := syntheticRegression(10)
	targets := make([][]float32, len(p))
	for i := range targets {
		targets[i] = make([]float32, shape.Outputs())
	}
	if err := s.InitFit(p, targets); err != nil {
		t.Fatalf("InitFit error: %v", err)
	}

	out := s.nodes[0]
	for j := range out.w {
		for i := range out.w[j] {
			out.w[j][i] = 0
		}
	}
	// member 0 fields: {4, 2}; member 1 fields: {1, 1}
	out.b = []float32{4, 2, 1, 1}

	batch := &datasets.SampleBatch{
		Predictors: [][]float32{{0.1, 0.2, 0.3}},
		Targets:    [][]float32{make([]float32, shape.Outputs())},
	}
	mean := func(field []float64) float64 {
		var sum float64
		for _, x := range field {
			sum += x
		}
		return sum / float64(len(field))
	}

	ranks, err := s.Select(batch, shape, mean)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if ranks[0].Score != 3 || ranks[1].Score != 1 {
		t.Fatalf("scores = %v/%v, want 3/1", ranks[0].Score, ranks[1].Score)
	}
	if ranks[0].Rank != 2 || ranks[1].Rank != 1 {
		t.Fatalf("ranks = %v/%v, want 2/1", ranks[0].Rank, ranks[1].Rank)
	}

	twoSamples := &datasets.SampleBatch{
		Predictors: [][]float32{{0, 0, 0}, {1, 1, 1}},
		Targets:    [][]float32{nil, nil},
	}
	if _, err := s.Select(twoSamples, shape, mean); err == nil {
		t.Fatal("expected error for a multi-sample batch")
	}
	if _, err := s.Select(batch, shape, nil); err == nil {
		t.Fatal("expected error for nil aggregation")
	}
}

func TestDropoutIsIdentityAtPrediction(t *testing.T) {
	p, y := syntheticRegression(40)
	s := New(Config{Seed: 11})
	layers := []Layer{
		Dense{Units: 8, Activation: ReLU},
		Dropout{Rate: 0.5},
		Dense{Units: 2, Activation: Linear},
	}
	if err := s.Build(layers, 3); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := s.InitFit(p, y); err != nil {
		t.Fatalf("InitFit error: %v", err)
	}

	a, err := s.Predict(p[:5])
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	b, err := s.Predict(p[:5])
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatal("prediction is not deterministic; dropout is active outside training")
			}
		}
	}
}
