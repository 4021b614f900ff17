// Package selector implements the ensemble selection model: a configurable
// MLP trained incrementally on chunks of forecast-error samples, with
// imputation and scaling state fit once up front, and a ranking operation
// that orders ensemble members by aggregated predicted error.
package selector

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ensnet/ensnet/datasets"
)

// Config holds the model hyperparameters and normalization options.
type Config struct {
	// ImputeMissing fills NaN predictor entries with per-feature means fit
	// by InitFit. When false the extractor is expected to have dropped NaN
	// rows already.
	ImputeMissing bool

	// ScaleTargets standardizes targets during training; predictions are
	// transformed back to original units.
	ScaleTargets bool

	// LearningRate for the Adam optimizer. Default 0.001.
	LearningRate float64

	// Adam hyperparameters; defaults 0.9 / 0.999 / 1e-8 if zero.
	Beta1   float64
	Beta2   float64
	Epsilon float64

	// ClipNorm is the per-layer gradient clipping threshold. Zero disables
	// clipping.
	ClipNorm float64

	// Seed controls weight initialization, shuffling and dropout masks. If
	// zero, a time-based seed is used.
	Seed int64
}

// FitOptions parameterize one incremental fit call.
type FitOptions struct {
	BatchSize int
	Epochs    int

	// Optional validation data evaluated after every epoch.
	ValPredictors [][]float32
	ValTargets    [][]float32
}

// History holds per-epoch metrics from one fit call. ValLoss/ValMAE are empty
// when no validation data was supplied.
type History struct {
	Loss    []float64
	MAE     []float64
	ValLoss []float64
	ValMAE  []float64
}

// MemberRank is one ensemble member's aggregated score and rank (1 = best,
// i.e. lowest aggregated predicted error).
type MemberRank struct {
	Member int
	Score  float64
	Rank   float64
}

type nodeKind int

const (
	nodeDense nodeKind = iota
	nodeDropout
)

// node is one built layer. Dense nodes carry weights and Adam state; dropout
// nodes carry only the rate.
type node struct {
	kind nodeKind

	// dense
	w   [][]float32 // [out][in]
	b   []float32
	act Activation
	mW  [][]float32
	vW  [][]float32
	mB  []float32
	vB  []float32

	// dropout
	rate float64
}

// Selector is the trainable ensemble selection model.
type Selector struct {
	cfg       Config
	nodes     []*node
	inputDim  int
	outputDim int
	steps     int // Adam timestep, cumulative across fit calls

	// normalization state fit by InitFit
	impMeans []float64
	pMean    []float64
	pStd     []float64
	tMean    []float64
	tStd     []float64
	fitted   bool

	rng *rand.Rand
}

// New creates an unbuilt Selector with the provided configuration.
func New(cfg Config) *Selector {
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.001
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Selector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Config returns the model configuration.
func (s *Selector) Config() Config { return s.cfg }

// InputDim returns the built input width, 0 before Build.
func (s *Selector) InputDim() int { return s.inputDim }

// OutputDim returns the built output width, 0 before Build.
func (s *Selector) OutputDim() int { return s.outputDim }

// Build constructs the network from the layer description. The final layer
// must be Dense; its units define the output width. Build may be called only
// once per Selector.
func (s *Selector) Build(layers []Layer, inputDim int) error {
	if len(s.nodes) > 0 {
		return errors.New("selector: model already built")
	}
	if inputDim < 1 {
		return fmt.Errorf("selector: input dimension must be >= 1, got %d", inputDim)
	}
	if len(layers) == 0 {
		return errors.New("selector: layer list is empty")
	}
	last, ok := layers[len(layers)-1].(Dense)
	if !ok {
		return errors.New("selector: final layer must be Dense")
	}
	for _, l := range layers {
		if err := l.validate(); err != nil {
			return err
		}
	}

	in := inputDim
	for _, l := range layers {
		switch spec := l.(type) {
		case Dense:
			n := &node{kind: nodeDense, act: spec.Activation}
			out := spec.Units
			n.w = make([][]float32, out)
			n.mW = make([][]float32, out)
			n.vW = make([][]float32, out)
			limit := float32(math.Sqrt(6.0 / float64(in+out)))
			for j := 0; j < out; j++ {
				row := make([]float32, in)
				for i := range row {
					// Xavier/Glorot uniform initialization heuristic
					row[i] = (s.rng.Float32()*2.0 - 1.0) * limit
				}
				n.w[j] = row
				n.mW[j] = make([]float32, in)
				n.vW[j] = make([]float32, in)
			}
			n.b = make([]float32, out)
			n.mB = make([]float32, out)
			n.vB = make([]float32, out)
			s.nodes = append(s.nodes, n)
			in = out
		case Dropout:
			s.nodes = append(s.nodes, &node{kind: nodeDropout, rate: spec.Rate})
		}
	}
	s.inputDim = inputDim
	s.outputDim = last.Units
	return nil
}

// InitFit fits the imputer and scalers from a representative sample. It must
// be called before the first Fit; fitting on a larger slice than a single
// chunk gives more stable normalization.
func (s *Selector) InitFit(predictors, targets [][]float32) error {
	if len(predictors) == 0 || len(predictors[0]) == 0 {
		return errors.New("selector: init fit requires a non-empty sample")
	}
	if len(targets) != len(predictors) {
		return fmt.Errorf("selector: predictors and targets row counts don't match: %d != %d",
			len(predictors), len(targets))
	}

	nf := len(predictors[0])
	s.impMeans = make([]float64, nf)
	for j := 0; j < nf; j++ {
		col := make([]float64, 0, len(predictors))
		for i := range predictors {
			v := float64(predictors[i][j])
			if !math.IsNaN(v) {
				col = append(col, v)
			}
		}
		if len(col) > 0 {
			s.impMeans[j] = stat.Mean(col, nil)
		}
	}

	s.pMean = make([]float64, nf)
	s.pStd = make([]float64, nf)
	for j := 0; j < nf; j++ {
		col := make([]float64, len(predictors))
		for i := range predictors {
			col[i] = s.imputed(predictors[i][j], j)
		}
		m, sd := stat.MeanStdDev(col, nil)
		s.pMean[j] = m
		if sd == 0 || math.IsNaN(sd) {
			sd = 1
		}
		s.pStd[j] = sd
	}

	if s.cfg.ScaleTargets {
		no := len(targets[0])
		s.tMean = make([]float64, no)
		s.tStd = make([]float64, no)
		for j := 0; j < no; j++ {
			col := make([]float64, len(targets))
			for i := range targets {
				col[i] = float64(targets[i][j])
			}
			m, sd := stat.MeanStdDev(col, nil)
			s.tMean[j] = m
			if sd == 0 || math.IsNaN(sd) {
				sd = 1
			}
			s.tStd[j] = sd
		}
	}
	s.fitted = true
	return nil
}

func (s *Selector) imputed(v float32, j int) float64 {
	f := float64(v)
	if math.IsNaN(f) && s.cfg.ImputeMissing {
		return s.impMeans[j]
	}
	return f
}

// transformPredictors imputes and standardizes a predictor row.
func (s *Selector) transformPredictors(row []float32) []float32 {
	out := make([]float32, len(row))
	for j, v := range row {
		out[j] = float32((s.imputed(v, j) - s.pMean[j]) / s.pStd[j])
	}
	return out
}

func (s *Selector) transformTargets(row []float32) []float32 {
	if !s.cfg.ScaleTargets {
		return row
	}
	out := make([]float32, len(row))
	for j, v := range row {
		out[j] = float32((float64(v) - s.tMean[j]) / s.tStd[j])
	}
	return out
}

func (s *Selector) inverseTargets(row []float32) []float32 {
	if !s.cfg.ScaleTargets {
		return row
	}
	out := make([]float32, len(row))
	for j, v := range row {
		out[j] = float32(float64(v)*s.tStd[j] + s.tMean[j])
	}
	return out
}

// fwdState captures intermediate values of one forward pass for backprop.
type fwdState struct {
	inputs [][]float32 // input vector to each node
	pres   [][]float32 // dense pre-activations, nil for dropout nodes
	masks  [][]float32 // dropout masks, nil for dense nodes
	out    []float32
}

// forward runs one (already transformed) input through the network. With
// training set, dropout masks are sampled and recorded.
func (s *Selector) forward(input []float32, training bool) (*fwdState, error) {
	if len(s.nodes) == 0 {
		return nil, errors.New("selector: model not built")
	}
	if len(input) != s.inputDim {
		return nil, fmt.Errorf("selector: input has dimension %d, model expects %d", len(input), s.inputDim)
	}

	st := &fwdState{
		inputs: make([][]float32, len(s.nodes)),
		pres:   make([][]float32, len(s.nodes)),
		masks:  make([][]float32, len(s.nodes)),
	}
	x := input
	for ni, n := range s.nodes {
		st.inputs[ni] = x
		switch n.kind {
		case nodeDense:
			out := len(n.b)
			pre := make([]float32, out)
			for j := 0; j < out; j++ {
				sum := n.b[j]
				row := n.w[j]
				for i := range x {
					sum += row[i] * x[i]
				}
				pre[j] = sum
			}
			st.pres[ni] = pre
			act := make([]float32, out)
			copy(act, pre)
			if n.act == ReLU {
				for i := range act {
					if act[i] < 0 {
						act[i] = 0
					}
				}
			}
			x = act
		case nodeDropout:
			if training && n.rate > 0 {
				mask := make([]float32, len(x))
				keep := float32(1.0 / (1.0 - n.rate))
				dropped := make([]float32, len(x))
				for i := range x {
					if s.rng.Float64() < n.rate {
						mask[i] = 0
					} else {
						mask[i] = keep
					}
					dropped[i] = x[i] * mask[i]
				}
				st.masks[ni] = mask
				x = dropped
			}
		}
	}
	st.out = x
	return st, nil
}

// gradSet accumulates dense-layer gradients for one minibatch.
type gradSet struct {
	w [][][]float32 // indexed like nodes; nil for dropout
	b [][]float32
}

func (s *Selector) newGradSet() *gradSet {
	g := &gradSet{
		w: make([][][]float32, len(s.nodes)),
		b: make([][]float32, len(s.nodes)),
	}
	for ni, n := range s.nodes {
		if n.kind != nodeDense {
			continue
		}
		out := len(n.b)
		in := len(n.w[0])
		g.w[ni] = make([][]float32, out)
		for j := 0; j < out; j++ {
			g.w[ni][j] = make([]float32, in)
		}
		g.b[ni] = make([]float32, out)
	}
	return g
}

// backward accumulates gradients for one example given its forward state and
// the loss gradient at the output.
func (s *Selector) backward(st *fwdState, delta []float32, g *gradSet) {
	for ni := len(s.nodes) - 1; ni >= 0; ni-- {
		n := s.nodes[ni]
		switch n.kind {
		case nodeDense:
			pre := st.pres[ni]
			if n.act == ReLU {
				for j := range delta {
					if pre[j] <= 0 {
						delta[j] = 0
					}
				}
			}
			in := st.inputs[ni]
			for j := range delta {
				g.b[ni][j] += delta[j]
				row := g.w[ni][j]
				for i := range in {
					row[i] += delta[j] * in[i]
				}
			}
			if ni > 0 {
				prev := make([]float32, len(in))
				for i := range in {
					var sum float32
					for j := range delta {
						sum += n.w[j][i] * delta[j]
					}
					prev[i] = sum
				}
				delta = prev
			}
		case nodeDropout:
			if mask := st.masks[ni]; mask != nil {
				for i := range delta {
					delta[i] *= mask[i]
				}
			}
		}
	}
}

// applyAdam applies the averaged minibatch gradients with Adam updates and
// optional per-layer norm clipping.
func (s *Selector) applyAdam(g *gradSet, batchN int) {
	s.steps++
	lr := float32(s.cfg.LearningRate)
	b1 := float32(s.cfg.Beta1)
	b2 := float32(s.cfg.Beta2)
	eps := float32(s.cfg.Epsilon)
	bc1 := float32(1.0 - math.Pow(s.cfg.Beta1, float64(s.steps)))
	bc2 := float32(1.0 - math.Pow(s.cfg.Beta2, float64(s.steps)))
	inv := float32(1.0 / float64(batchN))

	for ni, n := range s.nodes {
		if n.kind != nodeDense {
			continue
		}
		// Average over the minibatch, then clip the layer's gradient norm.
		var norm float64
		for j := range g.b[ni] {
			g.b[ni][j] *= inv
			norm += float64(g.b[ni][j]) * float64(g.b[ni][j])
			row := g.w[ni][j]
			for i := range row {
				row[i] *= inv
				norm += float64(row[i]) * float64(row[i])
			}
		}
		norm = math.Sqrt(norm)
		scale := float32(1.0)
		if s.cfg.ClipNorm > 0 && norm > s.cfg.ClipNorm {
			scale = float32(s.cfg.ClipNorm / norm)
		}

		for j := range g.b[ni] {
			gb := g.b[ni][j] * scale
			n.mB[j] = b1*n.mB[j] + (1-b1)*gb
			n.vB[j] = b2*n.vB[j] + (1-b2)*gb*gb
			n.b[j] -= lr * (n.mB[j] / bc1) / (sqrt32(n.vB[j]/bc2) + eps)
			for i := range g.w[ni][j] {
				gw := g.w[ni][j][i] * scale
				n.mW[j][i] = b1*n.mW[j][i] + (1-b1)*gw
				n.vW[j][i] = b2*n.vW[j][i] + (1-b2)*gw*gw
				n.w[j][i] -= lr * (n.mW[j][i] / bc1) / (sqrt32(n.vW[j][i]/bc2) + eps)
			}
		}
	}
}

func sqrt32(x float32) float32 { return float32(math.Sqrt(float64(x))) }

// Fit performs one incremental training call: opts.Epochs passes of
// minibatch Adam over the given samples. Weight updates are cumulative
// across calls, which is what the chunked online training protocol relies
// on. InitFit must have been called first.
func (s *Selector) Fit(predictors, targets [][]float32, opts FitOptions) (History, error) {
	var hist History
	if !s.fitted {
		return hist, errors.New("selector: InitFit must be called before Fit")
	}
	if len(predictors) == 0 {
		return hist, errors.New("selector: fit requires at least one sample")
	}
	if len(predictors) != len(targets) {
		return hist, fmt.Errorf("selector: predictors and targets row counts don't match: %d != %d",
			len(predictors), len(targets))
	}
	epochs := opts.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	n := len(predictors)
	xs := make([][]float32, n)
	ys := make([][]float32, n)
	for i := range predictors {
		xs[i] = s.transformPredictors(predictors[i])
		ys[i] = s.transformTargets(targets[i])
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	for ep := 0; ep < epochs; ep++ {
		s.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		var sumSq, sumAbs float64
		var count int
		for bstart := 0; bstart < n; bstart += batchSize {
			bend := bstart + batchSize
			if bend > n {
				bend = n
			}
			batch := indices[bstart:bend]
			g := s.newGradSet()
			for _, idx := range batch {
				st, err := s.forward(xs[idx], true)
				if err != nil {
					return hist, err
				}
				y := ys[idx]
				if len(st.out) != len(y) {
					return hist, fmt.Errorf("selector: output dimension %d does not match target dimension %d",
						len(st.out), len(y))
				}
				delta := make([]float32, len(st.out))
				for j := range st.out {
					d := st.out[j] - y[j]
					delta[j] = 2.0 * d
					sumSq += float64(d) * float64(d)
					sumAbs += math.Abs(float64(d))
					count++
				}
				s.backward(st, delta, g)
			}
			s.applyAdam(g, len(batch))
		}

		hist.Loss = append(hist.Loss, sumSq/float64(count))
		hist.MAE = append(hist.MAE, sumAbs/float64(count))
		if len(opts.ValPredictors) > 0 {
			vl, vm, err := s.Evaluate(opts.ValPredictors, opts.ValTargets)
			if err != nil {
				return hist, err
			}
			hist.ValLoss = append(hist.ValLoss, vl)
			hist.ValMAE = append(hist.ValMAE, vm)
		}
	}
	return hist, nil
}

// Evaluate computes mean squared error and mean absolute error over the
// given samples, in the (scaled) training space.
func (s *Selector) Evaluate(predictors, targets [][]float32) (loss, mae float64, err error) {
	if !s.fitted {
		return 0, 0, errors.New("selector: InitFit must be called before Evaluate")
	}
	if len(predictors) == 0 {
		return 0, 0, errors.New("selector: evaluate requires at least one sample")
	}
	var sumSq, sumAbs float64
	var count int
	for i := range predictors {
		st, ferr := s.forward(s.transformPredictors(predictors[i]), false)
		if ferr != nil {
			return 0, 0, ferr
		}
		y := s.transformTargets(targets[i])
		for j := range st.out {
			d := float64(st.out[j] - y[j])
			sumSq += d * d
			sumAbs += math.Abs(d)
			count++
		}
	}
	return sumSq / float64(count), sumAbs / float64(count), nil
}

// Predict returns model outputs in original target units.
func (s *Selector) Predict(predictors [][]float32) ([][]float32, error) {
	if !s.fitted {
		return nil, errors.New("selector: InitFit must be called before Predict")
	}
	out := make([][]float32, len(predictors))
	for i := range predictors {
		st, err := s.forward(s.transformPredictors(predictors[i]), false)
		if err != nil {
			return nil, err
		}
		out[i] = s.inverseTargets(st.out)
	}
	return out, nil
}

// Select ranks ensemble members for a single day. The batch must hold
// exactly one sample whose prediction folds into shape; agg reduces each
// member's predicted error field over (station, variable) to a scalar score,
// and members are ranked ascending by score (rank 1 = best).
func (s *Selector) Select(batch *datasets.SampleBatch, shape datasets.SelectShape, agg func([]float64) float64) ([]MemberRank, error) {
	if batch.NumSamples() != 1 {
		return nil, fmt.Errorf("selector: select requires exactly one sample, got %d", batch.NumSamples())
	}
	if agg == nil {
		return nil, errors.New("selector: aggregation function must not be nil")
	}
	preds, err := s.Predict(batch.Predictors)
	if err != nil {
		return nil, err
	}
	if len(preds[0]) != shape.Outputs() {
		return nil, fmt.Errorf("selector: prediction length %d does not fold into shape %dx%dx%d",
			len(preds[0]), shape.Members, shape.Stations, shape.Variables)
	}

	scores := make([]float64, shape.Members)
	width := shape.Stations * shape.Variables
	for m := 0; m < shape.Members; m++ {
		field := make([]float64, width)
		for k := 0; k < width; k++ {
			field[k] = float64(preds[0][m*width+k])
		}
		scores[m] = agg(field)
	}
	return RankMembers(scores), nil
}

// RankMembers assigns ascending ranks to member scores (1 = lowest score).
// Ties keep their member-index order.
func RankMembers(scores []float64) []MemberRank {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	out := make([]MemberRank, len(scores))
	for pos, m := range order {
		out[m] = MemberRank{Member: m, Score: scores[m], Rank: float64(pos + 1)}
	}
	return out
}
