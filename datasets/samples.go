package datasets

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// SampleBatch is the materialized (predictors, targets) pair for one slice of
// the archive. Predictors has one row per selected initialization time with
// the forecast and error predictors flattened into a single feature vector;
// Targets holds the matching error fields flattened in (member, station,
// variable) order. Extraction is deterministic for a fixed view.
type SampleBatch struct {
	Predictors [][]float32
	Targets    [][]float32
}

// NumSamples returns the number of rows in the batch.
func (b *SampleBatch) NumSamples() int { return len(b.Predictors) }

// NumFeatures returns the predictor row width, or 0 for an empty batch.
func (b *SampleBatch) NumFeatures() int {
	if len(b.Predictors) == 0 {
		return 0
	}
	return len(b.Predictors[0])
}

// NumOutputs returns the target row width, or 0 for an empty batch.
func (b *SampleBatch) NumOutputs() int {
	if len(b.Targets) == 0 {
		return 0
	}
	return len(b.Targets[0])
}

// SelectShape describes how a flattened target or prediction vector folds
// back into (member, station, variable) for per-member aggregation.
type SelectShape struct {
	Members   int
	Stations  int
	Variables int
}

// Outputs returns the flattened vector length implied by the shape.
func (s SelectShape) Outputs() int { return s.Members * s.Stations * s.Variables }

// ToSamples converts a view into flat sample arrays, one sample per selected
// time index. The predictor row concatenates the flattened ensemble forecast
// predictors with the flattened error predictors; the target row is the error
// target field in (member, station, variable) order.
//
// When impute is false, rows containing NaN in either predictors or targets
// are dropped; otherwise NaNs are left in place for the model's imputer.
func ToSamples(v *View, impute bool) (*SampleBatch, error) {
	a := v.arc
	nm, ns, nl := a.NumMembers(), a.NumStations(), a.NumLeadTimes()
	navAll := a.NumVariables()
	nav := v.NumVariables()

	features := nm*navAll*ns + nav*nm*nl*ns
	outputs := nm * ns * nav
	if outputs == 0 || features == 0 {
		return nil, &ShapeError{Variable: "samples", Want: 1, Got: 0}
	}

	p := make([][]float32, v.NumTimes())
	t := make([][]float32, v.NumTimes())
	for ti := 0; ti < v.NumTimes(); ti++ {
		row := make([]float32, 0, features)
		for m := 0; m < nm; m++ {
			for vi := 0; vi < navAll; vi++ {
				for s := 0; s < ns; s++ {
					row = append(row, v.ensPredAt(ti, m, vi, s))
				}
			}
		}
		for vp := 0; vp < nav; vp++ {
			for m := 0; m < nm; m++ {
				for l := 0; l < nl; l++ {
					for s := 0; s < ns; s++ {
						row = append(row, v.aePredAt(ti, vp, m, l, s))
					}
				}
			}
		}
		p[ti] = row

		tar := make([]float32, outputs)
		for m := 0; m < nm; m++ {
			for s := 0; s < ns; s++ {
				for vp := 0; vp < nav; vp++ {
					tar[(m*ns+s)*nav+vp] = v.aeTarAt(ti, vp, m, s)
				}
			}
		}
		t[ti] = tar
	}

	batch := &SampleBatch{Predictors: p, Targets: t}
	if !impute {
		batch = DropNaNSamples(batch)
	}
	return batch, nil
}

// Shape returns the select shape for folding this view's flattened target or
// prediction vectors back to (member, station, variable).
func (v *View) Shape() SelectShape {
	return SelectShape{
		Members:   v.arc.NumMembers(),
		Stations:  v.arc.NumStations(),
		Variables: v.NumVariables(),
	}
}

// DropNaNSamples removes rows whose predictor or target vector contains NaN.
func DropNaNSamples(b *SampleBatch) *SampleBatch {
	keepP := make([][]float32, 0, len(b.Predictors))
	keepT := make([][]float32, 0, len(b.Targets))
	for i := range b.Predictors {
		if rowHasNaN(b.Predictors[i]) || rowHasNaN(b.Targets[i]) {
			continue
		}
		keepP = append(keepP, b.Predictors[i])
		keepT = append(keepT, b.Targets[i])
	}
	return &SampleBatch{Predictors: keepP, Targets: keepT}
}

func rowHasNaN(row []float32) bool {
	for _, x := range row {
		if math.IsNaN(float64(x)) {
			return true
		}
	}
	return false
}

// FormatSelectPredictors builds the single-day predictor batch used for
// ranking ensemble members, plus the shape needed to fold the model's
// prediction back to (member, station, variable) for aggregation. The view
// must select exactly one time index.
func FormatSelectPredictors(v *View) (*SampleBatch, SelectShape, error) {
	if v.NumTimes() != 1 {
		return nil, SelectShape{}, fmt.Errorf("datasets: select predictors require exactly one day, got %d", v.NumTimes())
	}
	batch, err := ToSamples(v, true)
	if err != nil {
		return nil, SelectShape{}, err
	}
	return batch, v.Shape(), nil
}

// MemberTargetField returns member m's observed error targets over
// (station, variable) for view time position ti, in the same order the
// flattened target vector uses.
func (v *View) MemberTargetField(ti, m int) []float64 {
	ns, nav := v.arc.NumStations(), v.NumVariables()
	field := make([]float64, ns*nav)
	for s := 0; s < ns; s++ {
		for vp := 0; vp < nav; vp++ {
			field[s*nav+vp] = float64(v.aeTarAt(ti, vp, m, s))
		}
	}
	return field
}

// MemberLastLeadField returns member m's error predictors at the most recent
// forecast lead time over (station, variable), the "last-time estimate"
// baseline field.
func (v *View) MemberLastLeadField(ti, m int) []float64 {
	ns, nav, nl := v.arc.NumStations(), v.NumVariables(), v.arc.NumLeadTimes()
	field := make([]float64, ns*nav)
	for s := 0; s < ns; s++ {
		for vp := 0; vp < nav; vp++ {
			field[s*nav+vp] = float64(v.aePredAt(ti, vp, m, nl-1, s))
		}
	}
	return field
}

// Flat packs the batch into contiguous float32 buffers with row dimensions,
// the layout used for tensor conversion.
type Flat struct {
	Predictors []float32
	Targets    []float32
	BatchSize  int
	InputDim   int
	OutputDim  int
}

// Flatten copies the batch into contiguous buffers, verifying row widths are
// consistent.
func (b *SampleBatch) Flatten() (*Flat, error) {
	if len(b.Predictors) != len(b.Targets) {
		return nil, fmt.Errorf("datasets: predictors and targets row counts don't match: %d != %d",
			len(b.Predictors), len(b.Targets))
	}
	if len(b.Predictors) == 0 {
		return &Flat{}, nil
	}

	n, in, out := len(b.Predictors), len(b.Predictors[0]), len(b.Targets[0])
	fp := make([]float32, n*in)
	ft := make([]float32, n*out)
	for i := 0; i < n; i++ {
		if len(b.Predictors[i]) != in {
			return nil, fmt.Errorf("datasets: inconsistent predictor width at row %d: expected %d, got %d",
				i, in, len(b.Predictors[i]))
		}
		if len(b.Targets[i]) != out {
			return nil, fmt.Errorf("datasets: inconsistent target width at row %d: expected %d, got %d",
				i, out, len(b.Targets[i]))
		}
		copy(fp[i*in:], b.Predictors[i])
		copy(ft[i*out:], b.Targets[i])
	}
	return &Flat{Predictors: fp, Targets: ft, BatchSize: n, InputDim: in, OutputDim: out}, nil
}

// Tensors converts the batch into gomlx tensors for callers that drive a
// gomlx training loop instead of the built-in selector.
func (b *SampleBatch) Tensors() (inputs *tensors.Tensor, labels *tensors.Tensor, err error) {
	if _, err := b.Flatten(); err != nil {
		return nil, nil, err
	}
	return tensors.FromAnyValue(b.Predictors), tensors.FromAnyValue(b.Targets), nil
}

// Yield implements the gomlx train.Dataset batch contract for a materialized
// sample batch: the whole batch is emitted as a single step.
func (b *SampleBatch) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	in, lab, err := b.Tensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{lab}, nil
}
