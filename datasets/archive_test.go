package datasets

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

// testArchive builds a small archive with deterministic values so strided
// reads can be checked against closed-form expectations:
//
//	EnsPred(t,m,v,s)   = 1000 + t*100 + m*10 + v*2 + s
//	AePred(t,v,m,l,s)  = 2000 + t*100 + v*50 + m*20 + l*5 + s
//	AeTar(t,v,m,s)     = 3000 + t*100 + v*50 + m*10 + s
func testArchive() *Archive {
	a := &Archive{
		Times:     []time.Time{day(1), day(2), day(3), day(4)},
		Members:   []int{0, 1},
		Stations:  []string{"KSEA", "KPDX"},
		Variables: []string{"TMP2", "DPT2"},
		LeadTimes: []int{0, 6},
	}
	nt, nm, nv, nl, ns := 4, 2, 2, 2, 2

	a.EnsPred = make([]float32, nt*nm*nv*ns)
	for t := 0; t < nt; t++ {
		for m := 0; m < nm; m++ {
			for v := 0; v < nv; v++ {
				for s := 0; s < ns; s++ {
					a.EnsPred[((t*nm+m)*nv+v)*ns+s] = ensVal(t, m, v, s)
				}
			}
		}
	}
	a.AePred = make([]float32, nt*nv*nm*nl*ns)
	for t := 0; t < nt; t++ {
		for v := 0; v < nv; v++ {
			for m := 0; m < nm; m++ {
				for l := 0; l < nl; l++ {
					for s := 0; s < ns; s++ {
						a.AePred[(((t*nv+v)*nm+m)*nl+l)*ns+s] = aePredVal(t, v, m, l, s)
					}
				}
			}
		}
	}
	a.AeTar = make([]float32, nt*nv*nm*ns)
	for t := 0; t < nt; t++ {
		for v := 0; v < nv; v++ {
			for m := 0; m < nm; m++ {
				for s := 0; s < ns; s++ {
					a.AeTar[((t*nv+v)*nm+m)*ns+s] = aeTarVal(t, v, m, s)
				}
			}
		}
	}
	return a
}

func day(d int) time.Time {
	return time.Date(2018, 4, d, 0, 0, 0, 0, time.UTC)
}

func ensVal(t, m, v, s int) float32 {
	return float32(1000 + t*100 + m*10 + v*2 + s)
}

func aePredVal(t, v, m, l, s int) float32 {
	return float32(2000 + t*100 + v*50 + m*20 + l*5 + s)
}

func aeTarVal(t, v, m, s int) float32 {
	return float32(3000 + t*100 + v*50 + m*10 + s)
}

func TestArchiveValidate(t *testing.T) {
	a := testArchive()
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate error on well-formed archive: %v", err)
	}

	a.AePred = a.AePred[:len(a.AePred)-1]
	err := a.Validate()
	if err == nil {
		t.Fatal("expected error for truncated AePred")
	}
	var serr *ShapeError
	if !errors.As(err, &serr) {
		t.Fatalf("expected ShapeError, got %T", err)
	}
	if serr.Variable != "AE_PRED" {
		t.Fatalf("error names variable %q, want AE_PRED", serr.Variable)
	}
}

func TestArchiveSaveOpenRoundTrip(t *testing.T) {
	a := testArchive()
	path := filepath.Join(t.TempDir(), "archive.gob")
	if err := a.Save(path); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	b, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive error: %v", err)
	}
	if b.NumDates() != a.NumDates() || b.NumMembers() != a.NumMembers() ||
		b.NumStations() != a.NumStations() || b.NumVariables() != a.NumVariables() ||
		b.NumLeadTimes() != a.NumLeadTimes() {
		t.Fatal("dimensions changed across the round trip")
	}
	for i := range a.EnsPred {
		if a.EnsPred[i] != b.EnsPred[i] {
			t.Fatalf("EnsPred[%d] = %v, want %v", i, b.EnsPred[i], a.EnsPred[i])
		}
	}
	if !b.Times[2].Equal(a.Times[2]) {
		t.Fatalf("times changed across the round trip: %v vs %v", b.Times[2], a.Times[2])
	}
}

func TestOpenArchiveMissing(t *testing.T) {
	if _, err := OpenArchive(filepath.Join(t.TempDir(), "nope.gob")); err == nil {
		t.Fatal("expected error for missing archive")
	}
}

func TestSelectTimesOutOfRange(t *testing.T) {
	a := testArchive()
	if _, err := a.SelectTimes([]int{0, 4}); err == nil {
		t.Fatal("expected error for out-of-range time index")
	}
	if _, err := a.SelectTimes([]int{-1}); err == nil {
		t.Fatal("expected error for negative time index")
	}
}

func TestSelectVariablesSubset(t *testing.T) {
	a := testArchive()
	v, err := a.SelectTimes([]int{1, 3})
	if err != nil {
		t.Fatalf("SelectTimes error: %v", err)
	}
	v, err = v.SelectVariables([]int{1})
	if err != nil {
		t.Fatalf("SelectVariables error: %v", err)
	}
	if v.NumTimes() != 2 || v.NumVariables() != 1 {
		t.Fatalf("unexpected view dims: times=%d vars=%d", v.NumTimes(), v.NumVariables())
	}

	// position 0 of the variable subset resolves to archive variable 1
	got := v.aeTarAt(0, 0, 1, 0)
	want := aeTarVal(1, 1, 1, 0)
	if got != want {
		t.Fatalf("aeTarAt = %v, want %v", got, want)
	}
	// forecast predictors keep the full variable dimension
	if got := v.ensPredAt(1, 0, 0, 1); got != ensVal(3, 0, 0, 1) {
		t.Fatalf("ensPredAt = %v, want %v", got, ensVal(3, 0, 0, 1))
	}

	if _, err := v.SelectVariables([]int{2}); err == nil {
		t.Fatal("expected error for out-of-range variable index")
	}
}

func TestToSamplesShapes(t *testing.T) {
	a := testArchive()
	v, err := a.SelectTimes([]int{0, 2})
	if err != nil {
		t.Fatalf("SelectTimes error: %v", err)
	}
	batch, err := ToSamples(v, true)
	if err != nil {
		t.Fatalf("ToSamples error: %v", err)
	}

	// features: members*allVars*stations + vars*members*leads*stations
	wantFeatures := 2*2*2 + 2*2*2*2
	wantOutputs := 2 * 2 * 2
	if batch.NumSamples() != 2 {
		t.Fatalf("got %d samples, want 2", batch.NumSamples())
	}
	if batch.NumFeatures() != wantFeatures {
		t.Fatalf("got %d features, want %d", batch.NumFeatures(), wantFeatures)
	}
	if batch.NumOutputs() != wantOutputs {
		t.Fatalf("got %d outputs, want %d", batch.NumOutputs(), wantOutputs)
	}

	// first feature of sample 1 is EnsPred(t=2, m=0, v=0, s=0)
	if got := batch.Predictors[1][0]; got != ensVal(2, 0, 0, 0) {
		t.Fatalf("predictor[1][0] = %v, want %v", got, ensVal(2, 0, 0, 0))
	}
	// first error predictor of sample 0 follows the forecast block
	if got := batch.Predictors[0][8]; got != aePredVal(0, 0, 0, 0, 0) {
		t.Fatalf("predictor[0][8] = %v, want %v", got, aePredVal(0, 0, 0, 0, 0))
	}
	// target layout is (member, station, variable)
	m, s, vp := 1, 0, 1
	if got := batch.Targets[0][(m*2+s)*2+vp]; got != aeTarVal(0, vp, m, s) {
		t.Fatalf("target = %v, want %v", got, aeTarVal(0, vp, m, s))
	}
}

func TestToSamplesDeterministic(t *testing.T) {
	a := testArchive()
	v, _ := a.SelectTimes([]int{1, 2, 3})
	b1, err := ToSamples(v, true)
	if err != nil {
		t.Fatalf("ToSamples error: %v", err)
	}
	b2, err := ToSamples(v, true)
	if err != nil {
		t.Fatalf("ToSamples error: %v", err)
	}
	for i := range b1.Predictors {
		for j := range b1.Predictors[i] {
			if b1.Predictors[i][j] != b2.Predictors[i][j] {
				t.Fatalf("extraction is not deterministic at [%d][%d]", i, j)
			}
		}
	}
}

func TestToSamplesDropNaN(t *testing.T) {
	a := testArchive()
	// poison one value of time index 1
	nan := float32(math.NaN())
	a.EnsPred[(1*2+0)*2*2] = nan

	v, _ := a.SelectTimes([]int{0, 1, 2})
	dropped, err := ToSamples(v, false)
	if err != nil {
		t.Fatalf("ToSamples error: %v", err)
	}
	if dropped.NumSamples() != 2 {
		t.Fatalf("got %d samples after dropping NaN rows, want 2", dropped.NumSamples())
	}

	kept, err := ToSamples(v, true)
	if err != nil {
		t.Fatalf("ToSamples error: %v", err)
	}
	if kept.NumSamples() != 3 {
		t.Fatalf("got %d samples with imputation enabled, want 3", kept.NumSamples())
	}
	if !math.IsNaN(float64(kept.Predictors[1][0])) {
		t.Fatal("NaN should be preserved for the model's imputer")
	}
}

func TestFormatSelectPredictors(t *testing.T) {
	a := testArchive()
	v, _ := a.SelectTimes([]int{2})
	batch, shape, err := FormatSelectPredictors(v)
	if err != nil {
		t.Fatalf("FormatSelectPredictors error: %v", err)
	}
	if batch.NumSamples() != 1 {
		t.Fatalf("got %d samples, want 1", batch.NumSamples())
	}
	if shape.Members != 2 || shape.Stations != 2 || shape.Variables != 2 {
		t.Fatalf("unexpected shape: %+v", shape)
	}
	if shape.Outputs() != batch.NumOutputs() {
		t.Fatalf("shape outputs %d does not match batch outputs %d", shape.Outputs(), batch.NumOutputs())
	}

	multi, _ := a.SelectTimes([]int{0, 1})
	if _, _, err := FormatSelectPredictors(multi); err == nil {
		t.Fatal("expected error for multi-day view")
	}
}

func TestMemberFields(t *testing.T) {
	a := testArchive()
	v, _ := a.SelectTimes([]int{3})

	field := v.MemberTargetField(0, 1)
	if len(field) != 4 {
		t.Fatalf("target field has %d entries, want 4", len(field))
	}
	// order is (station, variable)
	if field[1] != float64(aeTarVal(3, 1, 1, 0)) {
		t.Fatalf("field[1] = %v, want %v", field[1], aeTarVal(3, 1, 1, 0))
	}

	last := v.MemberLastLeadField(0, 0)
	if last[2] != float64(aePredVal(3, 0, 0, 1, 1)) {
		t.Fatalf("last-lead field[2] = %v, want %v", last[2], aePredVal(3, 0, 0, 1, 1))
	}
}

func TestFlatten(t *testing.T) {
	a := testArchive()
	v, _ := a.SelectTimes([]int{0, 1})
	batch, err := ToSamples(v, true)
	if err != nil {
		t.Fatalf("ToSamples error: %v", err)
	}
	flat, err := batch.Flatten()
	if err != nil {
		t.Fatalf("Flatten error: %v", err)
	}
	if flat.BatchSize != 2 || flat.InputDim != batch.NumFeatures() || flat.OutputDim != batch.NumOutputs() {
		t.Fatalf("unexpected flat dims: %+v", flat)
	}
	if flat.Predictors[flat.InputDim] != batch.Predictors[1][0] {
		t.Fatal("row 1 does not start at the expected offset")
	}

	bad := &SampleBatch{
		Predictors: [][]float32{{1, 2}, {3}},
		Targets:    [][]float32{{1}, {2}},
	}
	if _, err := bad.Flatten(); err == nil {
		t.Fatal("expected error for ragged predictor rows")
	}
}
