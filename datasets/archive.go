package datasets

import (
	"encoding/gob"
	"fmt"
	"os"
	"time"
)

// Archive is the forecast-predictor archive backing training. It holds three
// labeled variables on flat float32 buffers:
//
//	EnsPred: ensemble forecast predictors, dims (time, member, variable, station)
//	AePred:  error predictors,             dims (time, variable, member, lead, station)
//	AeTar:   error targets,                dims (time, variable, member, station)
//
// The archive is immutable after loading and safe for concurrent readers, so
// the training flow and a background chunk loader may slice it at the same
// time. Missing observations are stored as NaN.
type Archive struct {
	Times     []time.Time
	Members   []int
	Stations  []string
	Variables []string
	LeadTimes []int

	EnsPred []float32
	AePred  []float32
	AeTar   []float32
}

// ShapeError reports a flat buffer whose length does not match the dimension
// metadata, or a selection that would read outside the archive.
type ShapeError struct {
	Variable string
	Want     int
	Got      int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("datasets: %s has %d values, dimensions require %d", e.Variable, e.Got, e.Want)
}

// NumDates returns the number of forecast initialization times.
func (a *Archive) NumDates() int { return len(a.Times) }

// NumMembers returns the ensemble size.
func (a *Archive) NumMembers() int { return len(a.Members) }

// NumStations returns the number of observing stations.
func (a *Archive) NumStations() int { return len(a.Stations) }

// NumVariables returns the number of observed variables.
func (a *Archive) NumVariables() int { return len(a.Variables) }

// NumLeadTimes returns the number of forecast lead times in AePred.
func (a *Archive) NumLeadTimes() int { return len(a.LeadTimes) }

// Validate checks that every flat buffer length matches the dimension
// metadata. Called on open; callers constructing archives in memory should
// call it before handing the archive to a Scheduler.
func (a *Archive) Validate() error {
	nt, nm, nv, nl, ns := a.NumDates(), a.NumMembers(), a.NumVariables(), a.NumLeadTimes(), a.NumStations()
	if want, got := nt*nm*nv*ns, len(a.EnsPred); got != want {
		return &ShapeError{Variable: "ENS_PRED", Want: want, Got: got}
	}
	if want, got := nt*nv*nm*nl*ns, len(a.AePred); got != want {
		return &ShapeError{Variable: "AE_PRED", Want: want, Got: got}
	}
	if want, got := nt*nv*nm*ns, len(a.AeTar); got != want {
		return &ShapeError{Variable: "AE_TAR", Want: want, Got: got}
	}
	return nil
}

// OpenArchive reads a gob-encoded archive from disk and validates it.
func OpenArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	var a Archive
	if err := gob.NewDecoder(f).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", path, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Save writes the archive to disk in gob encoding.
func (a *Archive) Save(path string) error {
	if err := a.Validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(a); err != nil {
		return fmt.Errorf("encode archive %s: %w", path, err)
	}
	return nil
}

// View is an index-based selection of an archive: a list of time indices and
// an optional subset of the variable dimension. Views share the archive's
// buffers; they never copy data.
type View struct {
	arc   *Archive
	times []int
	vars  []int
}

// SelectTimes returns a view over the given initialization-time indices, in
// the given order. All variables are selected.
func (a *Archive) SelectTimes(indices []int) (*View, error) {
	for _, ti := range indices {
		if ti < 0 || ti >= a.NumDates() {
			return nil, fmt.Errorf("datasets: time index %d out of range [0, %d)", ti, a.NumDates())
		}
	}
	vars := make([]int, a.NumVariables())
	for i := range vars {
		vars[i] = i
	}
	times := make([]int, len(indices))
	copy(times, indices)
	return &View{arc: a, times: times, vars: vars}, nil
}

// SelectVariables narrows the view to a subset of the observed-variable
// dimension. The subset applies to AePred and AeTar; the forecast predictors
// keep their full variable dimension, matching the archive's layout.
func (v *View) SelectVariables(vars []int) (*View, error) {
	for _, vi := range vars {
		if vi < 0 || vi >= v.arc.NumVariables() {
			return nil, fmt.Errorf("datasets: variable index %d out of range [0, %d)", vi, v.arc.NumVariables())
		}
	}
	sub := make([]int, len(vars))
	copy(sub, vars)
	return &View{arc: v.arc, times: v.times, vars: sub}, nil
}

// NumTimes returns the number of selected time indices.
func (v *View) NumTimes() int { return len(v.times) }

// NumVariables returns the number of selected observed variables.
func (v *View) NumVariables() int { return len(v.vars) }

// TimeIndex returns the archive time index at view position i.
func (v *View) TimeIndex(i int) int { return v.times[i] }

// Archive returns the backing archive.
func (v *View) Archive() *Archive { return v.arc }

// VariableIndices returns the selected variable indices.
func (v *View) VariableIndices() []int { return v.vars }

// ensPredAt reads ENS_PRED at (view time pos, member, archive variable, station).
func (v *View) ensPredAt(ti, m, vi, s int) float32 {
	a := v.arc
	t := v.times[ti]
	return a.EnsPred[((t*a.NumMembers()+m)*a.NumVariables()+vi)*a.NumStations()+s]
}

// aePredAt reads AE_PRED at (view time pos, view variable pos, member, lead, station).
func (v *View) aePredAt(ti, vp, m, l, s int) float32 {
	a := v.arc
	t := v.times[ti]
	vi := v.vars[vp]
	return a.AePred[(((t*a.NumVariables()+vi)*a.NumMembers()+m)*a.NumLeadTimes()+l)*a.NumStations()+s]
}

// aeTarAt reads AE_TAR at (view time pos, view variable pos, member, station).
func (v *View) aeTarAt(ti, vp, m, s int) float32 {
	a := v.arc
	t := v.times[ti]
	vi := v.vars[vp]
	return a.AeTar[((t*a.NumVariables()+vi)*a.NumMembers()+m)*a.NumStations()+s]
}
