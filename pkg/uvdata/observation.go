// Package uvdata holds interferometric observations: the antenna table, the
// phase centre and the calibrated visibilities on every baseline, together
// with the derived quantities the imager needs (closure quantities, beam fits,
// dirty products).
package uvdata

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ErrNoData is returned by accessors that need at least one visibility.
var ErrNoData = errors.New("observation has no visibilities")

// Visibility is one complex correlation sample on baseline (Ant1, Ant2).
// Ant1 is always lower than Ant2; U and V are in wavelengths.
type Visibility struct {
	Time   float64 // hours
	Ant1   int
	Ant2   int
	U      float64
	V      float64
	Value  complex128
	Weight float64
}

// Sigma is the thermal noise implied by the weight.
func (v Visibility) Sigma() float64 {
	if v.Weight <= 0 {
		return math.Inf(1)
	}
	return 1.0 / math.Sqrt(v.Weight)
}

// UVDist returns the projected baseline length in wavelengths.
func (v Visibility) UVDist() float64 { return math.Hypot(v.U, v.V) }

// Amp returns the visibility amplitude.
func (v Visibility) Amp() float64 { return cmplx.Abs(v.Value) }

// normalized returns the sample with Ant1 < Ant2, conjugating if the
// baseline was recorded the other way round.
func (v Visibility) normalized() Visibility {
	if v.Ant1 <= v.Ant2 {
		return v
	}
	v.Ant1, v.Ant2 = v.Ant2, v.Ant1
	v.U, v.V = -v.U, -v.V
	v.Value = cmplx.Conj(v.Value)
	return v
}

// Observation is a single-field interferometric dataset.
type Observation struct {
	Source    string
	RA        float64 // degrees
	Dec       float64 // degrees
	Frequency float64 // Hz
	Antennas  []string
	// Positions are optional local east/north/up antenna coordinates in metres.
	Positions [][3]float64
	Vis       []Visibility
}

// Validate checks that every visibility references two distinct antennas of
// the table in ascending order.
func (o *Observation) Validate() error {
	if len(o.Antennas) == 0 {
		return errors.New("observation has an empty antenna table")
	}
	if o.Positions != nil && len(o.Positions) != len(o.Antennas) {
		return fmt.Errorf("%d antenna positions for %d antennas", len(o.Positions), len(o.Antennas))
	}
	for i, v := range o.Vis {
		if v.Ant1 < 0 || v.Ant2 >= len(o.Antennas) || v.Ant1 >= v.Ant2 {
			return fmt.Errorf("visibility %d has invalid baseline (%d, %d)", i, v.Ant1, v.Ant2)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (o *Observation) Clone() *Observation {
	out := *o
	out.Antennas = append([]string(nil), o.Antennas...)
	if o.Positions != nil {
		out.Positions = append([][3]float64(nil), o.Positions...)
	}
	out.Vis = append([]Visibility(nil), o.Vis...)
	return &out
}

// Subset returns a copy holding only baselines whose two antennas are both in
// stations. Antenna indices keep their meaning.
func (o *Observation) Subset(stations []int) *Observation {
	keep := make(map[int]bool, len(stations))
	for _, s := range stations {
		keep[s] = true
	}
	out := o.Clone()
	out.Vis = out.Vis[:0]
	for _, v := range o.Vis {
		if keep[v.Ant1] && keep[v.Ant2] {
			out.Vis = append(out.Vis, v)
		}
	}
	return out
}

// FirstWeight returns the weight of the first visibility.
func (o *Observation) FirstWeight() (float64, error) {
	if len(o.Vis) == 0 {
		return 0, ErrNoData
	}
	return o.Vis[0].Weight, nil
}

// ScaleWeights returns a copy with every weight multiplied by f.
func (o *Observation) ScaleWeights(f float64) *Observation {
	out := o.Clone()
	for i := range out.Vis {
		out.Vis[i].Weight *= f
	}
	return out
}

// Amplitudes returns every amplitude sample on the baseline between a1 and a2,
// in either order, across the whole observation.
func (o *Observation) Amplitudes(a1, a2 int) []float64 {
	if a1 > a2 {
		a1, a2 = a2, a1
	}
	amps := make([]float64, 0)
	for _, v := range o.Vis {
		if v.Ant1 == a1 && v.Ant2 == a2 {
			amps = append(amps, v.Amp())
		}
	}
	return amps
}

// Baselines returns the distinct antenna pairs present, sorted.
func (o *Observation) Baselines() [][2]int {
	seen := make(map[[2]int]bool)
	pairs := make([][2]int, 0)
	for _, v := range o.Vis {
		key := [2]int{v.Ant1, v.Ant2}
		if !seen[key] {
			seen[key] = true
			pairs = append(pairs, key)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return pairs
}

// Times returns the distinct integration timestamps in ascending order.
func (o *Observation) Times() []float64 {
	seen := make(map[float64]bool)
	times := make([]float64, 0)
	for _, v := range o.Vis {
		if !seen[v.Time] {
			seen[v.Time] = true
			times = append(times, v.Time)
		}
	}
	sort.Float64s(times)
	return times
}

// WeightStats returns the mean and standard deviation of the visibility
// weights.
func (o *Observation) WeightStats() (mean, std float64) {
	switch len(o.Vis) {
	case 0:
		return 0, 0
	case 1:
		return o.Vis[0].Weight, 0
	}
	weights := make([]float64, len(o.Vis))
	for i, v := range o.Vis {
		weights[i] = v.Weight
	}
	return stat.MeanStdDev(weights, nil)
}

// Wavelength returns the observing wavelength in metres.
func (o *Observation) Wavelength() float64 {
	if o.Frequency <= 0 {
		return 0
	}
	return speedOfLight / o.Frequency
}

const speedOfLight = 299792458.0
