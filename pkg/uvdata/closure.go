package uvdata

import (
	"math"
	"math/cmplx"
	"sort"
)

// Bispectrum is the triple product V_ij V_jk conj(V_ik) on triangle i<j<k.
// Legs index Observation.Vis in the order ij, jk, ik.
type Bispectrum struct {
	Time     float64
	Triangle [3]int
	Legs     [3]int
	Value    complex128
	Sigma    float64
}

// ClosurePhase is the argument of a bispectrum, in radians.
type ClosurePhase struct {
	Time     float64
	Triangle [3]int
	Legs     [3]int
	Phase    float64
	Sigma    float64
}

// ClosureAmplitude is |V_a||V_b| / (|V_c||V_d|) on quadrangle i<j<k<l.
// Legs holds the numerator pair then the denominator pair.
type ClosureAmplitude struct {
	Time       float64
	Quadrangle [4]int
	Legs       [4]int
	Value      float64
	Sigma      float64
}

// scan groups visibility indices per timestamp by baseline.
type scan struct {
	time   float64
	lookup map[[2]int]int
	ants   []int
}

func (o *Observation) scans() []scan {
	byTime := make(map[float64]*scan)
	for idx, v := range o.Vis {
		sc, ok := byTime[v.Time]
		if !ok {
			sc = &scan{time: v.Time, lookup: make(map[[2]int]int)}
			byTime[v.Time] = sc
		}
		// duplicate samples on a baseline: first one wins
		if _, dup := sc.lookup[[2]int{v.Ant1, v.Ant2}]; !dup {
			sc.lookup[[2]int{v.Ant1, v.Ant2}] = idx
		}
	}
	out := make([]scan, 0, len(byTime))
	for _, sc := range byTime {
		present := make(map[int]bool)
		for key := range sc.lookup {
			present[key[0]] = true
			present[key[1]] = true
		}
		for a := range present {
			sc.ants = append(sc.ants, a)
		}
		sort.Ints(sc.ants)
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].time < out[j].time })
	return out
}

func (sc scan) leg(a, b int) (int, bool) {
	idx, ok := sc.lookup[[2]int{a, b}]
	return idx, ok
}

// relErr2 is the squared fractional error of a visibility amplitude.
func relErr2(v Visibility) float64 {
	amp := v.Amp()
	if amp == 0 {
		return math.Inf(1)
	}
	r := v.Sigma() / amp
	return r * r
}

// Bispectra forms every closed triangle at every timestamp.
func (o *Observation) Bispectra() []Bispectrum {
	out := make([]Bispectrum, 0)
	for _, sc := range o.scans() {
		n := len(sc.ants)
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				for c := b + 1; c < n; c++ {
					i, j, k := sc.ants[a], sc.ants[b], sc.ants[c]
					ij, ok1 := sc.leg(i, j)
					jk, ok2 := sc.leg(j, k)
					ik, ok3 := sc.leg(i, k)
					if !ok1 || !ok2 || !ok3 {
						continue
					}
					v1, v2, v3 := o.Vis[ij], o.Vis[jk], o.Vis[ik]
					value := v1.Value * v2.Value * cmplx.Conj(v3.Value)
					sigma := cmplx.Abs(value) * math.Sqrt(relErr2(v1)+relErr2(v2)+relErr2(v3))
					if math.IsInf(sigma, 0) || math.IsNaN(sigma) || sigma == 0 {
						continue
					}
					out = append(out, Bispectrum{
						Time:     sc.time,
						Triangle: [3]int{i, j, k},
						Legs:     [3]int{ij, jk, ik},
						Value:    value,
						Sigma:    sigma,
					})
				}
			}
		}
	}
	return out
}

// ClosurePhases returns the phase of every bispectrum.
func (o *Observation) ClosurePhases() []ClosurePhase {
	bis := o.Bispectra()
	out := make([]ClosurePhase, 0, len(bis))
	for _, b := range bis {
		out = append(out, ClosurePhase{
			Time:     b.Time,
			Triangle: b.Triangle,
			Legs:     b.Legs,
			Phase:    cmplx.Phase(b.Value),
			Sigma:    b.Sigma / cmplx.Abs(b.Value),
		})
	}
	return out
}

// ClosureAmplitudes forms the two independent closure amplitudes of every
// quadrangle: |Vij||Vkl|/(|Vik||Vjl|) and |Vil||Vjk|/(|Vik||Vjl|).
func (o *Observation) ClosureAmplitudes() []ClosureAmplitude {
	out := make([]ClosureAmplitude, 0)
	for _, sc := range o.scans() {
		n := len(sc.ants)
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				for c := b + 1; c < n; c++ {
					for d := c + 1; d < n; d++ {
						i, j, k, l := sc.ants[a], sc.ants[b], sc.ants[c], sc.ants[d]
						quad := [4]int{i, j, k, l}
						ik, okIK := sc.leg(i, k)
						jl, okJL := sc.leg(j, l)
						if !okIK || !okJL {
							continue
						}
						for _, num := range [][2][2]int{{{i, j}, {k, l}}, {{i, l}, {j, k}}} {
							n1, ok1 := sc.leg(num[0][0], num[0][1])
							n2, ok2 := sc.leg(num[1][0], num[1][1])
							if !ok1 || !ok2 {
								continue
							}
							if ca, ok := o.closureAmplitude(sc.time, quad, [4]int{n1, n2, ik, jl}); ok {
								out = append(out, ca)
							}
						}
					}
				}
			}
		}
	}
	return out
}

func (o *Observation) closureAmplitude(t float64, quad, legs [4]int) (ClosureAmplitude, bool) {
	v1, v2, v3, v4 := o.Vis[legs[0]], o.Vis[legs[1]], o.Vis[legs[2]], o.Vis[legs[3]]
	denom := v3.Amp() * v4.Amp()
	if denom == 0 {
		return ClosureAmplitude{}, false
	}
	value := v1.Amp() * v2.Amp() / denom
	sigma := value * math.Sqrt(relErr2(v1)+relErr2(v2)+relErr2(v3)+relErr2(v4))
	if value == 0 || math.IsInf(sigma, 0) || math.IsNaN(sigma) {
		return ClosureAmplitude{}, false
	}
	return ClosureAmplitude{Time: t, Quadrangle: quad, Legs: legs, Value: value, Sigma: sigma}, true
}
