package closureimager

import (
	"slices"
	"strings"

	"closureimager/pkg/uvdata"
)

// ZBL sources.
const (
	ZBLOverride = "override"
	ZBLBaseline = "baseline"
)

// ZBLEstimate is the zero-baseline flux and where it came from.
type ZBLEstimate struct {
	Flux   float64 `yaml:"flux_jy"`
	Source string  `yaml:"source"`
	// Baseline used for the estimate, empty for an override.
	Ant1     string `yaml:"ant1,omitempty"`
	Ant2     string `yaml:"ant2,omitempty"`
	Samples  int    `yaml:"samples,omitempty"`
	Fallback bool   `yaml:"fallback,omitempty"`
}

// EstimateZBL returns the override when positive. Otherwise it takes the
// median amplitude on the baseline between the first selected antennas
// whose names contain pair[0] and pair[1], or between the first two
// selected antennas when either is missing.
func EstimateZBL(obs *uvdata.Observation, sel Selection, pair [2]string, override float64) (ZBLEstimate, error) {
	if override > 0 {
		return ZBLEstimate{Flux: override, Source: ZBLOverride}, nil
	}
	if len(sel.Indices) < 2 {
		return ZBLEstimate{}, configErr("zero-baseline flux", "no baseline exists among %d antenna(s)", len(sel.Indices))
	}

	est := ZBLEstimate{Source: ZBLBaseline}
	a, okA := findContaining(sel, pair[0])
	b, okB := findContaining(sel, pair[1])
	if !okA || !okB || a == b {
		a, b = 0, 1
		est.Fallback = true
	}
	est.Ant1, est.Ant2 = sel.Names[a], sel.Names[b]

	amps := obs.Amplitudes(sel.Indices[a], sel.Indices[b])
	est.Samples = len(amps)
	if len(amps) == 0 {
		return est, configErr("zero-baseline flux", "baseline %s-%s has no samples", est.Ant1, est.Ant2)
	}
	est.Flux = median(amps)
	if !(est.Flux > 0) {
		return est, configErr("zero-baseline flux", "median amplitude %g on %s-%s is not positive", est.Flux, est.Ant1, est.Ant2)
	}
	return est, nil
}

func findContaining(sel Selection, fragment string) (int, bool) {
	for k, name := range sel.Names {
		if strings.Contains(name, fragment) {
			return k, true
		}
	}
	return 0, false
}

// median averages the two central values for even lengths.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
