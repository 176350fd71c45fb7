package closureimager

import (
	"errors"
	"fmt"
	"math"

	"closureimager/pkg/uvdata"
)

const (
	// WeightFloor is the magnitude below which a weight sample is taken to
	// be in the wrong unit regime.
	WeightFloor = 1e-9
	// WeightRescale is applied to every weight when the sample is too small.
	WeightRescale = 1e11
)

// CheckWeights inspects the first weight of obs. When it is below
// WeightFloor it returns a copy with all weights multiplied by
// WeightRescale and a DataQuality warning; otherwise obs is returned as is.
func CheckWeights(obs *uvdata.Observation) (*uvdata.Observation, *Warning, error) {
	w, err := obs.FirstWeight()
	if errors.Is(err, uvdata.ErrNoData) {
		return nil, nil, &ConfigurationError{
			Stage:  "quality check",
			Reason: "the selected baselines carry no visibilities",
			Err:    err,
		}
	}
	if err != nil {
		return nil, nil, err
	}
	if math.Abs(w) >= WeightFloor {
		return obs, nil, nil
	}
	return obs.ScaleWeights(WeightRescale), &Warning{
		Kind:    DataQuality,
		Message: "visibility weights rescaled",
		Detail:  fmt.Sprintf("first weight %g below %g, multiplied by %g", w, WeightFloor, WeightRescale),
	}, nil
}
