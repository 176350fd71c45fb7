package uvdata

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"closureimager/pkg/skyimage"
)

// SimulationParams describes a synthetic observation.
type SimulationParams struct {
	Source    string
	RA        float64 // degrees
	Dec       float64 // degrees
	Frequency float64 // Hz
	Latitude  float64 // array latitude, degrees
	Antennas  []string
	Positions [][3]float64 // east/north/up metres
	// Hour-angle track in hours, sampled at Integrations evenly spaced times.
	HourAngleStart float64
	HourAngleEnd   float64
	Integrations   int
	Sky            []skyimage.Component
	// Noise is the per-component standard deviation in Jy; zero gives
	// noiseless data.
	Noise float64
	// Weight overrides the 1/Noise² visibility weight when positive.
	Weight float64
	Seed   uint64
}

// NewSimulationParams returns a six-hour, 130 MHz track of DefaultArray on a
// 1 Jy point source at the given position.
func NewSimulationParams(ra, dec float64) SimulationParams {
	names, positions := DefaultArray()
	return SimulationParams{
		Source:         "SIM",
		RA:             ra,
		Dec:            dec,
		Frequency:      130e6,
		Latitude:       52.91,
		Antennas:       names,
		Positions:      positions,
		HourAngleStart: -3,
		HourAngleEnd:   3,
		Integrations:   48,
		Sky: []skyimage.Component{{
			Flux:  1,
			Major: 0.3 * skyimage.RadPerArcsec,
			Minor: 0.3 * skyimage.RadPerArcsec,
		}},
		Noise: 0.01,
		Seed:  1,
	}
}

// DefaultArray returns an approximate layout of the core reference station
// and the international stations, as local east/north/up offsets.
func DefaultArray() ([]string, [][3]float64) {
	names := []string{
		"CS001HBA0", "CS002HBA0",
		"DE601HBA", "DE602HBA", "DE603HBA", "DE604HBA", "DE605HBA",
		"FR606HBA", "SE607HBA", "UK608HBA",
	}
	positions := [][3]float64{
		{0, 0, 0}, {310, 220, 0},
		{-182e3, -233e3, 0}, {331e3, -330e3, 0}, {297e3, -161e3, 0}, {469e3, -112e3, 0}, {-148e3, -184e3, 0},
		{-502e3, -498e3, 0}, {383e3, 561e3, 0}, {-588e3, -147e3, 0},
	}
	return names, positions
}

// GaussianVisibility returns the analytic visibility of an elliptical
// Gaussian component at (u, v).
func GaussianVisibility(c skyimage.Component, u, v float64) complex128 {
	sinT, cosT := math.Sincos(c.PA)
	along := u*sinT + v*cosT
	across := u*cosT - v*sinT
	taper := math.Exp(-math.Pi * math.Pi / (4 * math.Ln2) *
		(c.Major*c.Major*along*along + c.Minor*c.Minor*across*across))
	return complex(c.Flux*taper, 0) * cmplx.Rect(1, -2*math.Pi*(u*c.X+v*c.Y))
}

// Simulate generates an observation of p.Sky.
func Simulate(p SimulationParams) (*Observation, error) {
	if len(p.Antennas) < 2 {
		return nil, errors.New("simulation needs at least two antennas")
	}
	if len(p.Positions) != len(p.Antennas) {
		return nil, fmt.Errorf("%d positions for %d antennas", len(p.Positions), len(p.Antennas))
	}
	if p.Frequency <= 0 {
		return nil, fmt.Errorf("frequency must be positive, got %g", p.Frequency)
	}
	if p.Integrations <= 0 {
		return nil, fmt.Errorf("integrations must be positive, got %d", p.Integrations)
	}

	weight := p.Weight
	if weight <= 0 {
		weight = 1
		if p.Noise > 0 {
			weight = 1 / (p.Noise * p.Noise)
		}
	}
	var noise distuv.Normal
	if p.Noise > 0 {
		noise = distuv.Normal{Mu: 0, Sigma: p.Noise, Src: rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15)}
	}

	obs := &Observation{
		Source:    p.Source,
		RA:        p.RA,
		Dec:       p.Dec,
		Frequency: p.Frequency,
		Antennas:  append([]string(nil), p.Antennas...),
		Positions: append([][3]float64(nil), p.Positions...),
		Vis:       make([]Visibility, 0),
	}
	lambda := obs.Wavelength()
	sinLat, cosLat := math.Sincos(p.Latitude * skyimage.RadPerDeg)
	sinDec, cosDec := math.Sincos(p.Dec * skyimage.RadPerDeg)

	for t := 0; t < p.Integrations; t++ {
		ha := p.HourAngleStart
		if p.Integrations > 1 {
			ha += (p.HourAngleEnd - p.HourAngleStart) * float64(t) / float64(p.Integrations-1)
		}
		sinH, cosH := math.Sincos(ha * 15 * skyimage.RadPerDeg)
		for i := 0; i < len(p.Antennas); i++ {
			for j := i + 1; j < len(p.Antennas); j++ {
				east := p.Positions[j][0] - p.Positions[i][0]
				north := p.Positions[j][1] - p.Positions[i][1]
				up := p.Positions[j][2] - p.Positions[i][2]
				// local horizon to equatorial baseline
				bx := -sinLat*north + cosLat*up
				by := east
				bz := cosLat*north + sinLat*up

				u := (sinH*bx + cosH*by) / lambda
				v := (-sinDec*cosH*bx + sinDec*sinH*by + cosDec*bz) / lambda

				var value complex128
				for _, c := range p.Sky {
					value += GaussianVisibility(c, u, v)
				}
				if p.Noise > 0 {
					value += complex(noise.Rand(), noise.Rand())
				}
				obs.Vis = append(obs.Vis, Visibility{
					Time:   ha,
					Ant1:   i,
					Ant2:   j,
					U:      u,
					V:      v,
					Value:  value,
					Weight: weight,
				})
			}
		}
	}
	return obs, nil
}
