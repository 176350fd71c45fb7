package rml

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"closureimager/pkg/skyimage"
	"closureimager/pkg/uvdata"
)

func simulated(t *testing.T, antennas int, sky []skyimage.Component) *uvdata.Observation {
	t.Helper()
	p := uvdata.NewSimulationParams(150, 52)
	p.Antennas = p.Antennas[2 : 2+antennas]
	p.Positions = p.Positions[2 : 2+antennas]
	p.Integrations = 6
	p.Noise = 0.01
	p.Sky = sky
	obs, err := uvdata.Simulate(p)
	require.NoError(t, err)
	return obs
}

func gaussPrior(t *testing.T, npix int, fovArcsec, fwhmArcsec, flux float64) *skyimage.Image {
	t.Helper()
	im, err := skyimage.NewSquare(npix, fovArcsec*skyimage.RadPerArcsec, 150, 52)
	require.NoError(t, err)
	fwhm := fwhmArcsec * skyimage.RadPerArcsec
	im, err = im.AddGauss(skyimage.Component{Flux: flux, Major: fwhm, Minor: fwhm})
	require.NoError(t, err)
	return im
}

func baseRequest(obs *uvdata.Observation, prior *skyimage.Image) Request {
	return Request{
		Obs:          obs,
		Init:         prior,
		Prior:        prior,
		Flux:         1,
		DataTerms:    []DataTerm{ClosurePhase, ClosureAmplitude},
		DataWeights:  []float64{50, 50},
		Regularizers: []Regularizer{GullSkilling},
		RegWeights:   []float64{1},
		FluxWeight:   500,
		ClipFloor:    1e-8,
		MaxIter:      40,
		Stop:         1e-4,
	}
}

func TestParseNames(t *testing.T) {
	d, err := ParseDataTerm("camp")
	require.NoError(t, err)
	assert.Equal(t, ClosureAmplitude, d)
	_, err = ParseDataTerm("vis")
	assert.Error(t, err)

	r, err := ParseRegularizer("gs")
	require.NoError(t, err)
	assert.Equal(t, GullSkilling, r)
	_, err = ParseRegularizer("tv")
	assert.Error(t, err)
}

func TestRequestValidate(t *testing.T) {
	obs := simulated(t, 4, []skyimage.Component{{Flux: 1}})
	prior := gaussPrior(t, 16, 6, 1, 1)

	cases := map[string]func(*Request){
		"no observation":   func(r *Request) { r.Obs = nil },
		"zero flux":        func(r *Request) { r.Flux = 0 },
		"weights mismatch": func(r *Request) { r.DataWeights = []float64{1} },
		"no data terms":    func(r *Request) { r.DataTerms, r.DataWeights = nil, nil },
		"negative floor":   func(r *Request) { r.ClipFloor = -1 },
		"zero maxiter":     func(r *Request) { r.MaxIter = 0 },
		"zero stop":        func(r *Request) { r.Stop = 0 },
		"geometry":         func(r *Request) { r.Init = gaussPrior(t, 8, 6, 1, 1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := baseRequest(obs, prior)
			mutate(&req)
			assert.Error(t, req.Validate())
			_, err := NewImager(nil).Reconstruct(context.Background(), req)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, baseRequest(obs, prior).Validate())
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	obs := simulated(t, 5, []skyimage.Component{
		{Flux: 0.7, Major: 0.6 * skyimage.RadPerArcsec, Minor: 0.4 * skyimage.RadPerArcsec, PA: 0.5},
		{Flux: 0.3, Major: 0.5 * skyimage.RadPerArcsec, Minor: 0.5 * skyimage.RadPerArcsec, X: 0.8 * skyimage.RadPerArcsec},
	})
	prior := gaussPrior(t, 8, 4, 1.5, 1)
	req := baseRequest(obs, prior)
	req.DataTerms = []DataTerm{Bispectrum, ClosurePhase, ClosureAmplitude}
	req.DataWeights = []float64{1, 2, 3}
	req.Regularizers = []Regularizer{GullSkilling, L1}
	req.RegWeights = []float64{1, 0.5}
	req.ClipFloor = 0

	obj, x0, err := newObjective(req)
	require.NoError(t, err)
	// move away from the seed so every term has a non-trivial slope
	for k := range x0 {
		x0[k] += 0.3 * math.Sin(float64(k))
	}

	grad := make([]float64, len(x0))
	obj.gradient(grad, x0)

	const h = 1e-6
	for _, k := range []int{0, 9, 27, 36, len(x0) - 1} {
		xp := append([]float64(nil), x0...)
		xm := append([]float64(nil), x0...)
		xp[k] += h
		xm[k] -= h
		numeric := (obj.value(xp) - obj.value(xm)) / (2 * h)
		assert.InDelta(t, numeric, grad[k], 1e-4*math.Max(1, math.Abs(numeric)), "parameter %d", k)
	}
}

func TestReconstructPointSource(t *testing.T) {
	obs := simulated(t, 6, []skyimage.Component{{Flux: 1, Major: 0.3 * skyimage.RadPerArcsec, Minor: 0.3 * skyimage.RadPerArcsec}})
	prior := gaussPrior(t, 16, 6, 1, 1)
	before := prior.Clone()

	req := baseRequest(obs, prior)
	req.MaxIter = 300
	res, err := NewImager(zap.NewNop()).Reconstruct(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, before.Pixels, prior.Pixels, "inputs must not be modified")
	assert.True(t, res.Image.SameGeometry(prior))
	assert.True(t, res.Converged, "status %s after %d iterations", res.Status, res.Iterations)
	assert.LessOrEqual(t, res.Iterations, req.MaxIter)
	assert.False(t, math.IsNaN(res.Objective))
	assert.InEpsilon(t, 1.0, res.Image.Total(), 0.05)
	for _, p := range res.Image.Pixels {
		assert.GreaterOrEqual(t, p, 0.0)
	}
	assert.Contains(t, res.Chi2, ClosurePhase)
	assert.Contains(t, res.Chi2, ClosureAmplitude)
	assert.Empty(t, res.EmptyTerms)

	peak, peakIdx := 0.0, 0
	for i, p := range res.Image.Pixels {
		if p > peak {
			peak, peakIdx = p, i
		}
	}
	center := float64(res.Image.Npix-1) / 2
	assert.LessOrEqual(t, math.Abs(float64(peakIdx/res.Image.Npix)-center), 1.5)
	assert.LessOrEqual(t, math.Abs(float64(peakIdx%res.Image.Npix)-center), 1.5)
}

func TestReconstructHoldsClippedPixelsAtZero(t *testing.T) {
	obs := simulated(t, 4, []skyimage.Component{{Flux: 1}})
	prior := gaussPrior(t, 16, 6, 1, 1)
	req := baseRequest(obs, prior)
	req.ClipFloor = 0.01 * prior.Max()
	req.MaxIter = 5

	res, err := NewImager(nil).Reconstruct(context.Background(), req)
	require.NoError(t, err)
	for i, p := range prior.Pixels {
		if p <= req.ClipFloor {
			assert.Zero(t, res.Image.Pixels[i])
		} else {
			assert.Greater(t, res.Image.Pixels[i], 0.0)
		}
	}
}

func TestReconstructReportsIterationLimit(t *testing.T) {
	obs := simulated(t, 5, []skyimage.Component{{Flux: 1, X: 0.5 * skyimage.RadPerArcsec}})
	req := baseRequest(obs, gaussPrior(t, 16, 6, 1, 1))
	req.MaxIter = 1

	res, err := NewImager(nil).Reconstruct(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.LessOrEqual(t, res.Iterations, 1)
	assert.NotNil(t, res.Image)
}

func TestReconstructWithoutClosures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	obs := simulated(t, 2, []skyimage.Component{{Flux: 1}})
	prior := gaussPrior(t, 16, 6, 1, 1)
	req := baseRequest(obs, prior)

	res, err := NewImager(zap.New(core)).Reconstruct(context.Background(), req)
	require.NoError(t, err)

	assert.ElementsMatch(t, []DataTerm{ClosurePhase, ClosureAmplitude}, res.EmptyTerms)
	assert.Empty(t, res.Chi2)
	assert.Equal(t, 2, logs.FilterMessage("data term has no closure quantities").Len())

	// with nothing to fit the entropy optimum is the prior rescaled to flux
	scale := req.Flux / prior.Total()
	for i, p := range prior.Pixels {
		if p > req.ClipFloor {
			assert.InDelta(t, p*scale, res.Image.Pixels[i], 1e-4*prior.Max())
		}
	}
}

func TestReconstructHonoursCancellation(t *testing.T) {
	obs := simulated(t, 4, []skyimage.Component{{Flux: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewImager(nil).Reconstruct(ctx, baseRequest(obs, gaussPrior(t, 16, 6, 1, 1)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClipFloorAboveEverything(t *testing.T) {
	obs := simulated(t, 4, []skyimage.Component{{Flux: 1}})
	prior := gaussPrior(t, 16, 6, 1, 1)
	req := baseRequest(obs, prior)
	req.ClipFloor = prior.Max()

	_, err := NewImager(nil).Reconstruct(context.Background(), req)
	assert.Error(t, err)
}
