package closureimager

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"closureimager/internal/config"
	"closureimager/pkg/catalog"
	"closureimager/pkg/skyimage"
	"closureimager/pkg/uvdata"
)

func amplitudeObservation(weight float64) *uvdata.Observation {
	obs := &uvdata.Observation{
		Source:   "TEST",
		RA:       150,
		Dec:      52,
		Antennas: []string{"CS001HBA0", "DE601HBA", "DE605HBA"},
	}
	for i, amp := range []float64{1, 2, 3, 100} {
		obs.Vis = append(obs.Vis,
			uvdata.Visibility{Time: float64(i), Ant1: 1, Ant2: 2, U: 1e4, V: 0, Value: complex(0, amp), Weight: weight},
			uvdata.Visibility{Time: float64(i), Ant1: 0, Ant2: 1, U: 2e4, V: 0, Value: complex(7, 0), Weight: weight},
		)
	}
	return obs
}

func TestCheckWeightsRescalesTinyWeights(t *testing.T) {
	obs := amplitudeObservation(1e-12)
	checked, w, err := CheckWeights(obs)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, DataQuality, w.Kind)
	for _, v := range checked.Vis {
		assert.InDelta(t, 0.1, v.Weight, 1e-12)
	}
	assert.Equal(t, 1e-12, obs.Vis[0].Weight, "input must not be modified")
}

func TestCheckWeightsKeepsSensibleWeights(t *testing.T) {
	obs := amplitudeObservation(2)
	checked, w, err := CheckWeights(obs)
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.Same(t, obs, checked)
}

func TestCheckWeightsWithoutData(t *testing.T) {
	_, _, err := CheckWeights(&uvdata.Observation{Antennas: []string{"A", "B"}})
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, uvdata.ErrNoData)
}

func selectAll(t *testing.T, obs *uvdata.Observation) Selection {
	t.Helper()
	sel, err := SelectAntennas(obs.Antennas, "CS001;DE601;DE605", "", config.MatchPrefix)
	require.NoError(t, err)
	return sel
}

func TestEstimateZBLTakesMedian(t *testing.T) {
	obs := amplitudeObservation(1)
	est, err := EstimateZBL(obs, selectAll(t, obs), [2]string{"DE601", "DE605"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.5, est.Flux)
	assert.Equal(t, ZBLBaseline, est.Source)
	assert.Equal(t, "DE601HBA", est.Ant1)
	assert.Equal(t, "DE605HBA", est.Ant2)
	assert.Equal(t, 4, est.Samples)
	assert.False(t, est.Fallback)
}

func TestEstimateZBLFallsBackToFirstPair(t *testing.T) {
	obs := amplitudeObservation(1)
	est, err := EstimateZBL(obs, selectAll(t, obs), [2]string{"DE601", "UK608"}, 0)
	require.NoError(t, err)
	assert.True(t, est.Fallback)
	assert.Equal(t, "CS001HBA0", est.Ant1)
	assert.Equal(t, "DE601HBA", est.Ant2)
	assert.Equal(t, 7.0, est.Flux)
}

func TestEstimateZBLOverride(t *testing.T) {
	est, err := EstimateZBL(nil, Selection{}, [2]string{"DE601", "DE605"}, 1.5)
	require.NoError(t, err)
	assert.Equal(t, ZBLEstimate{Flux: 1.5, Source: ZBLOverride}, est)
}

func TestEstimateZBLErrors(t *testing.T) {
	var cerr *ConfigurationError

	_, err := EstimateZBL(nil, Selection{Indices: []int{0}, Names: []string{"DE601"}}, [2]string{"DE601", "DE605"}, 0)
	assert.True(t, errors.As(err, &cerr))

	obs := amplitudeObservation(1)
	for i := range obs.Vis {
		obs.Vis[i].Value = 0
	}
	_, err = EstimateZBL(obs, selectAll(t, obs), [2]string{"DE601", "DE605"}, 0)
	assert.True(t, errors.As(err, &cerr))

	obs = amplitudeObservation(1)
	obs.Vis = obs.Vis[1:2]
	_, err = EstimateZBL(obs, selectAll(t, obs), [2]string{"DE601", "DE605"}, 0)
	assert.True(t, errors.As(err, &cerr))
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.5, median([]float64{100, 3, 1, 2}))
	assert.Equal(t, 3.0, median([]float64{5, 3, 1}))
	assert.Equal(t, 0.0, median(nil))
}

func priorConfig() config.Config {
	cfg := config.Default()
	cfg.Npix = 64
	return cfg
}

func TestPriorDefaultMode(t *testing.T) {
	cfg := priorConfig()
	cfg.UseCatalog = false
	b, err := NewPriorBuilder(cfg, nil, nil)
	require.NoError(t, err)

	p, w, err := b.Build(150, 52, 2)
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.Equal(t, PriorDefault, p.Mode)
	require.Len(t, p.Components, 1)
	assert.Equal(t, 2.0, p.Components[0].Flux)
	assert.InDelta(t, 6*skyimage.RadPerArcsec, p.Image.FOV(), 1e-15)
	assert.InEpsilon(t, 2, p.Image.Total(), 1e-3)
}

func TestPriorCatalogMissFallsBack(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cat := &catalog.Catalog{Name: "first", Sources: []catalog.Source{{RA: 151, Dec: 52, Flux: 1, Major: 6, Minor: 5}}}
	b, err := NewPriorBuilder(priorConfig(), cat, zap.New(core))
	require.NoError(t, err)

	p, w, err := b.Build(150, 52, 1)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, CatalogMiss, w.Kind)
	assert.Equal(t, PriorDefault, p.Mode)
	assert.Len(t, p.Components, 1)
	assert.Equal(t, 1, logs.FilterMessage("prior image: circular Gaussian").Len())
}

func TestPriorCatalogMatch(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cat := &catalog.Catalog{Sources: []catalog.Source{
		{RA: 150, Dec: 52, Flux: 0.01, Major: 10, Minor: 8, PA: 0},
		{RA: 170, Dec: 10, Flux: 5, Major: 40, Minor: 40},
	}}
	b, err := NewPriorBuilder(priorConfig(), cat, zap.New(core))
	require.NoError(t, err)

	p, w, err := b.Build(150, 52, 1)
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.Equal(t, PriorCatalog, p.Mode)
	assert.GreaterOrEqual(t, p.FOVArcsec, 22.0)
	assert.InDelta(t, 22*skyimage.RadPerArcsec, p.Image.FOV(), 1e-15)
	require.Len(t, p.Components, 1)
	assert.InDelta(t, 0.04, p.Components[0].Flux, 1e-15)
	assert.InDelta(t, 10*skyimage.RadPerArcsec, p.Components[0].Major, 1e-15)
	assert.InDelta(t, 8*skyimage.RadPerArcsec, p.Components[0].Minor, 1e-15)
	assert.Equal(t, 1, logs.FilterMessage("prior: adding catalogue Gaussian").Len())
}

func TestPriorCatalogFloorsAndOffsets(t *testing.T) {
	cat := &catalog.Catalog{Sources: []catalog.Source{
		{RA: 150, Dec: 52, Flux: 0.1, Major: 2, Minor: 1, PA: 30},
		{RA: 150.001, Dec: 52.001, Flux: 0.05, Major: 3, Minor: 3, PA: 0},
	}}
	b, err := NewPriorBuilder(priorConfig(), cat, nil)
	require.NoError(t, err)

	p, _, err := b.Build(150, 52, 1)
	require.NoError(t, err)
	assert.Equal(t, 10.0, p.FOVArcsec)
	require.Len(t, p.Components, 2)
	first, second := p.Components[0], p.Components[1]
	assert.InDelta(t, 7*skyimage.RadPerArcsec, first.Major, 1e-15)
	assert.InDelta(t, 5*skyimage.RadPerArcsec, first.Minor, 1e-15)
	assert.InDelta(t, 30*skyimage.RadPerDeg, first.PA, 1e-15)
	assert.InDelta(t, 0.001*skyimage.RadPerDeg, second.X, 1e-12)
	assert.InDelta(t, 0.001*skyimage.RadPerDeg, second.Y, 1e-12)
}

func TestPriorBuilderNeedsCatalog(t *testing.T) {
	_, err := NewPriorBuilder(priorConfig(), nil, nil)
	var cerr *ConfigurationError
	assert.True(t, errors.As(err, &cerr))
}

func TestBlurDoesNotMutate(t *testing.T) {
	cfg := priorConfig()
	cfg.UseCatalog = false
	b, err := NewPriorBuilder(cfg, nil, nil)
	require.NoError(t, err)
	p, _, err := b.Build(150, 52, 1)
	require.NoError(t, err)

	before := p.Image.Clone()
	blurred := p.Image.Blur(skyimage.Beam{Major: 2 * skyimage.RadPerArcsec, Minor: 1 * skyimage.RadPerArcsec, PA: 0.3}, BlurFraction)
	assert.Equal(t, before.Pixels, p.Image.Pixels)
	assert.NotSame(t, p.Image, blurred)
	assert.Less(t, blurred.Max(), p.Image.Max())

	round := p.Image.Blur(skyimage.IsotropicBeam(1*skyimage.RadPerArcsec), BlurFraction)
	assert.Equal(t, before.Pixels, p.Image.Pixels)
	assert.False(t, math.IsNaN(round.Total()))
}
