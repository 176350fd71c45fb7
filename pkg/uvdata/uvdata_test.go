package uvdata

import (
	"context"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closureimager/pkg/skyimage"
)

func pointSourceObservation(t *testing.T, noise float64) *Observation {
	t.Helper()
	p := NewSimulationParams(150, 52)
	p.Sky = []skyimage.Component{{Flux: 1}}
	p.Noise = noise
	p.Integrations = 4
	obs, err := Simulate(p)
	require.NoError(t, err)
	return obs
}

// fourStation builds one integration on a complete 4-antenna array.
func fourStation() *Observation {
	obs := &Observation{Source: "T", Antennas: []string{"A", "B", "C", "D"}}
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			obs.Vis = append(obs.Vis, Visibility{
				Time: 1, Ant1: i, Ant2: j,
				U: float64(1000 * (j - i)), V: float64(300 * (i + j)),
				Value:  cmplx.Rect(float64(1+i+j), 0.1*float64(i*j+1)),
				Weight: 100,
			})
		}
	}
	return obs
}

func TestSubsetKeepsOnlySelectedBaselines(t *testing.T) {
	obs := fourStation()
	sub := obs.Subset([]int{0, 2, 3})

	assert.Equal(t, [][2]int{{0, 2}, {0, 3}, {2, 3}}, sub.Baselines())
	assert.Equal(t, obs.Antennas, sub.Antennas)
	assert.Len(t, obs.Vis, 6, "Subset must not modify the receiver")
}

func TestAmplitudesIgnoresOrder(t *testing.T) {
	obs := fourStation()
	assert.Equal(t, obs.Amplitudes(1, 3), obs.Amplitudes(3, 1))
	assert.Len(t, obs.Amplitudes(1, 3), 1)
	assert.Empty(t, obs.Amplitudes(0, 0))
}

func TestScaleWeightsReturnsCopy(t *testing.T) {
	obs := fourStation()
	scaled := obs.ScaleWeights(1e11)

	w, err := scaled.FirstWeight()
	require.NoError(t, err)
	assert.Equal(t, 100*1e11, w)
	w, err = obs.FirstWeight()
	require.NoError(t, err)
	assert.Equal(t, 100.0, w)

	mean, std := obs.WeightStats()
	assert.Equal(t, 100.0, mean)
	assert.Zero(t, std)
}

func TestFirstWeightEmpty(t *testing.T) {
	_, err := (&Observation{}).FirstWeight()
	assert.ErrorIs(t, err, ErrNoData)
}

func TestValidateRejectsBadBaselines(t *testing.T) {
	obs := fourStation()
	obs.Vis[0].Ant1, obs.Vis[0].Ant2 = 1, 1
	assert.Error(t, obs.Validate())

	obs = fourStation()
	obs.Vis[0].Ant2 = 9
	assert.Error(t, obs.Validate())
}

func TestClosureQuantityCounts(t *testing.T) {
	obs := fourStation()
	assert.Len(t, obs.Bispectra(), 4)
	assert.Len(t, obs.ClosurePhases(), 4)
	assert.Len(t, obs.ClosureAmplitudes(), 2)

	two := obs.Subset([]int{0, 1})
	assert.Empty(t, two.Bispectra())
	assert.Empty(t, two.ClosureAmplitudes())
}

func TestClosureQuantitiesAreGainInvariant(t *testing.T) {
	obs := fourStation()
	gains := []complex128{
		cmplx.Rect(1.3, 0.4),
		cmplx.Rect(0.7, -1.2),
		cmplx.Rect(1.1, 2.5),
		cmplx.Rect(0.9, 0.3),
	}
	corrupted := obs.Clone()
	for i, v := range corrupted.Vis {
		corrupted.Vis[i].Value = gains[v.Ant1] * cmplx.Conj(gains[v.Ant2]) * v.Value
	}

	want := obs.ClosurePhases()
	got := corrupted.ClosurePhases()
	require.Len(t, got, len(want))
	for i := range want {
		diff := math.Remainder(got[i].Phase-want[i].Phase, 2*math.Pi)
		assert.InDelta(t, 0, diff, 1e-9)
	}

	wantCA := obs.ClosureAmplitudes()
	gotCA := corrupted.ClosureAmplitudes()
	require.Len(t, gotCA, len(wantCA))
	for i := range wantCA {
		assert.InEpsilon(t, wantCA[i].Value, gotCA[i].Value, 1e-9)
	}
}

func TestClosurePhasesOfCentredPointSourceVanish(t *testing.T) {
	obs := pointSourceObservation(t, 0)
	cps := obs.ClosurePhases()
	require.NotEmpty(t, cps)
	for _, cp := range cps {
		assert.InDelta(t, 0, cp.Phase, 1e-9)
		assert.Greater(t, cp.Sigma, 0.0)
	}
	for _, ca := range obs.ClosureAmplitudes() {
		assert.InDelta(t, 1, ca.Value, 1e-9)
	}
}

func TestFitBeamAxisAligned(t *testing.T) {
	// long baselines along u make the beam narrow east-west
	a, b := 4e5, 1e5
	obs := &Observation{Antennas: []string{"A", "B", "C"}, Vis: []Visibility{
		{Ant1: 0, Ant2: 1, U: a, Weight: 1},
		{Ant1: 0, Ant2: 2, V: b, Weight: 1},
	}}
	beam, err := obs.FitBeam()
	require.NoError(t, err)

	// moments are a²/2 and b²/2 scaled by 2π²
	wantMajor := math.Sqrt(4 * math.Ln2 / (math.Pi * math.Pi * b * b))
	wantMinor := math.Sqrt(4 * math.Ln2 / (math.Pi * math.Pi * a * a))
	assert.InEpsilon(t, wantMajor, beam.Major, 1e-9)
	assert.InEpsilon(t, wantMinor, beam.Minor, 1e-9)
	assert.InDelta(t, 0, math.Remainder(beam.PA, math.Pi), 1e-9)
}

func TestFitBeamRotated(t *testing.T) {
	// coverage elongated along the north-east diagonal gives a beam whose
	// major axis lies along the north-west diagonal, PA 135 deg
	obs := &Observation{Antennas: []string{"A", "B", "C"}, Vis: []Visibility{
		{Ant1: 0, Ant2: 1, U: 4e5, V: 4e5, Weight: 1},
		{Ant1: 0, Ant2: 2, U: -1e5, V: 1e5, Weight: 1},
	}}
	beam, err := obs.FitBeam()
	require.NoError(t, err)
	assert.InDelta(t, 135*skyimage.RadPerDeg, beam.PA, 1e-6)
	assert.Greater(t, beam.Major, beam.Minor)
}

func TestFitBeamDegenerate(t *testing.T) {
	obs := &Observation{Antennas: []string{"A", "B", "C"}, Vis: []Visibility{
		{Ant1: 0, Ant2: 1, U: 1e5, Weight: 1},
		{Ant1: 0, Ant2: 2, U: 3e5, Weight: 1},
	}}
	_, err := obs.FitBeam()
	assert.ErrorIs(t, err, ErrDegenerateCoverage)
}

func TestResolution(t *testing.T) {
	obs := fourStation()
	res, err := obs.Resolution()
	require.NoError(t, err)

	maxDist := 0.0
	for _, v := range obs.Vis {
		maxDist = math.Max(maxDist, math.Hypot(v.U, v.V))
	}
	assert.InDelta(t, 1/maxDist, res, 1e-15)

	_, err = (&Observation{}).Resolution()
	assert.ErrorIs(t, err, ErrNoData)
}

func TestDirtyProductsOfCentredPointSource(t *testing.T) {
	obs := pointSourceObservation(t, 0)
	fov := 20 * skyimage.RadPerArcsec

	beam, err := obs.DirtyBeam(33, fov)
	require.NoError(t, err)
	assert.InDelta(t, 1, beam.At(16, 16), 1e-9)
	assert.InDelta(t, 1, beam.Max(), 1e-9)

	dirty, err := obs.DirtyImage(33, fov)
	require.NoError(t, err)
	assert.InDelta(t, 1, dirty.At(16, 16), 1e-9)

	clean, err := obs.CleanBeam(33, fov)
	require.NoError(t, err)
	assert.InDelta(t, 1, clean.Max(), 1e-12)
}

func TestGaussianVisibilityMatchesImageTransform(t *testing.T) {
	im, err := skyimage.NewSquare(64, 10*skyimage.RadPerArcsec, 0, 0)
	require.NoError(t, err)
	c := skyimage.Component{
		Flux:  1,
		Major: 2 * skyimage.RadPerArcsec,
		Minor: 1 * skyimage.RadPerArcsec,
		PA:    0.6,
		X:     1 * skyimage.RadPerArcsec,
		Y:     -0.5 * skyimage.RadPerArcsec,
	}
	im, err = im.AddGauss(c)
	require.NoError(t, err)

	for _, uv := range [][2]float64{{0, 0}, {3e4, 0}, {0, 3e4}, {2e4, -4e4}} {
		want := GaussianVisibility(c, uv[0], uv[1])
		got := Predict(im, uv[0], uv[1])
		assert.InDelta(t, real(want), real(got), 5e-3, "u=%g v=%g", uv[0], uv[1])
		assert.InDelta(t, imag(want), imag(got), 5e-3, "u=%g v=%g", uv[0], uv[1])
	}
}

func TestSimulateIsReproducible(t *testing.T) {
	a := pointSourceObservation(t, 0.05)
	b := pointSourceObservation(t, 0.05)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("same seed gave different data (-a +b):\n%s", diff)
	}
	require.NoError(t, a.Validate())
	assert.Len(t, a.Times(), 4)
	assert.Len(t, a.Baselines(), 45)
	assert.InDelta(t, 1/(0.05*0.05), a.Vis[0].Weight, 1e-9)
}

func TestSimulateRejectsBadParams(t *testing.T) {
	p := NewSimulationParams(0, 0)
	p.Positions = p.Positions[:3]
	_, err := Simulate(p)
	assert.Error(t, err)

	p = NewSimulationParams(0, 0)
	p.Integrations = 0
	_, err = Simulate(p)
	assert.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	obs := pointSourceObservation(t, 0.01)
	path := filepath.Join(t.TempDir(), "obs.db")

	s, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, obs))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Antennas(ctx)
	require.NoError(t, err)
	assert.Equal(t, obs.Antennas, names)

	source, ra, dec, err := s.PhaseCenter(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SIM", source)
	assert.Equal(t, 150.0, ra)
	assert.Equal(t, 52.0, dec)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(obs, loaded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	stations := []int{2, 4, 6}
	selected, err := s.Select(ctx, stations)
	require.NoError(t, err)
	if diff := cmp.Diff(obs.Subset(stations), selected); diff != "" {
		t.Fatalf("select mismatch (-want +got):\n%s", diff)
	}

	empty, err := s.Select(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Vis)
}

func TestStoreNormalizesReversedBaselines(t *testing.T) {
	ctx := context.Background()
	obs := fourStation()
	obs.Vis = obs.Vis[:1]
	path := filepath.Join(t.TempDir(), "obs.db")

	s, err := Create(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Save(ctx, obs))

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO visibility (time, antenna1, antenna2, u, v, re, im, weight) VALUES (2, 3, 1, 10, 20, 1, 2, 1)`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO visibility (time, antenna1, antenna2, u, v, re, im, weight) VALUES (2, 2, 2, 0, 0, 5, 0, 1)`)
	require.NoError(t, err)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Vis, 2)
	got := loaded.Vis[1]
	assert.Equal(t, 1, got.Ant1)
	assert.Equal(t, 3, got.Ant2)
	assert.Equal(t, -10.0, got.U)
	assert.Equal(t, -20.0, got.V)
	assert.Equal(t, complex(1, -2), got.Value)
}

func TestOpenRejectsMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRenderPlots(t *testing.T) {
	obs := pointSourceObservation(t, 0.01)
	dir := t.TempDir()

	coverage := filepath.Join(dir, "u-v.png")
	amps := filepath.Join(dir, "uvdist-amp.png")
	require.NoError(t, obs.RenderCoverage(coverage))
	require.NoError(t, obs.RenderAmplitudes(amps))

	for _, path := range []string{coverage, amps} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.NotZero(t, info.Size())
	}
}
