package closureimager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"closureimager/internal/config"
	"closureimager/internal/observability"
	"closureimager/pkg/catalog"
	"closureimager/pkg/uvdata"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fourStationStore writes a synthetic observation of two core and two
// international stations; only the latter match the default telescope list.
func fourStationStore(t *testing.T) *uvdata.Store {
	t.Helper()
	names, positions := uvdata.DefaultArray()
	p := uvdata.NewSimulationParams(150, 52)
	p.Antennas = []string{names[0], names[2], names[1], names[6]}
	p.Positions = [][3]float64{positions[0], positions[2], positions[1], positions[6]}
	p.Integrations = 12
	p.Noise = 0.001
	obs, err := uvdata.Simulate(p)
	require.NoError(t, err)

	store, err := uvdata.Create(filepath.Join(t.TempDir(), "obs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Save(context.Background(), obs))
	return store
}

func e2eConfig(t *testing.T, mode string) config.Config {
	cfg := config.Default()
	cfg.Npix = 16
	cfg.MaxIter = 5
	cfg.UseCatalog = false
	cfg.DataMode = mode
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	return cfg
}

func fitsFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.fits"))
	require.NoError(t, err)
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = filepath.Base(m)
	}
	sort.Strings(names)
	return names
}

func TestPipelineEndToEnd(t *testing.T) {
	cases := []struct {
		mode     string
		products []string
	}{
		{config.ModeSplit, []string{"ehtim_0_im.fits", "ehtim_0_im_blur.fits", "ehtimim.fits", "ehtimim_blur.fits"}},
		{config.ModeBispectrum, []string{"bs_ehtimim.fits", "bs_ehtimim_blur.fits"}},
	}
	for _, tc := range cases {
		t.Run(tc.mode, func(t *testing.T) {
			store := fourStationStore(t)
			cfg := e2eConfig(t, tc.mode)

			p, err := New(cfg, Options{})
			require.NoError(t, err)
			report, err := p.Run(context.Background(), store)
			require.NoError(t, err)

			assert.Equal(t, tc.products, fitsFiles(t, cfg.OutputDir))
			assert.Equal(t, []string{"DE601HBA", "DE605HBA"}, report.Antennas)
			assert.Len(t, report.Unresolved, 11)
			assert.InDelta(t, 1.0, report.ZBL.Flux, 0.02)
			assert.Equal(t, ZBLBaseline, report.ZBL.Source)
			assert.False(t, report.ZBL.Fallback)
			require.Len(t, report.Variants, 1)
			assert.Len(t, report.Variants[0].Passes, 2)
			assert.Greater(t, report.Beam.MajorArcsec, 0.0)
			assert.Greater(t, report.ResolutionArcsec, 0.0)
			assert.FileExists(t, filepath.Join(cfg.OutputDir, "ehtimreport.yaml"))

			// a single baseline has no closure quantities
			empty := 0
			for _, w := range report.Warnings {
				if w.Kind == EmptyClosureSet {
					empty++
				}
			}
			assert.Equal(t, len(mustVariant(t, tc.mode).DataTerms()), empty)
		})
	}
}

func mustVariant(t *testing.T, mode string) Variant {
	t.Helper()
	v, err := VariantFor(mode)
	require.NoError(t, err)
	return v
}

func TestPipelineBothModesRunConcurrently(t *testing.T) {
	store := fourStationStore(t)
	cfg := e2eConfig(t, config.ModeBoth)
	opt := &fakeOptimizer{iterations: 4, converged: true}

	p, err := New(cfg, Options{Optimizer: opt})
	require.NoError(t, err)
	report, err := p.Run(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, 4, opt.count())
	assert.Len(t, fitsFiles(t, cfg.OutputDir), 6)
	require.Len(t, report.Variants, 2)
	assert.Equal(t, config.ModeSplit, report.Variants[0].Name)
	assert.Equal(t, config.ModeBispectrum, report.Variants[1].Name)
	assert.True(t, report.Converged())
}

func TestPipelineOptimizerFailure(t *testing.T) {
	for _, mode := range []string{config.ModeSplit, config.ModeBoth} {
		t.Run(mode, func(t *testing.T) {
			store := fourStationStore(t)
			cfg := e2eConfig(t, mode)
			boom := errors.New("optimizer exploded")
			opt := &fakeOptimizer{err: boom}

			p, err := New(cfg, Options{Optimizer: opt})
			require.NoError(t, err)
			report, err := p.Run(context.Background(), store)

			assert.ErrorIs(t, err, boom)
			assert.Empty(t, report.Variants)
			assert.NoDirExists(t, cfg.OutputDir)
			// each variant stops at its first pass
			assert.LessOrEqual(t, opt.count(), len(cfg.Variants()))
			assert.GreaterOrEqual(t, opt.count(), 1)
		})
	}
}

func TestPipelineObservability(t *testing.T) {
	store := fourStationStore(t)
	cfg := e2eConfig(t, config.ModeSplit)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewCollector(reg)
	require.NoError(t, err)
	core, logs := observer.New(zap.InfoLevel)

	p, err := New(cfg, Options{
		Logger:    zap.New(core),
		Tracer:    tp.Tracer("test"),
		Metrics:   metrics,
		Optimizer: &fakeOptimizer{iterations: 300},
	})
	require.NoError(t, err)
	report, err := p.Run(context.Background(), store)
	require.NoError(t, err)
	assert.False(t, report.Converged())

	spans := map[string]int{}
	for _, s := range sr.Ended() {
		spans[s.Name()]++
	}
	for _, name := range []string{"closureimager.run", "select", "validate", "zbl", "beam", "prior", "imaging", "output"} {
		assert.Equal(t, 1, spans[name], name)
	}
	assert.Equal(t, 2, spans["imaging.pass"])

	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.Products.WithLabelValues("image")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Warnings.WithLabelValues(string(OptimizerNonConvergence))))
	assert.Equal(t, 11.0, testutil.ToFloat64(metrics.Warnings.WithLabelValues(string(UnresolvedName))))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Antennas))
	assert.Equal(t, 300.0, testutil.ToFloat64(metrics.OptimizerIterations.WithLabelValues(config.ModeSplit, "1")))

	assert.Equal(t, 11, logs.FilterMessage("telescope not found in the antenna table").Len())
	assert.Equal(t, 2, logs.FilterField(zap.String("kind", string(OptimizerNonConvergence))).Len())
}

func TestPipelineConfigurationErrorStopsBeforeImaging(t *testing.T) {
	store := fourStationStore(t)
	cfg := e2eConfig(t, config.ModeSplit)
	cfg.Telescopes = "DE601;UK608"
	opt := &fakeOptimizer{converged: true}

	p, err := New(cfg, Options{Optimizer: opt})
	require.NoError(t, err)
	report, err := p.Run(context.Background(), store)

	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 0, opt.count())
	assert.Equal(t, []string{"UK608"}, report.Unresolved)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, UnresolvedName, report.Warnings[0].Kind)
	assert.NoDirExists(t, cfg.OutputDir)
}

func TestPipelineRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Npix = 0
	_, err := New(cfg, Options{})
	var cerr *ConfigurationError
	assert.True(t, errors.As(err, &cerr))

	cfg = config.Default()
	cfg.Catalog = filepath.Join(t.TempDir(), "missing.csv")
	_, err = New(cfg, Options{})
	assert.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPipelineCatalogPriorAndDiagnostics(t *testing.T) {
	store := fourStationStore(t)
	cfg := e2eConfig(t, config.ModeBispectrum)
	cfg.UseCatalog = true
	cfg.ZBL = 1.0
	cfg.Diagnostics = true
	cfg.Plots = true
	cat := &catalog.Catalog{Name: "first", Sources: []catalog.Source{
		{RA: 150.0002, Dec: 52.0001, Flux: 0.25, Major: 3, Minor: 2, PA: 40},
	}}

	p, err := New(cfg, Options{Catalog: cat, Optimizer: &fakeOptimizer{converged: true}})
	require.NoError(t, err)
	report, err := p.Run(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, ZBLEstimate{Flux: 1.0, Source: ZBLOverride}, report.ZBL)
	assert.Equal(t, PriorCatalog, report.Prior.Mode)
	assert.Equal(t, 10.0, report.Prior.FOVArcsec)
	require.Len(t, report.Prior.Components, 1)
	assert.InDelta(t, 1.0, report.Prior.Components[0].FluxJy, 1e-12)

	for _, name := range []string{
		"ehtimdirty_beam.fits", "ehtimclean_beam.fits", "ehtimdirty_image.fits", "bs_ehtimim_res_blur.fits",
		"ehtimu-v.png", "ehtimuvdist-amp.png", "bs_ehtimim.png", "bs_ehtimim_blur.png",
	} {
		assert.FileExists(t, filepath.Join(cfg.OutputDir, name))
	}
	assert.Len(t, report.Diagnostics, 4)
	assert.Len(t, report.Plots, 2)
}
