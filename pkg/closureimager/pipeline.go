// Package closureimager reconstructs sky images from closure quantities of
// a sparse interferometer sub-array.
//
// A run selects antennas, checks the weight regime, estimates the
// zero-baseline flux, builds a prior, runs the two-pass imaging loop for
// each data-term variant and writes the named image products.
package closureimager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"closureimager/internal/config"
	"closureimager/internal/observability"
	"closureimager/pkg/catalog"
	"closureimager/pkg/rml"
	"closureimager/pkg/skyimage"
	"closureimager/pkg/uvdata"
)

// Dataset is the measurement collaborator. *uvdata.Store implements it.
type Dataset interface {
	Antennas(ctx context.Context) ([]string, error)
	PhaseCenter(ctx context.Context) (name string, ra, dec float64, err error)
	Select(ctx context.Context, stations []int) (*uvdata.Observation, error)
}

// Options carries the collaborators of a Pipeline. Every field is optional.
type Options struct {
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Metrics   *observability.Collector
	Optimizer Optimizer
	// Catalog overrides loading the configured catalogue path.
	Catalog *catalog.Catalog
}

// Pipeline runs the imaging stages for one configuration.
type Pipeline struct {
	cfg     config.Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *observability.Collector
	loop    *ImagingLoop
	priors  *PriorBuilder
}

// New validates cfg and prepares a pipeline. In catalogue mode without
// opts.Catalog the catalogue is loaded from cfg.Catalog.
func New(cfg config.Config, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Stage: "config", Reason: "invalid configuration", Err: err}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}
	opt := opts.Optimizer
	if opt == nil {
		opt = rml.NewImager(logger.Named("rml"))
	}

	cat := opts.Catalog
	if cfg.UseCatalog && cat == nil {
		if cfg.Catalog == "" {
			return nil, configErr("catalog", "catalog mode is enabled but no catalogue is configured")
		}
		var err error
		if cat, err = catalog.Load(cfg.Catalog); err != nil {
			return nil, &ConfigurationError{Stage: "catalog", Reason: "cannot load catalogue", Err: err}
		}
		logger.Info("catalogue loaded", zap.String("name", cat.Name), zap.Int("sources", cat.Len()))
	}
	priors, err := NewPriorBuilder(cfg, cat, logger)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		metrics: opts.Metrics,
		loop:    NewImagingLoop(opt, logger, tracer, opts.Metrics),
		priors:  priors,
	}, nil
}

// Run executes every stage against ds. Configuration errors abort before
// the optimizer is called; warnings are collected in the report.
func (p *Pipeline) Run(ctx context.Context, ds Dataset) (*Report, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "closureimager.run")
	defer span.End()

	report := &Report{}
	var (
		sel    Selection
		obs    *uvdata.Observation
		zbl    ZBLEstimate
		beam   skyimage.Beam
		res    float64
		prior  Prior
		result []LoopResult
	)

	err := p.stage(ctx, "select", func(ctx context.Context) error {
		table, err := ds.Antennas(ctx)
		if err != nil {
			return fmt.Errorf("read antenna table: %w", err)
		}
		sel, err = SelectAntennas(table, p.cfg.Telescopes, p.cfg.Exclude, p.cfg.MatchMode)
		report.Unresolved = sel.Unresolved
		for _, name := range sel.Unresolved {
			p.warn(report, Warning{Kind: UnresolvedName, Message: "telescope not found in the antenna table", Detail: name})
		}
		if err != nil {
			return err
		}
		report.Antennas = sel.Names
		p.metrics.SetRun(len(sel.Indices), 0)
		p.logger.Info("antennas selected", zap.Strings("antennas", sel.Names), zap.Int("baselines", len(sel.Baselines())))

		if obs, err = ds.Select(ctx, sel.Indices); err != nil {
			return fmt.Errorf("select baselines: %w", err)
		}
		report.Source, report.RA, report.Dec, err = ds.PhaseCenter(ctx)
		if err != nil {
			return fmt.Errorf("read phase centre: %w", err)
		}
		return nil
	})
	if err != nil {
		return report, p.fail(span, err)
	}

	err = p.stage(ctx, "validate", func(context.Context) error {
		checked, w, err := CheckWeights(obs)
		if err != nil {
			return err
		}
		if w != nil {
			p.warn(report, *w)
		}
		obs = checked
		return nil
	})
	if err != nil {
		return report, p.fail(span, err)
	}

	err = p.stage(ctx, "zbl", func(context.Context) error {
		var err error
		zbl, err = EstimateZBL(obs, sel, p.cfg.ZBLPair, p.cfg.ZBL)
		report.ZBL = zbl
		if err != nil {
			return err
		}
		if zbl.Fallback {
			p.logger.Info("preferred zero-baseline pair not selected, using the first two antennas",
				zap.Strings("preferred", p.cfg.ZBLPair[:]),
				zap.String("ant1", zbl.Ant1), zap.String("ant2", zbl.Ant2))
		}
		p.metrics.SetRun(len(sel.Indices), zbl.Flux)
		p.logger.Info("zero baseline flux", zap.Float64("flux_jy", zbl.Flux), zap.String("source", zbl.Source))
		return nil
	})
	if err != nil {
		return report, p.fail(span, err)
	}

	err = p.stage(ctx, "beam", func(context.Context) error {
		var err error
		if beam, err = obs.FitBeam(); err != nil {
			return fmt.Errorf("fit beam: %w", err)
		}
		if res, err = obs.Resolution(); err != nil {
			return fmt.Errorf("maximum resolution: %w", err)
		}
		report.Beam = newBeamReport(beam)
		report.ResolutionArcsec = res * skyimage.ArcsecPerRad
		p.logger.Info("beam fitted",
			zap.Float64("major_arcsec", report.Beam.MajorArcsec),
			zap.Float64("minor_arcsec", report.Beam.MinorArcsec),
			zap.Float64("pa_deg", report.Beam.PADeg),
			zap.Float64("resolution_arcsec", report.ResolutionArcsec))
		return p.diagnostics(obs, report)
	})
	if err != nil {
		return report, p.fail(span, err)
	}

	err = p.stage(ctx, "prior", func(context.Context) error {
		var (
			w   *Warning
			err error
		)
		prior, w, err = p.priors.Build(report.RA, report.Dec, zbl.Flux)
		if err != nil {
			return err
		}
		if w != nil {
			p.warn(report, *w)
		}
		report.Prior = PriorReport{Mode: prior.Mode, FOVArcsec: prior.FOVArcsec}
		for _, c := range prior.Components {
			report.Prior.Components = append(report.Prior.Components, newComponentReport(c))
		}
		return nil
	})
	if err != nil {
		return report, p.fail(span, err)
	}

	err = p.stage(ctx, "imaging", func(ctx context.Context) error {
		var err error
		result, err = p.image(ctx, obs, prior.Image, beam, res, zbl.Flux)
		return err
	})
	if err != nil {
		return report, p.fail(span, err)
	}
	for _, r := range result {
		for _, w := range r.Warnings {
			p.warn(report, w)
		}
	}

	err = p.stage(ctx, "output", func(context.Context) error {
		return p.output(result, report)
	})
	if err != nil {
		return report, p.fail(span, err)
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("warnings", len(report.Warnings)),
		attribute.Bool("converged", report.Converged()),
	)
	if err := report.WriteYAML(filepath.Join(p.cfg.OutputDir, p.cfg.Stem+"report.yaml")); err != nil {
		return report, p.fail(span, err)
	}
	p.logger.Info("done", zap.Duration("duration", report.Duration), zap.Int("warnings", len(report.Warnings)))
	return report, nil
}

// image runs one loop per configured variant. Several variants run
// concurrently, each on its own copy of the data and prior.
func (p *Pipeline) image(ctx context.Context, obs *uvdata.Observation, prior *skyimage.Image,
	beam skyimage.Beam, res, flux float64) ([]LoopResult, error) {
	modes := p.cfg.Variants()
	params := ParamsFromConfig(p.cfg, flux)
	variants := make([]Variant, len(modes))
	for i, mode := range modes {
		v, err := VariantFor(mode)
		if err != nil {
			return nil, err
		}
		variants[i] = v
	}

	if len(variants) == 1 {
		r, err := p.loop.Run(ctx, obs.Clone(), prior.Clone(), beam, res, variants[0], params)
		if err != nil {
			return nil, err
		}
		return []LoopResult{r}, nil
	}

	results := make([]LoopResult, len(variants))
	g, ctx := errgroup.WithContext(ctx)
	for i, v := range variants {
		obs, prior := obs.Clone(), prior.Clone()
		g.Go(func() error {
			r, err := p.loop.Run(ctx, obs, prior, beam, res, v, params)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) output(results []LoopResult, report *Report) error {
	dir := p.cfg.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, r := range results {
		products := AssembleProducts(p.cfg.Stem, r)
		paths, err := WriteProducts(dir, products, report.Source, p.cfg.Plots)
		if err != nil {
			return err
		}
		names := make([]string, len(products))
		for i, prod := range products {
			names[i] = prod.Name
			p.metrics.IncProduct("image")
		}
		p.logger.Info("image products written", zap.String("variant", r.Variant.Name()), zap.Strings("paths", paths))
		report.Variants = append(report.Variants, newVariantReport(r, names))

		if p.cfg.Diagnostics {
			name := products[len(products)-2].Name + "_res_blur"
			path := filepath.Join(dir, name+".fits")
			if err := skyimage.WriteFITSFile(path, r.ResolutionBlur, report.Source); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
			report.Diagnostics = append(report.Diagnostics, path)
			p.metrics.IncProduct("diagnostic")
		}
	}
	return nil
}

// diagnostics writes the dirty beam, clean beam and dirty image and the
// u-v plots when enabled.
func (p *Pipeline) diagnostics(obs *uvdata.Observation, report *Report) error {
	dir := p.cfg.OutputDir
	if !p.cfg.Diagnostics && !p.cfg.Plots {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if p.cfg.Plots {
		plots := []struct {
			name   string
			render func(string) error
		}{
			{"u-v.png", obs.RenderCoverage},
			{"uvdist-amp.png", obs.RenderAmplitudes},
		}
		for _, plot := range plots {
			path := filepath.Join(dir, p.cfg.Stem+plot.name)
			if err := plot.render(path); err != nil {
				return fmt.Errorf("plot %s: %w", plot.name, err)
			}
			report.Plots = append(report.Plots, path)
			p.metrics.IncProduct("plot")
		}
	}
	if !p.cfg.Diagnostics {
		return nil
	}

	fov := p.cfg.FOV * skyimage.RadPerArcsec
	products := []struct {
		name  string
		build func(int, float64) (*skyimage.Image, error)
	}{
		{"dirty_beam", obs.DirtyBeam},
		{"clean_beam", obs.CleanBeam},
		{"dirty_image", obs.DirtyImage},
	}
	for _, d := range products {
		im, err := d.build(p.cfg.Npix, fov)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		path := filepath.Join(dir, p.cfg.Stem+d.name+".fits")
		if err := skyimage.WriteFITSFile(path, im, report.Source); err != nil {
			return fmt.Errorf("write %s: %w", d.name, err)
		}
		report.Diagnostics = append(report.Diagnostics, path)
		p.metrics.IncProduct("diagnostic")
	}
	return nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) warn(report *Report, w Warning) {
	report.Warnings = append(report.Warnings, w)
	p.metrics.IncWarning(string(w.Kind))
	p.logger.Warn(w.Message, zap.String("kind", string(w.Kind)), zap.String("detail", w.Detail))
}

func (p *Pipeline) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.logger.Error("run failed", zap.Error(err))
	return err
}
