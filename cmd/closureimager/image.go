package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"closureimager/internal/config"
	"closureimager/internal/observability"
	"closureimager/pkg/closureimager"
	"closureimager/pkg/uvdata"
)

type imageFlags struct {
	ctels, rtels, matchMode string
	npix, maxIter           int
	fov, zbl, priorFWHM     float64
	clipFloor, convergence  float64
	imfile, outputDir       string
	catalog                 string
	useBS, both, scratch    bool
	plots, diagnostics      bool
	metricsTextfile         string
	trace                   bool
}

func newImageCmd(a *app) *cobra.Command {
	return imageCmd(a, &imageFlags{})
}

func imageCmd(a *app, f *imageFlags) *cobra.Command {
	def := config.Default()
	cmd := &cobra.Command{
		Use:   "image <store>",
		Short: "Image a measurement store",
		Long: `Selects the requested stations, estimates the zero-baseline flux, builds a
prior and runs the two-pass imaging loop, writing FITS products named after
the output stem.

Flags override values from the configuration file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			cfg.Input = args[0]
			f.apply(cmd.Flags().Changed, &cfg)
			return a.runImage(cmd, cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.ctels, "ctels", def.Telescopes, "semicolon separated list of stations to image")
	fl.StringVar(&f.rtels, "rtels", "", "semicolon separated list of stations to remove")
	fl.StringVar(&f.matchMode, "match-mode", def.MatchMode, "station name matching: prefix or exact")
	fl.IntVar(&f.npix, "npix", def.Npix, "number of pixels across the image")
	fl.Float64Var(&f.fov, "fov", def.FOV, "field of view in arcsec")
	fl.Float64Var(&f.zbl, "zbl", def.ZBL, "zero-baseline flux in Jy, 0 estimates it from the data")
	fl.Float64Var(&f.priorFWHM, "prior-fwhm", def.PriorFWHM, "FWHM of the circular Gaussian prior in arcsec")
	fl.StringVar(&f.imfile, "imfile", def.Stem, "stem for output files")
	fl.StringVar(&f.outputDir, "output-dir", def.OutputDir, "directory for output files")
	fl.IntVar(&f.maxIter, "maxiter", def.MaxIter, "maximum optimizer iterations per pass")
	fl.Float64Var(&f.clipFloor, "clipfloor", def.ClipFloor, "prior value in Jy/pixel below which pixels are held at zero")
	fl.Float64Var(&f.convergence, "convg", def.Convergence, "relative objective change that counts as convergence")
	fl.BoolVar(&f.useBS, "use-bs", false, "fit the bispectrum instead of closure phases and amplitudes")
	fl.BoolVar(&f.both, "both", false, "run the split and bispectrum variants concurrently")
	fl.BoolVar(&f.scratch, "scratch-model", false, "use a circular Gaussian prior instead of the catalogue")
	fl.StringVar(&f.catalog, "catalog", def.Catalog, "source catalogue (.fits or .csv)")
	fl.BoolVar(&f.plots, "doplots", false, "write u-v plots and PNG previews")
	fl.BoolVar(&f.diagnostics, "diagnostics", false, "write dirty beam, clean beam and dirty image")
	fl.StringVar(&f.metricsTextfile, "metrics-textfile", "", "write prometheus metrics to this file")
	fl.BoolVar(&f.trace, "trace", false, "print OpenTelemetry spans to stdout")
	return cmd
}

// apply copies every flag the user set onto cfg.
func (f *imageFlags) apply(changed func(string) bool, cfg *config.Config) {
	set := func(name string, fn func()) {
		if changed(name) {
			fn()
		}
	}
	set("ctels", func() { cfg.Telescopes = f.ctels })
	set("rtels", func() { cfg.Exclude = f.rtels })
	set("match-mode", func() { cfg.MatchMode = f.matchMode })
	set("npix", func() { cfg.Npix = f.npix })
	set("fov", func() { cfg.FOV = f.fov })
	set("zbl", func() { cfg.ZBL = f.zbl })
	set("prior-fwhm", func() { cfg.PriorFWHM = f.priorFWHM })
	set("imfile", func() { cfg.Stem = f.imfile })
	set("output-dir", func() { cfg.OutputDir = f.outputDir })
	set("maxiter", func() { cfg.MaxIter = f.maxIter })
	set("clipfloor", func() { cfg.ClipFloor = f.clipFloor })
	set("convg", func() { cfg.Convergence = f.convergence })
	set("use-bs", func() {
		cfg.DataMode = config.ModeSplit
		if f.useBS {
			cfg.DataMode = config.ModeBispectrum
		}
	})
	set("both", func() {
		switch {
		case f.both:
			cfg.DataMode = config.ModeBoth
		case cfg.DataMode == config.ModeBoth:
			cfg.DataMode = config.ModeSplit
		}
	})
	set("scratch-model", func() { cfg.UseCatalog = !f.scratch })
	set("catalog", func() { cfg.Catalog = f.catalog })
	set("doplots", func() { cfg.Plots = f.plots })
	set("diagnostics", func() { cfg.Diagnostics = f.diagnostics })
	set("metrics-textfile", func() { cfg.Metrics.Textfile = f.metricsTextfile })
	set("trace", func() { cfg.Tracing.Enabled = f.trace })
}

func (a *app) runImage(cmd *cobra.Command, cfg config.Config) error {
	ctx := cmd.Context()
	logger := a.logger

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(ctx, shutdown, logger)

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewCollector(reg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Textfile != "" {
		defer func() {
			if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
				logger.Warn("metrics export failed", zap.Error(err))
			}
		}()
	}

	store, err := uvdata.Open(cfg.Input)
	if err != nil {
		return err
	}
	defer store.Close()

	pipeline, err := closureimager.New(cfg, closureimager.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}
	report, err := pipeline.Run(ctx, store)
	if report != nil {
		printReport(cmd, report)
	}
	var cerr *closureimager.ConfigurationError
	if errors.As(err, &cerr) {
		return fmt.Errorf("nothing imaged: %w", err)
	}
	return err
}

func printReport(cmd *cobra.Command, r *closureimager.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "=== Closure Imaging (%s) ===\n", r.Source)
	fmt.Fprintf(out, "  Antennas:        %v\n", r.Antennas)
	if len(r.Unresolved) > 0 {
		fmt.Fprintf(out, "  Not found:       %v\n", r.Unresolved)
	}
	if r.ZBL.Flux > 0 {
		fmt.Fprintf(out, "  Zero baseline:   %.4f Jy (%s)\n", r.ZBL.Flux, r.ZBL.Source)
	}
	if r.Beam.MajorArcsec > 0 {
		fmt.Fprintf(out, "  Beam:            %.3f\" x %.3f\" PA %.1f\n", r.Beam.MajorArcsec, r.Beam.MinorArcsec, r.Beam.PADeg)
		fmt.Fprintf(out, "  Resolution:      %.3f\"\n", r.ResolutionArcsec)
	}
	if r.Prior.Mode != "" {
		fmt.Fprintf(out, "  Prior:           %s, %d component(s), FOV %.1f\"\n", r.Prior.Mode, len(r.Prior.Components), r.Prior.FOVArcsec)
	}
	for _, v := range r.Variants {
		for _, p := range v.Passes {
			fmt.Fprintf(out, "  %-10s pass %d  iterations=%d converged=%t flux=%.4f\n", v.Name, p.Pass, p.Iterations, p.Converged, p.FluxJy)
		}
		fmt.Fprintf(out, "  %-10s products: %v\n", v.Name, v.Products)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(out, "  WARNING %s\n", w)
	}
	fmt.Fprintln(out, "==============================")
}
