package closureimager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"closureimager/internal/config"
	"closureimager/internal/observability"
	"closureimager/pkg/rml"
	"closureimager/pkg/skyimage"
	"closureimager/pkg/uvdata"
)

// BlurFraction scales the beam for every restoring blur.
const BlurFraction = 0.5

// Variant selects the data terms of an imaging loop. It is either
// SplitVariant or BispectrumVariant.
type Variant interface {
	Name() string
	DataTerms() []rml.DataTerm
	sealed()
}

// SplitVariant fits closure phases and closure amplitudes jointly.
type SplitVariant struct{}

// BispectrumVariant fits the bispectrum alone.
type BispectrumVariant struct{}

func (SplitVariant) Name() string { return config.ModeSplit }
func (SplitVariant) DataTerms() []rml.DataTerm {
	return []rml.DataTerm{rml.ClosurePhase, rml.ClosureAmplitude}
}
func (SplitVariant) sealed() {}

func (BispectrumVariant) Name() string              { return config.ModeBispectrum }
func (BispectrumVariant) DataTerms() []rml.DataTerm { return []rml.DataTerm{rml.Bispectrum} }
func (BispectrumVariant) sealed()                   {}

// VariantFor maps a single data mode name to its variant.
func VariantFor(mode string) (Variant, error) {
	switch mode {
	case config.ModeSplit:
		return SplitVariant{}, nil
	case config.ModeBispectrum:
		return BispectrumVariant{}, nil
	}
	return nil, fmt.Errorf("no imaging variant for data mode %q", mode)
}

// Optimizer is the regularized imager invoked by each pass.
type Optimizer interface {
	Reconstruct(ctx context.Context, req rml.Request) (rml.Result, error)
}

// LoopParams are the stopping criteria and weights shared by both passes.
type LoopParams struct {
	Flux        float64
	DataWeight  float64
	Regularizer rml.Regularizer
	RegWeight   float64
	FluxWeight  float64
	ClipFloor   float64
	MaxIter     int
	Stop        float64
}

// ParamsFromConfig builds loop parameters for a target flux.
func ParamsFromConfig(cfg config.Config, flux float64) LoopParams {
	return LoopParams{
		Flux:        flux,
		DataWeight:  cfg.DataWeight,
		Regularizer: rml.Regularizer(cfg.Regularizer),
		RegWeight:   cfg.RegWeight,
		FluxWeight:  cfg.FluxWeight,
		ClipFloor:   cfg.ClipFloor,
		MaxIter:     cfg.MaxIter,
		Stop:        cfg.Convergence,
	}
}

func (p LoopParams) request(obs *uvdata.Observation, seed *skyimage.Image, v Variant) rml.Request {
	terms := v.DataTerms()
	weights := make([]float64, len(terms))
	for i := range weights {
		weights[i] = p.DataWeight
	}
	return rml.Request{
		Obs:          obs,
		Init:         seed,
		Prior:        seed,
		Flux:         p.Flux,
		DataTerms:    terms,
		DataWeights:  weights,
		Regularizers: []rml.Regularizer{p.Regularizer},
		RegWeights:   []float64{p.RegWeight},
		FluxWeight:   p.FluxWeight,
		ClipFloor:    p.ClipFloor,
		MaxIter:      p.MaxIter,
		Stop:         p.Stop,
	}
}

// Pass is one optimizer invocation and the beam-blurred copy of its image.
type Pass struct {
	Index      int
	Image      *skyimage.Image
	Blurred    *skyimage.Image
	Iterations int
	Converged  bool
	Status     string
	Chi2       map[rml.DataTerm]float64
	Duration   time.Duration
}

// LoopResult holds both passes of one variant. Passes[1].Blurred is the
// final image; ResolutionBlur is the diagnostic blur of the last pass at
// the array's maximum resolution.
type LoopResult struct {
	Variant        Variant
	Passes         [2]Pass
	ResolutionBlur *skyimage.Image
	Warnings       []Warning
}

// ImagingLoop runs the two-pass restart around an Optimizer.
type ImagingLoop struct {
	opt     Optimizer
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *observability.Collector
}

// NewImagingLoop wires an optimizer with logging, tracing and metrics.
// Nil logger and tracer fall back to no-ops; a nil collector records
// nothing.
func NewImagingLoop(opt Optimizer, logger *zap.Logger, tracer trace.Tracer, metrics *observability.Collector) *ImagingLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = observability.Tracer()
	}
	return &ImagingLoop{opt: opt, logger: logger, tracer: tracer, metrics: metrics}
}

// Run images obs twice. Pass 0 is seeded with prior; its result blurred
// by beam at BlurFraction seeds pass 1. Reaching the iteration limit in
// either pass yields an OptimizerNonConvergence warning, not an error.
func (l *ImagingLoop) Run(ctx context.Context, obs *uvdata.Observation, prior *skyimage.Image,
	beam skyimage.Beam, resolution float64, v Variant, p LoopParams) (LoopResult, error) {
	out := LoopResult{Variant: v}
	seed := prior
	for i := range out.Passes {
		pass, warnings, err := l.pass(ctx, obs, seed, v, p, i)
		if err != nil {
			return LoopResult{}, err
		}
		pass.Blurred = pass.Image.Blur(beam, BlurFraction)
		out.Passes[i] = pass
		out.Warnings = append(out.Warnings, warnings...)
		seed = pass.Blurred
	}
	out.ResolutionBlur = out.Passes[1].Image.Blur(skyimage.IsotropicBeam(resolution), BlurFraction)
	return out, nil
}

func (l *ImagingLoop) pass(ctx context.Context, obs *uvdata.Observation, seed *skyimage.Image,
	v Variant, p LoopParams, index int) (Pass, []Warning, error) {
	ctx, span := l.tracer.Start(ctx, "imaging.pass", trace.WithAttributes(
		attribute.String("variant", v.Name()),
		attribute.Int("pass", index),
	))
	defer span.End()

	res, err := l.opt.Reconstruct(ctx, p.request(obs, seed, v))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Pass{}, nil, fmt.Errorf("%s pass %d: %w", v.Name(), index, err)
	}
	span.SetAttributes(
		attribute.Int("iterations", res.Iterations),
		attribute.Bool("converged", res.Converged),
	)
	l.metrics.SetOptimizer(v.Name(), index, res.Iterations, res.Converged)
	l.logger.Info("imaging pass finished",
		zap.String("variant", v.Name()),
		zap.Int("pass", index),
		zap.Int("iterations", res.Iterations),
		zap.Bool("converged", res.Converged),
		zap.String("status", res.Status),
		zap.Float64("flux_jy", res.Image.Total()),
		zap.Duration("duration", res.Duration))

	var warnings []Warning
	if !res.Converged {
		warnings = append(warnings, Warning{
			Kind:    OptimizerNonConvergence,
			Message: "optimizer stopped before convergence, keeping the last iterate",
			Detail:  fmt.Sprintf("%s pass %d: %d iterations, status %s", v.Name(), index, res.Iterations, res.Status),
		})
	}
	if index == 0 {
		for _, term := range res.EmptyTerms {
			warnings = append(warnings, Warning{
				Kind:    EmptyClosureSet,
				Message: "data term has no closure quantities",
				Detail:  fmt.Sprintf("%s term %s", v.Name(), term),
			})
		}
	}
	return Pass{
		Index:      index,
		Image:      res.Image,
		Iterations: res.Iterations,
		Converged:  res.Converged,
		Status:     res.Status,
		Chi2:       res.Chi2,
		Duration:   res.Duration,
	}, warnings, nil
}
