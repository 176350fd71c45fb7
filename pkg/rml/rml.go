// Package rml reconstructs images from closure quantities by regularized
// maximum likelihood: it minimizes weighted data chi-squares plus regularizer
// penalties over a positive, masked pixel grid with L-BFGS.
package rml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"closureimager/pkg/skyimage"
	"closureimager/pkg/uvdata"
)

// DataTerm names a data chi-square.
type DataTerm string

const (
	Bispectrum       DataTerm = "bs"
	ClosurePhase     DataTerm = "cphase"
	ClosureAmplitude DataTerm = "camp"
)

// Regularizer names an image penalty.
type Regularizer string

const (
	// GullSkilling is the entropy of the image relative to the prior.
	GullSkilling Regularizer = "gs"
	// L1 penalizes total pixel brightness.
	L1 Regularizer = "l1"
)

// ParseDataTerm validates a data term name.
func ParseDataTerm(s string) (DataTerm, error) {
	switch d := DataTerm(s); d {
	case Bispectrum, ClosurePhase, ClosureAmplitude:
		return d, nil
	}
	return "", fmt.Errorf("unknown data term %q", s)
}

// ParseRegularizer validates a regularizer name.
func ParseRegularizer(s string) (Regularizer, error) {
	switch r := Regularizer(s); r {
	case GullSkilling, L1:
		return r, nil
	}
	return "", fmt.Errorf("unknown regularizer %q", s)
}

// Request is one optimizer invocation.
type Request struct {
	Obs *uvdata.Observation
	// Init seeds the optimizer; Prior is the regularizer reference and
	// defines the support through ClipFloor. Both must share geometry.
	Init  *skyimage.Image
	Prior *skyimage.Image
	// Flux is the target total flux in Jy.
	Flux float64

	DataTerms    []DataTerm
	DataWeights  []float64
	Regularizers []Regularizer
	RegWeights   []float64
	FluxWeight   float64

	// Pixels whose prior value is at or below ClipFloor are held at zero.
	ClipFloor float64
	MaxIter   int
	// Stop is the relative objective decrease below which the run counts
	// as converged.
	Stop float64
}

// Validate checks the request before any work is done.
func (r Request) Validate() error {
	if r.Obs == nil {
		return errors.New("request has no observation")
	}
	if r.Init == nil || r.Prior == nil {
		return errors.New("request needs both an initial and a prior image")
	}
	if !r.Init.SameGeometry(r.Prior) {
		return fmt.Errorf("initial image %v and prior %v differ in geometry", r.Init, r.Prior)
	}
	if r.Flux <= 0 {
		return fmt.Errorf("target flux must be positive, got %g", r.Flux)
	}
	if len(r.DataTerms) == 0 {
		return errors.New("at least one data term is required")
	}
	if len(r.DataTerms) != len(r.DataWeights) {
		return fmt.Errorf("%d data terms but %d weights", len(r.DataTerms), len(r.DataWeights))
	}
	if len(r.Regularizers) != len(r.RegWeights) {
		return fmt.Errorf("%d regularizers but %d weights", len(r.Regularizers), len(r.RegWeights))
	}
	if r.ClipFloor < 0 {
		return fmt.Errorf("clip floor must be non-negative, got %g", r.ClipFloor)
	}
	if r.MaxIter <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", r.MaxIter)
	}
	if r.Stop <= 0 {
		return fmt.Errorf("convergence threshold must be positive, got %g", r.Stop)
	}
	return nil
}

// Result is the outcome of one invocation. The image is always the last
// iterate, converged or not.
type Result struct {
	Image      *skyimage.Image
	Iterations int
	Converged  bool
	Status     string
	Objective  float64
	// Chi2 holds the final reduced chi-square of each non-empty data term.
	Chi2 map[DataTerm]float64
	// EmptyTerms lists data terms with no closure quantities to fit.
	EmptyTerms []DataTerm
	Duration   time.Duration
}

// Imager runs Requests.
type Imager struct {
	logger *zap.Logger
}

// NewImager returns an Imager logging to logger, or nowhere when nil.
func NewImager(logger *zap.Logger) *Imager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Imager{logger: logger}
}

// Reconstruct minimizes the request's objective. Hitting MaxIter is not an
// error: the last iterate is returned with Converged false. Cancelling ctx
// stops the run at the next major iteration and returns ctx's error.
func (im *Imager) Reconstruct(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := time.Now()

	obj, x0, err := newObjective(req)
	if err != nil {
		return Result{}, err
	}
	for _, term := range obj.empty {
		im.logger.Warn("data term has no closure quantities",
			zap.String("term", string(term)),
			zap.Int("antennas", len(req.Obs.Antennas)),
			zap.Int("visibilities", len(req.Obs.Vis)))
	}

	problem := optimize.Problem{
		Func: obj.value,
		Grad: obj.gradient,
	}
	settings := &optimize.Settings{
		MajorIterations: req.MaxIter,
		Converger: &optimize.FunctionConverge{
			Relative:   req.Stop,
			Iterations: 1,
		},
		Recorder: &ctxRecorder{ctx: ctx},
	}

	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if res == nil || res.X == nil {
		return Result{}, fmt.Errorf("optimizer failed: %w", err)
	}
	if err != nil {
		im.logger.Warn("optimizer stopped early, keeping last iterate",
			zap.Error(err), zap.String("status", res.Status.String()))
	}

	out := Result{
		Image:      obj.image(res.X),
		Iterations: res.Stats.MajorIterations,
		Converged:  err == nil && converged(res.Status),
		Status:     res.Status.String(),
		Objective:  res.F,
		Chi2:       obj.chi2(res.X),
		EmptyTerms: obj.empty,
		Duration:   time.Since(start),
	}
	im.logger.Debug("reconstruction finished",
		zap.Int("iterations", out.Iterations),
		zap.Bool("converged", out.Converged),
		zap.String("status", out.Status),
		zap.Float64("objective", out.Objective),
		zap.Float64("flux", out.Image.Total()),
		zap.Duration("duration", out.Duration))
	return out, nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionConvergence, optimize.GradientThreshold,
		optimize.StepConvergence, optimize.MethodConverge, optimize.FunctionThreshold:
		return true
	}
	return false
}

// ctxRecorder aborts the optimization when its context is done.
type ctxRecorder struct {
	ctx context.Context
}

func (r *ctxRecorder) Init() error { return r.ctx.Err() }

func (r *ctxRecorder) Record(_ *optimize.Location, _ optimize.Operation, _ *optimize.Stats) error {
	return r.ctx.Err()
}

// logFloor bounds the log-pixel values so exp never overflows during line
// searches.
var (
	logFloor = -200.0
	logCeil  = math.Log(math.MaxFloat64) / 4
)
