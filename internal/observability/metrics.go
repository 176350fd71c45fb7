// Package observability wires prometheus metrics and OpenTelemetry tracing
// for imaging runs.
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the prometheus metrics of a run. A nil *Collector is
// valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	StageDurations      *prometheus.HistogramVec
	Warnings            *prometheus.CounterVec
	OptimizerIterations *prometheus.GaugeVec
	OptimizerConverged  *prometheus.GaugeVec
	Products            *prometheus.CounterVec
	ZeroBaselineFlux    prometheus.Gauge
	Antennas            prometheus.Gauge
}

// NewCollector registers the imaging metrics against reg, defaulting to the
// global registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	stages, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "closureimager_stage_duration_seconds",
		Help:    "Wall time of each pipeline stage in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	}, []string{"stage"}), "closureimager_stage_duration_seconds")
	if err != nil {
		return nil, err
	}
	warnings, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "closureimager_warnings_total",
		Help: "Non-fatal conditions raised during a run, labeled by kind.",
	}, []string{"kind"}), "closureimager_warnings_total")
	if err != nil {
		return nil, err
	}
	iterations, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "closureimager_optimizer_iterations",
		Help: "Iterations used by the last optimizer pass, labeled by variant and pass.",
	}, []string{"variant", "pass"}), "closureimager_optimizer_iterations")
	if err != nil {
		return nil, err
	}
	converged, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "closureimager_optimizer_converged",
		Help: "1 when the last optimizer pass converged, labeled by variant and pass.",
	}, []string{"variant", "pass"}), "closureimager_optimizer_converged")
	if err != nil {
		return nil, err
	}
	products, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "closureimager_products_total",
		Help: "Output files written, labeled by kind.",
	}, []string{"kind"}), "closureimager_products_total")
	if err != nil {
		return nil, err
	}
	zbl, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "closureimager_zero_baseline_flux_jy",
		Help: "Total flux density target used by the last run.",
	}), "closureimager_zero_baseline_flux_jy")
	if err != nil {
		return nil, err
	}
	antennas, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "closureimager_selected_antennas",
		Help: "Antennas retained by the selector in the last run.",
	}), "closureimager_selected_antennas")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:            gatherer,
		StageDurations:      stages,
		Warnings:            warnings,
		OptimizerIterations: iterations,
		OptimizerConverged:  converged,
		Products:            products,
		ZeroBaselineFlux:    zbl,
		Antennas:            antennas,
	}, nil
}

// ObserveStage records the duration of a named stage.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil || c.StageDurations == nil {
		return
	}
	c.StageDurations.WithLabelValues(stage).Observe(d.Seconds())
}

// IncWarning counts one warning of the given kind.
func (c *Collector) IncWarning(kind string) {
	if c == nil || c.Warnings == nil {
		return
	}
	c.Warnings.WithLabelValues(kind).Inc()
}

// SetOptimizer records the outcome of one optimizer pass.
func (c *Collector) SetOptimizer(variant string, pass, iterations int, converged bool) {
	if c == nil {
		return
	}
	label := fmt.Sprint(pass)
	if c.OptimizerIterations != nil {
		c.OptimizerIterations.WithLabelValues(variant, label).Set(float64(iterations))
	}
	if c.OptimizerConverged != nil {
		v := 0.0
		if converged {
			v = 1
		}
		c.OptimizerConverged.WithLabelValues(variant, label).Set(v)
	}
}

// IncProduct counts one written output of the given kind.
func (c *Collector) IncProduct(kind string) {
	if c == nil || c.Products == nil {
		return
	}
	c.Products.WithLabelValues(kind).Inc()
}

// SetRun records the per-run gauges.
func (c *Collector) SetRun(antennas int, zbl float64) {
	if c == nil {
		return
	}
	if c.Antennas != nil {
		c.Antennas.Set(float64(antennas))
	}
	if c.ZeroBaselineFlux != nil {
		c.ZeroBaselineFlux.Set(zbl)
	}
}

// WriteTextfile dumps every gathered metric in the node exporter textfile
// format.
func (c *Collector) WriteTextfile(path string) error {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	if err := prometheus.WriteToTextfile(path, gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
