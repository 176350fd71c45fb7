package closureimager

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"closureimager/pkg/skyimage"
)

// Report summarises a run for the caller and is written next to the
// products as YAML.
type Report struct {
	Source     string   `yaml:"source"`
	RA         float64  `yaml:"ra_deg"`
	Dec        float64  `yaml:"dec_deg"`
	Antennas   []string `yaml:"antennas"`
	Unresolved []string `yaml:"unresolved,omitempty"`

	ZBL              ZBLEstimate `yaml:"zero_baseline"`
	Beam             BeamReport  `yaml:"beam"`
	ResolutionArcsec float64     `yaml:"resolution_arcsec"`
	Prior            PriorReport `yaml:"prior"`

	Variants    []VariantReport `yaml:"variants"`
	Diagnostics []string        `yaml:"diagnostics,omitempty"`
	Plots       []string        `yaml:"plots,omitempty"`
	Warnings    []Warning       `yaml:"warnings,omitempty"`
	Duration    time.Duration   `yaml:"duration"`
}

// BeamReport is the fitted beam in arcsec and degrees.
type BeamReport struct {
	MajorArcsec float64 `yaml:"major_arcsec"`
	MinorArcsec float64 `yaml:"minor_arcsec"`
	PADeg       float64 `yaml:"pa_deg"`
}

func newBeamReport(b skyimage.Beam) BeamReport {
	return BeamReport{
		MajorArcsec: b.Major * skyimage.ArcsecPerRad,
		MinorArcsec: b.Minor * skyimage.ArcsecPerRad,
		PADeg:       b.PA / skyimage.RadPerDeg,
	}
}

// ComponentReport is a Gaussian component in report units.
type ComponentReport struct {
	FluxJy      float64 `yaml:"flux_jy"`
	MajorArcsec float64 `yaml:"major_arcsec"`
	MinorArcsec float64 `yaml:"minor_arcsec"`
	PADeg       float64 `yaml:"pa_deg"`
	XArcsec     float64 `yaml:"x_arcsec"`
	YArcsec     float64 `yaml:"y_arcsec"`
}

func newComponentReport(c skyimage.Component) ComponentReport {
	return ComponentReport{
		FluxJy:      c.Flux,
		MajorArcsec: c.Major * skyimage.ArcsecPerRad,
		MinorArcsec: c.Minor * skyimage.ArcsecPerRad,
		PADeg:       c.PA / skyimage.RadPerDeg,
		XArcsec:     c.X * skyimage.ArcsecPerRad,
		YArcsec:     c.Y * skyimage.ArcsecPerRad,
	}
}

// PriorReport describes the prior that seeded pass 0.
type PriorReport struct {
	Mode       string            `yaml:"mode"`
	FOVArcsec  float64           `yaml:"fov_arcsec"`
	Components []ComponentReport `yaml:"components"`
}

// PassReport is the optimizer outcome of one pass.
type PassReport struct {
	Pass       int                `yaml:"pass"`
	Iterations int                `yaml:"iterations"`
	Converged  bool               `yaml:"converged"`
	Status     string             `yaml:"status"`
	FluxJy     float64            `yaml:"flux_jy"`
	Chi2       map[string]float64 `yaml:"chi2,omitempty"`
}

// VariantReport covers one data-term variant.
type VariantReport struct {
	Name     string       `yaml:"name"`
	Passes   []PassReport `yaml:"passes"`
	Products []string     `yaml:"products"`
	// FinalFit is a single Gaussian fitted to the final image when the fit
	// is good enough to report.
	FinalFit *ComponentReport `yaml:"final_fit,omitempty"`
}

// finalFitThreshold is the minimum R² for reporting a component fit.
const finalFitThreshold = 0.8

func newVariantReport(r LoopResult, products []string) VariantReport {
	vr := VariantReport{Name: r.Variant.Name(), Products: products}
	for _, p := range r.Passes {
		pr := PassReport{
			Pass:       p.Index,
			Iterations: p.Iterations,
			Converged:  p.Converged,
			Status:     p.Status,
			FluxJy:     p.Image.Total(),
		}
		if len(p.Chi2) > 0 {
			pr.Chi2 = make(map[string]float64, len(p.Chi2))
			for term, chi := range p.Chi2 {
				pr.Chi2[string(term)] = chi
			}
		}
		vr.Passes = append(vr.Passes, pr)
	}
	if c, _, ok := skyimage.FitComponent(r.Passes[1].Blurred, finalFitThreshold); ok {
		cr := newComponentReport(c)
		vr.FinalFit = &cr
	}
	return vr
}

// Converged reports whether every pass of every variant converged.
func (r *Report) Converged() bool {
	for _, v := range r.Variants {
		for _, p := range v.Passes {
			if !p.Converged {
				return false
			}
		}
	}
	return true
}

// WriteYAML writes the report to path.
func (r *Report) WriteYAML(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
