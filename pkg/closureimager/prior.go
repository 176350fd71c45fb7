package closureimager

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"closureimager/internal/config"
	"closureimager/pkg/catalog"
	"closureimager/pkg/skyimage"
)

// Prior modes.
const (
	PriorCatalog = "catalog"
	PriorDefault = "default"
)

const (
	// MatchRadiusArcmin is the catalogue cross-match radius.
	MatchRadiusArcmin = 2.0
	// CatalogBrightening scales catalogue fluxes up to correlated flux.
	CatalogBrightening = 4.0
	minMajorArcsec     = 7.0
	minMinorArcsec     = 5.0
	minCatalogFOV      = 10.0
	catalogFOVFactor   = 2.2
)

// Prior is the initial model and regularizer reference of the imaging loop.
type Prior struct {
	Image      *skyimage.Image
	Mode       string
	FOVArcsec  float64
	Components []skyimage.Component
	Matches    []catalog.Source
}

// PriorBuilder builds priors from a configuration and an optional
// catalogue.
type PriorBuilder struct {
	cfg    config.Config
	cat    *catalog.Catalog
	logger *zap.Logger
}

// NewPriorBuilder returns a builder. cat may be nil only when the
// configuration does not use the catalogue.
func NewPriorBuilder(cfg config.Config, cat *catalog.Catalog, logger *zap.Logger) (*PriorBuilder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UseCatalog && cat == nil {
		return nil, configErr("prior", "catalog mode needs a source catalogue")
	}
	return &PriorBuilder{cfg: cfg, cat: cat, logger: logger}, nil
}

// Build returns the prior for a field centred on (ra, dec) degrees with
// total flux zbl. In catalogue mode a field without matches falls back to
// the default prior and a CatalogMiss warning is returned.
func (b *PriorBuilder) Build(ra, dec, zbl float64) (Prior, *Warning, error) {
	if !b.cfg.UseCatalog {
		p, err := b.defaultPrior(ra, dec, zbl)
		return p, nil, err
	}

	matches := b.cat.Match(ra, dec, MatchRadiusArcmin)
	if len(matches) == 0 {
		p, err := b.defaultPrior(ra, dec, zbl)
		if err != nil {
			return Prior{}, nil, err
		}
		return p, &Warning{
			Kind:    CatalogMiss,
			Message: "no catalogue source near the phase centre, using a circular Gaussian prior",
			Detail:  fmt.Sprintf("%s within %.0f' of (%.5f, %.5f)", b.cat.Name, MatchRadiusArcmin, ra, dec),
		}, nil
	}
	p, err := b.catalogPrior(ra, dec, matches)
	return p, nil, err
}

func (b *PriorBuilder) defaultPrior(ra, dec, zbl float64) (Prior, error) {
	im, err := skyimage.NewSquare(b.cfg.Npix, b.cfg.FOV*skyimage.RadPerArcsec, ra, dec)
	if err != nil {
		return Prior{}, fmt.Errorf("prior grid: %w", err)
	}
	fwhm := b.cfg.PriorFWHM * skyimage.RadPerArcsec
	c := skyimage.Component{Flux: zbl, Major: fwhm, Minor: fwhm}
	if im, err = im.AddGauss(c); err != nil {
		return Prior{}, fmt.Errorf("prior component: %w", err)
	}
	b.logger.Info("prior image: circular Gaussian",
		zap.Float64("fwhm_arcsec", b.cfg.PriorFWHM),
		zap.Float64("flux_jy", zbl))
	return Prior{
		Image:      im,
		Mode:       PriorDefault,
		FOVArcsec:  b.cfg.FOV,
		Components: []skyimage.Component{c},
	}, nil
}

// catalogPrior sums one elliptical Gaussian per match in catalogue order.
// Offsets are plain coordinate differences without a cos(dec) factor.
func (b *PriorBuilder) catalogPrior(ra, dec float64, matches []catalog.Source) (Prior, error) {
	maxMajor := 0.0
	for _, s := range matches {
		maxMajor = math.Max(maxMajor, s.Major)
	}
	fov := math.Max(minCatalogFOV, catalogFOVFactor*maxMajor)

	im, err := skyimage.NewSquare(b.cfg.Npix, fov*skyimage.RadPerArcsec, ra, dec)
	if err != nil {
		return Prior{}, fmt.Errorf("prior grid: %w", err)
	}
	p := Prior{Mode: PriorCatalog, FOVArcsec: fov, Matches: matches}
	for _, s := range matches {
		c := skyimage.Component{
			Flux:  s.Flux * CatalogBrightening,
			Major: math.Max(minMajorArcsec, s.Major) * skyimage.RadPerArcsec,
			Minor: math.Max(minMinorArcsec, s.Minor) * skyimage.RadPerArcsec,
			PA:    s.PA * skyimage.RadPerDeg,
			X:     (s.RA - ra) * skyimage.RadPerDeg,
			Y:     (s.Dec - dec) * skyimage.RadPerDeg,
		}
		if im, err = im.AddGauss(c); err != nil {
			return Prior{}, fmt.Errorf("prior component %v: %w", s, err)
		}
		b.logger.Info("prior: adding catalogue Gaussian",
			zap.Float64("flux_mjy", c.Flux*1000),
			zap.Float64("major_arcsec", c.Major*skyimage.ArcsecPerRad),
			zap.Float64("minor_arcsec", c.Minor*skyimage.ArcsecPerRad),
			zap.Float64("pa_deg", s.PA),
			zap.Float64("x_arcsec", c.X*skyimage.ArcsecPerRad),
			zap.Float64("y_arcsec", c.Y*skyimage.ArcsecPerRad))
		p.Components = append(p.Components, c)
	}
	p.Image = im
	return p, nil
}
