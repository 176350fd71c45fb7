// Package catalog loads external radio source catalogues and cross-matches
// them against a field's phase centre.
package catalog

import (
	"fmt"
	"math"
)

const (
	arcsecPerRad = 206265.0
	radPerDeg    = math.Pi / 180.0
)

// Source is one catalogue entry. Positions are degrees, flux is Jy, axes
// are FWHM arcseconds and PA is degrees east of north.
type Source struct {
	RA    float64
	Dec   float64
	Flux  float64
	Major float64
	Minor float64
	PA    float64
}

func (s Source) String() string {
	return fmt.Sprintf("{RA=%.5f, Dec=%.5f, Flux=%.4f Jy, %.1f\"x%.1f\", PA=%.1f}",
		s.RA, s.Dec, s.Flux, s.Major, s.Minor, s.PA)
}

// Catalog is a read-only list of sources in file order.
type Catalog struct {
	Name    string
	Sources []Source
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.Sources) }

// Sepn returns the angular separation of two positions given in radians,
// using the spherical law of cosines. Coincident positions are exactly 0.
func Sepn(r1, d1, r2, d2 float64) float64 {
	if r1 == r2 && d1 == d2 {
		return 0
	}
	cosSepn := math.Sin(d1)*math.Sin(d2) + math.Cos(d1)*math.Cos(d2)*math.Cos(r1-r2)
	// rounding can push coincident points just past 1
	cosSepn = math.Max(-1, math.Min(1, cosSepn))
	return math.Acos(cosSepn)
}

// Match returns the sources within radiusArcmin of (ra, dec), both in
// degrees, preserving catalogue order.
func (c *Catalog) Match(ra, dec, radiusArcmin float64) []Source {
	limit := radiusArcmin * 60.0 / arcsecPerRad
	matched := make([]Source, 0)
	for _, s := range c.Sources {
		if Sepn(ra*radPerDeg, dec*radPerDeg, s.RA*radPerDeg, s.Dec*radPerDeg) <= limit {
			matched = append(matched, s)
		}
	}
	return matched
}
