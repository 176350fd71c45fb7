// Package skyimage holds the square sky-brightness grids produced and consumed
// by the imaging pipeline: priors, reconstructions and their blurred copies.
package skyimage

import (
	"fmt"
	"math"
)

const (
	// RadPerArcsec converts arcseconds to radians.
	RadPerArcsec = math.Pi / (180.0 * 3600.0)
	// ArcsecPerRad converts radians to arcseconds.
	ArcsecPerRad = 1.0 / RadPerArcsec
	// RadPerDeg converts degrees to radians.
	RadPerDeg = math.Pi / 180.0
)

// Image is a square grid of Jy/pixel values centred on (RA, Dec).
//
// Pixels are row-major. Row 0 is the northern edge and column 0 the eastern
// edge, so x (east offset) decreases with column and y (north offset)
// decreases with row.
type Image struct {
	Npix   int
	Psize  float64 // radians per pixel
	RA     float64 // degrees
	Dec    float64 // degrees
	Pixels []float64
}

// NewSquare creates an empty npix x npix image spanning fov radians.
func NewSquare(npix int, fov, ra, dec float64) (*Image, error) {
	if npix <= 0 {
		return nil, fmt.Errorf("npix must be positive, got %d", npix)
	}
	if fov <= 0 || math.IsNaN(fov) {
		return nil, fmt.Errorf("field of view must be positive, got %g", fov)
	}
	return &Image{
		Npix:   npix,
		Psize:  fov / float64(npix),
		RA:     ra,
		Dec:    dec,
		Pixels: make([]float64, npix*npix),
	}, nil
}

// FOV returns the angular width of the image in radians.
func (im *Image) FOV() float64 { return im.Psize * float64(im.Npix) }

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	pixels := make([]float64, len(im.Pixels))
	copy(pixels, im.Pixels)
	return &Image{Npix: im.Npix, Psize: im.Psize, RA: im.RA, Dec: im.Dec, Pixels: pixels}
}

// emptyLike returns a zero image with the same geometry.
func (im *Image) emptyLike() *Image {
	return &Image{Npix: im.Npix, Psize: im.Psize, RA: im.RA, Dec: im.Dec, Pixels: make([]float64, len(im.Pixels))}
}

// At returns the pixel at (row, col).
func (im *Image) At(row, col int) float64 { return im.Pixels[row*im.Npix+col] }

// Total returns the summed flux in Jy.
func (im *Image) Total() float64 {
	sum := 0.0
	for _, v := range im.Pixels {
		sum += v
	}
	return sum
}

// Max returns the brightest pixel value.
func (im *Image) Max() float64 {
	m := math.Inf(-1)
	for _, v := range im.Pixels {
		if v > m {
			m = v
		}
	}
	return m
}

// Scaled returns a copy with every pixel multiplied by f.
func (im *Image) Scaled(f float64) *Image {
	out := im.Clone()
	for i := range out.Pixels {
		out.Pixels[i] *= f
	}
	return out
}

// center is the continuous pixel coordinate of the phase centre.
func (im *Image) center() float64 { return float64(im.Npix-1) / 2.0 }

// XOffset returns the east offset in radians of column col.
func (im *Image) XOffset(col int) float64 { return (im.center() - float64(col)) * im.Psize }

// YOffset returns the north offset in radians of row row.
func (im *Image) YOffset(row int) float64 { return (im.center() - float64(row)) * im.Psize }

// SameGeometry reports whether two images share grid size and pixel scale.
func (im *Image) SameGeometry(other *Image) bool {
	return other != nil && im.Npix == other.Npix && im.Psize == other.Psize
}

func (im *Image) String() string {
	return fmt.Sprintf("{Npix=%d, FOV=%.3f\", Psize=%.4f\", Total=%.6f Jy}",
		im.Npix, im.FOV()*ArcsecPerRad, im.Psize*ArcsecPerRad, im.Total())
}
