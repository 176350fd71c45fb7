package uvdata

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"closureimager/pkg/skyimage"
)

// ErrDegenerateCoverage is returned when the u-v coverage cannot constrain a
// two-dimensional beam, e.g. all baselines are collinear.
var ErrDegenerateCoverage = errors.New("u-v coverage is degenerate")

// FitBeam fits an elliptical Gaussian to the central lobe of the naturally
// weighted dirty beam. Near the origin the beam is 1 - 2π²<(ux+vy)²>, so the
// eigenvectors of the weighted second-moment matrix give the beam axes.
func (o *Observation) FitBeam() (skyimage.Beam, error) {
	if len(o.Vis) == 0 {
		return skyimage.Beam{}, ErrNoData
	}
	var suu, svv, suv, sw float64
	for _, v := range o.Vis {
		w := v.Weight
		if w <= 0 {
			continue
		}
		suu += w * v.U * v.U
		svv += w * v.V * v.V
		suv += w * v.U * v.V
		sw += w
	}
	if sw == 0 {
		return skyimage.Beam{}, fmt.Errorf("fitting beam: %w", ErrNoData)
	}
	scale := 2 * math.Pi * math.Pi / sw
	moments := mat.NewSymDense(2, []float64{
		scale * suu, scale * suv,
		scale * suv, scale * svv,
	})

	var eig mat.EigenSym
	if ok := eig.Factorize(moments, true); !ok {
		return skyimage.Beam{}, errors.New("fitting beam: eigen-decomposition failed")
	}
	values := eig.Values(nil) // ascending
	lMin, lMax := values[0], values[1]
	if lMax <= 0 || lMin <= lMax*1e-12 {
		return skyimage.Beam{}, fmt.Errorf("fitting beam: %w", ErrDegenerateCoverage)
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// the major axis runs along the slowest-falling direction
	ex, ey := vectors.At(0, 0), vectors.At(1, 0)
	if ey < 0 || (ey == 0 && ex < 0) {
		ex, ey = -ex, -ey
	}
	pa := math.Atan2(ex, ey)
	if pa < 0 {
		pa += math.Pi
	}
	fourLn2 := 4 * math.Ln2
	return skyimage.Beam{
		Major: math.Sqrt(fourLn2 / lMin),
		Minor: math.Sqrt(fourLn2 / lMax),
		PA:    pa,
	}, nil
}

// Resolution returns the nominal maximum resolution, 1 / longest baseline,
// in radians.
func (o *Observation) Resolution() (float64, error) {
	maxDist := 0.0
	for _, v := range o.Vis {
		maxDist = math.Max(maxDist, v.UVDist())
	}
	if maxDist == 0 {
		return 0, ErrNoData
	}
	return 1.0 / maxDist, nil
}

// Predict returns the model visibility of im at (u, v).
func Predict(im *skyimage.Image, u, v float64) complex128 {
	var sum complex128
	for row := 0; row < im.Npix; row++ {
		y := im.YOffset(row)
		for col := 0; col < im.Npix; col++ {
			p := im.Pixels[row*im.Npix+col]
			if p == 0 {
				continue
			}
			x := im.XOffset(col)
			sum += complex(p, 0) * cmplx.Rect(1, -2*math.Pi*(u*x+v*y))
		}
	}
	return sum
}

// DirtyBeam returns the naturally weighted point spread function normalized
// to unit peak.
func (o *Observation) DirtyBeam(npix int, fov float64) (*skyimage.Image, error) {
	return o.backProject(npix, fov, func(Visibility) complex128 { return 1 })
}

// DirtyImage returns the naturally weighted inverse transform of the data, in
// Jy/beam.
func (o *Observation) DirtyImage(npix int, fov float64) (*skyimage.Image, error) {
	return o.backProject(npix, fov, func(v Visibility) complex128 { return v.Value })
}

// CleanBeam returns the fitted beam rendered with unit peak.
func (o *Observation) CleanBeam(npix int, fov float64) (*skyimage.Image, error) {
	beam, err := o.FitBeam()
	if err != nil {
		return nil, err
	}
	im, err := skyimage.NewSquare(npix, fov, o.RA, o.Dec)
	if err != nil {
		return nil, err
	}
	im, err = im.AddGauss(skyimage.Component{Flux: 1, Major: beam.Major, Minor: beam.Minor, PA: beam.PA})
	if err != nil {
		return nil, err
	}
	if peak := im.Max(); peak > 0 {
		im = im.Scaled(1 / peak)
	}
	return im, nil
}

// backProject sums w·value·exp(+2πi(ux+vy)) over the data and its
// conjugates, taking the real part.
func (o *Observation) backProject(npix int, fov float64, value func(Visibility) complex128) (*skyimage.Image, error) {
	im, err := skyimage.NewSquare(npix, fov, o.RA, o.Dec)
	if err != nil {
		return nil, err
	}
	if len(o.Vis) == 0 {
		return nil, ErrNoData
	}

	xs := make([]float64, npix)
	ys := make([]float64, npix)
	for i := 0; i < npix; i++ {
		xs[i] = im.XOffset(i)
		ys[i] = im.YOffset(i)
	}
	ex := make([]complex128, npix)
	ey := make([]complex128, npix)
	sw := 0.0
	for _, v := range o.Vis {
		if v.Weight <= 0 {
			continue
		}
		sw += v.Weight
		val := complex(v.Weight, 0) * value(v)
		for i := 0; i < npix; i++ {
			ex[i] = cmplx.Rect(1, 2*math.Pi*v.U*xs[i])
			ey[i] = cmplx.Rect(1, 2*math.Pi*v.V*ys[i])
		}
		for row := 0; row < npix; row++ {
			rowPhase := val * ey[row]
			for col := 0; col < npix; col++ {
				im.Pixels[row*npix+col] += real(rowPhase * ex[col])
			}
		}
	}
	if sw == 0 {
		return nil, ErrNoData
	}
	for i := range im.Pixels {
		im.Pixels[i] /= sw
	}
	return im, nil
}
