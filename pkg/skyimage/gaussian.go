/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package skyimage

import (
	"fmt"
	"math"
)

var sigmaToFWHM = 2.0 * math.Sqrt(2.0*math.Log(2.0))

// Component is an elliptical Gaussian sky component.
// Axes are FWHM in radians, PA is measured east of north in radians and the
// offset (X east, Y north) is in radians from the phase centre.
type Component struct {
	Flux  float64
	Major float64
	Minor float64
	PA    float64
	X     float64
	Y     float64
}

func (c Component) String() string {
	return fmt.Sprintf("{Flux=%.4f Jy, %.2f\"x%.2f\", PA=%.1f deg, at (%.3f\",%.3f\")}",
		c.Flux, c.Major*ArcsecPerRad, c.Minor*ArcsecPerRad, c.PA/RadPerDeg,
		c.X*ArcsecPerRad, c.Y*ArcsecPerRad)
}

// Beam is an elliptical Gaussian restoring beam: FWHM axes and PA in radians.
type Beam struct {
	Major float64
	Minor float64
	PA    float64
}

// IsotropicBeam returns a circular beam of the given FWHM.
func IsotropicBeam(fwhm float64) Beam { return Beam{Major: fwhm, Minor: fwhm} }

// Isotropic reports whether the beam has equal axes.
func (b Beam) Isotropic() bool { return b.Major == b.Minor }

func (b Beam) String() string {
	return fmt.Sprintf("%.3f\" x %.3f\" PA %.1f deg", b.Major*ArcsecPerRad, b.Minor*ArcsecPerRad, b.PA/RadPerDeg)
}

// gaussianShape evaluates the unit-peak elliptical Gaussian at (x, y).
func gaussianShape(c Component, x, y float64) float64 {
	sigMaj := c.Major / sigmaToFWHM
	sigMin := c.Minor / sigmaToFWHM
	sinT, cosT := math.Sincos(c.PA)
	dx := x - c.X
	dy := y - c.Y
	along := dx*sinT + dy*cosT
	across := dx*cosT - dy*sinT
	e := along*along/(2*sigMaj*sigMaj) + across*across/(2*sigMin*sigMin)
	return math.Exp(-e)
}

// AddGauss returns a new image with the component added. The component is
// normalized analytically so its integrated flux is c.Flux.
func (im *Image) AddGauss(c Component) (*Image, error) {
	if c.Major <= 0 || c.Minor <= 0 {
		return nil, fmt.Errorf("gaussian axes must be positive, got %g x %g", c.Major, c.Minor)
	}
	out := im.Clone()
	sigMaj := c.Major / sigmaToFWHM
	sigMin := c.Minor / sigmaToFWHM
	peak := c.Flux * im.Psize * im.Psize / (2 * math.Pi * sigMaj * sigMin)
	for row := 0; row < im.Npix; row++ {
		y := im.YOffset(row)
		for col := 0; col < im.Npix; col++ {
			out.Pixels[row*im.Npix+col] += peak * gaussianShape(c, im.XOffset(col), y)
		}
	}
	return out, nil
}

// FitComponent fits a single elliptical Gaussian to the brightest region of
// the image. It returns false when the fit is not trustworthy.
func FitComponent(im *Image, goodnessThreshold float64) (Component, float64, bool) {
	peakIdx := 0
	for i, v := range im.Pixels {
		if v > im.Pixels[peakIdx] {
			peakIdx = i
		}
	}
	peak := im.Pixels[peakIdx]
	if peak <= 0 {
		return Component{}, 0, false
	}
	pr, pc := peakIdx/im.Npix, peakIdx%im.Npix

	// sample the half-max neighbourhood in pixel units
	inputs := make([][]float64, 0, len(im.Pixels))
	outputs := make([]float64, 0, len(im.Pixels))
	halfBox := im.Npix / 4
	if halfBox < 3 {
		halfBox = 3
	}
	for row := pr - halfBox; row <= pr+halfBox; row++ {
		if row < 0 || row >= im.Npix {
			continue
		}
		for col := pc - halfBox; col <= pc+halfBox; col++ {
			if col < 0 || col >= im.Npix {
				continue
			}
			inputs = append(inputs, []float64{float64(pc - col), float64(pr - row)})
			outputs = append(outputs, im.At(row, col)/peak)
		}
	}
	if len(inputs) < 7 {
		return Component{}, 0, false
	}

	box := float64(halfBox)
	x0 := []float64{1.0, 0.0, 0.0, 0.0, box / 3.0, box / 3.0, 0.0}
	lower := []float64{0.0, -0.1, -box / 2, -box / 2, 0.1, 0.1, -math.Pi / 2.0}
	upper := []float64{2.0, 0.5, box / 2, box / 2, 2 * box, 2 * box, math.Pi / 2.0}
	scale := []float64{0.01, 0.01, 0.1, 0.1, 1, 1, 1}

	solution := levenbergMarquardt(inputs, outputs, x0, lower, upper, scale, 1e-8, 200)
	if solution == nil || math.IsNaN(solution[4]) || math.IsNaN(solution[5]) {
		return Component{}, 0, false
	}
	rSquared := computeRSquared(inputs, outputs, solution)
	if rSquared < goodnessThreshold {
		return Component{}, rSquared, false
	}

	sigU, sigV := solution[4], solution[5]
	// theta rotates the u axis away from east; PA is east of north
	pa := math.Pi/2 - solution[6]
	if sigV > sigU {
		sigU, sigV = sigV, sigU
		pa -= math.Pi / 2
	}
	pa = euclidianModulus(pa, math.Pi)

	sigMaj := sigU * im.Psize
	sigMin := sigV * im.Psize
	flux := solution[0] * peak * 2 * math.Pi * sigU * sigV
	return Component{
		Flux:  flux,
		Major: sigMaj * sigmaToFWHM,
		Minor: sigMin * sigmaToFWHM,
		PA:    pa,
		X:     (solution[2] + im.center() - float64(pc)) * im.Psize,
		Y:     (solution[3] + im.center() - float64(pr)) * im.Psize,
	}, rSquared, true
}

func euclidianModulus(x, y float64) float64 {
	return math.Mod(math.Mod(x, y)+y, y)
}

// gaussianValue is the fit model: p = {A, B, x0, y0, sigU, sigV, theta}.
func gaussianValue(p, input []float64) float64 {
	A, B := p[0], p[1]
	x, y := input[0], input[1]
	x0, y0 := p[2], p[3]
	U, V, T := p[4], p[5], p[6]

	cosT, sinT := math.Cos(T), math.Sin(T)
	X := (x-x0)*cosT + (y-y0)*sinT
	Y := -(x-x0)*sinT + (y-y0)*cosT
	E := X*X/(2*U*U) + Y*Y/(2*V*V)
	return B + A*math.Exp(-E)
}

func gaussianGradient(p, input, grad []float64) {
	A := p[0]
	x, y := input[0], input[1]
	x0, y0 := p[2], p[3]
	U, V, T := p[4], p[5], p[6]

	cosT, sinT := math.Cos(T), math.Sin(T)
	X := (x-x0)*cosT + (y-y0)*sinT
	Y := -(x-x0)*sinT + (y-y0)*cosT
	X2 := X * X
	Y2 := Y * Y
	U2 := U * U
	V2 := V * V
	eE := math.Exp(-(X2/(2*U2) + Y2/(2*V2)))

	grad[0] = eE
	grad[1] = 1.0
	grad[2] = A * (cosT*X/U2 - sinT*Y/V2) * eE
	grad[3] = A * (sinT*X/U2 + cosT*Y/V2) * eE
	grad[4] = A * X2 / (U2 * U) * eE
	grad[5] = A * Y2 / (V2 * V) * eE
	grad[6] = A * X * Y * (1.0/V2 - 1.0/U2) * eE
}

func computeRSquared(inputs [][]float64, outputs, p []float64) float64 {
	yBar := 0.0
	for _, o := range outputs {
		yBar += o
	}
	yBar /= float64(len(outputs))

	tss, rss := 0.0, 0.0
	for i := range inputs {
		res := gaussianValue(p, inputs[i]) - outputs[i]
		disp := outputs[i] - yBar
		rss += res * res
		tss += disp * disp
	}
	if tss > 0 {
		return 1.0 - rss/tss
	}
	return 0.0
}
