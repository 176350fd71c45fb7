package skyimage

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Blur convolves the image with the beam scaled by frac and returns a new
// image; the receiver is left untouched. Isotropic beams take the separable
// path, elliptical beams are convolved in the Fourier domain. Flux falling
// off the grid edges is lost, matching a zero-padded linear convolution.
func (im *Image) Blur(beam Beam, frac float64) *Image {
	if frac <= 0 || beam.Major <= 0 || beam.Minor <= 0 {
		return im.Clone()
	}
	if beam.Isotropic() {
		sigmaPix := frac * beam.Major / sigmaToFWHM / im.Psize
		return im.blurSeparable(sigmaPix)
	}
	return im.blurFFT(Beam{Major: frac * beam.Major, Minor: frac * beam.Minor, PA: beam.PA})
}

// blurSeparable runs the 1-D Gaussian kernel along rows and columns through
// the Mat backend.
func (im *Image) blurSeparable(sigmaPix float64) *Image {
	if sigmaPix <= 0 {
		return im.Clone()
	}
	kernelSize := 2*int(math.Ceil(4*sigmaPix)) + 1
	if maxSize := 2*im.Npix - 1; kernelSize > maxSize {
		kernelSize = maxSize
	}
	if kernelSize < 3 {
		kernelSize = 3
	}

	src := NewMatWithSize(im.Npix, im.Npix)
	defer src.Close()
	data := src.DataFloat32()
	for i, v := range im.Pixels {
		data[i] = float32(v)
	}

	kernel := getGaussianKernel1D(kernelSize, sigmaPix)
	defer kernel.Close()
	dst := NewMat()
	defer dst.Close()
	sepFilter2DConstant(src, &dst, kernel, kernel)

	out := im.emptyLike()
	result := dst.DataFloat32()
	for i := range out.Pixels {
		out.Pixels[i] = float64(result[i])
	}
	return out
}

// blurFFT performs a linear convolution with a normalized elliptical kernel
// using a 2N x 2N transform so no wrap-around reaches the output.
func (im *Image) blurFFT(beam Beam) *Image {
	n := im.Npix
	size := 2 * n
	kernelShape := Component{Flux: 1, Major: beam.Major, Minor: beam.Minor, PA: beam.PA}

	kernel := make([]complex128, size*size)
	kernelSum := 0.0
	for dr := -(n - 1); dr <= n-1; dr++ {
		for dc := -(n - 1); dc <= n-1; dc++ {
			// a positive column shift moves west, a positive row shift south
			v := gaussianShape(kernelShape, -float64(dc)*im.Psize, -float64(dr)*im.Psize)
			kernelSum += v
			kernel[wrap(dr, size)*size+wrap(dc, size)] = complex(v, 0)
		}
	}
	if kernelSum <= 0 {
		return im.Clone()
	}

	signal := make([]complex128, size*size)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			signal[row*size+col] = complex(im.Pixels[row*n+col], 0)
		}
	}

	fft := fourier.NewCmplxFFT(size)
	fft2(fft, signal, size, false)
	fft2(fft, kernel, size, false)
	for i := range signal {
		signal[i] *= kernel[i]
	}
	fft2(fft, signal, size, true)

	out := im.emptyLike()
	norm := kernelSum * float64(size*size)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			out.Pixels[row*n+col] = real(signal[row*size+col]) / norm
		}
	}
	return out
}

// fft2 transforms a size x size grid in place, rows then columns. The
// inverse is unnormalized.
func fft2(fft *fourier.CmplxFFT, grid []complex128, size int, inverse bool) {
	line := make([]complex128, size)
	out := make([]complex128, size)
	apply := func() {
		if inverse {
			fft.Sequence(out, line)
		} else {
			fft.Coefficients(out, line)
		}
	}
	for row := 0; row < size; row++ {
		copy(line, grid[row*size:(row+1)*size])
		apply()
		copy(grid[row*size:(row+1)*size], out)
	}
	for col := 0; col < size; col++ {
		for row := 0; row < size; row++ {
			line[row] = grid[row*size+col]
		}
		apply()
		for row := 0; row < size; row++ {
			grid[row*size+col] = out[row]
		}
	}
}

func wrap(i, size int) int {
	if i < 0 {
		return i + size
	}
	return i
}
