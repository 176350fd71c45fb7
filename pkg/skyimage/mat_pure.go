//go:build purego || js

package skyimage

import "math"

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data []float32
	rows int
	cols int
}

func NewMat() Mat { return Mat{} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{data: make([]float32, rows*cols), rows: rows, cols: cols}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m *Mat) Close() {
	m.data = nil
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
func (m Mat) DataFloat32() []float32 { return m.data }

// sepFilter2DConstant filters with a zero border so flux beyond the grid is dropped.
func sepFilter2DConstant(src Mat, dst *Mat, kernelX, kernelY Mat) {
	rows, cols := src.rows, src.cols
	srcData := src.data
	kx := kernelX.data
	ky := kernelY.data
	kxHalf := len(kx) / 2
	kyHalf := len(ky) / 2

	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}

	temp := make([]float32, rows*cols)

	// Horizontal pass
	for r := 0; r < rows; r++ {
		rowOff := r * cols
		for c := 0; c < cols; c++ {
			var sum float32
			for k := range kx {
				cc := c + k - kxHalf
				if cc < 0 || cc >= cols {
					continue
				}
				sum += srcData[rowOff+cc] * kx[k]
			}
			temp[rowOff+c] = sum
		}
	}

	// Vertical pass
	dstData := dst.data
	for r := 0; r < rows; r++ {
		dstOff := r * cols
		for c := 0; c < cols; c++ {
			var sum float32
			for k := range ky {
				rr := r + k - kyHalf
				if rr < 0 || rr >= rows {
					continue
				}
				sum += temp[rr*cols+c] * ky[k]
			}
			dstData[dstOff+c] = sum
		}
	}
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	m := NewMatWithSize(size, 1)
	half := size / 2
	sum := 0.0
	vals := make([]float64, size)
	for i := 0; i < size; i++ {
		x := float64(i - half)
		vals[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += vals[i]
	}
	for i, v := range vals {
		m.data[i] = float32(v / sum)
	}
	return m
}
