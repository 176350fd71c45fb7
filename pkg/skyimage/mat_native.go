//go:build !purego && !js

package skyimage

import (
	"image"

	"gocv.io/x/gocv"
)

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func NewMat() Mat                      { return Mat{m: gocv.NewMat()} }
func NewMatWithSize(rows, cols int) Mat { return Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)} }
func (mat Mat) Rows() int             { return mat.m.Rows() }
func (mat Mat) Cols() int             { return mat.m.Cols() }
func (mat Mat) Empty() bool           { return mat.m.Empty() }
func (mat *Mat) Close()               { mat.m.Close() }

func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

// sepFilter2DConstant filters with a zero border so flux beyond the grid is dropped.
func sepFilter2DConstant(src Mat, dst *Mat, kernelX, kernelY Mat) {
	gocv.SepFilter2D(src.m, &dst.m, gocv.MatTypeCV32F, kernelX.m, kernelY.m, image.Pt(-1, -1), 0, gocv.BorderConstant)
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	k := gocv.GetGaussianKernel(size, sigma)
	defer k.Close()
	out := gocv.NewMat()
	k.ConvertTo(&out, gocv.MatTypeCV32F)
	return Mat{m: out}
}
