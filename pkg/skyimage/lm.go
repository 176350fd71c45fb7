/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package skyimage

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// levenbergMarquardt minimizes the squared residuals of gaussianValue over
// the box [lower, upper]. scale damps each parameter independently.
func levenbergMarquardt(
	inputs [][]float64, outputs,
	x0, lower, upper, scale []float64,
	tolerance float64, maxIter int,
) []float64 {
	n := len(x0)
	m := len(inputs)

	x := make([]float64, n)
	for j := range x0 {
		x[j] = clampLM(x0[j], lower[j], upper[j])
	}

	fi := make([]float64, m)
	jac := mat.NewDense(m, n, nil)
	computeResidualsAndJacobian(inputs, outputs, x, fi, jac)
	cost := floats.Dot(fi, fi)

	lambda := 1e-3
	nu := 2.0

	var jtj mat.Dense
	var jtf mat.VecDense
	a := mat.NewDense(n, n, nil)
	dx := mat.NewVecDense(n, nil)
	xNew := make([]float64, n)
	fiNew := make([]float64, m)

	for iter := 0; iter < maxIter; iter++ {
		jtj.Mul(jac.T(), jac)
		jtf.MulVec(jac.T(), mat.NewVecDense(m, fi))

		if mat.Norm(&jtf, 2) < tolerance*cost {
			break
		}

		for tries := 0; tries < 20; tries++ {
			a.Copy(&jtj)
			for i := 0; i < n; i++ {
				a.Set(i, i, a.At(i, i)+lambda*scale[i]*scale[i])
			}
			rhs := mat.NewVecDense(n, nil)
			rhs.ScaleVec(-1, &jtf)
			if err := dx.SolveVec(a, rhs); err != nil {
				lambda *= nu
				continue
			}

			for j := 0; j < n; j++ {
				xNew[j] = clampLM(x[j]+dx.AtVec(j), lower[j], upper[j])
			}
			for k := 0; k < m; k++ {
				fiNew[k] = gaussianValue(xNew, inputs[k]) - outputs[k]
			}
			costNew := floats.Dot(fiNew, fiNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(x, xNew)
				cost = costNew
				lambda = math.Max(lambda/3.0, 1e-15)
				nu = 2.0
				computeResidualsAndJacobian(inputs, outputs, x, fi, jac)
				if improvement < tolerance {
					return x
				}
				break
			}
			lambda *= nu
			nu *= 2.0
			if lambda > 1e16 {
				return x
			}
		}
	}
	return x
}

func computeResidualsAndJacobian(inputs [][]float64, outputs, x, fi []float64, jac *mat.Dense) {
	_, n := jac.Dims()
	grad := make([]float64, n)
	for k := range inputs {
		fi[k] = gaussianValue(x, inputs[k]) - outputs[k]
		gaussianGradient(x, inputs[k], grad)
		jac.SetRow(k, grad)
	}
}

func clampLM(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
