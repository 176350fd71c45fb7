package rml

import (
	"errors"
	"math"
	"math/cmplx"

	"closureimager/pkg/skyimage"
)

type bsTerm struct {
	legs  [3]int // slots
	obs   complex128
	sigma float64
}

type cpTerm struct {
	legs  [3]int
	obs   float64
	sigma float64
}

type caTerm struct {
	legs  [4]int
	obs   float64
	sigma float64
}

// objective evaluates the weighted objective over log pixel values of the
// pixels inside the support.
type objective struct {
	grid  *skyimage.Image
	flux  float64
	rows  []int
	cols  []int
	index []int // pixel index of each free parameter
	prior []float64

	// ex[s][col] and ey[s][row] are the separable Fourier kernels of slot s
	ex [][]complex128
	ey [][]complex128

	bs []bsTerm
	cp []cpTerm
	ca []caTerm

	bsWeight float64
	cpWeight float64
	caWeight float64

	regs       []Regularizer
	regWeights []float64
	fluxWeight float64

	empty []DataTerm
}

func newObjective(req Request) (*objective, []float64, error) {
	prior := req.Prior
	o := &objective{
		grid:       prior,
		flux:       req.Flux,
		regs:       req.Regularizers,
		regWeights: req.RegWeights,
		fluxWeight: req.FluxWeight,
	}
	for i, p := range prior.Pixels {
		if p > req.ClipFloor {
			o.index = append(o.index, i)
			o.rows = append(o.rows, i/prior.Npix)
			o.cols = append(o.cols, i%prior.Npix)
			o.prior = append(o.prior, p)
		}
	}
	if len(o.index) == 0 {
		return nil, nil, errors.New("clip floor excludes every pixel of the prior")
	}

	slots := make(map[int]int)
	slot := func(vis int) int {
		if s, ok := slots[vis]; ok {
			return s
		}
		s := len(slots)
		slots[vis] = s
		return s
	}
	for i, term := range req.DataTerms {
		w := req.DataWeights[i]
		switch term {
		case Bispectrum:
			o.bsWeight += w
			if o.bs != nil {
				continue
			}
			o.bs = make([]bsTerm, 0)
			for _, b := range req.Obs.Bispectra() {
				o.bs = append(o.bs, bsTerm{
					legs:  [3]int{slot(b.Legs[0]), slot(b.Legs[1]), slot(b.Legs[2])},
					obs:   b.Value,
					sigma: b.Sigma,
				})
			}
			if len(o.bs) == 0 {
				o.empty = append(o.empty, term)
			}
		case ClosurePhase:
			o.cpWeight += w
			if o.cp != nil {
				continue
			}
			o.cp = make([]cpTerm, 0)
			for _, c := range req.Obs.ClosurePhases() {
				o.cp = append(o.cp, cpTerm{
					legs:  [3]int{slot(c.Legs[0]), slot(c.Legs[1]), slot(c.Legs[2])},
					obs:   c.Phase,
					sigma: c.Sigma,
				})
			}
			if len(o.cp) == 0 {
				o.empty = append(o.empty, term)
			}
		case ClosureAmplitude:
			o.caWeight += w
			if o.ca != nil {
				continue
			}
			o.ca = make([]caTerm, 0)
			for _, c := range req.Obs.ClosureAmplitudes() {
				o.ca = append(o.ca, caTerm{
					legs:  [4]int{slot(c.Legs[0]), slot(c.Legs[1]), slot(c.Legs[2]), slot(c.Legs[3])},
					obs:   c.Value,
					sigma: c.Sigma,
				})
			}
			if len(o.ca) == 0 {
				o.empty = append(o.empty, term)
			}
		default:
			return nil, nil, errors.New("unknown data term " + string(term))
		}
	}
	for _, r := range req.Regularizers {
		if _, err := ParseRegularizer(string(r)); err != nil {
			return nil, nil, err
		}
	}

	npix := prior.Npix
	o.ex = make([][]complex128, len(slots))
	o.ey = make([][]complex128, len(slots))
	for vis, s := range slots {
		v := req.Obs.Vis[vis]
		ex := make([]complex128, npix)
		ey := make([]complex128, npix)
		for i := 0; i < npix; i++ {
			ex[i] = cmplx.Rect(1, -2*math.Pi*v.U*prior.XOffset(i))
			ey[i] = cmplx.Rect(1, -2*math.Pi*v.V*prior.YOffset(i))
		}
		o.ex[s] = ex
		o.ey[s] = ey
	}

	// seed: the initial image on the support, rescaled to the target flux
	x0 := make([]float64, len(o.index))
	sum := 0.0
	for _, idx := range o.index {
		sum += math.Max(req.Init.Pixels[idx], 0)
	}
	tiny := 1e-10 * req.Flux / float64(len(o.index))
	for k, idx := range o.index {
		v := req.Flux / float64(len(o.index))
		if sum > 0 {
			v = math.Max(req.Init.Pixels[idx], 0) * req.Flux / sum
		}
		x0[k] = math.Log(math.Max(v, tiny))
	}
	return o, x0, nil
}

// pixels returns the positive pixel values for the parameters x.
func (o *objective) pixels(x []float64) []float64 {
	out := make([]float64, len(x))
	for k, v := range x {
		out[k] = math.Exp(math.Max(logFloor, math.Min(logCeil, v)))
	}
	return out
}

// image expands parameters into a full grid with zeros off the support.
func (o *objective) image(x []float64) *skyimage.Image {
	out := o.grid.Clone()
	for i := range out.Pixels {
		out.Pixels[i] = 0
	}
	for k, v := range o.pixels(x) {
		out.Pixels[o.index[k]] = v
	}
	return out
}

func (o *objective) visibilities(img []float64) []complex128 {
	vis := make([]complex128, len(o.ex))
	for s := range vis {
		ex, ey := o.ex[s], o.ey[s]
		var sum complex128
		for k, p := range img {
			sum += complex(p, 0) * ex[o.cols[k]] * ey[o.rows[k]]
		}
		vis[s] = sum
	}
	return vis
}

func (o *objective) value(x []float64) float64 {
	return o.evaluate(x, nil)
}

func (o *objective) gradient(grad, x []float64) {
	o.evaluate(x, grad)
}

// evaluate returns the objective and, when grad is non-nil, fills it with
// the derivative with respect to x.
func (o *objective) evaluate(x, grad []float64) float64 {
	img := o.pixels(x)
	vis := o.visibilities(img)

	var dvis []complex128
	if grad != nil {
		dvis = make([]complex128, len(vis))
	}
	f := 0.0
	if len(o.bs) > 0 && o.bsWeight != 0 {
		f += o.bsWeight * o.bsChi2(vis, dvis, o.bsWeight)
	}
	if len(o.cp) > 0 && o.cpWeight != 0 {
		f += o.cpWeight * o.cpChi2(vis, dvis, o.cpWeight)
	}
	if len(o.ca) > 0 && o.caWeight != 0 {
		f += o.caWeight * o.caChi2(vis, dvis, o.caWeight)
	}

	var dimg []float64
	if grad != nil {
		dimg = make([]float64, len(img))
		// df/dI = 2 Re sum_s (df/dV_s) dV_s/dI
		for s, g := range dvis {
			if g == 0 {
				continue
			}
			ex, ey := o.ex[s], o.ey[s]
			for k := range img {
				dimg[k] += 2 * real(g*ex[o.cols[k]]*ey[o.rows[k]])
			}
		}
	}

	total := 0.0
	for _, p := range img {
		total += p
	}
	for i, reg := range o.regs {
		w := o.regWeights[i]
		switch reg {
		case GullSkilling:
			s := 0.0
			for k, p := range img {
				ratio := p / o.prior[k]
				s += o.prior[k] - p + p*math.Log(ratio)
				if dimg != nil {
					dimg[k] += w * math.Log(ratio) / o.flux
				}
			}
			f += w * s / o.flux
		case L1:
			f += w * total / o.flux
			if dimg != nil {
				for k := range dimg {
					dimg[k] += w / o.flux
				}
			}
		}
	}
	if o.fluxWeight != 0 {
		rel := (total - o.flux) / o.flux
		f += o.fluxWeight * rel * rel
		if dimg != nil {
			d := o.fluxWeight * 2 * rel / o.flux
			for k := range dimg {
				dimg[k] += d
			}
		}
	}

	if grad != nil {
		// chain rule through I = exp(x)
		for k := range grad {
			grad[k] = dimg[k] * img[k]
		}
	}
	return f
}

// bsChi2 returns the bispectrum chi-square and accumulates w times its
// Wirtinger derivative into dvis.
func (o *objective) bsChi2(vis, dvis []complex128, w float64) float64 {
	n := float64(len(o.bs))
	chi := 0.0
	for _, t := range o.bs {
		v1, v2, v3 := vis[t.legs[0]], vis[t.legs[1]], vis[t.legs[2]]
		e := v1*v2*cmplx.Conj(v3) - t.obs
		s2 := t.sigma * t.sigma
		chi += real(e*cmplx.Conj(e)) / s2
		if dvis != nil {
			c := complex(w/(n*s2), 0)
			dvis[t.legs[0]] += c * cmplx.Conj(e) * v2 * cmplx.Conj(v3)
			dvis[t.legs[1]] += c * cmplx.Conj(e) * v1 * cmplx.Conj(v3)
			dvis[t.legs[2]] += c * e * cmplx.Conj(v1*v2)
		}
	}
	return chi / n
}

// cpChi2 returns the closure phase chi-square 2/N sum (1-cos(obs-model))/sigma².
func (o *objective) cpChi2(vis, dvis []complex128, w float64) float64 {
	n := float64(len(o.cp))
	chi := 0.0
	for _, t := range o.cp {
		v1, v2, v3 := vis[t.legs[0]], vis[t.legs[1]], vis[t.legs[2]]
		model := cmplx.Phase(v1 * v2 * cmplx.Conj(v3))
		s2 := t.sigma * t.sigma
		chi += 2 * (1 - math.Cos(t.obs-model)) / s2
		if dvis != nil && v1 != 0 && v2 != 0 && v3 != 0 {
			d := complex(-w*2*math.Sin(t.obs-model)/(n*s2), 0)
			dvis[t.legs[0]] += d * complex(0, -0.5) / v1
			dvis[t.legs[1]] += d * complex(0, -0.5) / v2
			dvis[t.legs[2]] += d * complex(0, 0.5) / v3
		}
	}
	return chi / n
}

// caChi2 returns the closure amplitude chi-square 1/N sum ((obs-model)/sigma)².
func (o *objective) caChi2(vis, dvis []complex128, w float64) float64 {
	n := float64(len(o.ca))
	chi := 0.0
	for _, t := range o.ca {
		v1, v2, v3, v4 := vis[t.legs[0]], vis[t.legs[1]], vis[t.legs[2]], vis[t.legs[3]]
		if v1 == 0 || v2 == 0 || v3 == 0 || v4 == 0 {
			chi += (t.obs / t.sigma) * (t.obs / t.sigma)
			continue
		}
		model := cmplx.Abs(v1) * cmplx.Abs(v2) / (cmplx.Abs(v3) * cmplx.Abs(v4))
		resid := (t.obs - model) / t.sigma
		chi += resid * resid
		if dvis != nil {
			d := complex(-w*2*(t.obs-model)/(n*t.sigma*t.sigma)*model/2, 0)
			dvis[t.legs[0]] += d / v1
			dvis[t.legs[1]] += d / v2
			dvis[t.legs[2]] -= d / v3
			dvis[t.legs[3]] -= d / v4
		}
	}
	return chi / n
}

// chi2 reports each non-empty data term's chi-square at x.
func (o *objective) chi2(x []float64) map[DataTerm]float64 {
	vis := o.visibilities(o.pixels(x))
	out := make(map[DataTerm]float64)
	if len(o.bs) > 0 {
		out[Bispectrum] = o.bsChi2(vis, nil, 0)
	}
	if len(o.cp) > 0 {
		out[ClosurePhase] = o.cpChi2(vis, nil, 0)
	}
	if len(o.ca) > 0 {
		out[ClosureAmplitude] = o.caChi2(vis, nil, 0)
	}
	return out
}
