package uvdata

import (
	"closureimager/pkg/skyimage"
)

// RenderCoverage writes the u-v coverage, including conjugate points, to a
// PNG file. Axes are in mega-wavelengths.
func (o *Observation) RenderCoverage(path string) error {
	points := make([]skyimage.Point2d, 0, 2*len(o.Vis))
	for _, v := range o.Vis {
		points = append(points,
			skyimage.Point2d{X: v.U / 1e6, Y: v.V / 1e6},
			skyimage.Point2d{X: -v.U / 1e6, Y: -v.V / 1e6},
		)
	}
	plot := skyimage.ScatterPlot{
		Title:     o.Source + " u-v coverage",
		XLabel:    "u (Mlambda)",
		YLabel:    "v (Mlambda)",
		Points:    points,
		Symmetric: true,
	}
	return plot.RenderPNGFile(path)
}

// RenderAmplitudes writes amplitude against u-v distance to a PNG file.
func (o *Observation) RenderAmplitudes(path string) error {
	points := make([]skyimage.Point2d, 0, len(o.Vis))
	for _, v := range o.Vis {
		points = append(points, skyimage.Point2d{X: v.UVDist() / 1e6, Y: v.Amp()})
	}
	plot := skyimage.ScatterPlot{
		Title:  o.Source + " amplitude vs u-v distance",
		XLabel: "u-v distance (Mlambda)",
		YLabel: "amplitude (Jy)",
		Points: points,
	}
	return plot.RenderPNGFile(path)
}
