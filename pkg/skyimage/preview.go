package skyimage

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	previewSize   = 512
	captionHeight = 40
)

// Point2d represents a 2D point with float64 coordinates.
type Point2d struct {
	X, Y float64
}

// RenderPreview writes a PNG rendering of the image with a caption.
func RenderPreview(w io.Writer, im *Image, title string) error {
	return png.Encode(w, renderPreviewImage(im, title))
}

// RenderPreviewFile writes the PNG preview to path.
func RenderPreviewFile(path string, im *Image, title string) error {
	var buf bytes.Buffer
	if err := RenderPreview(&buf, im, title); err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	return nil
}

func renderPreviewImage(im *Image, title string) *image.RGBA {
	scale := previewSize / im.Npix
	if scale < 1 {
		scale = 1
	}
	side := im.Npix * scale
	canvas := image.NewRGBA(image.Rect(0, 0, side, side+captionHeight))
	fill(canvas, color.RGBA{0, 0, 0, 255})

	peak := im.Max()
	if peak <= 0 {
		peak = 1
	}
	for row := 0; row < im.Npix; row++ {
		for col := 0; col < im.Npix; col++ {
			c := afmhot(im.At(row, col) / peak)
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					canvas.Set(col*scale+dx, row*scale+dy, c)
				}
			}
		}
	}

	face := basicfont.Face7x13
	textColor := color.RGBA{220, 220, 220, 255}
	drawText(canvas, face, title, 8, side+15, textColor)
	drawText(canvas, face, fmt.Sprintf("flux %.4f Jy  peak %.3g Jy/px  fov %.2f\"",
		im.Total(), im.Max(), im.FOV()*ArcsecPerRad), 8, side+32, textColor)
	return canvas
}

// afmhot maps [0, 1] to the black-red-yellow-white ramp used for radio maps.
func afmhot(t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	channel := func(offset float64) uint8 {
		return uint8(255 * math.Max(0, math.Min(1, 2*t-offset)))
	}
	return color.RGBA{channel(0), channel(0.5), channel(1), 255}
}

// ScatterPlot is a minimal axis-annotated scatter plot.
type ScatterPlot struct {
	Title  string
	XLabel string
	YLabel string
	Points []Point2d
	// Symmetric centres the axes on zero with equal extents, for u-v coverage.
	Symmetric bool
}

// RenderPNG writes the plot as a PNG.
func (p ScatterPlot) RenderPNG(w io.Writer) error {
	const (
		width  = 640
		height = 640
		margin = 50
	)
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	fill(canvas, color.RGBA{255, 255, 255, 255})

	xMin, xMax, yMin, yMax := p.bounds()
	plotW := float64(width - 2*margin)
	plotH := float64(height - 2*margin)
	toPixel := func(pt Point2d) (int, int) {
		px := margin + int((pt.X-xMin)/(xMax-xMin)*plotW)
		py := height - margin - int((pt.Y-yMin)/(yMax-yMin)*plotH)
		return px, py
	}

	axisColor := color.RGBA{0, 0, 0, 255}
	drawLine(canvas, margin, height-margin, width-margin, height-margin, axisColor)
	drawLine(canvas, margin, margin, margin, height-margin, axisColor)

	pointColor := color.RGBA{30, 80, 200, 255}
	for _, pt := range p.Points {
		x, y := toPixel(pt)
		drawCircle(canvas, x, y, 1, pointColor)
	}

	face := basicfont.Face7x13
	drawCenteredText(canvas, face, p.Title, width/2, margin/2, axisColor)
	drawCenteredText(canvas, face, p.XLabel, width/2, height-margin/4, axisColor)
	drawText(canvas, face, p.YLabel, 4, margin-8, axisColor)
	drawText(canvas, face, fmt.Sprintf("%.3g", xMin), margin, height-margin+15, axisColor)
	drawText(canvas, face, fmt.Sprintf("%.3g", xMax), width-margin-40, height-margin+15, axisColor)
	drawText(canvas, face, fmt.Sprintf("%.3g", yMax), 4, margin+4, axisColor)
	drawText(canvas, face, fmt.Sprintf("%.3g", yMin), 4, height-margin, axisColor)

	return png.Encode(w, canvas)
}

// RenderPNGFile writes the plot to path.
func (p ScatterPlot) RenderPNGFile(path string) error {
	var buf bytes.Buffer
	if err := p.RenderPNG(&buf); err != nil {
		return fmt.Errorf("encode plot: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}

func (p ScatterPlot) bounds() (xMin, xMax, yMin, yMax float64) {
	xMin, yMin = math.Inf(1), math.Inf(1)
	xMax, yMax = math.Inf(-1), math.Inf(-1)
	for _, pt := range p.Points {
		xMin = math.Min(xMin, pt.X)
		xMax = math.Max(xMax, pt.X)
		yMin = math.Min(yMin, pt.Y)
		yMax = math.Max(yMax, pt.Y)
	}
	if len(p.Points) == 0 {
		return -1, 1, -1, 1
	}
	if p.Symmetric {
		r := math.Max(math.Max(math.Abs(xMin), math.Abs(xMax)), math.Max(math.Abs(yMin), math.Abs(yMax)))
		if r == 0 {
			r = 1
		}
		return -r, r, -r, r
	}
	if xMax == xMin {
		xMin, xMax = xMin-1, xMax+1
	}
	if yMin > 0 {
		yMin = 0
	}
	if yMax == yMin {
		yMax = yMin + 1
	}
	return xMin, xMax, yMin, yMax
}

func fill(img *image.RGBA, c color.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCenteredText draws a string centered at (cx, cy).
func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, cy int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	drawText(img, face, s, cx-advance.Round()/2, cy, c)
}

// drawCircle draws a circle outline using midpoint algorithm.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	x := radius
	y := 0
	err := 0

	for x >= y {
		img.Set(cx+x, cy+y, c)
		img.Set(cx+y, cy+x, c)
		img.Set(cx-y, cy+x, c)
		img.Set(cx-x, cy+y, c)
		img.Set(cx-x, cy-y, c)
		img.Set(cx-y, cy-x, c)
		img.Set(cx+y, cy-x, c)
		img.Set(cx+x, cy-y, c)

		y++
		err += 1 + 2*y
		if 2*(err-x)+1 > 0 {
			x--
			err += 1 - 2*x
		}
	}
}

// drawLine draws a line between two points using Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := intAbs(x1 - x0)
	dy := -intAbs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func intAbs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
