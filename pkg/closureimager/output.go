package closureimager

import (
	"fmt"
	"path/filepath"

	"closureimager/pkg/skyimage"
)

// Product is one named image of a run. Name excludes the file extension.
type Product struct {
	Name  string
	Image *skyimage.Image
}

// AssembleProducts names the images of a loop result. The split variant
// yields <stem>_0_im, <stem>_0_im_blur, <stem>im and <stem>im_blur; the
// bispectrum variant yields bs_<stem>im and bs_<stem>im_blur.
func AssembleProducts(stem string, r LoopResult) []Product {
	last := r.Passes[1]
	switch r.Variant.(type) {
	case BispectrumVariant:
		return []Product{
			{Name: "bs_" + stem + "im", Image: last.Image},
			{Name: "bs_" + stem + "im_blur", Image: last.Blurred},
		}
	default:
		first := r.Passes[0]
		return []Product{
			{Name: stem + "_0_im", Image: first.Image},
			{Name: stem + "_0_im_blur", Image: first.Blurred},
			{Name: stem + "im", Image: last.Image},
			{Name: stem + "im_blur", Image: last.Blurred},
		}
	}
}

// WriteProducts writes each product as <dir>/<name>.fits and, with
// previews, a <name>.png rendering. It returns the written paths.
func WriteProducts(dir string, products []Product, object string, previews bool) ([]string, error) {
	var paths []string
	for _, p := range products {
		path := filepath.Join(dir, p.Name+".fits")
		if err := skyimage.WriteFITSFile(path, p.Image, object); err != nil {
			return paths, fmt.Errorf("write %s: %w", p.Name, err)
		}
		paths = append(paths, path)
		if !previews {
			continue
		}
		png := filepath.Join(dir, p.Name+".png")
		if err := skyimage.RenderPreviewFile(png, p.Image, p.Name); err != nil {
			return paths, fmt.Errorf("preview %s: %w", p.Name, err)
		}
		paths = append(paths, png)
	}
	return paths, nil
}
