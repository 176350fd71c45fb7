package skyimage

import (
	"fmt"
	"io"
	"os"

	"github.com/astrogo/fitsio"
)

// WriteFITS encodes the image as a single -64 BITPIX primary HDU with a
// SIN-projected celestial WCS. FITS stores the southern row first, so rows
// are flipped on the way out.
func WriteFITS(w io.Writer, im *Image, object string) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("creating FITS stream: %w", err)
	}

	hdu := fitsio.NewImage(-64, []int{im.Npix, im.Npix})
	defer hdu.Close()

	psizeDeg := im.Psize / RadPerDeg
	crpix := float64(im.Npix+1) / 2.0
	err = hdu.Header().Append(
		fitsio.Card{Name: "OBJECT", Value: object},
		fitsio.Card{Name: "CTYPE1", Value: "RA---SIN"},
		fitsio.Card{Name: "CRVAL1", Value: im.RA},
		fitsio.Card{Name: "CDELT1", Value: -psizeDeg},
		fitsio.Card{Name: "CRPIX1", Value: crpix},
		fitsio.Card{Name: "CUNIT1", Value: "deg"},
		fitsio.Card{Name: "CTYPE2", Value: "DEC--SIN"},
		fitsio.Card{Name: "CRVAL2", Value: im.Dec},
		fitsio.Card{Name: "CDELT2", Value: psizeDeg},
		fitsio.Card{Name: "CRPIX2", Value: crpix},
		fitsio.Card{Name: "CUNIT2", Value: "deg"},
		fitsio.Card{Name: "BUNIT", Value: "JY/PIXEL"},
	)
	if err != nil {
		return fmt.Errorf("writing FITS header: %w", err)
	}

	data := make([]float64, len(im.Pixels))
	for row := 0; row < im.Npix; row++ {
		src := im.Pixels[(im.Npix-1-row)*im.Npix : (im.Npix-row)*im.Npix]
		copy(data[row*im.Npix:], src)
	}
	if err := hdu.Write(&data); err != nil {
		return fmt.Errorf("writing FITS pixels: %w", err)
	}
	if err := f.Write(hdu); err != nil {
		return fmt.Errorf("writing FITS HDU: %w", err)
	}
	return f.Close()
}

// WriteFITSFile writes the image to path.
func WriteFITSFile(path string, im *Image, object string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create FITS file: %w", err)
	}
	if err := WriteFITS(out, im, object); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ReadFITS decodes an image written by WriteFITS.
func ReadFITS(r io.Reader) (*Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("opening FITS stream: %w", err)
	}
	defer f.Close()

	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU is not an image")
	}
	axes := hdu.Header().Axes()
	if len(axes) != 2 || axes[0] != axes[1] {
		return nil, fmt.Errorf("expected a square 2-D image, got axes %v", axes)
	}
	npix := axes[0]

	data := make([]float64, npix*npix)
	if err := hdu.Read(&data); err != nil {
		return nil, fmt.Errorf("reading FITS pixels: %w", err)
	}
	if len(data) != npix*npix {
		return nil, fmt.Errorf("pixel count %d does not match %dx%d", len(data), npix, npix)
	}

	cdelt2, err := headerFloat(hdu.Header(), "CDELT2")
	if err != nil {
		return nil, err
	}
	ra, err := headerFloat(hdu.Header(), "CRVAL1")
	if err != nil {
		return nil, err
	}
	dec, err := headerFloat(hdu.Header(), "CRVAL2")
	if err != nil {
		return nil, err
	}

	im := &Image{Npix: npix, Psize: cdelt2 * RadPerDeg, RA: ra, Dec: dec, Pixels: make([]float64, npix*npix)}
	for row := 0; row < npix; row++ {
		copy(im.Pixels[row*npix:(row+1)*npix], data[(npix-1-row)*npix:(npix-row)*npix])
	}
	return im, nil
}

// ReadFITSFile reads an image from path.
func ReadFITSFile(path string) (*Image, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer in.Close()
	return ReadFITS(in)
}

func headerFloat(hdr *fitsio.Header, key string) (float64, error) {
	card := hdr.Get(key)
	if card == nil {
		return 0, fmt.Errorf("FITS header missing %s", key)
	}
	switch v := card.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("FITS header %s has non-numeric value %v", key, card.Value)
	}
}
