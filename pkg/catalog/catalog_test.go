package catalog

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Catalog {
	return &Catalog{Sources: []Source{
		{RA: 150.01, Dec: 52.0, Flux: 0.012, Major: 6.1, Minor: 5.4, PA: 30},
		{RA: 150.0, Dec: 52.05, Flux: 0.4, Major: 7.5, Minor: 5.0, PA: 110},
		{RA: 150.0, Dec: 52.01, Flux: 0.08, Major: 5.4, Minor: 5.4, PA: 0},
		{RA: 210.0, Dec: -10, Flux: 1.2, Major: 12, Minor: 8, PA: 45},
	}}
}

func TestSepn(t *testing.T) {
	r1, d1 := 1.2, 0.4
	assert.InDelta(t, 0, Sepn(r1, d1, r1, d1), 1e-12)
	assert.InDelta(t, Sepn(r1, d1, 0.3, -0.2), Sepn(0.3, -0.2, r1, d1), 1e-15)
	assert.InDelta(t, math.Pi/2, Sepn(0, 0, 0, math.Pi/2), 1e-12)
	assert.InDelta(t, 0.1, Sepn(0.5, 0, 0.6, 0), 1e-12)
}

func TestSepnCoincidentIsZero(t *testing.T) {
	for _, p := range [][2]float64{{1.2, 0.4}, {0, 0}, {2.618, 0.9076}, {3.665, -0.1745}, {6.2, 1.5}} {
		assert.Zero(t, Sepn(p[0], p[1], p[0], p[1]), "position %v", p)
	}
	// a source at the phase centre always matches, even at zero radius
	cat := &Catalog{Sources: []Source{{RA: 150, Dec: 52, Flux: 1}}}
	assert.Len(t, cat.Match(150, 52, 0), 1)
}

func TestMatchRadiusAndOrder(t *testing.T) {
	cat := sample()
	got := cat.Match(150, 52, 2)
	// 0.01 deg of RA at dec 52 is ~22", 0.01 deg of Dec is 36", 0.05 deg is 180"
	want := []Source{cat.Sources[0], cat.Sources[2]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Match mismatch (-want +got):\n%s", diff)
	}

	none := cat.Match(0, 0, 2)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	assert.Len(t, cat.Match(150, 52, 4), 3)
}

func TestCSVRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sample()))
	got, err := LoadCSV(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(sample().Sources, got.Sources); diff != "" {
		t.Fatalf("CSV round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadCSVAnyColumnOrder(t *testing.T) {
	in := "# FIRST extract\nflux, pa, ra, dec, major, minor\n0.5, 10, 150, 52, 6, 5\n"
	cat, err := LoadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, 1, cat.Len())
	assert.Equal(t, Source{RA: 150, Dec: 52, Flux: 0.5, Major: 6, Minor: 5, PA: 10}, cat.Sources[0])

	_, err = LoadCSV(strings.NewReader("RA,DEC,FLUX\n1,2,3\n"))
	assert.Error(t, err)
	_, err = LoadCSV(strings.NewReader("RA,DEC,FLUX,MAJOR,MINOR,PA\n1,2,x,4,5,6\n"))
	assert.Error(t, err)
}

func TestFITSRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFITS(&buf, sample()))
	got, err := LoadFITS(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	if diff := cmp.Diff(sample().Sources, got.Sources); diff != "" {
		t.Fatalf("FITS round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDispatch(t *testing.T) {
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "first.csv")
	f, err := os.Create(csvPath)
	require.NoError(t, err)
	require.NoError(t, WriteCSV(f, sample()))
	require.NoError(t, f.Close())

	fitsPath := filepath.Join(dir, "first.fits")
	f, err = os.Create(fitsPath)
	require.NoError(t, err)
	require.NoError(t, WriteFITS(f, sample()))
	require.NoError(t, f.Close())

	for _, path := range []string{csvPath, fitsPath} {
		cat, err := Load(path)
		require.NoError(t, err, path)
		assert.Equal(t, filepath.Base(path), cat.Name)
		assert.Equal(t, 4, cat.Len())
	}

	txt := filepath.Join(dir, "first.txt")
	require.NoError(t, os.WriteFile(txt, []byte("RA"), 0o644))
	_, err = Load(txt)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
