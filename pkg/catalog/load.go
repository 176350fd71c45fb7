package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

// Columns is the fixed column order of a catalogue table.
var Columns = []string{"RA", "DEC", "FLUX", "MAJOR", "MINOR", "PA"}

// Load reads a catalogue, choosing the decoder from the file extension.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	var cat *Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		cat, err = LoadFITS(f)
	case ".csv":
		cat, err = LoadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	cat.Name = filepath.Base(path)
	return cat, nil
}

// LoadFITS reads the first binary table extension carrying the catalogue
// columns.
func LoadFITS(r io.Reader) (*Catalog, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("opening FITS stream: %w", err)
	}
	defer f.Close()

	for _, hdu := range f.HDUs() {
		tbl, ok := hdu.(*fitsio.Table)
		if !ok {
			continue
		}
		if err := checkColumns(tbl); err != nil {
			return nil, err
		}
		return readTable(tbl)
	}
	return nil, errors.New("no table extension found")
}

func checkColumns(tbl *fitsio.Table) error {
	cols := tbl.Cols()
	if len(cols) != len(Columns) {
		return fmt.Errorf("expected %d columns %v, got %d", len(Columns), Columns, len(cols))
	}
	for i, col := range cols {
		if !strings.EqualFold(strings.TrimSpace(col.Name), Columns[i]) {
			return fmt.Errorf("column %d is %q, expected %q", i+1, col.Name, Columns[i])
		}
	}
	return nil
}

func readTable(tbl *fitsio.Table) (*Catalog, error) {
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, fmt.Errorf("reading table rows: %w", err)
	}
	defer rows.Close()

	cat := &Catalog{Sources: make([]Source, 0, tbl.NumRows())}
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.RA, &s.Dec, &s.Flux, &s.Major, &s.Minor, &s.PA); err != nil {
			return nil, fmt.Errorf("scanning row %d: %w", len(cat.Sources), err)
		}
		cat.Sources = append(cat.Sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return cat, nil
}

// WriteFITS writes the catalogue as a binary table after an empty primary HDU.
func WriteFITS(w io.Writer, cat *Catalog) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("creating FITS stream: %w", err)
	}

	phdu, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		return fmt.Errorf("creating primary HDU: %w", err)
	}
	if err := f.Write(phdu); err != nil {
		return fmt.Errorf("writing primary HDU: %w", err)
	}

	cols := make([]fitsio.Column, len(Columns))
	for i, name := range Columns {
		cols[i] = fitsio.Column{Name: name, Format: "D"}
	}
	tbl, err := fitsio.NewTable("CATALOG", cols, fitsio.BINARY_TBL)
	if err != nil {
		return fmt.Errorf("creating table: %w", err)
	}
	defer tbl.Close()

	for i := range cat.Sources {
		s := cat.Sources[i]
		if err := tbl.Write(&s.RA, &s.Dec, &s.Flux, &s.Major, &s.Minor, &s.PA); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	if err := f.Write(tbl); err != nil {
		return fmt.Errorf("writing table HDU: %w", err)
	}
	return f.Close()
}

// LoadCSV reads a catalogue with a header row naming the six columns in any
// order. Blank lines and lines starting with '#' are skipped.
func LoadCSV(r io.Reader) (*Catalog, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	positions := make([]int, len(Columns))
	for i, name := range Columns {
		pos, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
		positions[i] = pos
	}

	cat := &Catalog{Sources: make([]Source, 0)}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", len(cat.Sources)+1, err)
		}
		values := make([]float64, len(Columns))
		for i, pos := range positions {
			values[i], err = strconv.ParseFloat(strings.TrimSpace(record[pos]), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", len(cat.Sources)+1, Columns[i], err)
			}
		}
		cat.Sources = append(cat.Sources, Source{
			RA: values[0], Dec: values[1], Flux: values[2],
			Major: values[3], Minor: values[4], PA: values[5],
		})
	}
	return cat, nil
}

// WriteCSV writes the catalogue with a header row.
func WriteCSV(w io.Writer, cat *Catalog) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Columns); err != nil {
		return err
	}
	for _, s := range cat.Sources {
		row := []string{
			strconv.FormatFloat(s.RA, 'g', -1, 64),
			strconv.FormatFloat(s.Dec, 'g', -1, 64),
			strconv.FormatFloat(s.Flux, 'g', -1, 64),
			strconv.FormatFloat(s.Major, 'g', -1, 64),
			strconv.FormatFloat(s.Minor, 'g', -1, 64),
			strconv.FormatFloat(s.PA, 'g', -1, 64),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
