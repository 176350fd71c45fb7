package uvdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Store is an on-disk measurement set: antenna table, field table and the
// visibility rows, kept in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS antenna (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	x    REAL NOT NULL DEFAULT 0,
	y    REAL NOT NULL DEFAULT 0,
	z    REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS field (
	id      INTEGER PRIMARY KEY,
	name    TEXT NOT NULL,
	ra_deg  REAL NOT NULL,
	dec_deg REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS visibility (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	time     REAL NOT NULL,
	antenna1 INTEGER NOT NULL,
	antenna2 INTEGER NOT NULL,
	u        REAL NOT NULL,
	v        REAL NOT NULL,
	re       REAL NOT NULL,
	im       REAL NOT NULL,
	weight   REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_visibility_baseline ON visibility(antenna1, antenna2);
`

// Create opens path for writing, creating the file and schema if needed.
func Create(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	s, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(schema); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

// Open opens an existing store.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("measurement store %s: %w", path, err)
	}
	s, err := open(path)
	if err != nil {
		return nil, err
	}
	var n int
	err = s.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('antenna', 'field', 'visibility')`).Scan(&n)
	if err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if n != 3 {
		s.db.Close()
		return nil, fmt.Errorf("%s is not a measurement store", path)
	}
	return s, nil
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Antennas returns the antenna names ordered by index.
func (s *Store) Antennas(ctx context.Context) ([]string, error) {
	names, _, err := s.antennaTable(ctx)
	return names, err
}

func (s *Store) antennaTable(ctx context.Context) ([]string, [][3]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, x, y, z FROM antenna ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query antennas: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	positions := make([][3]float64, 0)
	for rows.Next() {
		var (
			id   int
			name string
			pos  [3]float64
		)
		if err := rows.Scan(&id, &name, &pos[0], &pos[1], &pos[2]); err != nil {
			return nil, nil, fmt.Errorf("scan antenna: %w", err)
		}
		if id != len(names) {
			return nil, nil, fmt.Errorf("antenna table is not contiguous at id %d", id)
		}
		names = append(names, name)
		positions = append(positions, pos)
	}
	return names, positions, rows.Err()
}

// PhaseCenter returns the source name and phase centre of the first field.
func (s *Store) PhaseCenter(ctx context.Context) (name string, ra, dec float64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT name, ra_deg, dec_deg FROM field ORDER BY id LIMIT 1`).Scan(&name, &ra, &dec)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, 0, errors.New("field table is empty")
	}
	if err != nil {
		return "", 0, 0, fmt.Errorf("query field: %w", err)
	}
	return name, ra, dec, nil
}

// Load reads the whole store.
func (s *Store) Load(ctx context.Context) (*Observation, error) {
	return s.load(ctx, nil)
}

// Select reads only the baselines whose two antennas are both in stations.
// An empty station list yields an observation with no visibilities.
func (s *Store) Select(ctx context.Context, stations []int) (*Observation, error) {
	if stations == nil {
		stations = []int{}
	}
	return s.load(ctx, stations)
}

func (s *Store) load(ctx context.Context, stations []int) (*Observation, error) {
	names, positions, err := s.antennaTable(ctx)
	if err != nil {
		return nil, err
	}
	source, ra, dec, err := s.PhaseCenter(ctx)
	if err != nil {
		return nil, err
	}
	freq, err := s.metaFloat(ctx, "frequency")
	if err != nil {
		return nil, err
	}
	obs := &Observation{
		Source:    source,
		RA:        ra,
		Dec:       dec,
		Frequency: freq,
		Antennas:  names,
		Positions: positions,
		Vis:       make([]Visibility, 0),
	}

	query := `SELECT time, antenna1, antenna2, u, v, re, im, weight FROM visibility`
	var args []any
	if stations != nil {
		if len(stations) == 0 {
			return obs, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(stations)), ",")
		query += fmt.Sprintf(` WHERE antenna1 IN (%s) AND antenna2 IN (%s)`, placeholders, placeholders)
		for range 2 {
			for _, st := range stations {
				args = append(args, st)
			}
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visibilities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v Visibility
		var re, im float64
		if err := rows.Scan(&v.Time, &v.Ant1, &v.Ant2, &v.U, &v.V, &re, &im, &v.Weight); err != nil {
			return nil, fmt.Errorf("scan visibility: %w", err)
		}
		if v.Ant1 == v.Ant2 {
			continue // autocorrelation
		}
		v.Value = complex(re, im)
		obs.Vis = append(obs.Vis, v.normalized())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visibilities: %w", err)
	}
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	return obs, nil
}

func (s *Store) metaFloat(ctx context.Context, key string) (float64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query meta %s: %w", key, err)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %s: %w", key, err)
	}
	return f, nil
}

// Save replaces the store contents with obs in one transaction.
func (s *Store) Save(ctx context.Context, obs *Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"antenna", "field", "meta", "visibility"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	antStmt, err := tx.PrepareContext(ctx, `INSERT INTO antenna (id, name, x, y, z) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare antenna insert: %w", err)
	}
	defer antStmt.Close()
	for i, name := range obs.Antennas {
		var pos [3]float64
		if obs.Positions != nil {
			pos = obs.Positions[i]
		}
		if _, err := antStmt.ExecContext(ctx, i, name, pos[0], pos[1], pos[2]); err != nil {
			return fmt.Errorf("insert antenna %s: %w", name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO field (id, name, ra_deg, dec_deg) VALUES (0, ?, ?, ?)`,
		obs.Source, obs.RA, obs.Dec); err != nil {
		return fmt.Errorf("insert field: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('frequency', ?)`,
		strconv.FormatFloat(obs.Frequency, 'g', -1, 64)); err != nil {
		return fmt.Errorf("insert meta: %w", err)
	}

	visStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO visibility (time, antenna1, antenna2, u, v, re, im, weight) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare visibility insert: %w", err)
	}
	defer visStmt.Close()
	for _, v := range obs.Vis {
		if _, err := visStmt.ExecContext(ctx, v.Time, v.Ant1, v.Ant2, v.U, v.V, real(v.Value), imag(v.Value), v.Weight); err != nil {
			return fmt.Errorf("insert visibility: %w", err)
		}
	}
	return tx.Commit()
}
