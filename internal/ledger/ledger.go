// Package ledger is the shared coordination store of a mural build. One
// SQLite file holds the active project, every cell of the quantized
// image, and the band assignments workers claim. All fleet processes
// open the same file; SQLite's file locking serializes writers, and
// every claim is a compare-and-set so two painters can never hold the
// same band.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"muralcraft.ai/internal/mural"
)

// Band states.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
)

// PersistenceError wraps a driver failure with the ledger operation
// that hit it. Callers treat any PersistenceError as fatal for the
// current tick and surface it unchanged.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

type Ledger struct {
	db *sql.DB
}

// Project is the single active mural build.
type Project struct {
	ImageSource string
	Algorithm   string
	GridW       int
	GridH       int
	BandWidth   int
	TotalBands  int
	Active      bool
	Paused      bool
	CreatedAt   time.Time
}

// BandState is one band's row as stored.
type BandState struct {
	Index      int
	Status     string
	AssignedTo string
	AssignedAt time.Time
}

type Stats struct {
	TotalCells  int
	PlacedCells int

	PendingBands   int
	AssignedBands  int
	CompletedBands int
}

func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, wrap("open", fmt.Errorf("empty db path"))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap("open", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, wrap("open", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, wrap("open", err)
	}
	return &Ledger{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL lets workers read while another process writes a claim.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS project (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			image_source TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			grid_w INTEGER NOT NULL,
			grid_h INTEGER NOT NULL,
			band_width INTEGER NOT NULL,
			total_bands INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_paused INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cells (
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			material TEXT NOT NULL,
			is_placed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (x, z)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cells_z ON cells(z);`,
		`CREATE INDEX IF NOT EXISTS idx_cells_unplaced ON cells(is_placed, z);`,
		`CREATE TABLE IF NOT EXISTS bands (
			band_index INTEGER PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			assigned_to TEXT,
			assigned_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bands_status ON bands(status, band_index);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartProject replaces whatever the ledger holds with a fresh build:
// one project row, one cell row per grid pixel and one pending band per
// row group. The whole swap is a single transaction so workers never
// observe a half-written project.
func (l *Ledger) StartProject(p Project, grid *mural.Grid) error {
	if grid.W != p.GridW || grid.H != p.GridH {
		return wrap("start_project", fmt.Errorf("grid is %dx%d, project says %dx%d", grid.W, grid.H, p.GridW, p.GridH))
	}
	if p.BandWidth < 1 {
		return wrap("start_project", fmt.Errorf("band width %d out of range", p.BandWidth))
	}
	total := mural.BandCount(p.GridH, p.BandWidth)
	if total == 0 {
		return wrap("start_project", fmt.Errorf("empty grid"))
	}

	tx, err := l.db.Begin()
	if err != nil {
		return wrap("start_project", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM cells`, `DELETE FROM bands`, `DELETE FROM project`} {
		if _, err := tx.Exec(stmt); err != nil {
			return wrap("start_project", err)
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		`INSERT INTO project(id,image_source,algorithm,grid_w,grid_h,band_width,total_bands,is_active,is_paused,created_at)
		 VALUES(1,?,?,?,?,?,?,1,0,?)`,
		p.ImageSource, p.Algorithm, p.GridW, p.GridH, p.BandWidth, total,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return wrap("start_project", err)
	}

	insertCell, err := tx.Prepare(`INSERT INTO cells(x,z,material,is_placed) VALUES(?,?,?,0)`)
	if err != nil {
		return wrap("start_project", err)
	}
	defer insertCell.Close()
	for z := 0; z < grid.H; z++ {
		for x := 0; x < grid.W; x++ {
			material := grid.At(x, z)
			if material == "" {
				return wrap("start_project", fmt.Errorf("cell %d,%d has no material", x, z))
			}
			if _, err := insertCell.Exec(x, z, material); err != nil {
				return wrap("start_project", err)
			}
		}
	}

	insertBand, err := tx.Prepare(`INSERT INTO bands(band_index,status) VALUES(?,?)`)
	if err != nil {
		return wrap("start_project", err)
	}
	defer insertBand.Close()
	for b := 0; b < total; b++ {
		if _, err := insertBand.Exec(b, StatusPending); err != nil {
			return wrap("start_project", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("start_project", err)
	}
	return nil
}

// ProjectState returns the current project, or nil when the ledger is
// empty.
func (l *Ledger) ProjectState() (*Project, error) {
	var (
		p       Project
		active  int
		paused  int
		created string
	)
	err := l.db.QueryRow(
		`SELECT image_source, algorithm, grid_w, grid_h, band_width, total_bands, is_active, is_paused, created_at
		 FROM project WHERE id = 1`,
	).Scan(&p.ImageSource, &p.Algorithm, &p.GridW, &p.GridH, &p.BandWidth, &p.TotalBands, &active, &paused, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("project_state", err)
	}
	p.Active = active != 0
	p.Paused = paused != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &p, nil
}

// SetPaused flips the shared pause flag all workers obey.
func (l *Ledger) SetPaused(paused bool) error {
	res, err := l.db.Exec(`UPDATE project SET is_paused = ? WHERE id = 1`, boolInt(paused))
	if err != nil {
		return wrap("set_paused", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("set_paused", fmt.Errorf("no project"))
	}
	return nil
}

// ClaimBand assigns the lowest pending band to the worker. The claim is
// a compare-and-set: the conditional UPDATE only lands if the band is
// still pending, and a re-read confirms the assignment stuck. On a lost
// race it reports no claim rather than retrying; the worker's next tick
// will try again against fresher state.
func (l *Ledger) ClaimBand(workerID string) (int, bool, error) {
	var band int
	err := l.db.QueryRow(
		`SELECT band_index FROM bands WHERE status = ? ORDER BY band_index LIMIT 1`,
		StatusPending,
	).Scan(&band)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("claim_band", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.Exec(
		`UPDATE bands SET status = ?, assigned_to = ?, assigned_at = ? WHERE band_index = ? AND status = ?`,
		StatusAssigned, workerID, now, band, StatusPending,
	)
	if err != nil {
		return 0, false, wrap("claim_band", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}

	var got sql.NullString
	if err := l.db.QueryRow(`SELECT assigned_to FROM bands WHERE band_index = ?`, band).Scan(&got); err != nil {
		return 0, false, wrap("claim_band", err)
	}
	if !got.Valid || got.String != workerID {
		return 0, false, nil
	}
	return band, true, nil
}

// AdoptBand finds a band already assigned to this worker id, left
// behind by a previous process that died without releasing. Stable
// worker names make the orphan claim recoverable without timeouts.
func (l *Ledger) AdoptBand(workerID string) (int, bool, error) {
	var band int
	err := l.db.QueryRow(
		`SELECT band_index FROM bands WHERE status = ? AND assigned_to = ? ORDER BY band_index LIMIT 1`,
		StatusAssigned, workerID,
	).Scan(&band)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("adopt_band", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := l.db.Exec(
		`UPDATE bands SET assigned_at = ? WHERE band_index = ? AND assigned_to = ?`,
		now, band, workerID,
	); err != nil {
		return 0, false, wrap("adopt_band", err)
	}
	return band, true, nil
}

// ReleaseBand forces a band back to the pending pool, whoever holds
// it. Used on failure and shutdown; releasing an unassigned band is a
// no-op, so the shutdown path may call it blindly.
func (l *Ledger) ReleaseBand(band int) error {
	res, err := l.db.Exec(
		`UPDATE bands SET status = ?, assigned_to = NULL, assigned_at = NULL WHERE band_index = ?`,
		StatusPending, band,
	)
	if err != nil {
		return wrap("release_band", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("release_band", fmt.Errorf("no band %d", band))
	}
	return nil
}

// CompleteBand is terminal: the band never returns to the pool. The
// assignee column is kept as a record of who painted it. Completion
// trusts the caller to be the current assignee.
func (l *Ledger) CompleteBand(band int) error {
	res, err := l.db.Exec(
		`UPDATE bands SET status = ? WHERE band_index = ?`,
		StatusCompleted, band,
	)
	if err != nil {
		return wrap("complete_band", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("complete_band", fmt.Errorf("no band %d", band))
	}
	return nil
}

// MarkCellPlaced records one painted cell. Marking an already-placed
// cell is a no-op; an unknown cell is an error.
func (l *Ledger) MarkCellPlaced(x, z int) error {
	res, err := l.db.Exec(`UPDATE cells SET is_placed = 1 WHERE x = ? AND z = ?`, x, z)
	if err != nil {
		return wrap("mark_cell", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("mark_cell", fmt.Errorf("no cell at %d,%d", x, z))
	}
	return nil
}

// PlacementsForBand lists the band's unplaced cells in row-major order:
// west to east, top row first.
func (l *Ledger) PlacementsForBand(band int) ([]mural.Cell, error) {
	z0, z1, err := l.bandRange(band)
	if err != nil {
		return nil, err
	}
	rows, err := l.db.Query(
		`SELECT x, z, material FROM cells WHERE is_placed = 0 AND z >= ? AND z < ? ORDER BY x, z`,
		z0, z1,
	)
	if err != nil {
		return nil, wrap("placements", err)
	}
	defer rows.Close()

	var cells []mural.Cell
	for rows.Next() {
		var c mural.Cell
		if err := rows.Scan(&c.X, &c.Z, &c.Material); err != nil {
			return nil, wrap("placements", err)
		}
		cells = append(cells, c)
	}
	return cells, wrap("placements", rows.Err())
}

// RequirementsForBand tallies material counts over the band's unplaced
// cells.
func (l *Ledger) RequirementsForBand(band int) (map[string]int, error) {
	z0, z1, err := l.bandRange(band)
	if err != nil {
		return nil, err
	}
	rows, err := l.db.Query(
		`SELECT material, COUNT(*) FROM cells WHERE is_placed = 0 AND z >= ? AND z < ? GROUP BY material`,
		z0, z1,
	)
	if err != nil {
		return nil, wrap("requirements", err)
	}
	defer rows.Close()

	req := make(map[string]int)
	for rows.Next() {
		var material string
		var n int
		if err := rows.Scan(&material, &n); err != nil {
			return nil, wrap("requirements", err)
		}
		req[material] = n
	}
	return req, wrap("requirements", rows.Err())
}

func (l *Ledger) bandRange(band int) (int, int, error) {
	var bw, h, total int
	err := l.db.QueryRow(`SELECT band_width, grid_h, total_bands FROM project WHERE id = 1`).Scan(&bw, &h, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, wrap("band_range", fmt.Errorf("no project"))
	}
	if err != nil {
		return 0, 0, wrap("band_range", err)
	}
	if band < 0 || band >= total {
		return 0, 0, wrap("band_range", fmt.Errorf("band %d out of range [0,%d)", band, total))
	}
	z0, z1 := mural.BandRows(band, bw, h)
	return z0, z1, nil
}

func (l *Ledger) Stats() (Stats, error) {
	var s Stats
	err := l.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(is_placed), 0) FROM cells`,
	).Scan(&s.TotalCells, &s.PlacedCells)
	if err != nil {
		return s, wrap("stats", err)
	}

	rows, err := l.db.Query(`SELECT status, COUNT(*) FROM bands GROUP BY status`)
	if err != nil {
		return s, wrap("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, wrap("stats", err)
		}
		switch status {
		case StatusPending:
			s.PendingBands = n
		case StatusAssigned:
			s.AssignedBands = n
		case StatusCompleted:
			s.CompletedBands = n
		}
	}
	return s, wrap("stats", rows.Err())
}

// Bands lists every band row in index order.
func (l *Ledger) Bands() ([]BandState, error) {
	rows, err := l.db.Query(
		`SELECT band_index, status, assigned_to, assigned_at FROM bands ORDER BY band_index`,
	)
	if err != nil {
		return nil, wrap("bands", err)
	}
	defer rows.Close()

	var out []BandState
	for rows.Next() {
		var (
			b        BandState
			assignee sql.NullString
			at       sql.NullString
		)
		if err := rows.Scan(&b.Index, &b.Status, &assignee, &at); err != nil {
			return nil, wrap("bands", err)
		}
		if assignee.Valid {
			b.AssignedTo = assignee.String
		}
		if at.Valid {
			b.AssignedAt, _ = time.Parse(time.RFC3339Nano, at.String)
		}
		out = append(out, b)
	}
	return out, wrap("bands", rows.Err())
}

// Clear wipes the ledger back to empty. Workers notice the missing
// project on their next tick and go idle.
func (l *Ledger) Clear() error {
	tx, err := l.db.Begin()
	if err != nil {
		return wrap("clear", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{`DELETE FROM cells`, `DELETE FROM bands`, `DELETE FROM project`} {
		if _, err := tx.Exec(stmt); err != nil {
			return wrap("clear", err)
		}
	}
	return wrap("clear", tx.Commit())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
