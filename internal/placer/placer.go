// Package placer executes band placement: it batches a band's unplaced
// cells into reachable groups, parks the painter once per batch, and
// lays blocks cell by cell. Movement is the expensive primitive, so the
// engine trades reach checks for travel.
package placer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"muralcraft.ai/internal/eventlog"
	"muralcraft.ai/internal/fleet"
	"muralcraft.ai/internal/mural"
	"muralcraft.ai/internal/palette"
	"muralcraft.ai/internal/protocol"
)

// Session is the slice of a world session the engine drives.
type Session interface {
	Position() mural.Vec3i
	NavigateTo(ctx context.Context, pos mural.Vec3i, tolerance float64) error
	FaceToward(pos mural.Vec3i) error
	Equip(item string) error
	SetStance(braced bool) error
	BlockAt(pos mural.Vec3i) (string, bool)
	CanOccupy(pos mural.Vec3i) bool
	PlaceBlock(ctx context.Context, pos mural.Vec3i, item string) error
	BreakBlock(ctx context.Context, pos mural.Vec3i) error
}

// Board is the ledger surface the engine reads work from and records
// progress to.
type Board interface {
	PlacementsForBand(band int) ([]mural.Cell, error)
	MarkCellPlaced(x, z int) error
}

// MovementFailure reports a navigation that did not reach its target.
type MovementFailure struct {
	Target mural.Vec3i
	Err    error
}

func (e *MovementFailure) Error() string {
	return fmt.Sprintf("move to %v: %v", e.Target.ToArray(), e.Err)
}

func (e *MovementFailure) Unwrap() error { return e.Err }

// PlacementFailure reports one failed attempt at painting a cell.
type PlacementFailure struct {
	Cell mural.Cell
	Code string
	Err  error
}

func (e *PlacementFailure) Error() string {
	return fmt.Sprintf("place %s at %d,%d: %v", e.Cell.Material, e.Cell.X, e.Cell.Z, e.Err)
}

func (e *PlacementFailure) Unwrap() error { return e.Err }

// errRecord marks ledger write failures, which abort the pass instead
// of burning placement retries.
var errRecord = errors.New("record placement")

var errStopped = errors.New("placement stopped")

type Config struct {
	Site          fleet.Site
	BatchRows     int
	Reach         float64
	PlaceRetries  int
	RetryBackoff  time.Duration
	MoveTimeout   time.Duration
	MoveTolerance float64
}

const (
	stateRunning int32 = iota
	statePaused
	stateStopped
)

type Engine struct {
	log    *log.Logger
	events *eventlog.Logger
	board  Board
	sess   Session
	cats   *palette.Catalogs
	cfg    Config

	paintBlocks map[string]bool

	state atomic.Int32
}

func New(logger *log.Logger, events *eventlog.Logger, board Board, sess Session, cats *palette.Catalogs, cfg Config) *Engine {
	paintBlocks := make(map[string]bool, len(cats.Paints.Entries))
	for _, e := range cats.Paints.Entries {
		paintBlocks[e.Block] = true
	}
	return &Engine{
		log:         logger,
		events:      events,
		board:       board,
		sess:        sess,
		cats:        cats,
		cfg:         cfg,
		paintBlocks: paintBlocks,
	}
}

// Pause suspends the engine before its next cell. Progress made so far
// stays recorded; Continue picks up where the pass stopped.
func (e *Engine) Pause() {
	e.state.CompareAndSwap(stateRunning, statePaused)
}

func (e *Engine) Continue() {
	e.state.CompareAndSwap(statePaused, stateRunning)
}

// Stop aborts the current pass between cells. A stopped engine runs no
// further passes.
func (e *Engine) Stop() {
	e.state.Store(stateStopped)
}

// RunPass works through every unplaced cell of the band once. It
// reports complete=true when the full loop ran; a stop leaves it
// incomplete with no error. Skipped cells stay unplaced for a later
// pass, so complete does not imply the band is done.
func (e *Engine) RunPass(ctx context.Context, band int) (bool, error) {
	if err := e.checkpoint(ctx); err != nil {
		return false, ignoreStopped(err)
	}

	cells, err := e.board.PlacementsForBand(band)
	if err != nil {
		return false, err
	}
	if len(cells) == 0 {
		return true, nil
	}

	bounds := worldBounds(cells, e.cfg.Site)
	for _, batch := range GroupIntoBatches(cells, e.cfg.BatchRows) {
		if err := e.executeBatch(ctx, band, batch, bounds); err != nil {
			return false, ignoreStopped(err)
		}
	}
	return true, nil
}

func ignoreStopped(err error) error {
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

// GroupIntoBatches partitions cells into placement batches: cells
// sharing an x form a row, rows sort ascending, and up to batchRows
// rows make one batch. Within a batch cells run row by row, each row
// north to south.
func GroupIntoBatches(cells []mural.Cell, batchRows int) [][]mural.Cell {
	if batchRows < 1 {
		batchRows = 1
	}
	byRow := map[int][]mural.Cell{}
	for _, c := range cells {
		byRow[c.X] = append(byRow[c.X], c)
	}
	rows := make([]int, 0, len(byRow))
	for x := range byRow {
		rows = append(rows, x)
		sort.Slice(byRow[x], func(i, j int) bool { return byRow[x][i].Z < byRow[x][j].Z })
	}
	sort.Ints(rows)

	var batches [][]mural.Cell
	for start := 0; start < len(rows); start += batchRows {
		end := start + batchRows
		if end > len(rows) {
			end = len(rows)
		}
		var batch []mural.Cell
		for _, x := range rows[start:end] {
			batch = append(batch, byRow[x]...)
		}
		batches = append(batches, batch)
	}
	return batches
}

func (e *Engine) executeBatch(ctx context.Context, band int, batch []mural.Cell, bounds rect) error {
	anchor, found := e.findAnchor(batch, bounds)
	if found {
		if err := e.navigate(ctx, anchor); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Printf("batch anchor unreachable at %v, placing per cell: %v", anchor.ToArray(), err)
			found = false
		}
	}

	for _, c := range batch {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}
		var err error
		if found {
			err = e.placeWithRetries(ctx, band, c, nil)
		} else {
			err = e.placeWithRetries(ctx, band, c, e.standNearCell)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// placeWithRetries drives one cell to placed-or-skipped. approach, when
// set, repositions the painter before each attempt (per-cell fallback).
// Only ledger write failures and cancellation propagate.
func (e *Engine) placeWithRetries(ctx context.Context, band int, c mural.Cell, approach func(context.Context, mural.Cell) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.PlaceRetries; attempt++ {
		if approach != nil {
			if err := approach(ctx, c); err != nil {
				lastErr = err
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := e.backoff(ctx, attempt); err != nil {
					return err
				}
				continue
			}
		}

		err := e.placeCell(ctx, band, c)
		if err == nil {
			return nil
		}
		if errors.Is(err, errRecord) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt < e.cfg.PlaceRetries {
			if err := e.backoff(ctx, attempt); err != nil {
				return err
			}
		}
	}

	code := failureCode(lastErr)
	e.log.Printf("skipping cell %d,%d (%s) after %d attempts: %v", c.X, c.Z, c.Material, e.cfg.PlaceRetries, lastErr)
	e.events.Skip(band, c.X, c.Z, c.Material, code, fmt.Sprint(lastErr))
	return nil
}

// placeCell is one attempt: orient, skip if already correct, clear a
// wrong block, equip, brace over interactive supports and place.
func (e *Engine) placeCell(ctx context.Context, band int, c mural.Cell) error {
	paint, ok := e.cats.Paints.ByItem[c.Material]
	if !ok {
		return &PlacementFailure{Cell: c, Code: protocol.ErrBadRequest, Err: fmt.Errorf("material %s not in palette", c.Material)}
	}
	pos := e.cfg.Site.CellPos(c.X, c.Z)
	_ = e.sess.FaceToward(pos)

	cur, known := e.sess.BlockAt(pos)
	if known && cur == paint.Block {
		if err := e.board.MarkCellPlaced(c.X, c.Z); err != nil {
			return fmt.Errorf("%w: %v", errRecord, err)
		}
		return nil
	}

	if known && cur != "AIR" {
		if err := e.sess.BreakBlock(ctx, pos); err != nil {
			return &PlacementFailure{Cell: c, Code: failureCode(err), Err: err}
		}
	}

	if err := e.sess.Equip(c.Material); err != nil {
		return &PlacementFailure{Cell: c, Code: failureCode(err), Err: err}
	}

	if err := e.placeBlockBracing(ctx, pos, c.Material); err != nil {
		return &PlacementFailure{Cell: c, Code: failureCode(err), Err: err}
	}

	if err := e.board.MarkCellPlaced(c.X, c.Z); err != nil {
		return fmt.Errorf("%w: %v", errRecord, err)
	}
	e.events.Place(band, c.X, c.Z, c.Material)
	return nil
}

// placeBlockBracing wraps the place action in a braced stance when the
// support block below is interactive, and always releases the stance.
func (e *Engine) placeBlockBracing(ctx context.Context, pos mural.Vec3i, item string) error {
	below := mural.Vec3i{X: pos.X, Y: pos.Y - 1, Z: pos.Z}
	if support, known := e.sess.BlockAt(below); known && e.cats.Blocks.Interactive(support) {
		if err := e.sess.SetStance(true); err != nil {
			return err
		}
		defer func() { _ = e.sess.SetStance(false) }()
	}
	return e.sess.PlaceBlock(ctx, pos, item)
}

// findAnchor scans the one-cell perimeter around the batch's bounding
// box for the first stand position that can reach every cell.
func (e *Engine) findAnchor(batch []mural.Cell, bounds rect) (mural.Vec3i, bool) {
	minX, maxX, minZ, maxZ := batchBox(batch, e.cfg.Site)
	y := e.cfg.Site.OriginVec().Y

	try := func(x, z int) (mural.Vec3i, bool) {
		pos := mural.Vec3i{X: x, Y: y, Z: z}
		if !bounds.contains(pos) {
			return pos, false
		}
		if !e.canStand(pos) {
			return pos, false
		}
		for _, c := range batch {
			if mural.DistXZ(pos, e.cfg.Site.CellPos(c.X, c.Z)) > e.cfg.Reach {
				return pos, false
			}
		}
		return pos, true
	}

	for x := minX - 1; x <= maxX+1; x++ {
		if pos, ok := try(x, minZ-1); ok {
			return pos, true
		}
		if pos, ok := try(x, maxZ+1); ok {
			return pos, true
		}
	}
	for z := minZ; z <= maxZ; z++ {
		if pos, ok := try(minX-1, z); ok {
			return pos, true
		}
		if pos, ok := try(maxX+1, z); ok {
			return pos, true
		}
	}
	return mural.Vec3i{}, false
}

// standNearCell parks the painter beside a single cell for fallback
// placement.
func (e *Engine) standNearCell(ctx context.Context, c mural.Cell) error {
	pos := e.cfg.Site.CellPos(c.X, c.Z)
	neighbors := []mural.Vec3i{
		{X: pos.X + 1, Y: pos.Y, Z: pos.Z},
		{X: pos.X - 1, Y: pos.Y, Z: pos.Z},
		{X: pos.X, Y: pos.Y, Z: pos.Z + 1},
		{X: pos.X, Y: pos.Y, Z: pos.Z - 1},
	}
	for _, n := range neighbors {
		if !e.canStand(n) {
			continue
		}
		return e.navigate(ctx, n)
	}
	return &MovementFailure{Target: pos, Err: fmt.Errorf("no stand position beside cell")}
}

// canStand accepts open ground and cells this engine has already
// painted, which a painter may stand on top of.
func (e *Engine) canStand(pos mural.Vec3i) bool {
	if e.sess.CanOccupy(pos) {
		return true
	}
	feet, known := e.sess.BlockAt(pos)
	if !known || !e.paintBlocks[feet] {
		return false
	}
	above := mural.Vec3i{X: pos.X, Y: pos.Y + 1, Z: pos.Z}
	head, known := e.sess.BlockAt(above)
	return !known || head == "AIR"
}

func (e *Engine) navigate(ctx context.Context, pos mural.Vec3i) error {
	navCtx := ctx
	if e.cfg.MoveTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, e.cfg.MoveTimeout)
		defer cancel()
	}
	if err := e.sess.NavigateTo(navCtx, pos, e.cfg.MoveTolerance); err != nil {
		return &MovementFailure{Target: pos, Err: err}
	}
	return nil
}

// checkpoint is the between-cells control point: it returns promptly
// while running, blocks while paused and fails with errStopped after a
// stop.
func (e *Engine) checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch e.state.Load() {
		case stateStopped:
			return errStopped
		case stateRunning:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	d := e.cfg.RetryBackoff * time.Duration(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type rect struct {
	minX, maxX, minZ, maxZ int
}

func (r rect) contains(p mural.Vec3i) bool {
	return p.X >= r.minX && p.X <= r.maxX && p.Z >= r.minZ && p.Z <= r.maxZ
}

// worldBounds is the stand area for this pass: the band's cells plus
// the configured margin.
func worldBounds(cells []mural.Cell, site fleet.Site) rect {
	minX, maxX, minZ, maxZ := batchBox(cells, site)
	margin := site.Margin
	if margin < 1 {
		margin = 1
	}
	return rect{minX: minX - margin, maxX: maxX + margin, minZ: minZ - margin, maxZ: maxZ + margin}
}

func batchBox(cells []mural.Cell, site fleet.Site) (minX, maxX, minZ, maxZ int) {
	first := site.CellPos(cells[0].X, cells[0].Z)
	minX, maxX, minZ, maxZ = first.X, first.X, first.Z, first.Z
	for _, c := range cells[1:] {
		p := site.CellPos(c.X, c.Z)
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Z < minZ {
			minZ = p.Z
		}
		if p.Z > maxZ {
			maxZ = p.Z
		}
	}
	return minX, maxX, minZ, maxZ
}

func failureCode(err error) string {
	var te *protocol.TaskError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
