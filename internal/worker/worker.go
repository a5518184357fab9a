// Package worker runs one painter's claim/build/restock loop. A worker
// owns at most one band at a time; the ledger's claim protocol keeps
// two painters off the same band, and a stable worker id lets a
// restarted process adopt the band its predecessor died holding.
package worker

import (
	"context"
	"log"
	"time"

	"muralcraft.ai/internal/eventlog"
	"muralcraft.ai/internal/ledger"
	"muralcraft.ai/internal/restock"
)

const (
	StateIdle       = "IDLE"
	StateClaiming   = "CLAIMING"
	StateBuilding   = "BUILDING"
	StateRestocking = "RESTOCKING"
)

// Placer runs placement passes over a claimed band.
type Placer interface {
	RunPass(ctx context.Context, band int) (bool, error)
	Pause()
	Continue()
	Stop()
}

// Restocker refills the painter's inventory for a band requirement.
type Restocker interface {
	Restock(ctx context.Context, band int, required map[string]int) (bool, error)
}

// InventoryReader reports what the painter currently holds.
type InventoryReader interface {
	Inventory() map[string]int
}

type Config struct {
	ID              string
	TickInterval    time.Duration
	RestockCooldown time.Duration
}

type passResult struct {
	complete bool
	err      error
}

type restockResult struct {
	ok  bool
	err error
}

type Worker struct {
	log       *log.Logger
	events    *eventlog.Logger
	led       *ledger.Ledger
	placer    Placer
	restocker Restocker
	inv       InventoryReader
	cfg       Config

	state    string
	heldBand int
	hasBand  bool

	// releaseReason is set when a held band must go back to the pool;
	// the release itself retries across ticks until the ledger takes it.
	releaseReason string
	cooldownUntil time.Time

	passCh    chan passResult
	restockCh chan restockResult
}

func New(logger *log.Logger, events *eventlog.Logger, led *ledger.Ledger, placer Placer, restocker Restocker, inv InventoryReader, cfg Config) *Worker {
	return &Worker{
		log:       logger,
		events:    events,
		led:       led,
		placer:    placer,
		restocker: restocker,
		inv:       inv,
		cfg:       cfg,
		state:     StateIdle,
	}
}

// Run ticks the state machine until ctx is cancelled. The held band, if
// any, is released before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.events.RunStart()
	w.adopt()

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case <-ticker.C:
			w.step(ctx)
		}
	}
}

// adopt recovers a band a previous process with this identity died
// holding.
func (w *Worker) adopt() {
	band, ok, err := w.led.AdoptBand(w.cfg.ID)
	if err != nil {
		w.log.Printf("adopt: %v", err)
		return
	}
	if !ok {
		return
	}
	w.hasBand, w.heldBand = true, band
	w.events.Adopt(band)
	w.log.Printf("adopted band %d from a previous run", band)
}

func (w *Worker) step(ctx context.Context) {
	w.drainResults()

	// A pending release outranks everything else; the ledger must take
	// the band back before this worker does anything new.
	if w.hasBand && w.releaseReason != "" {
		if err := w.led.ReleaseBand(w.heldBand); err != nil {
			w.log.Printf("release band %d: %v", w.heldBand, err)
			return
		}
		w.events.Release(w.heldBand, w.releaseReason)
		w.log.Printf("released band %d: %s", w.heldBand, w.releaseReason)
		w.hasBand = false
		w.releaseReason = ""
		w.setState(StateIdle)
		return
	}

	proj, err := w.led.ProjectState()
	if err != nil {
		w.log.Printf("project state: %v", err)
		return
	}
	if proj == nil || !proj.Active || proj.Paused {
		if w.state != StateIdle {
			w.placer.Pause()
			w.setState(StateIdle)
			w.events.Pause()
		}
		return
	}

	if w.passCh != nil {
		// A pass is in flight; make sure it is not latently paused.
		w.placer.Continue()
		if w.state != StateBuilding {
			w.setState(StateBuilding)
			w.events.Resume()
		}
		return
	}
	if w.restockCh != nil {
		return
	}

	if time.Now().Before(w.cooldownUntil) {
		return
	}

	if !w.hasBand {
		w.setState(StateClaiming)
		band, ok, err := w.led.ClaimBand(w.cfg.ID)
		if err != nil {
			w.log.Printf("claim: %v", err)
			return
		}
		if !ok {
			stats, err := w.led.Stats()
			if err != nil {
				w.log.Printf("stats: %v", err)
				return
			}
			if stats.PendingBands == 0 && stats.AssignedBands == 0 {
				// Nothing left to claim or wait out.
				w.setState(StateIdle)
			}
			return
		}
		w.hasBand, w.heldBand = true, band
		w.events.Claim(band)
		w.log.Printf("claimed band %d", band)
	}

	w.setState(StateBuilding)
	required, err := w.led.RequirementsForBand(w.heldBand)
	if err != nil {
		w.log.Printf("requirements for band %d: %v", w.heldBand, err)
		return
	}
	if len(required) == 0 {
		if err := w.led.CompleteBand(w.heldBand); err != nil {
			w.log.Printf("complete band %d: %v", w.heldBand, err)
			return
		}
		w.events.Complete(w.heldBand)
		w.log.Printf("band %d complete", w.heldBand)
		w.hasBand = false
		w.setState(StateClaiming)
		return
	}

	if !restock.HasMaterials(w.inv.Inventory(), required) {
		w.setState(StateRestocking)
		w.startRestock(ctx, w.heldBand, required)
		return
	}
	w.startPass(ctx, w.heldBand)
}

// drainResults folds finished pass and restock goroutines back into the
// state machine without blocking the tick.
func (w *Worker) drainResults() {
	if w.passCh != nil {
		select {
		case r := <-w.passCh:
			w.passCh = nil
			if r.err != nil {
				w.log.Printf("pass on band %d: %v", w.heldBand, r.err)
			}
			// Complete or not, the next tick re-reads the band and
			// decides: finish it, restock, or run another pass for
			// the skipped cells.
		default:
		}
	}
	if w.restockCh != nil {
		select {
		case r := <-w.restockCh:
			w.restockCh = nil
			if r.err != nil {
				w.log.Printf("restock on band %d: %v", w.heldBand, r.err)
				return
			}
			if r.ok {
				w.setState(StateBuilding)
				return
			}
			// Shortfall: give the band up so another painter can try,
			// and sit out the cooldown before claiming again.
			w.releaseReason = "restock shortfall"
			w.cooldownUntil = time.Now().Add(w.cfg.RestockCooldown)
		default:
		}
	}
}

func (w *Worker) startPass(ctx context.Context, band int) {
	w.placer.Continue()
	ch := make(chan passResult, 1)
	w.passCh = ch
	go func() {
		complete, err := w.placer.RunPass(ctx, band)
		ch <- passResult{complete: complete, err: err}
	}()
}

func (w *Worker) startRestock(ctx context.Context, band int, required map[string]int) {
	ch := make(chan restockResult, 1)
	w.restockCh = ch
	go func() {
		ok, err := w.restocker.Restock(ctx, band, required)
		ch <- restockResult{ok: ok, err: err}
	}()
}

// shutdown stops the engine, waits out in-flight work and hands any
// held band back to the pool.
func (w *Worker) shutdown() {
	w.placer.Stop()
	if w.passCh != nil {
		<-w.passCh
		w.passCh = nil
	}
	if w.restockCh != nil {
		<-w.restockCh
		w.restockCh = nil
	}
	if w.hasBand {
		if err := w.led.ReleaseBand(w.heldBand); err != nil {
			w.log.Printf("release band %d on shutdown: %v", w.heldBand, err)
		} else {
			w.events.Release(w.heldBand, "shutdown")
			w.hasBand = false
		}
	}
	w.events.Shutdown("stopped")
	w.log.Printf("worker stopped")
}

func (w *Worker) setState(s string) {
	if w.state == s {
		return
	}
	w.log.Printf("state %s -> %s", w.state, s)
	w.state = s
}
