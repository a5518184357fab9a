// Package restock refills a painter's inventory from the site's supply
// stores. A store is a short vertical stack of containers holding one
// material; the visit order is fixed by configuration so painters do
// not shadow each other on the same route.
package restock

import (
	"context"
	"fmt"
	"log"
	"time"

	"muralcraft.ai/internal/eventlog"
	"muralcraft.ai/internal/mural"
	"muralcraft.ai/internal/protocol"
)

// Session is the slice of a world session the restocker drives.
type Session interface {
	Inventory() map[string]int
	NavigateTo(ctx context.Context, pos mural.Vec3i, tolerance float64) error
	DropAll(ctx context.Context) error
	OpenContainer(ctx context.Context, pos mural.Vec3i) (protocol.ContainerSnapshot, error)
	CloseContainer(ctx context.Context, pos mural.Vec3i) error
	Withdraw(ctx context.Context, pos mural.Vec3i, item string, count int) error
}

// Store is one supply column, scanned bottom up.
type Store struct {
	Item string
	Base mural.Vec3i
}

type Config struct {
	Disposal      mural.Vec3i
	Stores        []Store
	StackHeight   int
	MoveTimeout   time.Duration
	MoveTolerance float64
}

type Restocker struct {
	log    *log.Logger
	events *eventlog.Logger
	sess   Session
	cfg    Config
}

func New(logger *log.Logger, events *eventlog.Logger, sess Session, cfg Config) *Restocker {
	return &Restocker{log: logger, events: events, sess: sess, cfg: cfg}
}

// HasMaterials reports whether the inventory covers every requirement.
func HasMaterials(inventory, required map[string]int) bool {
	for item, n := range required {
		if inventory[item] < n {
			return false
		}
	}
	return true
}

// Restock discards held items at the disposal point, then walks the
// store route withdrawing what the requirement calls for. It reports
// true only when every material reached its full count; a short round
// keeps whatever was collected, since a later round only needs the
// difference. The returned error is reserved for cancellation.
func (r *Restocker) Restock(ctx context.Context, band int, required map[string]int) (bool, error) {
	if err := r.navigate(ctx, r.cfg.Disposal); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.log.Printf("restock: disposal point unreachable: %v", err)
		return false, nil
	}
	if err := r.sess.DropAll(ctx); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.log.Printf("restock: drop failed: %v", err)
		return false, nil
	}

	need := make(map[string]int, len(required))
	for item, n := range required {
		if n > 0 {
			need[item] = n
		}
	}

	for _, store := range r.cfg.Stores {
		if need[store.Item] <= 0 {
			continue
		}
		if err := r.navigate(ctx, store.Base); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			r.log.Printf("restock: store %s unreachable: %v", store.Item, err)
			continue
		}
		got, err := r.pullFromStack(ctx, store, need[store.Item])
		if err != nil {
			return false, err
		}
		need[store.Item] -= got
	}

	inv := r.sess.Inventory()
	shortfall := map[string]int{}
	for item, n := range required {
		if inv[item] < n {
			shortfall[item] = n - inv[item]
		}
	}
	if len(shortfall) > 0 {
		r.log.Printf("restock: short for band %d: %v", band, shortfall)
		r.events.RestockShort(band, shortfall)
		return false, nil
	}
	r.events.RestockOK(band)
	return true, nil
}

// pullFromStack opens containers from the base upward until the need
// is met or the stack ends. Every opened container gets closed.
func (r *Restocker) pullFromStack(ctx context.Context, store Store, need int) (int, error) {
	got := 0
	for i := 0; i < r.cfg.StackHeight && got < need; i++ {
		pos := mural.Vec3i{X: store.Base.X, Y: store.Base.Y + i, Z: store.Base.Z}
		snap, err := r.sess.OpenContainer(ctx, pos)
		if err != nil {
			if ctx.Err() != nil {
				return got, ctx.Err()
			}
			// Not a container: the stack ends here.
			break
		}

		take := need - got
		if avail := snap.Count(store.Item); take > avail {
			take = avail
		}
		if take > 0 {
			if err := r.sess.Withdraw(ctx, pos, store.Item, take); err != nil {
				if ctx.Err() != nil {
					_ = r.sess.CloseContainer(ctx, pos)
					return got, ctx.Err()
				}
				r.log.Printf("restock: withdraw %d %s: %v", take, store.Item, err)
			} else {
				got += take
			}
		}

		if err := r.sess.CloseContainer(ctx, pos); err != nil && ctx.Err() != nil {
			return got, ctx.Err()
		}
	}
	return got, nil
}

func (r *Restocker) navigate(ctx context.Context, pos mural.Vec3i) error {
	navCtx := ctx
	if r.cfg.MoveTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, r.cfg.MoveTimeout)
		defer cancel()
	}
	if err := r.sess.NavigateTo(navCtx, pos, r.cfg.MoveTolerance); err != nil {
		return fmt.Errorf("move to %v: %w", pos.ToArray(), err)
	}
	return nil
}
