// Package worldtest provides an in-memory stand-in for a world session
// so placer, restock and worker logic can run against a scriptable
// voxel world without a server. The fake teleports instead of
// pathfinding and treats item ids as the block they place, which
// matches the wool palette.
package worldtest

import (
	"context"
	"sort"
	"sync"

	"muralcraft.ai/internal/mural"
	"muralcraft.ai/internal/protocol"
)

type Fake struct {
	mu sync.Mutex

	pos      mural.Vec3i
	equipped string
	braced   bool

	blocks     map[mural.Vec3i]string
	inv        map[string]int
	containers map[mural.Vec3i]map[string]int

	failMoves  int
	failPlaces int

	moves       int
	places      int
	breaks      int
	drops       int
	opens       int
	closes      int
	withdrawals int

	stanceLog []bool
	equipLog  []string
	facedLog  []mural.Vec3i
}

func NewFake() *Fake {
	return &Fake{
		pos:        mural.Vec3i{X: 0, Y: 64, Z: 0},
		blocks:     map[mural.Vec3i]string{},
		inv:        map[string]int{},
		containers: map[mural.Vec3i]map[string]int{},
	}
}

// Test setup.

func (f *Fake) SetPos(p mural.Vec3i) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = p
}

func (f *Fake) SetBlock(p mural.Vec3i, block string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if block == "" || block == "AIR" {
		delete(f.blocks, p)
		return
	}
	f.blocks[p] = block
}

func (f *Fake) SetInventory(items map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inv = map[string]int{}
	for item, n := range items {
		if n > 0 {
			f.inv[item] = n
		}
	}
}

func (f *Fake) AddContainer(p mural.Vec3i, items map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[p] = "CHEST"
	contents := map[string]int{}
	for item, n := range items {
		if n > 0 {
			contents[item] = n
		}
	}
	f.containers[p] = contents
}

// FailNextMoves makes the next n navigations fail with E_BLOCKED.
func (f *Fake) FailNextMoves(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMoves = n
}

// FailNextPlaces makes the next n placements fail with E_BLOCKED.
func (f *Fake) FailNextPlaces(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPlaces = n
}

// Inspection.

func (f *Fake) Block(p mural.Vec3i) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockLocked(p)
}

func (f *Fake) ContainerContents(p mural.Vec3i) map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for item, n := range f.containers[p] {
		out[item] = n
	}
	return out
}

func (f *Fake) Moves() int       { f.mu.Lock(); defer f.mu.Unlock(); return f.moves }
func (f *Fake) Places() int      { f.mu.Lock(); defer f.mu.Unlock(); return f.places }
func (f *Fake) Breaks() int      { f.mu.Lock(); defer f.mu.Unlock(); return f.breaks }
func (f *Fake) Drops() int       { f.mu.Lock(); defer f.mu.Unlock(); return f.drops }
func (f *Fake) Opens() int       { f.mu.Lock(); defer f.mu.Unlock(); return f.opens }
func (f *Fake) Closes() int      { f.mu.Lock(); defer f.mu.Unlock(); return f.closes }
func (f *Fake) Withdrawals() int { f.mu.Lock(); defer f.mu.Unlock(); return f.withdrawals }

func (f *Fake) Braced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.braced
}

// StanceLog returns every stance change in order.
func (f *Fake) StanceLog() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.stanceLog...)
}

func (f *Fake) EquipLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.equipLog...)
}

func (f *Fake) FacedLog() []mural.Vec3i {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mural.Vec3i(nil), f.facedLog...)
}

// Session surface.

func (f *Fake) Position() mural.Vec3i {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *Fake) Inventory() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for item, n := range f.inv {
		out[item] = n
	}
	return out
}

func (f *Fake) NavigateTo(ctx context.Context, p mural.Vec3i, tolerance float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves++
	if f.failMoves > 0 {
		f.failMoves--
		return &protocol.TaskError{Kind: protocol.TaskMoveTo, Code: protocol.ErrBlocked, Message: "no path"}
	}
	f.pos = p
	return nil
}

func (f *Fake) FaceToward(p mural.Vec3i) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facedLog = append(f.facedLog, p)
	return nil
}

func (f *Fake) Equip(item string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inv[item] <= 0 {
		return &protocol.TaskError{Kind: protocol.InstantEquip, Code: protocol.ErrNoResource, Message: item + " not held"}
	}
	f.equipped = item
	f.equipLog = append(f.equipLog, item)
	return nil
}

func (f *Fake) SetStance(braced bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.braced = braced
	f.stanceLog = append(f.stanceLog, braced)
	return nil
}

func (f *Fake) BlockAt(p mural.Vec3i) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockLocked(p), true
}

func (f *Fake) CanOccupy(p mural.Vec3i) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	feet := f.blockLocked(p)
	head := f.blockLocked(mural.Vec3i{X: p.X, Y: p.Y + 1, Z: p.Z})
	return feet == "AIR" && head == "AIR"
}

func (f *Fake) PlaceBlock(ctx context.Context, p mural.Vec3i, item string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.places++
	if f.failPlaces > 0 {
		f.failPlaces--
		return &protocol.TaskError{Kind: protocol.TaskPlace, Code: protocol.ErrBlocked, Message: "placement rejected"}
	}
	if f.inv[item] <= 0 {
		return &protocol.TaskError{Kind: protocol.TaskPlace, Code: protocol.ErrNoResource, Message: item + " not held"}
	}
	if f.blockLocked(p) != "AIR" {
		return &protocol.TaskError{Kind: protocol.TaskPlace, Code: protocol.ErrConflict, Message: "occupied"}
	}
	f.inv[item]--
	if f.inv[item] == 0 {
		delete(f.inv, item)
	}
	f.blocks[p] = item
	return nil
}

func (f *Fake) BreakBlock(ctx context.Context, p mural.Vec3i) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks++
	if f.blockLocked(p) == "AIR" {
		return &protocol.TaskError{Kind: protocol.TaskMine, Code: protocol.ErrInvalidTarget, Message: "nothing there"}
	}
	delete(f.blocks, p)
	return nil
}

func (f *Fake) DropAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops++
	f.inv = map[string]int{}
	return nil
}

func (f *Fake) OpenContainer(ctx context.Context, p mural.Vec3i) (protocol.ContainerSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ContainerSnapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	contents, ok := f.containers[p]
	if !ok {
		return protocol.ContainerSnapshot{}, &protocol.TaskError{Kind: protocol.TaskOpen, Code: protocol.ErrInvalidTarget, Message: "no container"}
	}
	snap := protocol.ContainerSnapshot{
		ID:            protocol.ContainerID("CHEST", p.X, p.Y, p.Z),
		ContainerType: "CHEST",
		Pos:           p.ToArray(),
	}
	items := make([]string, 0, len(contents))
	for item := range contents {
		items = append(items, item)
	}
	sort.Strings(items)
	for _, item := range items {
		snap.Inventory = append(snap.Inventory, protocol.ItemStack{Item: item, Count: contents[item]})
	}
	return snap, nil
}

func (f *Fake) CloseContainer(ctx context.Context, p mural.Vec3i) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if _, ok := f.containers[p]; !ok {
		return &protocol.TaskError{Kind: protocol.TaskClose, Code: protocol.ErrInvalidTarget, Message: "no container"}
	}
	return nil
}

func (f *Fake) Withdraw(ctx context.Context, p mural.Vec3i, item string, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawals++
	contents, ok := f.containers[p]
	if !ok {
		return &protocol.TaskError{Kind: protocol.TaskTransfer, Code: protocol.ErrInvalidTarget, Message: "no container"}
	}
	if contents[item] < count {
		return &protocol.TaskError{Kind: protocol.TaskTransfer, Code: protocol.ErrNoResource, Message: item + " short"}
	}
	contents[item] -= count
	if contents[item] == 0 {
		delete(contents, item)
	}
	f.inv[item] += count
	return nil
}

func (f *Fake) blockLocked(p mural.Vec3i) string {
	if b, ok := f.blocks[p]; ok {
		return b
	}
	return "AIR"
}
