package world

import (
	"errors"
	"fmt"

	"taskyard/internal/domain"
	"taskyard/internal/grid"
)

var (
	ErrNotFound           = errors.New("entity not found")
	ErrCellOccupied       = errors.New("cell is occupied")
	ErrUnknownStationType = errors.New("unknown station type")
)

// OutputSearchRadius bounds the search for a free cell to drop a result on
// when every neighbour of the producing station is occupied.
const OutputSearchRadius = 3

// World owns every entity and the station index. It is not safe for
// concurrent use; the simulation goroutine is its only writer.
type World struct {
	reg      Registry
	tick     uint64
	entities map[uint64]Entity
	order    []uint64
	index    *grid.Index
	dirty    bool
}

func New() *World {
	return &World{
		entities: make(map[uint64]Entity),
		index:    grid.NewIndex(),
	}
}

func (w *World) Tick() uint64 { return w.tick }

func (w *World) Index() *grid.Index { return w.index }

func (w *World) FindPath(from, to grid.Cell) []grid.Cell {
	return w.index.FindPath(from, to)
}

func (w *World) add(e Entity) {
	b := e.base()
	b.ID = w.reg.Next()
	w.entities[b.ID] = e
	w.order = append(w.order, b.ID)
}

func (w *World) Entity(id uint64) (Entity, bool) {
	e, ok := w.entities[id]
	if !ok || e.base().removed {
		return nil, false
	}
	return e, true
}

func (w *World) Worker(id uint64) (*Worker, bool) {
	e, ok := w.Entity(id)
	if !ok {
		return nil, false
	}
	wk, ok := e.(*Worker)
	return wk, ok
}

func (w *World) Station(id uint64) (*Station, bool) {
	e, ok := w.Entity(id)
	if !ok {
		return nil, false
	}
	st, ok := e.(*Station)
	return st, ok
}

func (w *World) Item(id uint64) (*Item, bool) {
	e, ok := w.Entity(id)
	if !ok {
		return nil, false
	}
	it, ok := e.(*Item)
	return it, ok
}

// Workers returns live workers in creation order.
func (w *World) Workers() []*Worker {
	out := make([]*Worker, 0)
	for _, id := range w.order {
		if wk, ok := w.Worker(id); ok {
			out = append(out, wk)
		}
	}
	return out
}

func (w *World) Stations() []*Station {
	out := make([]*Station, 0)
	for _, id := range w.order {
		if st, ok := w.Station(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (w *World) Items() []*Item {
	out := make([]*Item, 0)
	for _, id := range w.order {
		if it, ok := w.Item(id); ok {
			out = append(out, it)
		}
	}
	return out
}

// StationAt returns the station standing on c.
func (w *World) StationAt(c grid.Cell) (*Station, bool) {
	id, ok := w.index.Occupant(c)
	if !ok {
		return nil, false
	}
	return w.Station(id)
}

func (w *World) PlaceStation(t domain.StationType, c grid.Cell, cfg map[string]string) (*Station, error) {
	spec, ok := Lookup(t)
	if !ok {
		return nil, fmt.Errorf("place station %q: %w", t, ErrUnknownStationType)
	}
	if !w.index.Walkable(c) || w.standing(c) {
		return nil, fmt.Errorf("place station at %d,%d: %w", c.X, c.Y, ErrCellOccupied)
	}
	if cfg == nil {
		cfg = map[string]string{}
	}
	st := &Station{Base: Base{Cell: c, RenderPriority: 1}, Spec: spec, Config: cfg}
	w.add(st)
	w.index.Occupy(c, st.ID)
	return st, nil
}

// standing reports whether a live worker or free item is on c.
func (w *World) standing(c grid.Cell) bool {
	for _, id := range w.order {
		e, ok := w.Entity(id)
		if !ok {
			continue
		}
		switch v := e.(type) {
		case *Worker:
			if v.Cell == c {
				return true
			}
		case *Item:
			if v.Free() && v.Cell == c {
				return true
			}
		}
	}
	return false
}

func (w *World) PlaceWorker(name, role string, c grid.Cell) (*Worker, error) {
	if !w.index.Walkable(c) {
		return nil, fmt.Errorf("place worker at %d,%d: %w", c.X, c.Y, ErrCellOccupied)
	}
	wk := &Worker{
		Base:       Base{Cell: c, RenderPriority: 2},
		Name:       name,
		Role:       role,
		State:      domain.WorkerStateIdle,
		Speed:      DefaultSpeed,
		Autonomous: true,
	}
	w.add(wk)
	return wk, nil
}

// SpawnItem creates a free item on c.
func (w *World) SpawnItem(t domain.ItemType, text string, meta map[string]string, c grid.Cell) *Item {
	it := &Item{
		Base:     Base{Cell: c},
		Type:     t,
		Text:     text,
		Metadata: meta,
		Loc:      Location{Kind: LocationFree, Cell: c},
	}
	w.add(it)
	return it
}

// Remove flags an entity for deletion at the end of the tick. A removed
// worker drops what it carries; a removed station discards its inventory and
// frees its cell at once.
func (w *World) Remove(id uint64) bool {
	e, ok := w.Entity(id)
	if !ok {
		return false
	}
	switch v := e.(type) {
	case *Worker:
		w.Drop(v.ID)
	case *Station:
		for _, itemID := range append([]uint64(nil), v.Inventory...) {
			w.Discard(itemID)
		}
		v.Inventory = nil
		v.Reset()
		w.index.Vacate(v.Cell, v.ID)
	case *Item:
		w.detach(v)
	}
	e.base().removed = true
	w.dirty = true
	return true
}

// Discard destroys an item wherever it is.
func (w *World) Discard(id uint64) bool {
	it, ok := w.Item(id)
	if !ok {
		return false
	}
	w.detach(it)
	it.removed = true
	w.dirty = true
	return true
}

func (w *World) detach(it *Item) {
	switch it.Loc.Kind {
	case LocationCarried:
		if wk, ok := w.Worker(it.Loc.Holder); ok && wk.Carrying == it.ID {
			wk.Carrying = 0
		}
	case LocationStored:
		if st, ok := w.Station(it.Loc.Holder); ok {
			st.removeFromInventory(it.ID)
			if st.ActiveItem == it.ID {
				st.Reset()
			}
		}
	}
	it.Loc = Location{Kind: LocationFree, Cell: it.Cell}
}

// Purge drops removed entities from every index. Called once at the end of
// each tick.
func (w *World) Purge() {
	if !w.dirty {
		return
	}
	kept := w.order[:0]
	for _, id := range w.order {
		e := w.entities[id]
		if !e.base().removed {
			kept = append(kept, id)
			continue
		}
		if st, ok := e.(*Station); ok {
			w.index.Vacate(st.Cell, st.ID)
		}
		delete(w.entities, id)
	}
	w.order = kept
	w.dirty = false
}

var updaters = [kindCount]func(*World, Entity){
	KindWorker:  func(_ *World, e Entity) { e.(*Worker).tick() },
	KindStation: func(_ *World, e Entity) { e.(*Station).tick() },
	KindItem:    updateItem,
}

// carried items follow their holder so snapshots place them correctly.
func updateItem(w *World, e Entity) {
	it := e.(*Item)
	if it.Loc.Kind != LocationCarried {
		return
	}
	if wk, ok := w.Worker(it.Loc.Holder); ok {
		it.Cell = wk.Cell
	}
}

// Update advances the tick counter and runs each entity's self-update.
func (w *World) Update() {
	w.tick++
	for _, id := range w.order {
		e := w.entities[id]
		if e.base().removed {
			continue
		}
		updaters[e.Kind()](w, e)
	}
}

// PickUp moves a free item into the worker's hands.
func (w *World) PickUp(workerID, itemID uint64) bool {
	wk, ok := w.Worker(workerID)
	if !ok || wk.Carrying != 0 {
		return false
	}
	it, ok := w.Item(itemID)
	if !ok || !it.Free() {
		return false
	}
	it.Loc = Location{Kind: LocationCarried, Holder: wk.ID}
	it.Cell = wk.Cell
	wk.Carrying = it.ID
	return true
}

// TakeFromStation hands the worker the most recent stored item of type t.
func (w *World) TakeFromStation(workerID, stationID uint64, t domain.ItemType) bool {
	wk, ok := w.Worker(workerID)
	if !ok || wk.Carrying != 0 {
		return false
	}
	st, ok := w.Station(stationID)
	if !ok {
		return false
	}
	id, ok := st.take(func(id uint64) bool {
		it, ok := w.Item(id)
		return ok && it.Type == t
	})
	if !ok {
		return false
	}
	it, _ := w.Item(id)
	it.Loc = Location{Kind: LocationCarried, Holder: wk.ID}
	it.Cell = wk.Cell
	wk.Carrying = it.ID
	return true
}

// TakeItem removes the most recent item of type t from a station, or the most
// recent item of any type when t is nil, and leaves it free on the station's
// output cell.
func (w *World) TakeItem(stationID uint64, t *domain.ItemType) (*Item, bool) {
	st, ok := w.Station(stationID)
	if !ok {
		return nil, false
	}
	id, ok := st.take(func(id uint64) bool {
		it, ok := w.Item(id)
		return ok && (t == nil || it.Type == *t)
	})
	if !ok {
		return nil, false
	}
	it, _ := w.Item(id)
	c := w.OutputCell(st)
	it.Loc = Location{Kind: LocationFree, Cell: c}
	it.Cell = c
	return it, true
}

// Deliver puts the carried item into a station as type as. A task-result
// delivered as task-input is how results chain into further work.
func (w *World) Deliver(workerID, stationID uint64, as domain.ItemType) bool {
	wk, ok := w.Worker(workerID)
	if !ok || wk.Carrying == 0 {
		return false
	}
	it, ok := w.Item(wk.Carrying)
	if !ok {
		wk.Carrying = 0
		return false
	}
	st, ok := w.Station(stationID)
	if !ok || !st.CanAccept(as) {
		return false
	}
	prev := it.Type
	it.Type = as
	if !st.accept(it) {
		it.Type = prev
		return false
	}
	wk.Carrying = 0
	return true
}

// Drop leaves the carried item free on the worker's cell.
func (w *World) Drop(workerID uint64) bool {
	wk, ok := w.Worker(workerID)
	if !ok || wk.Carrying == 0 {
		return false
	}
	if it, ok := w.Item(wk.Carrying); ok {
		it.Loc = Location{Kind: LocationFree, Cell: wk.Cell}
		it.Cell = wk.Cell
	}
	wk.Carrying = 0
	return true
}

// AddItemToStation creates an item and offers it to the station. Nothing is
// created when the station refuses.
func (w *World) AddItemToStation(stationID uint64, t domain.ItemType, text string, meta map[string]string) (*Item, bool) {
	st, ok := w.Station(stationID)
	if !ok || !st.CanAccept(t) {
		return nil, false
	}
	it := w.SpawnItem(t, text, meta, st.Cell)
	st.accept(it)
	return it, true
}

// InjectInput appends a task-input to the station regardless of whether it
// is busy and starts processing when it is idle. Used by triggers.
func (w *World) InjectInput(stationID uint64, text string, meta map[string]string) (*Item, bool) {
	st, ok := w.Station(stationID)
	if !ok {
		return nil, false
	}
	it := w.SpawnItem(domain.ItemTypeInput, text, meta, st.Cell)
	st.enqueue(it)
	if st.Idle() && st.Spec.Processes() && st.Spec.AcceptsType(domain.ItemTypeInput) {
		st.start(it)
	}
	return it, true
}

// HasUnprocessedInput reports whether an idle station still holds task-input
// it has not processed.
func (w *World) HasUnprocessedInput(st *Station) bool {
	if !st.Idle() {
		return false
	}
	for _, id := range st.Inventory {
		if it, ok := w.Item(id); ok && it.Type == domain.ItemTypeInput {
			return true
		}
	}
	return false
}

// OutputCell is where a station drops finished results: its first free
// cardinal neighbour, else the nearest free cell nearby, else its own cell.
func (w *World) OutputCell(st *Station) grid.Cell {
	for _, n := range st.Cell.Cardinal() {
		if w.index.Walkable(n) {
			return n
		}
	}
	if c, ok := w.index.NearestWalkable(st.Cell, OutputSearchRadius); ok {
		return c
	}
	return st.Cell
}

// Harvest collects a station's finished cycle: the consumed input is
// destroyed and a free task-result appears on the output cell.
func (w *World) Harvest(st *Station) (*Item, Finished, bool) {
	f, ok := st.ConsumeFinished()
	if !ok {
		return nil, Finished{}, false
	}
	if f.InputItem != 0 {
		if in, ok := w.Item(f.InputItem); ok {
			in.Loc = Location{Kind: LocationFree, Cell: in.Cell}
			in.removed = true
			w.dirty = true
		}
	}
	out := w.SpawnItem(domain.ItemTypeResult, f.Output, f.Meta, w.OutputCell(st))
	out.Origin = st.ID
	return out, f, true
}
