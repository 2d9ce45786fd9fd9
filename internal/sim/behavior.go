package sim

import (
	"taskyard/internal/domain"
	"taskyard/internal/grid"
	"taskyard/internal/world"
)

const (
	PickDelayTicks = 8
	DropDelayTicks = 8
)

// agent is the behavior state of one autonomous worker.
type agent struct {
	phase  domain.BehaviorPhase
	target uint64
	// fromStation is set when the source is a station rather than a free item.
	fromStation bool
	deliverAs   domain.ItemType
	delay       int
}

func (e *Engine) agentFor(wk *world.Worker) *agent {
	a, ok := e.agents[wk.ID]
	if !ok {
		a = &agent{phase: domain.PhaseIdle}
		e.agents[wk.ID] = a
	}
	return a
}

// resetAgent drops a worker back to the idle phase and stops any walk the
// state machine started.
func (e *Engine) resetAgent(wk *world.Worker) {
	a, ok := e.agents[wk.ID]
	if !ok {
		return
	}
	if a.phase == domain.PhaseMovingToSource || a.phase == domain.PhaseMovingToDest {
		wk.ClearPath()
	}
	if wk.State == domain.WorkerStateWorking {
		wk.State = domain.WorkerStateIdle
	}
	*a = agent{phase: domain.PhaseIdle}
}

func eligible(wk *world.Worker) bool {
	return wk.Autonomous && !wk.Managed() && wk.State != domain.WorkerStateDormant
}

// updatePauses holds moving workers beside stations they walk past and ends
// pauses that have run their course. Operator moves that have arrived hand
// the worker back to autonomy here, after the pause check has skipped them.
func (e *Engine) updatePauses() {
	for _, wk := range e.world.Workers() {
		e.updatePause(wk)
		if wk.CustomPath && len(wk.Path) == 0 {
			wk.CustomPath = false
		}
	}
}

func (e *Engine) updatePause(wk *world.Worker) {
	if wk.State == domain.WorkerStateAtNode {
		wk.TickPause()
		return
	}
	if last := wk.LastPaused(); last != 0 {
		st, ok := e.world.Station(last)
		if !ok || !grid.CardinallyAdjacent(wk.Cell, st.Cell) {
			wk.ForgetPause()
		}
	}
	if !wk.Stepped() || wk.Managed() {
		return
	}
	id, cell, ok := e.world.Index().AdjacentOccupant(wk.Cell)
	if !ok || wk.PausedBeside(id) {
		return
	}
	st, ok := e.world.Station(id)
	if !ok || st.Spec.PauseTicks <= 0 {
		return
	}
	wk.BeginPause(id, cell, st.Spec.PauseTicks)
}

func (e *Engine) stepBehavior() {
	claimed := make(map[uint64]bool)
	for _, a := range e.agents {
		if a.phase != domain.PhaseIdle && a.target != 0 {
			claimed[a.target] = true
		}
	}
	for _, wk := range e.world.Workers() {
		if !eligible(wk) {
			continue
		}
		a := e.agentFor(wk)
		switch a.phase {
		case domain.PhaseIdle:
			e.scan(wk, a, claimed)
		case domain.PhaseMovingToSource:
			if !e.sourceValid(a) {
				e.resetAgent(wk)
				continue
			}
			if wk.Arrived() {
				e.arrive(wk, a, domain.PhasePickingUp, PickDelayTicks)
			}
		case domain.PhasePickingUp:
			if a.delay--; a.delay > 0 {
				continue
			}
			e.pickUp(wk, a)
		case domain.PhaseMovingToDest:
			st, ok := e.world.Station(a.target)
			if !ok || !st.CanAccept(a.deliverAs) || wk.Carrying == 0 {
				e.resetAgent(wk)
				continue
			}
			if wk.Arrived() {
				e.arrive(wk, a, domain.PhaseDropping, DropDelayTicks)
			}
		case domain.PhaseDropping:
			if a.delay--; a.delay > 0 {
				continue
			}
			e.drop(wk, a)
		}
	}
}

// scan picks the next job for an idle worker: deliver what it carries, else
// fetch input from an idle station, else fetch a free result.
func (e *Engine) scan(wk *world.Worker, a *agent, claimed map[uint64]bool) {
	if wk.State != domain.WorkerStateIdle {
		return
	}
	if wk.Carrying != 0 {
		it, ok := e.world.Item(wk.Carrying)
		if !ok {
			return
		}
		st, as, ok := e.destination(wk, it)
		if !ok {
			return
		}
		a.target, a.deliverAs = st.ID, as
		e.head(wk, a, domain.PhaseMovingToDest, st.Cell, true)
		return
	}
	var source *world.Station
	best := -1
	for _, st := range e.world.Stations() {
		if claimed[st.ID] || !e.world.HasUnprocessedInput(st) {
			continue
		}
		if d := grid.Manhattan(wk.Cell, st.Cell); best < 0 || d < best {
			source, best = st, d
		}
	}
	if source != nil {
		a.target, a.fromStation = source.ID, true
		claimed[source.ID] = true
		e.head(wk, a, domain.PhaseMovingToSource, source.Cell, true)
		return
	}
	var item *world.Item
	best = -1
	for _, it := range e.world.Items() {
		if claimed[it.ID] || !it.Free() || it.Type != domain.ItemTypeResult {
			continue
		}
		if d := grid.Manhattan(wk.Cell, it.Cell); best < 0 || d < best {
			item, best = it, d
		}
	}
	if item != nil {
		a.target, a.fromStation = item.ID, false
		claimed[item.ID] = true
		e.head(wk, a, domain.PhaseMovingToSource, item.Cell, false)
	}
}

// destination chooses where a carried item goes and what type it is
// delivered as.
func (e *Engine) destination(wk *world.Worker, it *world.Item) (*world.Station, domain.ItemType, bool) {
	if it.Type == domain.ItemTypeResult {
		if st := e.nearestStation(wk.Cell, func(st *world.Station) bool {
			return st.Spec.Terminal && st.CanAccept(domain.ItemTypeResult)
		}); st != nil {
			return st, domain.ItemTypeResult, true
		}
		if st := e.nearestStation(wk.Cell, func(st *world.Station) bool {
			return st.ID != it.Origin && st.CanAccept(domain.ItemTypeInput)
		}); st != nil {
			return st, domain.ItemTypeInput, true
		}
		return nil, "", false
	}
	if st := e.nearestStation(wk.Cell, func(st *world.Station) bool {
		return st.CanAccept(domain.ItemTypeInput)
	}); st != nil {
		return st, domain.ItemTypeInput, true
	}
	return nil, "", false
}

func (e *Engine) nearestStation(from grid.Cell, match func(*world.Station) bool) *world.Station {
	var out *world.Station
	best := -1
	for _, st := range e.world.Stations() {
		if !match(st) {
			continue
		}
		if d := grid.Manhattan(from, st.Cell); best < 0 || d < best {
			out, best = st, d
		}
	}
	return out
}

// head starts the walk toward target, or skips straight to the next phase
// when the worker is already beside it.
func (e *Engine) head(wk *world.Worker, a *agent, phase domain.BehaviorPhase, target grid.Cell, station bool) {
	next, delay := domain.PhasePickingUp, PickDelayTicks
	if phase == domain.PhaseMovingToDest {
		next, delay = domain.PhaseDropping, DropDelayTicks
	}
	if beside(wk.Cell, target, station) {
		a.phase, a.delay = next, delay
		wk.State = domain.WorkerStateWorking
		return
	}
	if !wk.SetPath(e.world.FindPath(wk.Cell, target)) {
		*a = agent{phase: domain.PhaseIdle}
		wk.SetMood(domain.WorkerStateConfused)
		return
	}
	a.phase = phase
}

func beside(at, target grid.Cell, station bool) bool {
	if station {
		return grid.Manhattan(at, target) <= 1
	}
	return grid.Chebyshev(at, target) <= 1
}

// arrive moves a worker whose walk ended into the delay phase, or back to
// idle if it stopped short.
func (e *Engine) arrive(wk *world.Worker, a *agent, next domain.BehaviorPhase, delay int) {
	target, ok := e.targetCell(a)
	if !ok || !beside(wk.Cell, target, a.phase == domain.PhaseMovingToDest || a.fromStation) {
		e.resetAgent(wk)
		return
	}
	a.phase, a.delay = next, delay
	wk.State = domain.WorkerStateWorking
}

func (e *Engine) targetCell(a *agent) (grid.Cell, bool) {
	if a.phase == domain.PhaseMovingToDest || a.fromStation {
		st, ok := e.world.Station(a.target)
		if !ok {
			return grid.Cell{}, false
		}
		return st.Cell, true
	}
	it, ok := e.world.Item(a.target)
	if !ok {
		return grid.Cell{}, false
	}
	return it.Cell, true
}

func (e *Engine) sourceValid(a *agent) bool {
	if a.fromStation {
		st, ok := e.world.Station(a.target)
		return ok && e.world.HasUnprocessedInput(st)
	}
	it, ok := e.world.Item(a.target)
	return ok && it.Free()
}

func (e *Engine) pickUp(wk *world.Worker, a *agent) {
	var ok bool
	if a.fromStation {
		ok = e.sourceValid(a) && e.world.TakeFromStation(wk.ID, a.target, domain.ItemTypeInput)
	} else {
		ok = e.world.PickUp(wk.ID, a.target)
	}
	if ok {
		e.record(workerActor(wk), "pick_up", "", map[string]any{"worker_id": wk.ID, "source": a.target, "item_id": wk.Carrying})
	}
	*a = agent{phase: domain.PhaseIdle}
	wk.State = domain.WorkerStateIdle
}

func (e *Engine) drop(wk *world.Worker, a *agent) {
	itemID := wk.Carrying
	st, ok := e.world.Station(a.target)
	delivered := ok && e.world.Deliver(wk.ID, a.target, a.deliverAs)
	*a = agent{phase: domain.PhaseIdle}
	wk.State = domain.WorkerStateIdle
	if !delivered {
		return
	}
	e.record(workerActor(wk), "deliver", string(st.Type()), map[string]any{"worker_id": wk.ID, "station_id": st.ID, "item_id": itemID})
	if st.Spec.Terminal {
		wk.SetMood(domain.WorkerStateHappy)
		e.displayed(st, itemID)
	}
}

func (e *Engine) displayed(st *world.Station, itemID uint64) {
	if e.onDisplay == nil {
		return
	}
	it, ok := e.world.Item(itemID)
	if !ok {
		return
	}
	e.onDisplay(Delivery{
		StationID:     st.ID,
		StationConfig: copyConfig(st.Config),
		ItemID:        it.ID,
		Text:          it.Text,
		Metadata:      it.Metadata,
		Tick:          e.world.Tick(),
	})
}

func workerActor(wk *world.Worker) string {
	if wk.Name != "" {
		return "worker:" + wk.Name
	}
	return "worker"
}
