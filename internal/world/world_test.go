package world

import (
	"errors"
	"testing"

	"taskyard/internal/domain"
	"taskyard/internal/grid"
)

func mustStation(t *testing.T, w *World, typ domain.StationType, c grid.Cell) *Station {
	t.Helper()
	st, err := w.PlaceStation(typ, c, nil)
	if err != nil {
		t.Fatalf("place %s station: %v", typ, err)
	}
	return st
}

func mustWorker(t *testing.T, w *World, c grid.Cell) *Worker {
	t.Helper()
	wk, err := w.PlaceWorker("nod", "runner", c)
	if err != nil {
		t.Fatalf("place worker: %v", err)
	}
	return wk
}

func assertStationInvariant(t *testing.T, st *Station) {
	t.Helper()
	if st.Processing && len(st.Inventory) == 0 && st.ActiveItem == 0 {
		t.Fatalf("station %d processing with empty inventory and no active payload", st.ID)
	}
}

func TestRegistryIssuesMonotonicIDs(t *testing.T) {
	w := New()
	a := mustStation(t, w, domain.StationTypePrompt, grid.Cell{X: 1})
	b := mustWorker(t, w, grid.Cell{X: 2})
	c := w.SpawnItem(domain.ItemTypeInput, "x", nil, grid.Cell{X: 3})
	if !(a.ID < b.ID && b.ID < c.ID) {
		t.Fatalf("ids not monotonic: %d %d %d", a.ID, b.ID, c.ID)
	}
	if New().reg.Next() != 1 {
		t.Fatalf("a fresh world must restart ids at 1")
	}
}

func TestPlaceStationRejectsOccupiedAndUnknown(t *testing.T) {
	w := New()
	mustStation(t, w, domain.StationTypePrompt, grid.Cell{})
	if _, err := w.PlaceStation(domain.StationTypeLLM, grid.Cell{}, nil); !errors.Is(err, ErrCellOccupied) {
		t.Fatalf("expected ErrCellOccupied, got %v", err)
	}
	if _, err := w.PlaceStation("furnace", grid.Cell{X: 4}, nil); !errors.Is(err, ErrUnknownStationType) {
		t.Fatalf("expected ErrUnknownStationType, got %v", err)
	}
	if _, err := w.PlaceWorker("a", "b", grid.Cell{}); !errors.Is(err, ErrCellOccupied) {
		t.Fatalf("worker on a station cell should be refused, got %v", err)
	}
}

func TestLocalStationFinishesAtConfirmation(t *testing.T) {
	w := New()
	st := mustStation(t, w, domain.StationTypeTransform, grid.Cell{})
	it, ok := w.AddItemToStation(st.ID, domain.ItemTypeInput, "hello", nil)
	if !ok {
		t.Fatalf("transform station should accept task-input")
	}
	if !st.Processing || st.ActiveItem != it.ID {
		t.Fatalf("expected processing on item %d, got processing=%v active=%d", it.ID, st.Processing, st.ActiveItem)
	}
	if _, ok := w.AddItemToStation(st.ID, domain.ItemTypeInput, "again", nil); ok {
		t.Fatalf("busy station must refuse a second item")
	}
	for i := 0; i < ConfirmTicks-1; i++ {
		w.Update()
		assertStationInvariant(t, st)
		if !st.Processing {
			t.Fatalf("finished early at tick %d", i+1)
		}
	}
	w.Update()
	if st.Processing || !st.JustFinished {
		t.Fatalf("expected finish at confirmation threshold")
	}
	out, f, ok := w.Harvest(st)
	if !ok {
		t.Fatalf("expected harvest")
	}
	if f.Output != "[Processed] hello" || out.Text != f.Output {
		t.Fatalf("unexpected output %q / %q", f.Output, out.Text)
	}
	if !out.Free() || out.Type != domain.ItemTypeResult || out.Origin != st.ID {
		t.Fatalf("result item not free on grid: %+v", out.Loc)
	}
	if !grid.CardinallyAdjacent(out.Cell, st.Cell) {
		t.Fatalf("result dropped at %+v, expected next to station", out.Cell)
	}
	if _, _, ok := w.Harvest(st); ok {
		t.Fatalf("harvest must be one-shot")
	}
	w.Purge()
	if _, ok := w.Item(it.ID); ok {
		t.Fatalf("consumed input should be purged")
	}
	if len(st.Inventory) != 0 {
		t.Fatalf("inventory should be empty, got %v", st.Inventory)
	}
}

func TestExternalStationClampsWhileAwaiting(t *testing.T) {
	w := New()
	st := mustStation(t, w, domain.StationTypeLLM, grid.Cell{})
	if _, ok := w.AddItemToStation(st.ID, domain.ItemTypeInput, "q", nil); !ok {
		t.Fatalf("llm station should accept input")
	}
	gen := st.Generation
	for i := 0; i < st.Total+50; i++ {
		w.Update()
	}
	if !st.Processing || !st.AwaitingExternal {
		t.Fatalf("external station must not finish on local timeout")
	}
	if st.Elapsed != st.Total-1 {
		t.Fatalf("elapsed=%d want clamp at %d", st.Elapsed, st.Total-1)
	}
	if st.Resolve(gen+1, "stale", nil) {
		t.Fatalf("reply for another generation must be rejected")
	}
	if !st.Resolve(gen, "answer", map[string]string{"model": "m"}) {
		t.Fatalf("reply for current generation should resolve")
	}
	if st.Processing || st.AwaitingExternal || st.Result != "answer" {
		t.Fatalf("unexpected state after resolve: %+v", st)
	}
}

func TestStationFailUsesFallback(t *testing.T) {
	w := New()
	st := mustStation(t, w, domain.StationTypeTool, grid.Cell{})
	w.AddItemToStation(st.ID, domain.ItemTypeInput, "X", nil)
	if !st.Fail(st.Generation, "timeout") {
		t.Fatalf("fail should finish the cycle")
	}
	if st.Result != "[Processed] X" || st.ResultMeta["fallback"] != "true" {
		t.Fatalf("unexpected fallback result %q %v", st.Result, st.ResultMeta)
	}
	if st.Fail(st.Generation, "again") {
		t.Fatalf("fail on a finished station must be refused")
	}
}

func TestResetRejectsLateReply(t *testing.T) {
	w := New()
	st := mustStation(t, w, domain.StationTypeLLM, grid.Cell{})
	w.AddItemToStation(st.ID, domain.ItemTypeInput, "q", nil)
	gen := st.Generation
	st.Reset()
	if st.Resolve(gen, "late", nil) {
		t.Fatalf("reset station revived by stale reply")
	}
	if !w.HasUnprocessedInput(st) {
		t.Fatalf("reset input should remain as unprocessed work")
	}
}

func TestDisplayStoresWithoutProcessing(t *testing.T) {
	w := New()
	st := mustStation(t, w, domain.StationTypeDisplay, grid.Cell{})
	if _, ok := w.AddItemToStation(st.ID, domain.ItemTypeInput, "x", nil); ok {
		t.Fatalf("display must refuse task-input")
	}
	for i := 0; i < 3; i++ {
		if _, ok := w.AddItemToStation(st.ID, domain.ItemTypeResult, "r", nil); !ok {
			t.Fatalf("display should accept result %d", i)
		}
	}
	if st.Processing || len(st.Inventory) != 3 {
		t.Fatalf("display processing=%v inventory=%d", st.Processing, len(st.Inventory))
	}
}

func TestTakeItemRefusedWhileProcessing(t *testing.T) {
	w := New()
	st := mustStation(t, w, domain.StationTypeLLM, grid.Cell{})
	w.AddItemToStation(st.ID, domain.ItemTypeInput, "q", nil)
	if _, ok := w.TakeItem(st.ID, nil); ok {
		t.Fatalf("take must be refused while processing")
	}
	st.Reset()
	it, ok := w.TakeItem(st.ID, nil)
	if !ok {
		t.Fatalf("take should succeed once idle")
	}
	if !it.Free() || len(st.Inventory) != 0 {
		t.Fatalf("taken item should be free and gone from inventory")
	}
	resultType := domain.ItemTypeResult
	if _, ok := w.TakeItem(st.ID, &resultType); ok {
		t.Fatalf("empty inventory must refuse")
	}
}

func TestCarryConsistency(t *testing.T) {
	w := New()
	st := mustStation(t, w, domain.StationTypePrompt, grid.Cell{X: 3})
	wk := mustWorker(t, w, grid.Cell{})
	it := w.SpawnItem(domain.ItemTypeInput, "x", nil, grid.Cell{})
	other := w.SpawnItem(domain.ItemTypeInput, "y", nil, grid.Cell{})

	check := func() {
		t.Helper()
		for _, item := range w.Items() {
			carried := item.Loc.Kind == LocationCarried
			if carried && item.Loc.Holder != wk.ID {
				t.Fatalf("item %d carried by unknown holder", item.ID)
			}
			if carried != (wk.Carrying == item.ID) {
				t.Fatalf("worker carrying=%d disagrees with item %d location %+v", wk.Carrying, item.ID, item.Loc)
			}
		}
	}

	if !w.PickUp(wk.ID, it.ID) {
		t.Fatalf("pick up failed")
	}
	check()
	if w.PickUp(wk.ID, other.ID) {
		t.Fatalf("worker can carry at most one item")
	}
	check()
	if !w.Deliver(wk.ID, st.ID, domain.ItemTypeInput) {
		t.Fatalf("deliver failed")
	}
	check()
	if !it.StoredIn(st.ID) {
		t.Fatalf("delivered item should be stored in station")
	}
	if !w.PickUp(wk.ID, other.ID) {
		t.Fatalf("second pick up failed")
	}
	w.Remove(wk.ID)
	if !other.Free() || other.Cell != wk.Cell {
		t.Fatalf("removed worker should drop its item on its cell")
	}
}

func TestRemovePurgesAtTickBoundary(t *testing.T) {
	w := New()
	st := mustStation(t, w, domain.StationTypePrompt, grid.Cell{X: 1})
	w.AddItemToStation(st.ID, domain.ItemTypeInput, "x", nil)
	if !w.Remove(st.ID) {
		t.Fatalf("remove failed")
	}
	if _, ok := w.Station(st.ID); ok {
		t.Fatalf("removed station still visible")
	}
	if !w.Index().Walkable(st.Cell) {
		t.Fatalf("removal should free the station cell before purge")
	}
	if _, ok := w.entities[st.ID]; !ok {
		t.Fatalf("entity should stay registered until purge")
	}
	again, err := w.PlaceStation(domain.StationTypeLLM, st.Cell, nil)
	if err != nil {
		t.Fatalf("re-place on a removed station's cell before purge: %v", err)
	}
	w.Purge()
	if _, ok := w.entities[st.ID]; ok {
		t.Fatalf("purge should drop the removed station")
	}
	if id, _ := w.Index().Occupant(st.Cell); id != again.ID {
		t.Fatalf("purge vacated the new station's cell, occupant=%d", id)
	}
	if len(w.Items()) != 0 {
		t.Fatalf("station inventory should be discarded")
	}
}

func TestPlaceStationRefusesStandingEntities(t *testing.T) {
	w := New()
	wk := mustWorker(t, w, grid.Cell{X: 2})
	it := w.SpawnItem(domain.ItemTypeResult, "r", nil, grid.Cell{X: 4})
	for _, c := range []grid.Cell{wk.Cell, it.Cell} {
		if _, err := w.PlaceStation(domain.StationTypePrompt, c, nil); !errors.Is(err, ErrCellOccupied) {
			t.Fatalf("station on %+v: expected ErrCellOccupied, got %v", c, err)
		}
	}
	if !w.PickUp(wk.ID, it.ID) {
		t.Fatalf("pick up failed")
	}
	w.Remove(wk.ID)
	w.Purge()
	if _, err := w.PlaceStation(domain.StationTypePrompt, grid.Cell{X: 4}, nil); err != nil {
		t.Fatalf("cell of a carried-away item should be free: %v", err)
	}
}

func TestInjectInputQueuesWhenBusy(t *testing.T) {
	w := New()
	st := mustStation(t, w, domain.StationTypeSchedule, grid.Cell{})
	first, _ := w.InjectInput(st.ID, "a", nil)
	second, _ := w.InjectInput(st.ID, "b", nil)
	if st.ActiveItem != first.ID {
		t.Fatalf("first injection should start processing")
	}
	if !second.StoredIn(st.ID) || len(st.Inventory) != 2 {
		t.Fatalf("second injection should queue in inventory")
	}
}

func TestWorkerMovesOneCellPerStep(t *testing.T) {
	w := New()
	wk := mustWorker(t, w, grid.Cell{})
	path := w.FindPath(wk.Cell, grid.Cell{X: 2})
	if !wk.SetPath(path) {
		t.Fatalf("set path failed")
	}
	steps := 0
	for wk.State == domain.WorkerStateMoving && steps < 100 {
		w.Update()
		steps++
	}
	if wk.Cell != (grid.Cell{X: 2}) {
		t.Fatalf("worker at %+v", wk.Cell)
	}
	if want := int(2 / DefaultSpeed); steps != want {
		t.Fatalf("took %d ticks want %d", steps, want)
	}
	if len(wk.Path) != 0 || wk.State != domain.WorkerStateIdle {
		t.Fatalf("worker should be idle with empty path")
	}
}
