package world

import (
	"taskyard/internal/domain"
)

// Station is a fixed task-processing structure occupying one cell.
//
// Processing is true only between accepting an item and finishing it. While
// waiting on an external reply the timer is held just under Total so that a
// slow reply never races the local clock.
type Station struct {
	Base
	Spec    StationSpec
	Config  map[string]string
	Trigger *domain.TriggerConfig

	Inventory []uint64

	Processing       bool
	AwaitingExternal bool
	Elapsed          int
	Total            int
	ActiveItem       uint64
	Input            string
	Result           string
	ResultMeta       map[string]string
	JustFinished     bool

	// Generation changes whenever a new processing cycle starts or the
	// station is reset; replies carry the generation they were issued for.
	Generation uint64
}

// Finished is what a station hands back once per completed cycle.
type Finished struct {
	StationID  uint64
	InputItem  uint64
	Input      string
	Output     string
	Meta       map[string]string
	Generation uint64
}

func (s *Station) Type() domain.StationType { return s.Spec.Type }

func (s *Station) External() bool { return s.Spec.Backing == BackingExternal }

// CanAccept reports whether an item of type t would be taken right now.
func (s *Station) CanAccept(t domain.ItemType) bool {
	if s.removed || !s.Idle() {
		return false
	}
	return s.Spec.AcceptsType(t)
}

// Idle is false while processing and until a finished cycle is harvested.
func (s *Station) Idle() bool {
	return !s.Processing && !s.JustFinished
}

// accept stores the item and, for processing types, starts a cycle on it.
func (s *Station) accept(it *Item) bool {
	if !s.CanAccept(it.Type) {
		return false
	}
	s.enqueue(it)
	if s.Spec.Processes() {
		s.start(it)
	}
	return true
}

func (s *Station) enqueue(it *Item) {
	s.Inventory = append(s.Inventory, it.ID)
	it.Loc = Location{Kind: LocationStored, Holder: s.ID}
	it.Cell = s.Cell
}

func (s *Station) start(it *Item) {
	s.Processing = true
	s.AwaitingExternal = false
	s.JustFinished = false
	s.Elapsed = 0
	s.Total = s.Spec.Budget
	s.ActiveItem = it.ID
	s.Input = it.Text
	s.Result = ""
	s.ResultMeta = nil
	s.Generation++
}

// tick advances the processing timer. Local stations finish at the
// confirmation threshold; external ones wait for Resolve or Fail.
func (s *Station) tick() {
	if !s.Processing {
		return
	}
	s.Elapsed++
	if s.Elapsed < ConfirmTicks {
		return
	}
	switch s.Spec.Backing {
	case BackingLocal:
		s.finish(s.Spec.LocalResult(s.Input), nil)
	case BackingExternal:
		s.AwaitingExternal = true
		if s.Total > 0 && s.Elapsed >= s.Total {
			s.Elapsed = s.Total - 1
		}
	}
}

// Resolve records an external reply for generation gen.
func (s *Station) Resolve(gen uint64, output string, meta map[string]string) bool {
	if !s.Processing || gen != s.Generation {
		return false
	}
	s.finish(output, meta)
	return true
}

// Fail finishes the cycle with the deterministic local fallback.
func (s *Station) Fail(gen uint64, reason string) bool {
	if !s.Processing || gen != s.Generation {
		return false
	}
	s.finish(domain.FallbackOutput(s.Input), map[string]string{
		"fallback": "true",
		"error":    reason,
	})
	return true
}

func (s *Station) finish(output string, meta map[string]string) {
	s.Processing = false
	s.AwaitingExternal = false
	s.JustFinished = true
	s.Elapsed = s.Total
	s.Result = output
	s.ResultMeta = meta
}

// ConsumeFinished hands out the completed cycle once and forgets the input
// item, which the caller destroys.
func (s *Station) ConsumeFinished() (Finished, bool) {
	if !s.JustFinished {
		return Finished{}, false
	}
	s.JustFinished = false
	f := Finished{
		StationID:  s.ID,
		InputItem:  s.ActiveItem,
		Input:      s.Input,
		Output:     s.Result,
		Meta:       s.ResultMeta,
		Generation: s.Generation,
	}
	s.removeFromInventory(s.ActiveItem)
	s.ActiveItem = 0
	return f, true
}

// take removes the most recent inventory entry accepted by match. Refused
// while processing.
func (s *Station) take(match func(id uint64) bool) (uint64, bool) {
	if s.Processing {
		return 0, false
	}
	for i := len(s.Inventory) - 1; i >= 0; i-- {
		id := s.Inventory[i]
		if match != nil && !match(id) {
			continue
		}
		s.Inventory = append(s.Inventory[:i], s.Inventory[i+1:]...)
		return id, true
	}
	return 0, false
}

func (s *Station) removeFromInventory(id uint64) {
	for i, v := range s.Inventory {
		if v == id {
			s.Inventory = append(s.Inventory[:i], s.Inventory[i+1:]...)
			return
		}
	}
}

// Reset abandons the current cycle. The active input stays in inventory as
// unprocessed work and any reply still in flight is rejected.
func (s *Station) Reset() {
	s.Processing = false
	s.AwaitingExternal = false
	s.JustFinished = false
	s.Elapsed = 0
	s.Total = 0
	s.ActiveItem = 0
	s.Generation++
}

// Progress is Elapsed/Total clamped to [0,1].
func (s *Station) Progress() float64 {
	if s.Total <= 0 {
		if s.JustFinished {
			return 1
		}
		return 0
	}
	p := float64(s.Elapsed) / float64(s.Total)
	if p > 1 {
		return 1
	}
	return p
}
