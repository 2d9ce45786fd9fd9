package world

import (
	"sort"

	"taskyard/internal/domain"
)

// ConfirmTicks is how long a station processes locally before a synchronous
// station finishes or an external one starts waiting on its reply.
const ConfirmTicks = 5

type Backing int

const (
	BackingNone Backing = iota
	BackingLocal
	BackingExternal
)

// StationSpec is one catalog entry.
type StationSpec struct {
	Type       domain.StationType
	Accepts    []domain.ItemType
	Backing    Backing
	Budget     int
	PauseTicks int
	Terminal   bool
	Trigger    domain.TriggerKind
	local      func(input string) string
}

func (s StationSpec) AcceptsType(t domain.ItemType) bool {
	for _, a := range s.Accepts {
		if a == t {
			return true
		}
	}
	return false
}

// Processes reports whether accepted items start a processing cycle.
func (s StationSpec) Processes() bool {
	return s.Backing != BackingNone
}

// LocalResult is what a local station produces for input. Stations without
// a local rule pass the input through.
func (s StationSpec) LocalResult(input string) string {
	if s.local == nil {
		return input
	}
	return s.local(input)
}

func passThrough(input string) string { return input }

var catalog = map[domain.StationType]StationSpec{
	domain.StationTypePrompt: {
		Accepts: []domain.ItemType{domain.ItemTypeInput}, Backing: BackingLocal,
		Budget: 20, PauseTicks: 10, local: passThrough,
	},
	domain.StationTypeTransform: {
		Accepts: []domain.ItemType{domain.ItemTypeInput}, Backing: BackingLocal,
		Budget: 30, PauseTicks: 10, local: domain.FallbackOutput,
	},
	domain.StationTypeLLM: {
		Accepts: []domain.ItemType{domain.ItemTypeInput}, Backing: BackingExternal,
		Budget: 900, PauseTicks: 15,
	},
	domain.StationTypeTool: {
		Accepts: []domain.ItemType{domain.ItemTypeInput}, Backing: BackingExternal,
		Budget: 900, PauseTicks: 15,
	},
	domain.StationTypeSchedule: {
		Accepts: []domain.ItemType{domain.ItemTypeInput}, Backing: BackingLocal,
		Budget: 20, PauseTicks: 10, Trigger: domain.TriggerKindSchedule, local: passThrough,
	},
	domain.StationTypeWebhook: {
		Accepts: []domain.ItemType{domain.ItemTypeInput}, Backing: BackingLocal,
		Budget: 20, PauseTicks: 10, Trigger: domain.TriggerKindEvent, local: passThrough,
	},
	domain.StationTypeDisplay: {
		Accepts: []domain.ItemType{domain.ItemTypeResult}, Backing: BackingNone,
		PauseTicks: 20, Terminal: true,
	},
}

func Lookup(t domain.StationType) (StationSpec, bool) {
	spec, ok := catalog[t]
	if !ok {
		return StationSpec{}, false
	}
	spec.Type = t
	return spec, true
}

// StationTypes lists the catalog in name order.
func StationTypes() []domain.StationType {
	out := make([]domain.StationType, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
