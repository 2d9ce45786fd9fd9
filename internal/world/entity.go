package world

import (
	"taskyard/internal/domain"
	"taskyard/internal/grid"
)

type Kind int

const (
	KindWorker Kind = iota
	KindStation
	KindItem
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindWorker:
		return "worker"
	case KindStation:
		return "station"
	case KindItem:
		return "item"
	default:
		return "unknown"
	}
}

// Base carries the fields every entity shares.
type Base struct {
	ID             uint64
	Cell           grid.Cell
	RenderPriority int
	removed        bool
}

func (b *Base) Removed() bool { return b.removed }

// WorldPos is derived from the cell; nothing stores a float position.
func (b *Base) WorldPos() (float64, float64) { return b.Cell.WorldPos() }

// Entity is the closed set {*Worker, *Station, *Item}.
type Entity interface {
	base() *Base
	Kind() Kind
}

func (w *Worker) base() *Base  { return &w.Base }
func (s *Station) base() *Base { return &s.Base }
func (i *Item) base() *Base    { return &i.Base }

func (*Worker) Kind() Kind  { return KindWorker }
func (*Station) Kind() Kind { return KindStation }
func (*Item) Kind() Kind    { return KindItem }

type LocationKind string

const (
	LocationFree    LocationKind = "free"
	LocationCarried LocationKind = "carried"
	LocationStored  LocationKind = "stored"
)

// Location is where an item is. Holder is the worker id when carried and the
// station id when stored; Cell is only meaningful when free.
type Location struct {
	Kind   LocationKind
	Holder uint64
	Cell   grid.Cell
}

type Item struct {
	Base
	Type     domain.ItemType
	Text     string
	Metadata map[string]string
	Loc      Location
	// Origin is the station that produced a result item, 0 otherwise.
	Origin uint64
}

func (i *Item) Free() bool { return i.Loc.Kind == LocationFree }

func (i *Item) CarriedBy(workerID uint64) bool {
	return i.Loc.Kind == LocationCarried && i.Loc.Holder == workerID
}

func (i *Item) StoredIn(stationID uint64) bool {
	return i.Loc.Kind == LocationStored && i.Loc.Holder == stationID
}
