package grid

// Index maps occupied cells to the id of the station standing on them.
type Index struct {
	occupied map[Cell]uint64
}

func NewIndex() *Index {
	return &Index{occupied: make(map[Cell]uint64)}
}

// Occupy claims c for id. It fails if another id already holds the cell.
func (ix *Index) Occupy(c Cell, id uint64) bool {
	if prev, ok := ix.occupied[c]; ok && prev != id {
		return false
	}
	ix.occupied[c] = id
	return true
}

// Vacate releases c if it is held by id.
func (ix *Index) Vacate(c Cell, id uint64) {
	if ix.occupied[c] == id {
		delete(ix.occupied, c)
	}
}

func (ix *Index) Occupant(c Cell) (uint64, bool) {
	id, ok := ix.occupied[c]
	return id, ok
}

func (ix *Index) Walkable(c Cell) bool {
	_, ok := ix.occupied[c]
	return !ok
}

// AdjacentOccupant returns the first station cardinally adjacent to c, in
// N, E, S, W order.
func (ix *Index) AdjacentOccupant(c Cell) (uint64, Cell, bool) {
	for _, n := range c.Cardinal() {
		if id, ok := ix.occupied[n]; ok {
			return id, n, true
		}
	}
	return 0, Cell{}, false
}

// Approach picks the walkable cardinal neighbour of target closest to from.
// Ties keep N, E, S, W order.
func (ix *Index) Approach(from, target Cell) (Cell, bool) {
	best := Cell{}
	bestDist := -1
	for _, n := range target.Cardinal() {
		if !ix.Walkable(n) {
			continue
		}
		d := Manhattan(from, n)
		if bestDist < 0 || d < bestDist {
			best, bestDist = n, d
		}
	}
	return best, bestDist >= 0
}

// NearestWalkable searches outward from c, ring by ring up to radius, for a
// free cell. Within a ring cells are visited row-major.
func (ix *Index) NearestWalkable(c Cell, radius int) (Cell, bool) {
	if ix.Walkable(c) {
		return c, true
	}
	for r := 1; r <= radius; r++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if abs(dx) != r && abs(dy) != r {
					continue
				}
				n := c.Add(dx, dy)
				if ix.Walkable(n) {
					return n, true
				}
			}
		}
	}
	return Cell{}, false
}

func (ix *Index) Len() int {
	return len(ix.occupied)
}
