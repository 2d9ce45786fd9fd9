// Package grid holds the unbounded integer grid shared by every entity: cell
// geometry, the station occupancy index and the A* pathfinder.
package grid

// TileSize is the edge length of one cell in world units.
const TileSize = 32.0

type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Cell) Add(dx, dy int) Cell {
	return Cell{X: c.X + dx, Y: c.Y + dy}
}

// WorldPos returns the centre of the cell in world units.
func (c Cell) WorldPos() (float64, float64) {
	return (float64(c.X) + 0.5) * TileSize, (float64(c.Y) + 0.5) * TileSize
}

// Cardinal lists the four orthogonal neighbours in N, E, S, W order.
func (c Cell) Cardinal() [4]Cell {
	return [4]Cell{
		{X: c.X, Y: c.Y - 1},
		{X: c.X + 1, Y: c.Y},
		{X: c.X, Y: c.Y + 1},
		{X: c.X - 1, Y: c.Y},
	}
}

func Manhattan(a, b Cell) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func Chebyshev(a, b Cell) int {
	dx, dy := abs(a.X-b.X), abs(a.Y-b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

// CardinallyAdjacent reports whether a and b share an edge.
func CardinallyAdjacent(a, b Cell) bool {
	return Manhattan(a, b) == 1
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
