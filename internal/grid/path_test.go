package grid

import (
	"math"
	"testing"
)

func pathCost(t *testing.T, ix *Index, from Cell, path []Cell) float64 {
	t.Helper()
	cost := 0.0
	prev := from
	for i, c := range path {
		if !ix.Walkable(c) {
			t.Fatalf("step %d lands on occupied cell %+v", i, c)
		}
		switch {
		case Chebyshev(prev, c) != 1:
			t.Fatalf("step %d jumps from %+v to %+v", i, prev, c)
		case Manhattan(prev, c) == 2:
			cost += math.Sqrt2
		default:
			cost++
		}
		prev = c
	}
	return cost
}

func octile(a, b Cell) float64 {
	dx := math.Abs(float64(a.X - b.X))
	dy := math.Abs(float64(a.Y - b.Y))
	return math.Max(dx, dy) + (math.Sqrt2-1)*math.Min(dx, dy)
}

func TestFindPathSameCellIsEmpty(t *testing.T) {
	ix := NewIndex()
	if path := ix.FindPath(Cell{}, Cell{}); len(path) != 0 {
		t.Fatalf("expected empty path, got %+v", path)
	}
}

func TestFindPathOpenGrid(t *testing.T) {
	tests := []struct {
		name string
		to   Cell
	}{
		{name: "straight east", to: Cell{X: 7}},
		{name: "pure diagonal", to: Cell{X: 5, Y: 5}},
		{name: "mixed", to: Cell{X: -9, Y: 4}},
		{name: "neighbour", to: Cell{X: 1, Y: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ix := NewIndex()
			from := Cell{}
			path := ix.FindPath(from, tc.to)
			if len(path) == 0 {
				t.Fatalf("expected a path to %+v", tc.to)
			}
			if path[len(path)-1] != tc.to {
				t.Fatalf("path ends at %+v want %+v", path[len(path)-1], tc.to)
			}
			got := pathCost(t, ix, from, path)
			if want := octile(from, tc.to); got > want*1.5+1e-9 {
				t.Fatalf("path cost %.3f exceeds bound for optimal %.3f", got, want)
			}
		})
	}
}

func TestFindPathAroundWall(t *testing.T) {
	ix := NewIndex()
	for y := -3; y <= 3; y++ {
		ix.Occupy(Cell{X: 5, Y: y}, uint64(100+y))
	}
	from, to := Cell{X: 0}, Cell{X: 10}
	path := ix.FindPath(from, to)
	if len(path) == 0 {
		t.Fatalf("expected a route around the wall")
	}
	if path[len(path)-1] != to {
		t.Fatalf("path ends at %+v", path[len(path)-1])
	}
	// Shortest detour clears the wall end at y=±4.
	optimal := octile(from, Cell{X: 5, Y: 4}) + octile(Cell{X: 5, Y: 4}, to)
	if got := pathCost(t, ix, from, path); got > optimal*1.5 {
		t.Fatalf("detour cost %.3f too far above %.3f", got, optimal)
	}
}

func TestFindPathOccupiedTargetEndsOnCardinalNeighbour(t *testing.T) {
	ix := NewIndex()
	station := Cell{X: 6, Y: 2}
	ix.Occupy(station, 1)
	path := ix.FindPath(Cell{}, station)
	if len(path) == 0 {
		t.Fatalf("expected a path next to the station")
	}
	last := path[len(path)-1]
	if last == station {
		t.Fatalf("path must not end on the occupied cell")
	}
	if !CardinallyAdjacent(last, station) {
		t.Fatalf("path ends at %+v, not cardinally adjacent to %+v", last, station)
	}
}

func TestFindPathEnclosedTargetIsEmpty(t *testing.T) {
	ix := NewIndex()
	target := Cell{X: 3, Y: 3}
	ix.Occupy(target, 1)
	for i, n := range target.Cardinal() {
		ix.Occupy(n, uint64(10+i))
	}
	if path := ix.FindPath(Cell{}, target); len(path) != 0 {
		t.Fatalf("expected empty path to enclosed station, got %d cells", len(path))
	}
}

func TestFindPathGivesUpAfterExpansionCap(t *testing.T) {
	ix := NewIndex()
	// Ring of stations around the goal with no opening; the open side is
	// unbounded so the search exhausts its budget instead of the frontier.
	goal := Cell{X: 40, Y: 0}
	for dx := -2; dx <= 2; dx++ {
		for dy := -2; dy <= 2; dy++ {
			if abs(dx) == 2 || abs(dy) == 2 {
				ix.Occupy(goal.Add(dx, dy), uint64(1000+dx*10+dy))
			}
		}
	}
	if path := ix.FindPath(Cell{}, goal); len(path) != 0 {
		t.Fatalf("expected empty path once the expansion cap is hit, got %d cells", len(path))
	}
}

func TestApproachPrefersClosestNeighbour(t *testing.T) {
	ix := NewIndex()
	station := Cell{X: 5, Y: 5}
	ix.Occupy(station, 1)
	got, ok := ix.Approach(Cell{X: 0, Y: 5}, station)
	if !ok {
		t.Fatalf("expected an approach cell")
	}
	if got != (Cell{X: 4, Y: 5}) {
		t.Fatalf("approach=%+v want west neighbour", got)
	}
}

func TestNearestWalkable(t *testing.T) {
	ix := NewIndex()
	c := Cell{X: 1, Y: 1}
	ix.Occupy(c, 1)
	got, ok := ix.NearestWalkable(c, 2)
	if !ok {
		t.Fatalf("expected a free cell")
	}
	if Chebyshev(got, c) != 1 {
		t.Fatalf("nearest walkable %+v should be in the first ring", got)
	}
}
