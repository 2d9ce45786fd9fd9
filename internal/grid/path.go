package grid

import (
	"container/heap"
	"math"
)

// MaxExpansions bounds A* on the unbounded grid. Targets that need more
// expansions are reported unreachable.
const MaxExpansions = 2000

type neighbor struct {
	dx, dy int
	cost   float64
}

var neighborOffsets = [...]neighbor{
	{dx: 0, dy: -1, cost: 1},
	{dx: 1, dy: 0, cost: 1},
	{dx: 0, dy: 1, cost: 1},
	{dx: -1, dy: 0, cost: 1},
	{dx: 1, dy: -1, cost: math.Sqrt2},
	{dx: 1, dy: 1, cost: math.Sqrt2},
	{dx: -1, dy: 1, cost: math.Sqrt2},
	{dx: -1, dy: -1, cost: math.Sqrt2},
}

type pathNode struct {
	cell   Cell
	g      float64
	f      float64
	seq    int
	index  int
	parent *pathNode
}

type pathQueue []*pathNode

func (pq pathQueue) Len() int { return len(pq) }

func (pq pathQueue) Less(i, j int) bool {
	if pq[i].f != pq[j].f {
		return pq[i].f < pq[j].f
	}
	return pq[i].seq < pq[j].seq
}

func (pq pathQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *pathQueue) Push(x any) {
	n := len(*pq)
	item := x.(*pathNode)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *pathQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// FindPath returns the cells to walk from `from` to `to`, excluding the start
// cell. An occupied destination is replaced by its closest walkable cardinal
// neighbour. The result is empty when there is nothing to walk, no route, or
// the expansion budget runs out.
func (ix *Index) FindPath(from, to Cell) []Cell {
	goal := to
	if !ix.Walkable(goal) {
		approach, ok := ix.Approach(from, goal)
		if !ok {
			return nil
		}
		goal = approach
	}
	if from == goal {
		return nil
	}
	return ix.astar(from, goal)
}

func (ix *Index) astar(start, goal Cell) []Cell {
	open := &pathQueue{}
	heap.Init(open)
	seq := 0
	heap.Push(open, &pathNode{cell: start, f: heuristic(start, goal), seq: seq})
	gScore := map[Cell]float64{start: 0}
	closed := make(map[Cell]struct{})
	expansions := 0

	for open.Len() > 0 {
		current := heap.Pop(open).(*pathNode)
		if _, seen := closed[current.cell]; seen {
			continue
		}
		closed[current.cell] = struct{}{}
		if current.cell == goal {
			return reconstructPath(current)
		}
		expansions++
		if expansions > MaxExpansions {
			return nil
		}

		for _, delta := range neighborOffsets {
			next := current.cell.Add(delta.dx, delta.dy)
			if !ix.Walkable(next) {
				continue
			}
			if _, seen := closed[next]; seen {
				continue
			}
			tentativeG := current.g + delta.cost
			if prev, ok := gScore[next]; ok && tentativeG >= prev {
				continue
			}
			gScore[next] = tentativeG
			seq++
			heap.Push(open, &pathNode{
				cell:   next,
				g:      tentativeG,
				f:      tentativeG + heuristic(next, goal),
				seq:    seq,
				parent: current,
			})
		}
	}
	return nil
}

func heuristic(a, b Cell) float64 {
	return float64(Manhattan(a, b))
}

// reconstructPath walks parents back to the start and drops the start cell.
func reconstructPath(end *pathNode) []Cell {
	path := make([]Cell, 0)
	for node := end; node != nil && node.parent != nil; node = node.parent {
		path = append(path, node.cell)
	}
	for i := 0; i < len(path)/2; i++ {
		j := len(path) - 1 - i
		path[i], path[j] = path[j], path[i]
	}
	return path
}
