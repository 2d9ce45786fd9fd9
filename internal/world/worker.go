package world

import (
	"taskyard/internal/domain"
	"taskyard/internal/grid"
)

const (
	DefaultSpeed = 0.25
	MoodTicks    = 20
)

// Pause holds a worker next to a station it walked past.
type Pause struct {
	StationID uint64
	Station   grid.Cell
	Elapsed   int
	Required  int
}

type Worker struct {
	Base
	Name  string
	Role  string
	State domain.WorkerState

	// Path is the queue of cells still to walk; Progress is the fraction of
	// the way to Path[0].
	Path     []grid.Cell
	Progress float64
	Speed    float64

	Carrying uint64
	Pause    Pause

	Autonomous  bool
	CustomPath  bool
	WorkflowRun string

	mood int
	// stepped is set by the self-update when the worker entered a new cell
	// this tick.
	stepped bool
	// lastPaused suppresses a second pause beside the same station until the
	// worker has left its neighbourhood.
	lastPaused uint64
}

// Managed reports whether a workflow or an operator path owns the worker.
func (w *Worker) Managed() bool {
	return w.WorkflowRun != "" || w.CustomPath
}

func (w *Worker) Stepped() bool { return w.stepped }

// SetPath starts walking path. An empty path leaves the worker where it is
// and reports false.
func (w *Worker) SetPath(path []grid.Cell) bool {
	if len(path) == 0 {
		return false
	}
	w.Path = append(w.Path[:0:0], path...)
	w.Progress = 0
	w.State = domain.WorkerStateMoving
	w.Pause = Pause{}
	return true
}

// ClearPath stops the worker on its current cell.
func (w *Worker) ClearPath() {
	w.Path = nil
	w.Progress = 0
	w.Pause = Pause{}
	if w.State == domain.WorkerStateMoving || w.State == domain.WorkerStateAtNode {
		w.State = domain.WorkerStateIdle
	}
}

// Arrived is true once the worker has no path left and is not paused.
func (w *Worker) Arrived() bool {
	return len(w.Path) == 0 && w.State != domain.WorkerStateMoving && w.State != domain.WorkerStateAtNode
}

// SetMood shows a transient state that falls back to idle.
func (w *Worker) SetMood(state domain.WorkerState) {
	w.State = state
	w.mood = MoodTicks
}

func (w *Worker) BeginPause(stationID uint64, station grid.Cell, ticks int) {
	w.Pause = Pause{StationID: stationID, Station: station, Required: ticks}
	w.State = domain.WorkerStateAtNode
	w.lastPaused = stationID
}

// TickPause advances a running pause and reports whether it just ended.
func (w *Worker) TickPause() bool {
	if w.State != domain.WorkerStateAtNode {
		return false
	}
	w.Pause.Elapsed++
	if w.Pause.Elapsed < w.Pause.Required {
		return false
	}
	w.Pause = Pause{}
	if len(w.Path) > 0 {
		w.State = domain.WorkerStateMoving
	} else {
		w.State = domain.WorkerStateIdle
	}
	return true
}

// PausedBeside reports whether the last pause was for stationID.
func (w *Worker) PausedBeside(stationID uint64) bool {
	return w.lastPaused == stationID
}

// LastPaused is the station the worker last paused beside, 0 if none.
func (w *Worker) LastPaused() uint64 { return w.lastPaused }

func (w *Worker) ForgetPause() {
	w.lastPaused = 0
}

// tick moves the worker at most one cell and decays moods. CustomPath
// survives the final step; the engine releases it after pause bookkeeping.
func (w *Worker) tick() {
	w.stepped = false
	switch w.State {
	case domain.WorkerStateMoving:
		if len(w.Path) == 0 {
			w.State = domain.WorkerStateIdle
			return
		}
		w.Progress += w.Speed
		if w.Progress < 1 {
			return
		}
		w.Progress -= 1
		w.Cell = w.Path[0]
		w.Path = w.Path[1:]
		w.stepped = true
		if len(w.Path) == 0 {
			w.Progress = 0
			w.State = domain.WorkerStateIdle
		}
	case domain.WorkerStateConfused, domain.WorkerStateHappy:
		w.mood--
		if w.mood <= 0 {
			w.State = domain.WorkerStateIdle
		}
	}
}
