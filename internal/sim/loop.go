package sim

import (
	"context"
	"errors"
	"time"

	"taskyard/internal/domain"
	"taskyard/internal/grid"
)

var ErrLoopStopped = errors.New("simulation loop is not running")

type command struct {
	fn    func(*Engine) error
	reply chan error
}

// Loop drives an Engine at a fixed timestep and serializes every outside
// mutation onto its goroutine.
type Loop struct {
	engine *Engine
	inbox  chan command
	done   chan struct{}
}

func NewLoop(engine *Engine) *Loop {
	return &Loop{
		engine: engine,
		inbox:  make(chan command),
		done:   make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled. Elapsed wall time accumulates each frame
// and the engine steps once per tick's worth of it, at most CatchupMaxTicks
// times per frame; time beyond that is dropped.
func (l *Loop) Run(ctx context.Context) error {
	cfg := l.engine.cfg
	tick := time.Second / time.Duration(cfg.TickRate)
	frame := time.Second / time.Duration(cfg.FrameRate)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	defer close(l.done)
	defer l.engine.Close()

	last := time.Now()
	var acc time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-l.inbox:
			cmd.reply <- cmd.fn(l.engine)
		case now := <-ticker.C:
			acc += now.Sub(last)
			last = now
			steps := 0
			for acc >= tick && steps < cfg.CatchupMaxTicks {
				l.engine.Step()
				acc -= tick
				steps++
			}
			if acc >= tick {
				l.engine.debugf("loop dropped %s of simulated time", acc.Truncate(tick))
				acc = 0
			}
		}
	}
}

// Do runs fn on the loop goroutine between ticks and returns its error.
func (l *Loop) Do(ctx context.Context, fn func(*Engine) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case l.inbox <- cmd:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot is the state after the most recent tick.
func (l *Loop) Snapshot() *domain.Snapshot {
	return l.engine.Snapshot()
}

func (l *Loop) Config() Config { return l.engine.cfg }

func (l *Loop) PlaceStation(ctx context.Context, t domain.StationType, c grid.Cell, cfg map[string]string) (uint64, error) {
	var id uint64
	err := l.Do(ctx, func(e *Engine) error {
		st, err := e.PlaceStation(t, c, cfg)
		if err != nil {
			return err
		}
		id = st.ID
		return nil
	})
	return id, err
}

func (l *Loop) PlaceWorker(ctx context.Context, name, role string, c grid.Cell) (uint64, error) {
	var id uint64
	err := l.Do(ctx, func(e *Engine) error {
		wk, err := e.PlaceWorker(name, role, c)
		if err != nil {
			return err
		}
		id = wk.ID
		return nil
	})
	return id, err
}

func (l *Loop) RemoveWorker(ctx context.Context, id uint64) error {
	return l.Do(ctx, func(e *Engine) error { return e.RemoveWorker(id) })
}

func (l *Loop) RemoveStation(ctx context.Context, id uint64) error {
	return l.Do(ctx, func(e *Engine) error { return e.RemoveStation(id) })
}

func (l *Loop) AddItemToStation(ctx context.Context, stationID uint64, t domain.ItemType, text string) (uint64, error) {
	var id uint64
	err := l.Do(ctx, func(e *Engine) error {
		var err error
		id, err = e.AddItemToStation(stationID, t, text)
		return err
	})
	return id, err
}

func (l *Loop) InjectInput(ctx context.Context, stationID uint64, text string) (uint64, error) {
	var id uint64
	err := l.Do(ctx, func(e *Engine) error {
		var err error
		id, err = e.InjectInput(stationID, text)
		return err
	})
	return id, err
}

func (l *Loop) MoveWorker(ctx context.Context, id uint64, c grid.Cell) error {
	return l.Do(ctx, func(e *Engine) error { return e.MoveWorker(id, c) })
}

func (l *Loop) SetAutonomous(ctx context.Context, id uint64, on bool) error {
	return l.Do(ctx, func(e *Engine) error { return e.SetAutonomous(id, on) })
}

func (l *Loop) StartWorkflow(ctx context.Context, workerID uint64, stationIDs []uint64, input string) (string, error) {
	var runID string
	err := l.Do(ctx, func(e *Engine) error {
		var err error
		runID, err = e.StartWorkflow(workerID, stationIDs, input)
		return err
	})
	return runID, err
}

func (l *Loop) StopWorkflow(ctx context.Context, runID string) error {
	return l.Do(ctx, func(e *Engine) error { return e.StopWorkflow(runID) })
}

func (l *Loop) AnswerClarification(ctx context.Context, runID, reply string) error {
	return l.Do(ctx, func(e *Engine) error { return e.AnswerClarification(runID, reply) })
}

func (l *Loop) ConfigureTrigger(ctx context.Context, stationID uint64, cfg domain.TriggerConfig) error {
	return l.Do(ctx, func(e *Engine) error { return e.ConfigureTrigger(stationID, cfg) })
}
