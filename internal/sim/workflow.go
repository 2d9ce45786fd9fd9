package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskyard/internal/compute"
	"taskyard/internal/domain"
	"taskyard/internal/grid"
	"taskyard/internal/world"
)

var (
	ErrRunNotFound = errors.New("workflow run not found")
	ErrNotWaiting  = errors.New("workflow run is not waiting for clarification")
	ErrNoStations  = errors.New("workflow needs at least one station")
)

type runPhase int

const (
	runTravel runPhase = iota
	runArriving
	runWorking
	runAwaiting
	runClarifying
)

// run is one workflow in progress. Each tick advanceRuns moves it as far as
// it can without blocking; it suspends while walking and while a station
// call is outstanding.
type run struct {
	id       string
	workerID uint64
	stations []uint64
	input    string
	payload  string
	status   domain.WorkflowStatus
	step     int
	phase    runPhase
	outputs  []string

	// token identifies the outstanding station call; replies carrying an
	// older token are dropped.
	token     uint64
	retried   bool
	localLeft int
	createdAt time.Time
}

func (r *run) record(now time.Time) domain.WorkflowRun {
	return domain.WorkflowRun{
		ID:         r.id,
		WorkerID:   r.workerID,
		StationIDs: append([]uint64(nil), r.stations...),
		Input:      r.input,
		Output:     r.payload,
		Status:     r.status,
		Step:       r.step,
		CreatedAt:  r.createdAt,
		UpdatedAt:  now,
	}
}

// StartWorkflow hands a worker to the sequencer. The worker loses its
// autonomous job and anything it carries is left on its cell; autonomy stays
// off after the run until SetAutonomous turns it back on.
func (e *Engine) StartWorkflow(workerID uint64, stationIDs []uint64, input string) (string, error) {
	wk, ok := e.world.Worker(workerID)
	if !ok {
		return "", fmt.Errorf("start workflow for worker %d: %w", workerID, world.ErrNotFound)
	}
	if wk.WorkflowRun != "" {
		return "", fmt.Errorf("start workflow for worker %d: %w", workerID, ErrWorkerBusy)
	}
	if len(stationIDs) == 0 {
		return "", ErrNoStations
	}
	for _, id := range stationIDs {
		if _, ok := e.world.Station(id); !ok {
			return "", fmt.Errorf("start workflow at station %d: %w", id, world.ErrNotFound)
		}
	}

	e.resetAgent(wk)
	delete(e.agents, wk.ID)
	wk.ClearPath()
	wk.CustomPath = false
	wk.Autonomous = false
	e.world.Drop(wk.ID)
	wk.State = domain.WorkerStateIdle

	r := &run{
		id:        uuid.NewString(),
		workerID:  wk.ID,
		stations:  append([]uint64(nil), stationIDs...),
		input:     input,
		payload:   input,
		status:    domain.WorkflowStatusRunning,
		createdAt: e.now().UTC(),
	}
	wk.WorkflowRun = r.id
	e.runs[r.id] = r
	e.runOrder = append(e.runOrder, r.id)
	e.saveRun(r)
	e.narrate(r, 0, fmt.Sprintf("%s starts a workflow over %d stations", wk.Name, len(r.stations)))
	return r.id, nil
}

// StopWorkflow ends a run at once. A station call still in flight finishes
// on its own and its reply is dropped.
func (e *Engine) StopWorkflow(runID string) error {
	if _, ok := e.runs[runID]; !ok {
		return fmt.Errorf("stop workflow %s: %w", runID, ErrRunNotFound)
	}
	e.stopRun(runID, "stopped by operator")
	return nil
}

func (e *Engine) stopRun(runID, reason string) {
	r, ok := e.runs[runID]
	if !ok {
		return
	}
	if wk, ok := e.world.Worker(r.workerID); ok && wk.WorkflowRun == runID {
		wk.WorkflowRun = ""
		wk.ClearPath()
		wk.State = domain.WorkerStateIdle
	}
	r.status = domain.WorkflowStatusStopped
	e.saveRun(r)
	e.narrate(r, 0, "workflow stopped: "+reason)
	e.dropRun(runID)
}

// AnswerClarification resumes a run suspended on a question. The reply is
// appended to the payload and the station is asked once more.
func (e *Engine) AnswerClarification(runID, reply string) error {
	r, ok := e.runs[runID]
	if !ok {
		return fmt.Errorf("answer workflow %s: %w", runID, ErrRunNotFound)
	}
	if r.phase != runClarifying {
		return fmt.Errorf("answer workflow %s: %w", runID, ErrNotWaiting)
	}
	r.payload = r.payload + "\n\nClarification: " + reply
	r.retried = true
	r.status = domain.WorkflowStatusRunning
	r.phase = runWorking
	e.saveRun(r)
	return nil
}

func (e *Engine) dropRun(runID string) {
	delete(e.runs, runID)
	for i, id := range e.runOrder {
		if id == runID {
			e.runOrder = append(e.runOrder[:i], e.runOrder[i+1:]...)
			break
		}
	}
}

func (e *Engine) advanceRuns() {
	for _, id := range append([]string(nil), e.runOrder...) {
		if r, ok := e.runs[id]; ok {
			e.advanceRun(r)
		}
	}
}

func (e *Engine) advanceRun(r *run) {
	wk, ok := e.world.Worker(r.workerID)
	if !ok {
		e.stopRun(r.id, "worker removed")
		return
	}
	// Skipping stations can chain several transitions into one tick; each
	// pass either advances step or returns.
	for {
		if r.step >= len(r.stations) {
			e.completeRun(r, wk)
			return
		}
		st, ok := e.world.Station(r.stations[r.step])
		switch r.phase {
		case runTravel:
			if !ok {
				e.narrate(r, r.stations[r.step], "station is gone, skipping")
				e.nextStep(r)
				continue
			}
			if grid.Manhattan(wk.Cell, st.Cell) <= 1 {
				r.phase = runWorking
				continue
			}
			if !wk.SetPath(e.world.FindPath(wk.Cell, st.Cell)) {
				e.narrate(r, st.ID, fmt.Sprintf("cannot reach %s station, skipping", st.Type()))
				e.nextStep(r)
				continue
			}
			r.phase = runArriving
			e.narrate(r, st.ID, fmt.Sprintf("heading to %s station", st.Type()))
			return
		case runArriving:
			if !ok {
				wk.ClearPath()
				r.phase = runTravel
				continue
			}
			if !wk.Arrived() {
				return
			}
			r.phase = runTravel
			continue
		case runWorking:
			if !ok {
				r.phase = runTravel
				continue
			}
			if _, busy := e.inflight[st.ID]; busy && st.External() {
				// Wait beside the station until its outstanding request lands.
				return
			}
			wk.State = domain.WorkerStateWorking
			e.narrate(r, st.ID, fmt.Sprintf("working at %s station", st.Type()))
			e.callStation(r, st)
			return
		case runAwaiting:
			if r.localLeft <= 0 {
				return
			}
			if r.localLeft--; r.localLeft > 0 {
				return
			}
			if !ok {
				e.nextStep(r)
				continue
			}
			r.payload = st.Spec.LocalResult(r.payload)
			e.finishStation(r, wk, st)
			continue
		case runClarifying:
			return
		}
	}
}

// callStation asks the station to process the payload. Local stations take
// the confirmation delay; external ones go through the processor.
func (e *Engine) callStation(r *run, st *world.Station) {
	r.token++
	r.phase = runAwaiting
	if !st.External() {
		r.localLeft = world.ConfirmTicks
		return
	}
	r.localLeft = 0
	req := compute.Request{
		StationID:   st.ID,
		StationType: st.Type(),
		Input:       r.payload,
		Config:      copyConfig(st.Config),
		RunID:       r.id,
	}
	runID, token, stationID := r.id, r.token, st.ID
	e.inflight[stationID] = claim{runID: runID, token: token}
	e.launch(e.cfg.ComputeTimeout, func(ctx context.Context) completion {
		resp, err := e.processor.Process(ctx, req)
		return completion{kind: completionRun, runID: runID, token: token, stationID: stationID, resp: resp, err: err}
	})
}

func (e *Engine) applyRunReply(c completion) {
	e.clearRunClaim(c)
	r, ok := e.runs[c.runID]
	if !ok || r.phase != runAwaiting || r.token != c.token {
		e.debugf("discard stale workflow reply run=%s", c.runID)
		return
	}
	wk, ok := e.world.Worker(r.workerID)
	if !ok {
		return
	}
	st, stOK := e.world.Station(c.stationID)
	switch {
	case c.err != nil:
		e.logger.Printf("workflow station call failed run=%s station=%d: %v", r.id, c.stationID, c.err)
		r.payload = compute.Fallback(r.payload, c.err).Output
		e.narrate(r, c.stationID, "station call failed, using fallback")
	case c.resp.Clarification != "" && !r.retried:
		r.phase = runClarifying
		r.status = domain.WorkflowStatusWaiting
		e.saveRun(r)
		e.narrate(r, c.stationID, "needs clarification: "+c.resp.Clarification)
		if e.onClarification != nil {
			e.onClarification(domain.Clarification{RunID: r.id, StationID: c.stationID, Question: c.resp.Clarification})
		}
		return
	case c.resp.Output == "":
		r.payload = compute.Fallback(r.payload, nil).Output
		e.narrate(r, c.stationID, "station gave no output, using fallback")
	default:
		r.payload = c.resp.Output
	}
	if !stOK {
		e.nextStep(r)
		return
	}
	e.finishStation(r, wk, st)
}

func (e *Engine) finishStation(r *run, wk *world.Worker, st *world.Station) {
	if st.Spec.Terminal {
		if it, ok := e.world.AddItemToStation(st.ID, domain.ItemTypeResult, r.payload, map[string]string{"run_id": r.id}); ok {
			e.displayed(st, it.ID)
		}
	}
	e.narrate(r, st.ID, fmt.Sprintf("done at %s station", st.Type()))
	wk.State = domain.WorkerStateIdle
	e.nextStep(r)
}

func (e *Engine) nextStep(r *run) {
	r.outputs = append(r.outputs, r.payload)
	r.step++
	r.phase = runTravel
	r.retried = false
	r.localLeft = 0
	r.status = domain.WorkflowStatusRunning
}

func (e *Engine) completeRun(r *run, wk *world.Worker) {
	r.status = domain.WorkflowStatusDone
	wk.WorkflowRun = ""
	wk.ClearPath()
	wk.SetMood(domain.WorkerStateHappy)
	e.saveRun(r)
	e.narrate(r, 0, "workflow complete")
	result := domain.WorkflowResult{
		RunID:    r.id,
		WorkerID: r.workerID,
		Output:   r.payload,
		Steps:    append([]string(nil), r.outputs...),
	}
	e.publish(domain.TopicWorkflow, result)
	if e.onComplete != nil {
		e.onComplete(result)
	}
	e.dropRun(r.id)
}

func (e *Engine) saveRun(r *run) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveWorkflowRun(context.Background(), r.record(e.now().UTC())); err != nil {
		e.logger.Printf("journal workflow run failed run=%s: %v", r.id, err)
	}
}

func (e *Engine) narrate(r *run, stationID uint64, text string) {
	n := domain.Narration{
		RunID:     r.id,
		WorkerID:  r.workerID,
		StationID: stationID,
		Step:      r.step,
		Text:      text,
		Tick:      e.world.Tick(),
		At:        e.now().UTC(),
	}
	if e.narrator != nil {
		e.narrator(n)
	}
	e.publish(domain.TopicNarration, n)
}
