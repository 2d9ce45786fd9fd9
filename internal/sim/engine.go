// Package sim runs the workspace: it owns the world, steps it one tick at a
// time and is the only code that mutates simulation state.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"taskyard/internal/compute"
	"taskyard/internal/domain"
	"taskyard/internal/grid"
	"taskyard/internal/triggers"
	"taskyard/internal/world"
)

var (
	ErrWorkerBusy     = errors.New("worker is running a workflow")
	ErrStationRefused = errors.New("station refused item")
	ErrNoPath         = errors.New("no path to target")
	ErrNotTrigger     = errors.New("station type takes no trigger")
)

// ComputeTimeoutTicks bounds an external request in simulated time: 90s at
// the default 10 ticks per second.
const ComputeTimeoutTicks = 900

type Config struct {
	TickRate        int
	FrameRate       int
	CatchupMaxTicks int
	ComputeTimeout  time.Duration
	PollTimeout     time.Duration
	EventPollTicks  int
	// CompletionBuffer sizes the channel async results come back on.
	CompletionBuffer int
	Verbose          bool
}

func (c Config) withDefaults() Config {
	if c.TickRate <= 0 {
		c.TickRate = 10
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}
	if c.CatchupMaxTicks <= 0 {
		c.CatchupMaxTicks = 5
	}
	if c.ComputeTimeout <= 0 {
		c.ComputeTimeout = ComputeTimeoutTicks * time.Second / time.Duration(c.TickRate)
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.EventPollTicks <= 0 {
		c.EventPollTicks = 50
	}
	if c.CompletionBuffer <= 0 {
		c.CompletionBuffer = 256
	}
	return c
}

// Journal receives the engine's audit records. Calls happen on the tick
// goroutine.
type Journal interface {
	LogEvent(ctx context.Context, ev domain.Event) error
	SaveWorkflowRun(ctx context.Context, run domain.WorkflowRun) error
	RecordTriggerRegistration(ctx context.Context, reg domain.TriggerRegistration) error
}

type Publisher interface {
	Publish(msg domain.Message) error
}

// Recorder is handed every published snapshot.
type Recorder interface {
	Record(snap *domain.Snapshot) error
}

// Delivery describes a result landing in a display station.
type Delivery struct {
	StationID     uint64
	StationConfig map[string]string
	ItemID        uint64
	Text          string
	Metadata      map[string]string
	Tick          uint64
}

type Options struct {
	Config    Config
	Processor compute.Processor
	Source    triggers.Source
	Journal   Journal
	Bus       Publisher
	Recorder  Recorder
	Logger    *log.Logger

	Narrator        func(domain.Narration)
	OnComplete      func(domain.WorkflowResult)
	OnClarification func(domain.Clarification)
	OnDisplay       func(Delivery)
	// InputHook runs first in every step.
	InputHook func(*Engine)
}

type completionKind int

const (
	completionStation completionKind = iota
	completionRun
	completionRegister
	completionPoll
)

// completion is an async result waiting to be applied on the tick goroutine.
type completion struct {
	kind       completionKind
	stationID  uint64
	generation uint64
	runID      string
	token      uint64
	resp       compute.Response
	events     []domain.TriggerEvent
	err        error
}

// claim marks a station's outstanding request. Station cycles key it by
// generation, workflow calls by run and token.
type claim struct {
	generation uint64
	runID      string
	token      uint64
}

type Engine struct {
	cfg       Config
	world     *world.World
	processor compute.Processor
	source    triggers.Source
	journal   Journal
	bus       Publisher
	recorder  Recorder
	logger    *log.Logger

	narrator        func(domain.Narration)
	onComplete      func(domain.WorkflowResult)
	onClarification func(domain.Clarification)
	onDisplay       func(Delivery)
	inputHook       func(*Engine)

	agents   map[uint64]*agent
	triggers map[uint64]*triggerState
	runs     map[string]*run
	runOrder []string

	// inflight holds the one outstanding request per station, issued either
	// by the station's own cycle or by a workflow run.
	inflight    map[uint64]claim
	deferred    []completion
	completions chan completion
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	snapshot atomic.Pointer[domain.Snapshot]
	now      func() time.Time
}

func New(opts Options) *Engine {
	cfg := opts.Config.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	processor := opts.Processor
	if processor == nil {
		processor = compute.Echo{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:             cfg,
		world:           world.New(),
		processor:       processor,
		source:          opts.Source,
		journal:         opts.Journal,
		bus:             opts.Bus,
		recorder:        opts.Recorder,
		logger:          logger,
		narrator:        opts.Narrator,
		onComplete:      opts.OnComplete,
		onClarification: opts.OnClarification,
		onDisplay:       opts.OnDisplay,
		inputHook:       opts.InputHook,
		agents:          make(map[uint64]*agent),
		triggers:        make(map[uint64]*triggerState),
		runs:            make(map[string]*run),
		inflight:        make(map[uint64]claim),
		completions:     make(chan completion, cfg.CompletionBuffer),
		ctx:             ctx,
		cancel:          cancel,
		now:             time.Now,
	}
	e.publishSnapshot()
	return e
}

func (e *Engine) World() *world.World { return e.world }

func (e *Engine) Config() Config { return e.cfg }

// Close cancels outstanding requests and waits for their goroutines.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Snapshot returns the state published at the end of the last step. Safe for
// concurrent use.
func (e *Engine) Snapshot() *domain.Snapshot {
	return e.snapshot.Load()
}

// Step advances the simulation by exactly one tick.
func (e *Engine) Step() {
	e.drainCompletions()
	if e.inputHook != nil {
		e.inputHook(e)
	}
	e.world.Update()
	e.updatePauses()
	e.stepBehavior()
	e.launchStationRequests()
	e.harvestStations()
	e.pollTriggers()
	e.advanceRuns()
	e.world.Purge()
	e.publishSnapshot()
}

// launch runs fn off the tick goroutine and queues its result.
func (e *Engine) launch(timeout time.Duration, fn func(ctx context.Context) completion) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, timeout)
		c := fn(ctx)
		cancel()
		select {
		case e.completions <- c:
		case <-e.ctx.Done():
		}
	}()
}

// awaitInFlight blocks until every launched request has queued its result.
func (e *Engine) awaitInFlight() {
	e.wg.Wait()
}

func (e *Engine) drainCompletions() {
	pending := e.deferred
	e.deferred = nil
	for _, c := range pending {
		e.applyStationReply(c)
	}
	for {
		select {
		case c := <-e.completions:
			switch c.kind {
			case completionStation:
				e.applyStationReply(c)
			case completionRun:
				e.applyRunReply(c)
			case completionRegister:
				e.applyRegistration(c)
			case completionPoll:
				e.applyPoll(c)
			}
		default:
			return
		}
	}
}

func (e *Engine) launchStationRequests() {
	for _, st := range e.world.Stations() {
		if !st.External() || !st.Processing {
			continue
		}
		if _, busy := e.inflight[st.ID]; busy {
			continue
		}
		e.inflight[st.ID] = claim{generation: st.Generation}
		req := compute.Request{
			StationID:   st.ID,
			StationType: st.Type(),
			Input:       st.Input,
			Config:      copyConfig(st.Config),
		}
		id, gen := st.ID, st.Generation
		e.launch(e.cfg.ComputeTimeout, func(ctx context.Context) completion {
			resp, err := e.processor.Process(ctx, req)
			return completion{kind: completionStation, stationID: id, generation: gen, resp: resp, err: err}
		})
	}
}

// applyStationReply records a reply if its station is still on the cycle it
// was issued for. Replies that beat the confirmation threshold wait for it.
func (e *Engine) applyStationReply(c completion) {
	st, ok := e.world.Station(c.stationID)
	if !ok || !st.Processing || st.Generation != c.generation {
		e.clearInflight(c)
		e.debugf("discard stale reply station=%d generation=%d", c.stationID, c.generation)
		return
	}
	if st.Elapsed < world.ConfirmTicks {
		e.deferred = append(e.deferred, c)
		return
	}
	e.clearInflight(c)
	switch {
	case c.err != nil:
		e.logger.Printf("station request failed station=%d: %v", st.ID, c.err)
		st.Fail(c.generation, c.err.Error())
		e.record("station", "fallback", c.err.Error(), map[string]any{"station_id": st.ID})
	case c.resp.Output == "":
		st.Fail(c.generation, "empty reply")
		e.record("station", "fallback", "empty reply", map[string]any{"station_id": st.ID})
	default:
		st.Resolve(c.generation, c.resp.Output, c.resp.Metadata)
	}
}

func (e *Engine) clearInflight(c completion) {
	if cl, ok := e.inflight[c.stationID]; ok && cl == (claim{generation: c.generation}) {
		delete(e.inflight, c.stationID)
	}
}

func (e *Engine) clearRunClaim(c completion) {
	if cl, ok := e.inflight[c.stationID]; ok && cl.runID == c.runID && cl.token == c.token {
		delete(e.inflight, c.stationID)
	}
}

func (e *Engine) harvestStations() {
	for _, st := range e.world.Stations() {
		if !st.JustFinished {
			continue
		}
		out, f, ok := e.world.Harvest(st)
		if !ok {
			continue
		}
		e.record("station", "finished", string(st.Type()), map[string]any{
			"station_id":  st.ID,
			"input_item":  f.InputItem,
			"result_item": out.ID,
			"fallback":    f.Meta["fallback"] == "true",
		})
	}
}

// record journals a decision and fans it out on the bus.
func (e *Engine) record(actor, action, reason string, payload any) {
	if e.journal == nil && e.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Printf("marshal event payload failed action=%s: %v", action, err)
		raw = []byte("{}")
	}
	ev := domain.Event{
		Tick:      e.world.Tick(),
		Actor:     actor,
		Action:    action,
		Reason:    reason,
		Payload:   raw,
		CreatedAt: e.now().UTC(),
	}
	if e.journal != nil {
		if err := e.journal.LogEvent(context.Background(), ev); err != nil {
			e.logger.Printf("journal event failed action=%s: %v", action, err)
		}
	}
	e.publish(domain.TopicEvent, ev)
}

func (e *Engine) publish(topic domain.Topic, payload any) {
	if e.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = e.bus.Publish(domain.Message{Topic: topic, Tick: e.world.Tick(), Payload: raw})
}

func (e *Engine) debugf(format string, args ...any) {
	if e.cfg.Verbose {
		e.logger.Printf(format, args...)
	}
}

func copyConfig(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PlaceStation puts a station on c. Trigger station types get a trigger from
// the config keys frequency, prompt, url and poll_ticks.
func (e *Engine) PlaceStation(t domain.StationType, c grid.Cell, cfg map[string]string) (*world.Station, error) {
	st, err := e.world.PlaceStation(t, c, cfg)
	if err != nil {
		return nil, err
	}
	if st.Spec.Trigger != "" {
		if err := e.ConfigureTrigger(st.ID, triggerFromConfig(st.Spec.Trigger, st.Config)); err != nil {
			return nil, err
		}
	}
	e.record("operator", "place_station", string(t), map[string]any{"station_id": st.ID, "x": c.X, "y": c.Y})
	return st, nil
}

func (e *Engine) PlaceWorker(name, role string, c grid.Cell) (*world.Worker, error) {
	wk, err := e.world.PlaceWorker(name, role, c)
	if err != nil {
		return nil, err
	}
	e.record("operator", "place_worker", name, map[string]any{"worker_id": wk.ID, "x": c.X, "y": c.Y})
	return wk, nil
}

func (e *Engine) RemoveWorker(id uint64) error {
	wk, ok := e.world.Worker(id)
	if !ok {
		return fmt.Errorf("remove worker %d: %w", id, world.ErrNotFound)
	}
	if wk.WorkflowRun != "" {
		e.stopRun(wk.WorkflowRun, "worker removed")
	}
	delete(e.agents, id)
	e.world.Remove(id)
	e.record("operator", "remove_worker", "", map[string]any{"worker_id": id})
	return nil
}

func (e *Engine) RemoveStation(id uint64) error {
	if _, ok := e.world.Station(id); !ok {
		return fmt.Errorf("remove station %d: %w", id, world.ErrNotFound)
	}
	e.world.Remove(id)
	delete(e.triggers, id)
	e.record("operator", "remove_station", "", map[string]any{"station_id": id})
	return nil
}

// AddItemToStation creates an item and offers it to the station.
func (e *Engine) AddItemToStation(stationID uint64, t domain.ItemType, text string) (uint64, error) {
	if _, ok := e.world.Station(stationID); !ok {
		return 0, fmt.Errorf("add item to station %d: %w", stationID, world.ErrNotFound)
	}
	it, ok := e.world.AddItemToStation(stationID, t, text, nil)
	if !ok {
		return 0, fmt.Errorf("add %s to station %d: %w", t, stationID, ErrStationRefused)
	}
	return it.ID, nil
}

// InjectInput queues task input the way a trigger does, even on a busy
// station.
func (e *Engine) InjectInput(stationID uint64, text string) (uint64, error) {
	st, ok := e.world.Station(stationID)
	if !ok {
		return 0, fmt.Errorf("inject into station %d: %w", stationID, world.ErrNotFound)
	}
	if !st.Spec.AcceptsType(domain.ItemTypeInput) {
		return 0, fmt.Errorf("inject into %s station %d: %w", st.Type(), stationID, ErrStationRefused)
	}
	it, _ := e.world.InjectInput(stationID, text, map[string]string{"source": "operator"})
	return it.ID, nil
}

// MoveWorker walks a worker to c on an operator path. The behavior state
// machine leaves it alone until it arrives.
func (e *Engine) MoveWorker(id uint64, c grid.Cell) error {
	wk, ok := e.world.Worker(id)
	if !ok {
		return fmt.Errorf("move worker %d: %w", id, world.ErrNotFound)
	}
	if wk.WorkflowRun != "" {
		return fmt.Errorf("move worker %d: %w", id, ErrWorkerBusy)
	}
	path := e.world.FindPath(wk.Cell, c)
	if !wk.SetPath(path) {
		wk.SetMood(domain.WorkerStateConfused)
		return fmt.Errorf("move worker %d to %d,%d: %w", id, c.X, c.Y, ErrNoPath)
	}
	e.resetAgent(wk)
	wk.CustomPath = true
	return nil
}

func (e *Engine) SetAutonomous(id uint64, on bool) error {
	wk, ok := e.world.Worker(id)
	if !ok {
		return fmt.Errorf("set autonomy of worker %d: %w", id, world.ErrNotFound)
	}
	if on && wk.WorkflowRun != "" {
		return fmt.Errorf("set autonomy of worker %d: %w", id, ErrWorkerBusy)
	}
	wk.Autonomous = on
	if !on {
		e.resetAgent(wk)
	}
	if wk.State == domain.WorkerStateDormant && on {
		wk.State = domain.WorkerStateIdle
	}
	return nil
}

func (e *Engine) publishSnapshot() {
	snap := e.buildSnapshot()
	e.snapshot.Store(snap)
	if e.recorder != nil {
		if err := e.recorder.Record(snap); err != nil {
			e.logger.Printf("record snapshot failed tick=%d: %v", snap.Tick, err)
		}
	}
}

func (e *Engine) buildSnapshot() *domain.Snapshot {
	snap := &domain.Snapshot{
		Tick:      e.world.Tick(),
		Workers:   []domain.WorkerView{},
		Stations:  []domain.StationView{},
		Items:     []domain.ItemView{},
		Workflows: []domain.WorkflowView{},
	}
	for _, wk := range e.world.Workers() {
		px, py := wk.WorldPos()
		phase := domain.PhaseIdle
		if a, ok := e.agents[wk.ID]; ok {
			phase = a.phase
		}
		snap.Workers = append(snap.Workers, domain.WorkerView{
			ID: wk.ID, Name: wk.Name, Role: wk.Role,
			X: wk.Cell.X, Y: wk.Cell.Y, PosX: px, PosY: py,
			State: wk.State, Phase: phase, Carrying: wk.Carrying,
			PathLen: len(wk.Path), Autonomous: wk.Autonomous, WorkflowID: wk.WorkflowRun,
		})
	}
	for _, st := range e.world.Stations() {
		snap.Stations = append(snap.Stations, domain.StationView{
			ID: st.ID, Type: st.Type(), X: st.Cell.X, Y: st.Cell.Y,
			Inventory:  append([]uint64{}, st.Inventory...),
			Processing: st.Processing, AwaitingExternal: st.AwaitingExternal,
			Progress: st.Progress(), Result: st.Result,
		})
	}
	for _, it := range e.world.Items() {
		snap.Items = append(snap.Items, domain.ItemView{
			ID: it.ID, Type: it.Type, Text: it.Text,
			Location: string(it.Loc.Kind), Holder: it.Loc.Holder,
			X: it.Cell.X, Y: it.Cell.Y,
		})
	}
	for _, id := range e.runOrder {
		r := e.runs[id]
		snap.Workflows = append(snap.Workflows, domain.WorkflowView{
			ID: r.id, WorkerID: r.workerID, Status: r.status,
			Step: r.step, Steps: len(r.stations), Payload: r.payload,
		})
	}
	return snap
}
