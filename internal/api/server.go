// Package api exposes the simulation over HTTP and a websocket stream.
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"taskyard/internal/config"
	"taskyard/internal/domain"
	"taskyard/internal/grid"
	"taskyard/internal/sim"
	"taskyard/internal/world"
)

//go:embed snapshot.schema.json
var SnapshotSchema string

// Simulation is the thread-safe surface of a running loop.
type Simulation interface {
	Snapshot() *domain.Snapshot
	Config() sim.Config
	PlaceStation(ctx context.Context, t domain.StationType, c grid.Cell, cfg map[string]string) (uint64, error)
	PlaceWorker(ctx context.Context, name, role string, c grid.Cell) (uint64, error)
	RemoveWorker(ctx context.Context, id uint64) error
	RemoveStation(ctx context.Context, id uint64) error
	AddItemToStation(ctx context.Context, stationID uint64, t domain.ItemType, text string) (uint64, error)
	InjectInput(ctx context.Context, stationID uint64, text string) (uint64, error)
	MoveWorker(ctx context.Context, id uint64, c grid.Cell) error
	SetAutonomous(ctx context.Context, id uint64, on bool) error
	StartWorkflow(ctx context.Context, workerID uint64, stationIDs []uint64, input string) (string, error)
	StopWorkflow(ctx context.Context, runID string) error
	AnswerClarification(ctx context.Context, runID, reply string) error
	ConfigureTrigger(ctx context.Context, stationID uint64, cfg domain.TriggerConfig) error
}

type Journal interface {
	ListEvents(ctx context.Context, limit int) ([]domain.Event, error)
	ListWorkflowRuns(ctx context.Context, limit int) ([]domain.WorkflowRun, error)
}

type Subscriber interface {
	Register(subscriberID string) <-chan domain.Message
	Unregister(subscriberID string)
}

type Options struct {
	Config  config.Config
	Journal Journal
	Bus     Subscriber
	Logger  *log.Logger
	// SnapshotEvery is how often the stream pushes a snapshot. Zero means
	// 200ms.
	SnapshotEvery time.Duration
}

type Server struct {
	sim           Simulation
	journal       Journal
	bus           Subscriber
	cfg           config.Config
	logger        *log.Logger
	snapshotEvery time.Duration
	upgrader      websocket.Upgrader
}

func New(s Simulation, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	every := opts.SnapshotEvery
	if every <= 0 {
		every = 200 * time.Millisecond
	}
	return &Server{
		sim:           s,
		journal:       opts.Journal,
		bus:           opts.Bus,
		cfg:           opts.Config,
		logger:        logger,
		snapshotEvery: every,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /schema/snapshot", s.handleSchema)
	mux.HandleFunc("POST /stations", s.handlePlaceStation)
	mux.HandleFunc("DELETE /stations/{id}", s.handleRemoveStation)
	mux.HandleFunc("POST /stations/{id}/items", s.handleAddItem)
	mux.HandleFunc("POST /stations/{id}/trigger", s.handleConfigureTrigger)
	mux.HandleFunc("POST /workers", s.handlePlaceWorker)
	mux.HandleFunc("DELETE /workers/{id}", s.handleRemoveWorker)
	mux.HandleFunc("POST /workers/{id}/move", s.handleMoveWorker)
	mux.HandleFunc("POST /workers/{id}/autonomy", s.handleAutonomy)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /workflows", s.handleStartWorkflow)
	mux.HandleFunc("DELETE /workflows/{id}", s.handleStopWorkflow)
	mux.HandleFunc("POST /workflows/{id}/clarification", s.handleClarification)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /stream", s.handleStream)
	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tick":   s.sim.Snapshot().Tick,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   s.cfg.Path,
		"raw":    s.cfg.Raw,
		"engine": s.sim.Config(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sim.Snapshot())
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(SnapshotSchema))
}

func (s *Server) handlePlaceStation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   string            `json:"type"`
		X      int               `json:"x"`
		Y      int               `json:"y"`
		Config map[string]string `json:"config"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("type is required"))
		return
	}
	id, err := s.sim.PlaceStation(r.Context(), domain.StationType(req.Type), grid.Cell{X: req.X, Y: req.Y}, req.Config)
	if err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleRemoveStation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.sim.RemoveStation(r.Context(), id); err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "id": id})
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var itemID uint64
	var err error
	switch domain.ItemType(req.Type) {
	case "", domain.ItemTypeInput:
		// A fresh input goes straight into processing when the station is
		// free.
		itemID, err = s.sim.InjectInput(r.Context(), id, req.Text)
	case domain.ItemTypeResult:
		itemID, err = s.sim.AddItemToStation(r.Context(), id, domain.ItemTypeResult, req.Text)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown item type %q", req.Type))
		return
	}
	if err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": itemID})
}

func (s *Server) handleConfigureTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.TriggerConfig
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sim.ConfigureTrigger(r.Context(), id, req); err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "configured", "id": id})
}

func (s *Server) handlePlaceWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Role string `json:"role"`
		X    int    `json:"x"`
		Y    int    `json:"y"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	id, err := s.sim.PlaceWorker(r.Context(), req.Name, req.Role, grid.Cell{X: req.X, Y: req.Y})
	if err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.sim.RemoveWorker(r.Context(), id); err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "id": id})
}

func (s *Server) handleMoveWorker(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sim.MoveWorker(r.Context(), id, grid.Cell{X: req.X, Y: req.Y}); err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "moving", "id": id})
}

func (s *Server) handleAutonomy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Autonomous bool `json:"autonomous"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sim.SetAutonomous(r.Context(), id, req.Autonomous); err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "autonomous": req.Autonomous})
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID   uint64   `json:"worker_id"`
		StationIDs []uint64 `json:"station_ids"`
		Input      string   `json:"input"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkerID == 0 || len(req.StationIDs) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("worker_id and station_ids are required"))
		return
	}
	runID, err := s.sim.StartWorkflow(r.Context(), req.WorkerID, req.StationIDs, req.Input)
	if err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run_id": runID})
}

func (s *Server) handleStopWorkflow(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.sim.StopWorkflow(r.Context(), runID); err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "run_id": runID})
}

func (s *Server) handleClarification(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		Reply string `json:"reply"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sim.AnswerClarification(r.Context(), runID, req.Reply); err != nil {
		writeSimError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resumed", "run_id": runID})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []domain.Event{})
		return
	}
	items, err := s.journal.ListEvents(r.Context(), queryInt(r, "limit", 300))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []domain.WorkflowRun{})
		return
	}
	items, err := s.journal.ListWorkflowRuns(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// writeSimError maps simulation sentinels onto HTTP status codes.
func writeSimError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, world.ErrNotFound), errors.Is(err, sim.ErrRunNotFound):
		code = http.StatusNotFound
	case errors.Is(err, world.ErrCellOccupied),
		errors.Is(err, sim.ErrWorkerBusy),
		errors.Is(err, sim.ErrStationRefused),
		errors.Is(err, sim.ErrNotWaiting):
		code = http.StatusConflict
	case errors.Is(err, world.ErrUnknownStationType),
		errors.Is(err, sim.ErrNotTrigger),
		errors.Is(err, sim.ErrNoStations):
		code = http.StatusBadRequest
	case errors.Is(err, sim.ErrNoPath):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, sim.ErrLoopStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = http.StatusGatewayTimeout
	}
	writeError(w, code, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.cfg.Engine.Verbose {
			s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
		}
	})
}
