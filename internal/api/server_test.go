package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"taskyard/internal/config"
	"taskyard/internal/domain"
	"taskyard/internal/grid"
	"taskyard/internal/messaging/inproc"
	"taskyard/internal/sim"
)

type fakeJournal struct {
	events []domain.Event
	limit  int
}

func (j *fakeJournal) ListEvents(_ context.Context, limit int) ([]domain.Event, error) {
	j.limit = limit
	return j.events, nil
}

func (j *fakeJournal) ListWorkflowRuns(_ context.Context, _ int) ([]domain.WorkflowRun, error) {
	return []domain.WorkflowRun{}, nil
}

type harness struct {
	srv     *httptest.Server
	bus     *inproc.Bus
	journal *fakeJournal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := inproc.New(16)
	engine := sim.New(sim.Options{
		Config: sim.Config{TickRate: 200, FrameRate: 200},
		Logger: log.New(io.Discard, "", 0),
	})
	loop := sim.NewLoop(engine)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()

	journal := &fakeJournal{events: []domain.Event{{ID: 1, Actor: "operator", Action: "place_station"}}}
	api := New(loop, Options{
		Config:        config.Config{Path: "taskyard.toml", Raw: map[string]any{}},
		Journal:       journal,
		Bus:           bus,
		Logger:        log.New(io.Discard, "", 0),
		SnapshotEvery: 10 * time.Millisecond,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &harness{srv: srv, bus: bus, journal: journal}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestStationLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/stations", map[string]any{"type": "prompt", "x": 0, "y": 0})
	if code != http.StatusCreated {
		t.Fatalf("place station code=%d body=%v", code, body)
	}
	stationID := uint64(body["id"].(float64))

	if code, _ := h.do(t, http.MethodPost, "/stations", map[string]any{"type": "llm", "x": 0, "y": 0}); code != http.StatusConflict {
		t.Fatalf("occupied cell code=%d want 409", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/stations", map[string]any{"type": "teleporter", "x": 3, "y": 3}); code != http.StatusBadRequest {
		t.Fatalf("unknown type code=%d want 400", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/stations/"+itoa(stationID)+"/trigger", map[string]any{"frequency": "hourly"}); code != http.StatusBadRequest {
		t.Fatalf("trigger on prompt station code=%d want 400", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/stations/99/items", map[string]any{"text": "x"}); code != http.StatusNotFound {
		t.Fatalf("missing station code=%d want 404", code)
	}
	if code, body := h.do(t, http.MethodPost, "/stations/"+itoa(stationID)+"/items", map[string]any{"text": "hello"}); code != http.StatusCreated {
		t.Fatalf("inject code=%d body=%v", code, body)
	}

	deadline := time.Now().Add(5 * time.Second)
	var snap domain.Snapshot
	for time.Now().Before(deadline) {
		resp, err := h.srv.Client().Get(h.srv.URL + "/snapshot")
		if err != nil {
			t.Fatalf("get snapshot: %v", err)
		}
		snap = domain.Snapshot{}
		err = json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if hasResult(snap, "hello") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !hasResult(snap, "hello") {
		t.Fatalf("expected a prompt result, got %+v", snap.Items)
	}

	if code, _ := h.do(t, http.MethodDelete, "/stations/"+itoa(stationID), nil); code != http.StatusOK {
		t.Fatalf("remove station code=%d", code)
	}
	if code, _ := h.do(t, http.MethodDelete, "/stations/"+itoa(stationID), nil); code != http.StatusNotFound {
		t.Fatalf("second remove code=%d want 404", code)
	}
}

func TestWorkerAndWorkflowErrors(t *testing.T) {
	h := newHarness(t)

	if code, _ := h.do(t, http.MethodPost, "/workers", map[string]any{"role": "runner"}); code != http.StatusBadRequest {
		t.Fatalf("nameless worker code=%d want 400", code)
	}
	code, body := h.do(t, http.MethodPost, "/workers", map[string]any{"name": "ada", "x": 1, "y": 1})
	if code != http.StatusCreated {
		t.Fatalf("place worker code=%d body=%v", code, body)
	}
	workerID := uint64(body["id"].(float64))

	if code, body := h.do(t, http.MethodPost, "/workers/"+itoa(workerID)+"/autonomy", map[string]any{"autonomous": false}); code != http.StatusOK || body["autonomous"] != false {
		t.Fatalf("autonomy code=%d body=%v", code, body)
	}
	if code, _ := h.do(t, http.MethodPost, "/workers/"+itoa(workerID)+"/move", map[string]any{"x": 4, "y": 1}); code != http.StatusOK {
		t.Fatalf("move code=%d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/workers/abc/move", map[string]any{"x": 4, "y": 1}); code != http.StatusBadRequest {
		t.Fatalf("bad id code=%d want 400", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/workflows", map[string]any{"worker_id": workerID}); code != http.StatusBadRequest {
		t.Fatalf("workflow without stations code=%d want 400", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/workflows", map[string]any{"worker_id": workerID, "station_ids": []uint64{42}, "input": "x"}); code != http.StatusNotFound {
		t.Fatalf("workflow with missing station code=%d want 404", code)
	}
	if code, _ := h.do(t, http.MethodDelete, "/workflows/nope", nil); code != http.StatusNotFound {
		t.Fatalf("stop unknown run code=%d want 404", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/workflows/nope/clarification", map[string]any{"reply": "x"}); code != http.StatusNotFound {
		t.Fatalf("answer unknown run code=%d want 404", code)
	}
	if code, _ := h.do(t, http.MethodDelete, "/workers/"+itoa(workerID), nil); code != http.StatusOK {
		t.Fatalf("remove worker code=%d", code)
	}
}

func TestEventsAndConfig(t *testing.T) {
	h := newHarness(t)

	resp, err := h.srv.Client().Get(h.srv.URL + "/events?limit=7")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	var events []domain.Event
	err = json.NewDecoder(resp.Body).Decode(&events)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || h.journal.limit != 7 {
		t.Fatalf("events=%+v limit=%d", events, h.journal.limit)
	}

	code, body := h.do(t, http.MethodGet, "/config", nil)
	if code != http.StatusOK || body["path"] != "taskyard.toml" {
		t.Fatalf("config code=%d body=%v", code, body)
	}
	if code, _ := h.do(t, http.MethodGet, "/stations", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /stations code=%d want 405", code)
	}
}

func TestSnapshotMatchesSchema(t *testing.T) {
	schema, err := jsonschema.CompileString("snapshot.schema.json", SnapshotSchema)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	engine := sim.New(sim.Options{Logger: log.New(io.Discard, "", 0)})
	defer engine.Close()
	st, err := engine.PlaceStation(domain.StationTypeLLM, cellAt(5, 0), nil)
	if err != nil {
		t.Fatalf("place station: %v", err)
	}
	if _, err := engine.PlaceStation(domain.StationTypeDisplay, cellAt(9, 0), nil); err != nil {
		t.Fatalf("place display: %v", err)
	}
	wk, err := engine.PlaceWorker("ada", "runner", cellAt(0, 0))
	if err != nil {
		t.Fatalf("place worker: %v", err)
	}
	if _, err := engine.InjectInput(st.ID, "draft"); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if _, err := engine.StartWorkflow(wk.ID, []uint64{st.ID}, "plan"); err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	for i := 0; i < 5; i++ {
		engine.Step()
	}

	raw, err := json.Marshal(engine.Snapshot())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		t.Fatalf("snapshot does not match schema: %v\n%s", err, raw)
	}

	var bad any
	_ = json.Unmarshal([]byte(`{"tick":1,"workers":[],"stations":[{"id":1,"type":"forge","x":0,"y":0,"inventory":[],"processing":false,"awaiting_external":false,"progress":0}],"items":[],"workflows":[]}`), &bad)
	if err := schema.Validate(bad); err == nil {
		t.Fatalf("expected unknown station type to fail validation")
	}
}

func TestStreamPushesSnapshotsAndBusMessages(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	read := func() domain.Message {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg domain.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read stream: %v", err)
		}
		return msg
	}

	first := read()
	if first.Topic != domain.TopicSnapshot {
		t.Fatalf("first message topic=%q want snapshot", first.Topic)
	}

	payload, _ := json.Marshal(domain.Narration{RunID: "r1", Text: "heading to station 3"})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		// The subscriber registers after the upgrade; keep publishing until
		// the narration comes back.
		_ = h.bus.Publish(domain.Message{Topic: domain.TopicNarration, Payload: payload})
		msg := read()
		if msg.Topic == domain.TopicNarration {
			var n domain.Narration
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				t.Fatalf("decode narration: %v", err)
			}
			if n.Text != "heading to station 3" {
				t.Fatalf("narration text=%q", n.Text)
			}
			return
		}
	}
	t.Fatalf("narration never arrived on stream")
}

func hasResult(snap domain.Snapshot, text string) bool {
	for _, it := range snap.Items {
		if it.Type == domain.ItemTypeResult && it.Text == text {
			return true
		}
	}
	return false
}

func itoa(id uint64) string { return strconv.FormatUint(id, 10) }

func cellAt(x, y int) grid.Cell { return grid.Cell{X: x, Y: y} }
