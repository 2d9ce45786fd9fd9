package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskyard/internal/domain"
)

func TestEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for i, action := range []string{"place_station", "fired", "finished"} {
		payload, _ := json.Marshal(map[string]int{"n": i})
		if err := store.LogEvent(ctx, domain.Event{
			Tick:    uint64(i * 10),
			Actor:   "trigger",
			Action:  action,
			Payload: payload,
		}); err != nil {
			t.Fatalf("log event %s: %v", action, err)
		}
	}
	if err := store.LogEvent(ctx, domain.Event{Actor: "operator", Action: "empty"}); err != nil {
		t.Fatalf("log event without payload: %v", err)
	}

	events, err := store.ListEvents(ctx, 3)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events=%d want 3", len(events))
	}
	if events[0].Action != "empty" || string(events[0].Payload) != "{}" {
		t.Fatalf("unexpected newest event %+v", events[0])
	}
	if events[1].Action != "finished" || events[1].Tick != 20 {
		t.Fatalf("unexpected second event %+v", events[1])
	}
}

func TestWorkflowRunUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	created := time.Now().UTC().Add(-time.Minute)
	run := domain.WorkflowRun{
		ID:         uuid.NewString(),
		WorkerID:   4,
		StationIDs: []uint64{1, 2, 3},
		Input:      "X",
		Status:     domain.WorkflowStatusRunning,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	if err := store.SaveWorkflowRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	run.Status = domain.WorkflowStatusDone
	run.Output = "[Processed] X"
	run.Step = 3
	run.UpdatedAt = time.Now().UTC()
	if err := store.SaveWorkflowRun(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err := store.GetWorkflowRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.WorkflowStatusDone || got.Output != "[Processed] X" || got.Step != 3 {
		t.Fatalf("run not updated: %+v", got)
	}
	if len(got.StationIDs) != 3 || got.StationIDs[2] != 3 || got.WorkerID != 4 {
		t.Fatalf("stations or worker lost: %+v", got)
	}
	if got.CreatedAt.Unix() != created.Unix() {
		t.Fatalf("created_at changed on update")
	}

	runs, err := store.ListWorkflowRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs=%d want 1", len(runs))
	}
	if _, err := store.GetWorkflowRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTriggerRegistrationRecordedOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	reg := domain.TriggerRegistration{StationID: 7, Kind: domain.TriggerKindEvent, URL: "http://relay"}
	for i := 0; i < 2; i++ {
		if err := store.RecordTriggerRegistration(ctx, reg); err != nil {
			t.Fatalf("record registration %d: %v", i, err)
		}
	}
	regs, err := store.ListTriggerRegistrations(ctx)
	if err != nil {
		t.Fatalf("list registrations: %v", err)
	}
	if len(regs) != 1 || regs[0].StationID != 7 || regs[0].URL != "http://relay" {
		t.Fatalf("unexpected registrations %+v", regs)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
