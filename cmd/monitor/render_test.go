package main

import (
	"strings"
	"testing"

	"taskyard/internal/domain"
)

func TestToggleRoute(t *testing.T) {
	route := toggleRoute(nil, 3)
	route = toggleRoute(route, 5)
	route = toggleRoute(route, 7)
	route = toggleRoute(route, 5)
	if got := formatRoute(route); got != "3 -> 7" {
		t.Fatalf("route=%q want 3 -> 7", got)
	}
	if routePosition(route, 7) != 2 || routePosition(route, 5) != 0 {
		t.Fatalf("unexpected positions for %v", route)
	}
}

func TestStationProgress(t *testing.T) {
	tests := []struct {
		name string
		view domain.StationView
		want string
	}{
		{name: "idle", view: domain.StationView{}, want: "-"},
		{name: "done", view: domain.StationView{Result: "ok"}, want: "done"},
		{name: "half", view: domain.StationView{Processing: true, Progress: 0.5}, want: "#####....."},
		{name: "clamped", view: domain.StationView{Processing: true, Progress: 0.95, AwaitingExternal: true}, want: "#########. waiting on reply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stationProgress(tt.view); got != tt.want {
				t.Fatalf("progress=%q want %q", got, tt.want)
			}
		})
	}
}

func TestWaitingRunPrefersSelectedWorker(t *testing.T) {
	items := []domain.WorkflowView{
		{ID: "run-a", WorkerID: 1, Status: domain.WorkflowStatusWaiting},
		{ID: "run-b", WorkerID: 2, Status: domain.WorkflowStatusWaiting},
		{ID: "run-c", WorkerID: 3, Status: domain.WorkflowStatusRunning},
	}
	if got := waitingRun(items, 2); got != "run-b" {
		t.Fatalf("waiting run=%q want run-b", got)
	}
	if got := waitingRun(items, 3); got != "" {
		t.Fatalf("running workflow should not be answered, got %q", got)
	}
}

func TestRenderEventsSummarizesPayload(t *testing.T) {
	out := renderEvents([]domain.Event{{
		Tick:    42,
		Actor:   "trigger",
		Action:  "fired",
		Payload: []byte(`{"station_id":3,"source":"schedule"}`),
	}})
	if !strings.Contains(out, "t=42 trigger fired") || !strings.Contains(out, "source=schedule, station_id=3") {
		t.Fatalf("unexpected render:\n%s", out)
	}
}
