package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"taskyard/internal/domain"
)

func renderWorkersTable(table *tview.Table, workers []domain.WorkerView, selected uint64) {
	table.Clear()
	headers := []string{"Worker", "Cell", "State", "Phase", "Carry", "Mode"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, w := range workers {
		row := i + 1
		name := w.Name
		if w.ID == selected {
			name = "* " + name
		}
		carry := "-"
		if w.Carrying != 0 {
			carry = strconv.FormatUint(w.Carrying, 10)
		}
		table.SetCell(row, 0, tview.NewTableCell(name))
		table.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf("%d,%d", w.X, w.Y)))
		table.SetCell(row, 2, tview.NewTableCell(string(w.State)))
		table.SetCell(row, 3, tview.NewTableCell(string(w.Phase)))
		table.SetCell(row, 4, tview.NewTableCell(carry))
		table.SetCell(row, 5, tview.NewTableCell(workerMode(w)))
	}
}

func workerMode(w domain.WorkerView) string {
	switch {
	case w.WorkflowID != "":
		return "workflow " + shortID(w.WorkflowID)
	case w.Autonomous:
		return "auto"
	default:
		return "manual"
	}
}

func renderStationsTable(table *tview.Table, stations []domain.StationView, route []uint64) {
	table.Clear()
	headers := []string{"#", "Station", "Cell", "Inv", "Progress", "Route"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, s := range stations {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(strconv.FormatUint(s.ID, 10)))
		table.SetCell(row, 1, tview.NewTableCell(string(s.Type)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d,%d", s.X, s.Y)))
		table.SetCell(row, 3, tview.NewTableCell(strconv.Itoa(len(s.Inventory))))
		table.SetCell(row, 4, tview.NewTableCell(stationProgress(s)))
		step := ""
		if pos := routePosition(route, s.ID); pos > 0 {
			step = strconv.Itoa(pos)
		}
		table.SetCell(row, 5, tview.NewTableCell(step))
	}
}

// stationProgress renders a ten-cell bar, or a waiting marker while the
// station holds at its clamp for an external reply.
func stationProgress(s domain.StationView) string {
	if !s.Processing {
		if s.Result != "" {
			return "done"
		}
		return "-"
	}
	filled := int(s.Progress * 10)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", 10-filled)
	if s.AwaitingExternal {
		return bar + " waiting on reply"
	}
	return bar
}

func renderWorkflows(items []domain.WorkflowView) string {
	if len(items) == 0 {
		return "No workflows"
	}
	var b strings.Builder
	for _, w := range items {
		b.WriteString(fmt.Sprintf(
			"%s worker=%d %s step %d/%d\n  payload: %s\n",
			shortID(w.ID),
			w.WorkerID,
			w.Status,
			w.Step+1,
			w.Steps,
			trimLine(strings.ReplaceAll(w.Payload, "\n", " "), 100),
		))
	}
	return b.String()
}

func renderEvents(items []domain.Event) string {
	if len(items) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, e := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] t=%d %s %s",
			e.CreatedAt.Format("15:04:05"),
			e.Tick,
			e.Actor,
			e.Action,
		))
		if e.Reason != "" {
			b.WriteString("  " + trimLine(e.Reason, 60))
		}
		b.WriteString("\n")
		if detail := payloadSummary(e.Payload); detail != "" {
			b.WriteString("  " + trimLine(detail, 140) + "\n")
		}
	}
	return b.String()
}

func payloadSummary(payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}
	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err != nil {
		return trimmed
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
	}
	return strings.Join(parts, ", ")
}

func waitingRun(items []domain.WorkflowView, workerID uint64) string {
	for _, w := range items {
		if w.Status == domain.WorkflowStatusWaiting && (workerID == 0 || w.WorkerID == workerID) {
			return w.ID
		}
	}
	return ""
}

func toggleRoute(route []uint64, id uint64) []uint64 {
	for i, v := range route {
		if v == id {
			return append(route[:i:i], route[i+1:]...)
		}
	}
	return append(route, id)
}

func routePosition(route []uint64, id uint64) int {
	for i, v := range route {
		if v == id {
			return i + 1
		}
	}
	return 0
}

func formatRoute(route []uint64) string {
	if len(route) == 0 {
		return "(empty)"
	}
	parts := make([]string, len(route))
	for i, id := range route {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, " -> ")
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
