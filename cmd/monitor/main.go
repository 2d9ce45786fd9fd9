package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"taskyard/internal/domain"
)

func main() {
	addr := flag.String("addr", "http://localhost:8092", "taskyard base URL")
	interval := flag.Duration("interval", 500*time.Millisecond, "refresh interval")
	embedded := flag.Bool("embedded", true, "start taskyard in the same monitor process lifecycle")
	binary := flag.String("taskyard-bin", "", "path to taskyard binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite journal path for embedded taskyard")
	demo := flag.Bool("demo", true, "start embedded taskyard with the demo layout")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	if *embedded {
		proc, err := startEmbeddedServer(*addr, *binary, *dbPath, *demo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded taskyard: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "taskyard health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	workersTable := tview.NewTable().SetSelectable(true, false)
	workersTable.SetTitle("Workers (Enter select)").SetBorder(true)

	stationsTable := tview.NewTable().SetSelectable(true, false)
	stationsTable.SetTitle("Stations (Enter add/remove from route)").SetBorder(true)

	workflowsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	workflowsView.SetTitle("Workflows").SetBorder(true)

	eventsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	promptInput := tview.NewInputField().SetLabel("Input: ")
	promptInput.SetBorder(true).SetTitle("Enter = run route / answer / inject")

	statusView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | F10 quit, F5 refresh, Ctrl+L prompt, Ctrl+W workers, Ctrl+S stations",
		c.baseURL,
		*embedded,
	))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(workersTable, 0, 1, false).
		AddItem(stationsTable, 0, 2, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(workflowsView, 0, 1, false).
		AddItem(eventsView, 0, 2, false)
	mainLayout := tview.NewFlex().
		AddItem(left, 0, 1, false).
		AddItem(right, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	// UI state, touched only on the tview goroutine.
	var (
		snap           domain.Snapshot
		selectedWorker uint64
		route          []uint64
	)

	render := func() {
		renderWorkersTable(workersTable, snap.Workers, selectedWorker)
		renderStationsTable(stationsTable, snap.Stations, route)
		workflowsView.SetText(renderWorkflows(snap.Workflows))
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() { statusView.SetText(msg) })
	}

	refresh := func() {
		next, err := c.snapshot()
		events, eventsErr := c.listEvents(120)
		app.QueueUpdateDraw(func() {
			if err != nil {
				statusView.SetText("snapshot error: " + err.Error())
				return
			}
			snap = next
			render()
			if eventsErr != nil {
				eventsView.SetText(fmt.Sprintf("error: %v", eventsErr))
			} else {
				eventsView.SetText(renderEvents(events))
			}
		})
	}

	submit := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		promptInput.SetText("")
		if runID := waitingRun(snap.Workflows, selectedWorker); runID != "" {
			statusView.SetText("Answering clarification...")
			go func() {
				if err := c.answer(runID, text); err != nil {
					setStatusAsync("Answer failed: " + err.Error())
					return
				}
				setStatusAsync("Workflow resumed: " + shortID(runID))
			}()
			return
		}
		if selectedWorker != 0 && len(route) > 0 {
			worker, stations := selectedWorker, append([]uint64(nil), route...)
			statusView.SetText("Starting workflow...")
			go func() {
				runID, err := c.startWorkflow(worker, stations, text)
				if err != nil {
					setStatusAsync("Start failed: " + err.Error())
					return
				}
				setStatusAsync(fmt.Sprintf("Workflow %s started over %d stations", shortID(runID), len(stations)))
			}()
			return
		}
		row, _ := stationsTable.GetSelection()
		if row <= 0 || row > len(snap.Stations) {
			statusView.SetText("Select a worker and a route, or a station to inject into")
			return
		}
		stationID := snap.Stations[row-1].ID
		go func() {
			if err := c.injectInput(stationID, text); err != nil {
				setStatusAsync("Inject failed: " + err.Error())
				return
			}
			setStatusAsync(fmt.Sprintf("Input queued at station %d", stationID))
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			submit(promptInput.GetText())
		}
	})
	workersTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(snap.Workers) {
			return
		}
		selectedWorker = snap.Workers[row-1].ID
		render()
		statusView.SetText(fmt.Sprintf("Worker %s selected", snap.Workers[row-1].Name))
	})
	stationsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(snap.Stations) {
			return
		}
		route = toggleRoute(route, snap.Stations[row-1].ID)
		render()
		statusView.SetText("Route: " + formatRoute(route))
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyCtrlW:
			app.SetFocus(workersTable)
			return nil
		case tcell.KeyCtrlS:
			app.SetFocus(stationsTable)
			return nil
		case tcell.KeyEscape:
			app.SetFocus(stationsTable)
			return nil
		case tcell.KeyTAB:
			switch app.GetFocus() {
			case promptInput:
				app.SetFocus(workersTable)
			case workersTable:
				app.SetFocus(stationsTable)
			default:
				app.SetFocus(promptInput)
			}
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}
