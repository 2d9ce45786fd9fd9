package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"taskyard/internal/api"
	"taskyard/internal/compute"
	"taskyard/internal/config"
	"taskyard/internal/domain"
	"taskyard/internal/export"
	"taskyard/internal/journal"
	"taskyard/internal/messaging/inproc"
	"taskyard/internal/sim"
	sqlitestore "taskyard/internal/store/sqlite"
	"taskyard/internal/triggers"
)

func main() {
	configPath := flag.String("config", "", "path to taskyard.toml (default: ./taskyard.toml when present)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite journal path override")
	layoutFlag := flag.String("layout", "", "yaml workspace layout override")
	exportFlag := flag.String("export", "", "export root for display results override")
	tickLogFlag := flag.String("ticklog", "", "directory for compressed tick snapshots (empty disables)")
	demo := flag.Bool("demo", false, "bootstrap a demo workspace on startup")
	verbose := flag.Bool("verbose", false, "log narration and requests")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Engine.Verbose = cfg.Engine.Verbose || *verbose

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr, ":8092")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Store.DBPath, "data/taskyard.db"))
	exportRoot := filepath.Clean(firstNonEmpty(*exportFlag, cfg.Store.ExportRoot, "exports"))
	tickLogDir := firstNonEmpty(*tickLogFlag, cfg.Store.TickLogDir)
	layoutPath := firstNonEmpty(*layoutFlag, cfg.Engine.Layout)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := inproc.New(intOrDefault(cfg.Server.StreamBuffer, 256))
	exporter, err := export.NewExporter(exportRoot, export.ConfigPolicy{MaxBytes: cfg.Store.ExportMaxSize}, store)
	if err != nil {
		log.Fatalf("create exporter: %v", err)
	}

	processor, err := buildProcessor(cfg.Compute)
	if err != nil {
		log.Fatalf("create compute processor: %v", err)
	}
	var source triggers.Source = triggers.NewMemory()
	if base := strings.TrimSpace(cfg.Triggers.BaseURL); base != "" {
		source = triggers.NewHTTPSource(base, config.Token(cfg.Triggers.AuthTokenEnv), nil)
	}

	var recorder sim.Recorder
	if tickLogDir != "" {
		tl := journal.NewTickLog(tickLogDir, intOrDefault(cfg.Store.TickLogEvery, 10))
		defer func() {
			if err := tl.Close(); err != nil {
				log.Printf("close tick log failed: %v", err)
			}
		}()
		recorder = tl
	}

	engine := sim.New(sim.Options{
		Config: sim.Config{
			TickRate:         cfg.Engine.TickRate,
			FrameRate:        cfg.Engine.FrameRate,
			CatchupMaxTicks:  cfg.Engine.CatchupMaxTicks,
			ComputeTimeout:   durationMS(cfg.Compute.TimeoutMS, 0),
			PollTimeout:      durationMS(cfg.Triggers.PollTimeoutMS, 10*time.Second),
			EventPollTicks:   cfg.Engine.EventPollTicks,
			CompletionBuffer: cfg.Engine.CompletionBuffer,
			Verbose:          cfg.Engine.Verbose,
		},
		Processor: processor,
		Source:    source,
		Journal:   store,
		Bus:       bus,
		Recorder:  recorder,
		Logger:    log.Default(),
		Narrator: func(n domain.Narration) {
			if cfg.Engine.Verbose {
				log.Printf("narration run=%s worker=%d: %s", n.RunID, n.WorkerID, n.Text)
			}
		},
		OnComplete: func(res domain.WorkflowResult) {
			log.Printf("workflow done run=%s worker=%d steps=%d", res.RunID, res.WorkerID, len(res.Steps))
		},
		OnClarification: func(c domain.Clarification) {
			log.Printf("workflow waiting run=%s station=%d: %s", c.RunID, c.StationID, c.Question)
		},
		OnDisplay: func(d sim.Delivery) {
			if _, err := exporter.Export(ctx, d); err != nil && !errors.Is(err, export.ErrExportDenied) {
				log.Printf("export failed station=%d item=%d: %v", d.StationID, d.ItemID, err)
			}
		},
	})
	loop := sim.NewLoop(engine)
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	if err := bootstrapLayout(ctx, loop, layoutPath, *demo); err != nil {
		log.Printf("layout bootstrap failed: %v", err)
	}

	server := &http.Server{
		Addr: addr,
		Handler: api.New(loop, api.Options{
			Config:        cfg,
			Journal:       store,
			Bus:           bus,
			Logger:        log.Default(),
			SnapshotEvery: durationMS(cfg.Server.SnapshotEvery, 200*time.Millisecond),
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"taskyard started addr=%s db=%s export=%s compute=%s triggers=%s",
		addr,
		dbPath,
		exportRoot,
		firstNonEmpty(cfg.Compute.Endpoint, "echo"),
		firstNonEmpty(cfg.Triggers.BaseURL, "memory"),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	cancel()
	if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("simulation loop stopped: %v", err)
	}
}

// buildProcessor routes the configured station types to the HTTP endpoint
// and everything else to the offline echo processor.
func buildProcessor(cfg config.ComputeConfig) (compute.Processor, error) {
	router := compute.NewRouter(compute.Echo{})
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return router, nil
	}
	remote, err := compute.NewHTTPProcessor(compute.HTTPConfig{
		Endpoint:     cfg.Endpoint,
		Model:        cfg.Model,
		AuthToken:    config.Token(cfg.AuthTokenEnv),
		Timeout:      durationMS(cfg.TimeoutMS, 90*time.Second),
		Retries:      cfg.Retries,
		RetryBackoff: durationMS(cfg.RetryBackoffMS, 500*time.Millisecond),
		Logger:       log.Default(),
	})
	if err != nil {
		return nil, err
	}
	types := cfg.StationTypes
	if len(types) == 0 {
		types = []string{string(domain.StationTypeLLM), string(domain.StationTypeTool)}
	}
	for _, t := range types {
		router.Route(domain.StationType(strings.TrimSpace(t)), remote)
	}
	return router, nil
}

func bootstrapLayout(ctx context.Context, loop *sim.Loop, path string, demo bool) error {
	var layout config.Layout
	switch {
	case path != "":
		l, err := config.LoadLayout(path)
		if err != nil {
			return err
		}
		layout = l
	case demo:
		layout = config.Demo()
	default:
		return nil
	}
	placed, err := layout.Apply(ctx, loop)
	if err != nil {
		return err
	}
	log.Printf("layout placed stations=%d workers=%d", len(layout.Stations), len(placed.Workers))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
