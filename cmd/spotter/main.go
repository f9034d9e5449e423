package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"spotter/internal/capture"
	"spotter/internal/config"
	"spotter/internal/detector"
	"spotter/internal/imagefile"
	"spotter/internal/location"
	"spotter/internal/pipeline"
	"spotter/internal/reminder"
	"spotter/internal/store"
	"spotter/internal/ws"
)

func main() {
	var (
		addrF      = flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		cameraF    = flag.String("camera", "", "Camera frame URL (overrides CAMERA_URL)")
		thresholdF = flag.Float64("threshold", 0, "Confidence threshold (overrides CONFIDENCE_THRESHOLD)")
		autoSaveF  = flag.Bool("auto-save", false, "Enable automatic capture of qualifying detections")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[spotter] ", log.Ltime)

	cfg := config.Load()
	if *addrF != "" {
		cfg.HTTPAddr = *addrF
	}
	if *cameraF != "" {
		cfg.CameraURL = *cameraF
	}
	if *thresholdF > 0 {
		cfg.ConfidenceThreshold = *thresholdF
	}
	if *autoSaveF {
		cfg.AutoSaveEnabled = true
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Fatalf("failed to create data directory: %v", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		logger.Fatalf("failed to migrate store: %v", err)
	}

	files, err := imagefile.NewManager(cfg.MediaDir)
	if err != nil {
		logger.Fatalf("failed to prepare media directory: %v", err)
	}

	adapter := detector.NewAdapter(detector.NewHTTPEngineFactory(cfg.DetectEndpoint), cfg.ModelDir, cfg.BundleDir)
	if err := adapter.Initialize(float32(cfg.ConfidenceThreshold), cfg.ModelName); err != nil {
		// The session still runs; frames pass through with no detections
		// until a model becomes available.
		logger.Printf("detector not ready: %v", err)
	}

	// No location provider is wired by default; the resolver degrades to
	// saving captures without position.
	resolver := location.NewResolver(nil, nil, logger)
	sink := capture.NewSaver(files, st, resolver, logger)

	bus := pipeline.NewEventBus()
	session := pipeline.NewSession(adapter, sink, bus, clock.New(), pipeline.SessionConfig{
		ConfidenceThreshold: float32(cfg.ConfidenceThreshold),
		AutoSaveEnabled:     cfg.AutoSaveEnabled,
	})
	defer session.Close()

	hub := ws.NewHub(logger)
	defer hub.Close()
	unsubscribe := bus.Subscribe(hub.BatchHandler())
	defer unsubscribe()

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// Found events fan out to connected clients.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case label := <-session.FoundEvents():
				logger.Printf("found watched object: %s", label)
				hub.BroadcastFound(label)
			case err := <-session.Errors():
				logger.Printf("capture failed: %v", err)
			}
		}
	}()

	scheduler := reminder.NewScheduler(st, files, reminder.NotifierFunc(
		func(_ context.Context, rem *store.ReminderRecord, det *store.DetectionWithLocation) error {
			addr := location.IndoorAddress()
			if det.Location != nil {
				addr = det.Location.Address
			}
			logger.Printf("reminder due: %s (%s, %s)", rem.Title, det.Label, addr)
			return nil
		}), clock.New(), logger, reminder.Options{
		PollInterval: cfg.ReminderInterval,
		Retention:    cfg.Retention(),
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws/overlay", ws.NewHandler(hub, session, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"detecting":%t,"model":%q,"accelerated":%t}`,
			session.IsDetecting(), adapter.ActiveModel(), adapter.Accelerated())
	})
	// Labels of saved detections, for find-mode pickers.
	mux.HandleFunc("/labels", func(w http.ResponseWriter, r *http.Request) {
		labels, err := st.DistinctLabels(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if labels == nil {
			labels = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(labels)
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	session.Start()
	var source *pipeline.HTTPFrameSource
	if cfg.CameraURL != "" {
		source = pipeline.NewHTTPFrameSource(cfg.CameraURL, cfg.CameraFPS, session)
		if err := source.Start(); err != nil {
			logger.Fatalf("failed to start frame source: %v", err)
		}
		logger.Printf("pulling frames from %s at %d fps", cfg.CameraURL, cfg.CameraFPS)
	} else {
		logger.Printf("no camera configured; waiting for pushed frames")
	}

	logger.Printf("exiting (%v)", <-errc)

	if source != nil {
		source.Stop()
	}
	session.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	wg.Wait()
	logger.Println("exited")
}
