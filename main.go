package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"photoflow/internal/database"
	"photoflow/internal/derivatives"
	"photoflow/internal/handlers"
	"photoflow/internal/logging"
	"photoflow/internal/metadata"
	"photoflow/internal/metrics"
	"photoflow/internal/middleware"
	"photoflow/internal/queue"
	"photoflow/internal/startup"
	"photoflow/internal/sweep"
	"photoflow/internal/telemetry"
	"photoflow/internal/worker"
	"photoflow/internal/workers"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	config, err := startup.LoadConfig()
	if err != nil {
		logging.Fatal("Configuration error: %v", err)
	}

	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)

	rootCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// Catalog database
	db, err := database.New(rootCtx, config.DatabaseURL)
	if err != nil {
		logging.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(rootCtx); err != nil {
		logging.Fatal("Failed to run migrations: %v", err)
	}

	// Queue transport
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(rootCtx).Err(); err != nil {
		logging.Fatal("Failed to connect to redis at %s: %v", config.RedisAddr, err)
	}
	qc := queue.NewClient(rdb)

	// Media pipeline
	derivatives.InitVips()
	defer derivatives.ShutdownVips()

	extractor := metadata.New(nil)
	generator := derivatives.New(config.OriginalsRoot, config.DerivedRoot, config.EncodeTimeout)

	queueNames := []string{queue.QueueMediaProcess, queue.QueueMediaCleanup, queue.QueueOrphanSweep}
	store := telemetry.NewStore(telemetry.Options{QueueNames: queueNames})

	processor := worker.NewProcessor(db, extractor, generator, store, config.OriginalsRoot, config.DerivedRoot)
	sweeper := sweep.NewProcessor(config.OriginalsRoot, config.DerivedRoot, db)

	consumers := map[string]*queue.Consumer{
		queue.QueueMediaProcess: queue.NewConsumer(qc, queue.QueueMediaProcess,
			workers.ForCPU(config.ProcessConcurrency), processor.ProcessHandler()),
		queue.QueueMediaCleanup: queue.NewConsumer(qc, queue.QueueMediaCleanup,
			workers.ForIO(config.CleanupConcurrency), processor.CleanupHandler()),
		queue.QueueOrphanSweep: queue.NewConsumer(qc, queue.QueueOrphanSweep,
			config.SweepConcurrency, processor.SweepHandler(sweeper)),
	}

	var wg sync.WaitGroup
	for _, consumer := range consumers {
		wg.Add(1)
		go func(c *queue.Consumer) {
			defer wg.Done()
			c.Run(rootCtx)
		}(consumer)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		qc.RunPromoter(rootCtx, time.Second, queueNames...)
	}()

	// Queue depth sampling for snapshots and gauges
	poller := telemetry.NewQueueStatsPoller(func(ctx context.Context) (map[string]queue.Depth, error) {
		sample := make(map[string]queue.Depth, len(queueNames))
		for _, name := range queueNames {
			depth, err := qc.Depths(ctx, name)
			if err != nil {
				return nil, err
			}
			depth.Active = consumers[name].Active()
			sample[name] = depth
		}
		return sample, nil
	}, config.StatsPollInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(rootCtx)
	}()

	// Periodic sweep scheduling
	scheduler := sweep.NewScheduler(config.SweepEnabled, config.SweepInterval, config.SweepOnStart,
		func(ctx context.Context, trigger string, requestedAt time.Time) error {
			dryRun := config.SweepDryRun
			for _, scope := range []string{sweep.ScopeOriginals, sweep.ScopeDerived} {
				payload := sweep.Payload{
					Scope:       scope,
					DryRun:      &dryRun,
					GraceMs:     config.SweepGraceMs,
					BatchSize:   config.SweepBatchSize,
					Trigger:     trigger,
					RequestedAt: requestedAt,
				}
				if _, err := qc.Publish(ctx, queue.QueueOrphanSweep, payload, queue.PublishOptions{
					MaxAttempts:    config.JobMaxAttempts,
					BackoffDelayMs: config.JobBackoffMs,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(rootCtx)
	}()

	// Control plane
	h := handlers.New(store, poller, qc, db,
		handlers.SweepDefaults{
			DryRun:    config.SweepDryRun,
			GraceMs:   config.SweepGraceMs,
			BatchSize: config.SweepBatchSize,
		},
		config.JobMaxAttempts, config.JobBackoffMs,
		db.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	)

	router := setupRouter(h)
	startup.LogHTTPRoutes(router)

	handler := middleware.Logger(middleware.Metrics(router))

	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go handleShutdown(srv, stopWorkers, &wg)

	startup.LogServerStarted(config.Port, time.Since(startTime))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("Server error: %v", err)
	}

	wg.Wait()
	startup.LogShutdownComplete()
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()

	// Health and version routes
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Worker control plane
	api := r.PathPrefix("/api/v1/worker").Subrouter()
	api.HandleFunc("/telemetry/snapshot", h.GetTelemetrySnapshot).Methods("GET")
	api.HandleFunc("/telemetry/stream", h.StreamTelemetry).Methods("GET")
	api.HandleFunc("/admin/orphan-sweep", h.TriggerOrphanSweep).Methods("POST")
	api.HandleFunc("/settings/encoding-profile", h.GetEncodingProfile).Methods("GET")
	api.HandleFunc("/settings/encoding-profile", h.UpdateEncodingProfile).Methods("PUT")

	return r
}

func handleShutdown(srv *http.Server, stopWorkers context.CancelFunc, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	stopWorkers()
	wg.Wait()
	startup.LogShutdownStepComplete("Queue consumers stopped")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}
}
