package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"mcplane/internal/policy"
	"mcplane/internal/serviceapi"
)

type Options struct {
	Addr            string
	PolicyPath      string
	WorkerInterval  time.Duration
	WorkerLogPeriod time.Duration
	ShutdownTimeout time.Duration
}

type Runtime struct {
	opts      Options
	cfg       policy.Config
	service   serviceapi.Core
	worker    *EvictionWorker
	startedAt time.Time
	server    *http.Server
	logger    *log.Logger
}

type HealthResponse struct {
	Status         string           `json:"status"`
	StartedAt      time.Time        `json:"started_at"`
	Now            time.Time        `json:"now"`
	SessionBackend string           `json:"session_backend"`
	Sessions       int              `json:"sessions"`
	Worker         EvictionSnapshot `json:"worker"`
}

func NewRuntime(options Options) (*Runtime, error) {
	options = normalizeOptions(options)
	cfg, _, err := policy.Load(options.PolicyPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(os.Stdout, "", 0)
	service, err := serviceapi.NewLocalCore(cfg, logger)
	if err != nil {
		return nil, err
	}
	runtime := &Runtime{
		opts:      options,
		cfg:       cfg,
		service:   service,
		worker:    NewEvictionWorker(service, options.WorkerInterval, options.WorkerLogPeriod, logger),
		startedAt: time.Now().UTC(),
		logger:    logger,
	}
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	mux.HandleFunc("/", runtime.handleNotFound)
	runtime.server = &http.Server{
		Addr:    options.Addr,
		Handler: mux,
	}
	return runtime, nil
}

func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	r.worker.Start(workerCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			workerCancel()
			_ = r.worker.Wait(2 * time.Second)
			r.service.Shutdown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		_ = r.worker.Wait(2 * time.Second)
		r.service.Shutdown()
		return err
	}
	workerCancel()
	_ = r.worker.Wait(2 * time.Second)
	r.service.Shutdown()
	return nil
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = ":3400"
	}
	if options.WorkerInterval <= 0 {
		options.WorkerInterval = time.Minute
	}
	if options.WorkerLogPeriod <= 0 {
		options.WorkerLogPeriod = 15 * time.Minute
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	return options
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	now := time.Now().UTC()
	report, err := r.service.Health(req.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         report.Status,
		StartedAt:      r.startedAt,
		Now:            now,
		SessionBackend: report.SessionBackend,
		Sessions:       report.Sessions,
		Worker:         r.worker.Snapshot(),
	})
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]string{
			"code":    "not_found",
			"message": "route not found",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
