package serviceapi

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mcplane/internal/dataplane"
	"mcplane/internal/events"
	"mcplane/internal/governor"
	"mcplane/internal/model"
	"mcplane/internal/policy"
	"mcplane/internal/session"
)

// HealthReport summarizes the service for the health endpoint and CLI.
type HealthReport struct {
	Status         string `json:"status"`
	SessionBackend string `json:"session_backend"`
	Sessions       int    `json:"sessions"`
}

// Core is the seam between transports (stdio MCP server, HTTP API, CLI) and
// the governed execution logic. LocalCore runs everything in-process;
// RemoteCore drives a running server over HTTP.
type Core interface {
	Shutdown()

	Health(ctx context.Context) (HealthReport, error)

	ListDataStores(ctx context.Context) ([]model.DataStore, error)
	ListTables(ctx context.Context, datastore string, schema string, limit int) ([]model.Table, error)
	DescribeTable(ctx context.Context, datastore string, table string) (model.TableDetail, error)
	RunQuery(ctx context.Context, datastore string, sql string, maxRows int) (model.QueryResult, error)

	ExecuteAndMonitor(ctx context.Context, sessionKey string, spec model.JobSpec, manualTrigger bool) (model.ExecutionOutcome, error)
	RegisterManualExecution(ctx context.Context, sessionKey string, runID string, success bool) (model.ExecutionOutcome, error)
	SessionState(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error)

	WatchExecutionEvents(sessionKey string) (<-chan model.ExecutionEvent, func())
	EvictIdleSessions(ctx context.Context) (int, error)
}

type LocalCore struct {
	cfg      policy.Config
	store    session.Store
	client   *dataplane.Client
	governor *governor.Governor
	bus      *events.Bus
	logger   *log.Logger
}

func NewLocalCore(cfg policy.Config, logger *log.Logger) (*LocalCore, error) {
	if err := policy.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}

	store, err := newSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	client := dataplane.NewClient(dataplane.Options{
		BaseURL:        cfg.Platform.BaseURL,
		Token:          cfg.Platform.Token,
		RequestTimeout: cfg.RequestTimeout(),
		SubmitTimeout:  cfg.SubmitTimeout(),
	})
	predicate, err := dataplane.NewPredicate(cfg.Logs.CompletionMarkers, cfg.Logs.CompletionScript)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	collector := dataplane.NewCollector(cfg.Platform.BaseURL, cfg.Platform.Token, predicate)

	bus := events.NewBus(cfg.Events.BufferSize, logger)
	if strings.TrimSpace(cfg.Events.Redis.URL) != "" {
		opts, err := redis.ParseURL(cfg.Events.Redis.URL)
		if err != nil {
			bus.Close()
			_ = store.Close()
			return nil, fmt.Errorf("parse events redis url: %w", err)
		}
		if err := bus.MirrorToRedis(redis.NewClient(opts), cfg.Events.Redis.Stream); err != nil {
			bus.Close()
			_ = store.Close()
			return nil, fmt.Errorf("mirror events to redis: %w", err)
		}
	}

	return &LocalCore{
		cfg:      cfg,
		store:    store,
		client:   client,
		governor: governor.New(cfg, store, client, collector, bus, logger),
		bus:      bus,
		logger:   logger,
	}, nil
}

func newSessionStore(cfg policy.Config) (session.Store, error) {
	switch strings.TrimSpace(cfg.Sessions.Backend) {
	case policy.SessionBackendRedis:
		return session.NewRedisStore(cfg.Sessions.Redis.URL, cfg.Sessions.Redis.KeyPrefix, cfg.SessionTTL())
	default:
		return session.NewMemoryStore(), nil
	}
}

func (l *LocalCore) Shutdown() {
	if l == nil {
		return
	}
	if l.bus != nil {
		l.bus.Close()
	}
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			l.logger.Printf("core: close session store: %v", err)
		}
	}
}

func (l *LocalCore) Health(ctx context.Context) (HealthReport, error) {
	count, err := l.store.Count(ctx)
	if err != nil {
		return HealthReport{Status: "degraded", SessionBackend: l.cfg.Sessions.Backend}, err
	}
	return HealthReport{
		Status:         "ok",
		SessionBackend: l.cfg.Sessions.Backend,
		Sessions:       count,
	}, nil
}

func (l *LocalCore) ListDataStores(ctx context.Context) ([]model.DataStore, error) {
	return l.client.ListDataStores(ctx)
}

func (l *LocalCore) ListTables(ctx context.Context, datastore string, schema string, limit int) ([]model.Table, error) {
	return l.client.ListTables(ctx, datastore, schema, limit)
}

func (l *LocalCore) DescribeTable(ctx context.Context, datastore string, table string) (model.TableDetail, error) {
	return l.client.DescribeTable(ctx, datastore, table)
}

func (l *LocalCore) RunQuery(ctx context.Context, datastore string, sql string, maxRows int) (model.QueryResult, error) {
	if maxRows <= 0 || maxRows > l.cfg.Platform.MaxRows {
		maxRows = l.cfg.Platform.MaxRows
	}
	return l.client.RunQuery(ctx, dataplane.QueryRequest{
		Datastore: datastore,
		SQL:       sql,
		MaxRows:   maxRows,
	})
}

func (l *LocalCore) ExecuteAndMonitor(ctx context.Context, sessionKey string, spec model.JobSpec, manualTrigger bool) (model.ExecutionOutcome, error) {
	return l.governor.ExecuteAndMonitor(ctx, sessionKey, spec, manualTrigger)
}

func (l *LocalCore) RegisterManualExecution(ctx context.Context, sessionKey string, runID string, success bool) (model.ExecutionOutcome, error) {
	return l.governor.RegisterManualExecution(ctx, sessionKey, runID, success)
}

func (l *LocalCore) SessionState(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error) {
	return l.governor.SessionState(ctx, sessionKey)
}

func (l *LocalCore) WatchExecutionEvents(sessionKey string) (<-chan model.ExecutionEvent, func()) {
	return l.bus.Subscribe(sessionKey)
}

func (l *LocalCore) EvictIdleSessions(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-l.cfg.SessionTTL())
	return l.store.EvictIdle(ctx, cutoff)
}
