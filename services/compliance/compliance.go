// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compliance wires the audit ledger, retention engine and scheduler
// into a runnable service.
//
// # Architecture
//
//	┌──────────── Service ─────────────────────────────────────────┐
//	│                                                              │
//	│  gin router ── otelgin ── /v1/admin (AdminAuth)              │
//	│       │                                                      │
//	│       ├── retention.Engine ◄── retention.Scheduler (daily)   │
//	│       │        │                                             │
//	│       │        ├── SessionStore / TierResolver               │
//	│       │        └── ledger.Ledger (session.delete entries)    │
//	│       │                                                      │
//	│       └── ledger.Ledger ── Store (memory | badger | postgres)│
//	│                      └──── ArchiveSink (file | gcs)          │
//	│                                                              │
//	└──────────────────────────────────────────────────────────────┘
//
// # Session data
//
// With the postgres backend the sessions and users tables are read from the
// same database. The memory and badger backends hold only the ledger; the
// host injects its session store with WithSessionStore.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/config"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/middleware"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/observability"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/retention"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/routes"
	badgerstore "github.com/AleutianAI/AleutianCompliance/services/compliance/storage/badger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/storage/postgres"
)

const serviceName = "compliance-service"

// Option customizes a Service.
type Option func(*options)

type options struct {
	sessions   retention.SessionStore
	tiers      retention.TierResolver
	authorizer middleware.Authorizer
	registry   *prometheus.Registry
	sink       ledger.ArchiveSink
}

// WithSessionStore supplies the host's session table.
func WithSessionStore(s retention.SessionStore) Option {
	return func(o *options) { o.sessions = s }
}

// WithTierResolver supplies the host's subscription lookup.
func WithTierResolver(r retention.TierResolver) Option {
	return func(o *options) { o.tiers = r }
}

// WithAuthorizer replaces the static admin token check.
func WithAuthorizer(a middleware.Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

// WithRegistry sets the Prometheus registry metrics are registered on.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithArchiveSink overrides the sink built from config.
func WithArchiveSink(s ledger.ArchiveSink) Option {
	return func(o *options) { o.sink = s }
}

// Service is the assembled compliance service.
//
// # Thread Safety
//
// Run must be called at most once. Close is safe after Run returns.
type Service struct {
	config    config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	ledger    *ledger.Ledger
	sink      ledger.ArchiveSink
	engine    *retention.Engine
	scheduler *retention.Scheduler
	router    *gin.Engine
	closers   []func() error
}

// New builds a Service from cfg.
//
// # Description
//
// Opens the configured ledger store and archive sink, constructs the
// ledger, engine and scheduler, and registers the HTTP routes. Nothing
// runs until Run is called. On error every resource opened so far is
// released.
//
// # Inputs
//
//   - ctx: Bounds connection setup.
//   - cfg: Validated configuration.
//   - logger: Base logger; nil uses slog.Default.
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: Store, sink or schema setup failed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (svc *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if o.authorizer == nil {
		o.authorizer = middleware.StaticToken(cfg.Server.AdminToken)
	}

	s := &Service{config: cfg, logger: logger, registry: o.registry}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	metrics := observability.NewMetrics(o.registry)

	store, pg, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if o.sessions == nil {
		if pg != nil {
			o.sessions = postgres.NewSessionStore(pg)
		} else {
			logger.Warn("compliance.sessions.unconfigured", slog.String("backend", cfg.Storage.Backend))
			o.sessions = retention.NewMemorySessionStore()
		}
	}
	if o.tiers == nil {
		if pg != nil {
			o.tiers = postgres.NewTierResolver(pg)
		} else {
			o.tiers = retention.StaticTierResolver{}
		}
	}

	sink := o.sink
	if sink == nil {
		if sink, err = s.openSink(ctx); err != nil {
			return nil, err
		}
	}

	s.sink = sink
	ledgerOpts := []ledger.Option{ledger.WithMetrics(metrics), ledger.WithLogger(logger)}
	if sink != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithArchiveSink(sink))
	}
	s.ledger = ledger.New(store, ledgerOpts...)

	clockCfg := retention.DefaultClockConfig()
	clockCfg.MaxSkew = cfg.Retention.MaxClockSkew
	if pg != nil {
		clockCfg.Reference = pg
	}
	s.engine = retention.NewEngine(o.sessions, o.tiers, s.ledger,
		retention.EngineConfig{
			BatchSize:        cfg.Retention.BatchSize,
			MaxTrackedErrors: cfg.Retention.MaxTrackedErrors,
			BatchRate:        cfg.Retention.BatchRate,
		},
		retention.WithEngineClock(retention.NewClockChecker(clockCfg)),
		retention.WithEngineMetrics(metrics),
		retention.WithEngineLogger(logger),
	)

	hour, minute := cfg.RetentionClock()
	s.scheduler = retention.NewScheduler(s.engine, retention.SchedulerConfig{
		Enabled:         cfg.Retention.Enabled,
		RetentionHour:   hour,
		RetentionMinute: minute,
	}, logger)

	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	routes.SetupRoutes(s.router, s.engine, s.ledger, o.authorizer, o.registry)

	return s, nil
}

// openStore opens the ledger store; pg is non-nil for the postgres backend.
func (s *Service) openStore(ctx context.Context) (ledger.Store, *postgres.DB, error) {
	cfg := s.config.Storage
	switch cfg.Backend {
	case config.BackendBadger:
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = cfg.BadgerPath
		bcfg.Logger = s.logger
		db, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, db.Close)
		return badgerstore.NewLedgerStore(db), nil, nil

	case config.BackendPostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.DatabaseURL,
			MaxOpenConns:    cfg.MaxOpenConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, db.Close)
		if err := db.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return postgres.NewLedgerStore(db), db, nil

	default:
		return ledger.NewMemoryStore(), nil, nil
	}
}

// openSink returns nil when archival is disabled.
func (s *Service) openSink(ctx context.Context) (ledger.ArchiveSink, error) {
	cfg := s.config.Archive
	switch cfg.Backend {
	case config.ArchiveFile:
		sink, err := ledger.NewFileSink(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.ArchiveGCS:
		sink, err := ledger.NewGCSSink(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, sink.Close)
		return sink, nil
	default:
		return nil, nil
	}
}

// Router returns the HTTP handler.
func (s *Service) Router() *gin.Engine { return s.router }

// Ledger returns the audit ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// ArchiveSink returns the configured sink, or nil when archival is off.
func (s *Service) ArchiveSink() ledger.ArchiveSink { return s.sink }

// Engine returns the retention engine.
func (s *Service) Engine() *retention.Engine { return s.engine }

// Scheduler returns the retention scheduler.
func (s *Service) Scheduler() *retention.Scheduler { return s.scheduler }

// Run serves HTTP and the retention schedule until ctx is cancelled.
//
// # Description
//
// The scheduler is started first; its Stop only cancels the pending
// timer, so a run already executing finishes on its own detached context.
// On cancellation the server drains for ShutdownTimeout.
func (s *Service) Run(ctx context.Context) error {
	if err := s.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start retention scheduler: %w", err)
	}
	defer s.scheduler.Stop()

	server := &http.Server{
		Addr:              s.config.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("compliance.server.listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info("compliance.server.shutting_down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases stores and sinks in reverse order of opening.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
