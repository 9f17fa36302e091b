/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires configuration, storage, the timeline stack and the
// HTTP surface into one runnable process.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/api"
	"github.com/wanderlight/ember_radio/internal/cache"
	"github.com/wanderlight/ember_radio/internal/config"
	"github.com/wanderlight/ember_radio/internal/db"
	"github.com/wanderlight/ember_radio/internal/events"
	"github.com/wanderlight/ember_radio/internal/ledger"
	"github.com/wanderlight/ember_radio/internal/models"
	"github.com/wanderlight/ember_radio/internal/playout"
	"github.com/wanderlight/ember_radio/internal/schedule"
	"github.com/wanderlight/ember_radio/internal/streamcache"
	"github.com/wanderlight/ember_radio/internal/telemetry"
	"github.com/wanderlight/ember_radio/internal/timeline"
)

// Server bundles the HTTP listeners and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	db      *gorm.DB
	cache   *cache.Cache
	bus     *events.Bus
	ledger  *ledger.Ledger
	engine  *timeline.Engine
	streams *streamcache.Resolver
	adapter *playout.Adapter
	api     *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(60 * time.Second))

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
		bus:    events.NewBus(),
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.api.Routes(router)
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	srv.metricsServer = &http.Server{
		Addr:              cfg.MetricsBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if s.cfg.RedisAddr != "" {
		configCache, err := cache.New(cache.Config{
			RedisAddr:      s.cfg.RedisAddr,
			RedisPassword:  s.cfg.RedisPassword,
			RedisDB:        s.cfg.RedisDB,
			DisableOnError: true,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("init cache: %w", err)
		}
		s.cache = configCache
		s.DeferClose(configCache.Close)
	}

	s.ledger = ledger.New(s.db, s.logger)
	resolver := schedule.NewResolver(s.db, s.logger)
	s.engine = timeline.NewEngine(s.db, resolver, s.ledger, s.cache, s.logger)

	extractor := streamcache.NewCommandExtractor(s.cfg.ExtractorBin, s.cfg.ExtractorTimeout, s.logger)
	s.streams = streamcache.NewResolver(extractor, s.cfg.StreamCacheTTL, s.logger)

	s.adapter = playout.NewAdapter(s.db, s.engine, s.ledger, s.streams, s.bus, s.logger)
	s.api = api.New(s.db, s.adapter, s.engine, s.ledger, s.cache, s.bus, s.logger)
	return nil
}

// HTTPServer returns the main API listener.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer returns the Prometheus scrape listener.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// DeferClose registers a cleanup hook run in reverse order on Close.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close stops background workers and runs cleanup hooks.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(3)
	go s.runCacheInvalidationListener(ctx)
	go s.runStreamCachePruner(ctx)
	go s.runSkipRollover(ctx)
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.bgWG.Wait()
}

// runCacheInvalidationListener drops cached station config when CRUD
// handlers publish change events. The handlers invalidate synchronously
// too; this listener covers future publishers that do not.
func (s *Server) runCacheInvalidationListener(ctx context.Context) {
	defer s.bgWG.Done()

	stationUpdated := s.bus.Subscribe(events.EventStationUpdated)
	stationDeleted := s.bus.Subscribe(events.EventStationDeleted)
	scheduleUpdated := s.bus.Subscribe(events.EventScheduleUpdated)
	defer func() {
		s.bus.Unsubscribe(events.EventStationUpdated, stationUpdated)
		s.bus.Unsubscribe(events.EventStationDeleted, stationDeleted)
		s.bus.Unsubscribe(events.EventScheduleUpdated, scheduleUpdated)
	}()

	invalidate := func(payload events.Payload) {
		if s.cache == nil {
			return
		}
		if id, ok := payload["station_id"].(uint); ok {
			s.cache.InvalidateStation(ctx, id)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-stationUpdated:
			invalidate(p)
		case p := <-stationDeleted:
			invalidate(p)
		case p := <-scheduleUpdated:
			invalidate(p)
		}
	}
}

// runStreamCachePruner trims expired stream URLs periodically.
func (s *Server) runStreamCachePruner(ctx context.Context) {
	defer s.bgWG.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.streams.Prune(); removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("pruned stream url cache")
			}
		}
	}
}

// runSkipRollover purges yesterday's skip rows shortly after each UTC
// midnight so timelines start the new day with a clean exclusion set.
func (s *Server) runSkipRollover(ctx context.Context) {
	defer s.bgWG.Done()

	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
			Add(24*time.Hour + time.Minute)

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		day := models.DayKey(time.Now())
		if _, err := s.ledger.PurgeSkipsBefore(ctx, day); err != nil {
			s.logger.Error().Err(err).Msg("skip rollover purge failed")
		}
	}
}
