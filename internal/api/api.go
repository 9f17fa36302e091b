/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the radio's HTTP surface: the plain-text pull
// endpoints the audio engine drives playback with, and the JSON
// station/schedule/history management routes the curation tool's UI
// consumes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/cache"
	"github.com/wanderlight/ember_radio/internal/events"
	"github.com/wanderlight/ember_radio/internal/ledger"
	"github.com/wanderlight/ember_radio/internal/playout"
	"github.com/wanderlight/ember_radio/internal/timeline"
)

// API exposes HTTP handlers.
type API struct {
	db      *gorm.DB
	adapter *playout.Adapter
	engine  *timeline.Engine
	ledger  *ledger.Ledger
	cache   *cache.Cache // optional, nil disables invalidation calls
	bus     *events.Bus
	logger  zerolog.Logger
}

// New creates the API handler set.
func New(db *gorm.DB, adapter *playout.Adapter, engine *timeline.Engine, ldg *ledger.Ledger, configCache *cache.Cache, bus *events.Bus, logger zerolog.Logger) *API {
	return &API{
		db:      db,
		adapter: adapter,
		engine:  engine,
		ledger:  ldg,
		cache:   configCache,
		bus:     bus,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts every handler on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)

	// Engine-facing pull surface. Plain text, no envelope: the consumer is
	// an audio process reading one line, not a browser.
	r.Route("/radio", func(r chi.Router) {
		r.Get("/next-track", a.handleNextTrack)
		r.Post("/track-error/{trackID}", a.handleTrackError)
		r.Post("/track-started", a.handleTrackStarted)
		r.Get("/now-playing", a.handleNowPlaying)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/stations", func(r chi.Router) {
			r.Get("/", a.handleStationsList)
			r.Post("/", a.handleStationCreate)
			r.Route("/{stationID}", func(r chi.Router) {
				r.Get("/", a.handleStationGet)
				r.Put("/", a.handleStationUpdate)
				r.Delete("/", a.handleStationDelete)
				r.Post("/activate", a.handleStationActivate)
				r.Post("/deactivate", a.handleStationDeactivate)
				r.Get("/preview", a.handleStationPreview)
				r.Get("/stats", a.handleStationStats)
				r.Route("/schedule", func(r chi.Router) {
					r.Get("/", a.handleScheduleList)
					r.Post("/", a.handleScheduleCreate)
					r.Post("/reorder", a.handleScheduleReorder)
				})
			})
		})
		r.Route("/schedule/{entryID}", func(r chi.Router) {
			r.Put("/", a.handleScheduleUpdate)
			r.Delete("/", a.handleScheduleDelete)
		})
		r.Get("/history", a.handleHistory)
		r.Get("/analytics/top-tracks", a.handleTopTracks)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := a.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// uintParam parses a chi URL parameter as an unsigned ID. Returns 0 and
// writes a 400 on failure.
func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
