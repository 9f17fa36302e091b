/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/events"
	"github.com/wanderlight/ember_radio/internal/models"
)

type stationRequest struct {
	Name         string             `json:"name"`
	PlaylistID   *uint              `json:"playlist_id"`
	Mode         models.StationMode `json:"mode"`
	SourceFilter string             `json:"source_filter"`
}

func (req *stationRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	switch req.Mode {
	case "", models.ModeShuffle, models.ModeQueue:
	default:
		return "mode must be shuffle or queue"
	}
	return ""
}

func (a *API) handleStationsList(w http.ResponseWriter, r *http.Request) {
	var stations []models.Station
	if err := a.db.WithContext(r.Context()).Order("name ASC").Find(&stations).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": stations})
}

func (a *API) handleStationCreate(w http.ResponseWriter, r *http.Request) {
	var req stationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	station := models.Station{
		Name:         req.Name,
		PlaylistID:   req.PlaylistID,
		Mode:         req.Mode,
		SourceFilter: req.SourceFilter,
	}
	if station.Mode == "" {
		station.Mode = models.ModeShuffle
	}
	if err := a.db.WithContext(r.Context()).Create(&station).Error; err != nil {
		writeError(w, http.StatusConflict, "station name already exists")
		return
	}

	a.logger.Info().Uint("station", station.ID).Str("name", station.Name).Msg("station created")
	writeJSON(w, http.StatusCreated, station)
}

func (a *API) handleStationGet(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}
	var station models.Station
	err := a.db.WithContext(r.Context()).First(&station, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, station)
}

func (a *API) handleStationUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}
	var req stationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var station models.Station
	err := a.db.WithContext(r.Context()).First(&station, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	station.Name = req.Name
	station.PlaylistID = req.PlaylistID
	if req.Mode != "" {
		station.Mode = req.Mode
	}
	station.SourceFilter = req.SourceFilter
	if err := a.db.WithContext(r.Context()).Save(&station).Error; err != nil {
		writeError(w, http.StatusConflict, "station name already exists")
		return
	}

	a.invalidateStation(r.Context(), station.ID)
	a.bus.Publish(events.EventStationUpdated, events.Payload{"station_id": station.ID})
	writeJSON(w, http.StatusOK, station)
}

func (a *API) handleStationDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}

	err := a.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var station models.Station
		if err := tx.First(&station, id).Error; err != nil {
			return err
		}
		// Schedule entries referencing the station in either direction go
		// with it; a dangling target would dead-end resolution.
		if err := tx.Where("station_id = ? OR target_station_id = ?", id, id).
			Delete(&models.ScheduleEntry{}).Error; err != nil {
			return err
		}
		return tx.Delete(&station).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.invalidateStation(r.Context(), id)
	a.adapter.Reset()
	a.bus.Publish(events.EventStationDeleted, events.Payload{"station_id": id})
	a.logger.Info().Uint("station", id).Msg("station deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleStationActivate makes one station the live radio channel. The
// deactivate-all-then-activate runs in a single transaction so readers
// never observe two active stations.
func (a *API) handleStationActivate(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}

	err := a.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var station models.Station
		if err := tx.First(&station, id).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Station{}).
			Where("active = ?", true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Model(&station).Update("active", true).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.invalidateStation(r.Context(), id)
	a.adapter.Reset()
	a.bus.Publish(events.EventStationActivated, events.Payload{"station_id": id})
	a.logger.Info().Uint("station", id).Msg("station activated")
	writeJSON(w, http.StatusOK, map[string]any{"station_id": id, "active": true})
}

// handleStationDeactivate turns the radio off when the station is the
// active one. Deactivating an already-inactive station is a no-op.
func (a *API) handleStationDeactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}

	var station models.Station
	err := a.db.WithContext(r.Context()).First(&station, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if station.Active {
		if err := a.db.WithContext(r.Context()).Model(&station).
			Update("active", false).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		a.invalidateStation(r.Context(), id)
		a.adapter.Reset()
		a.bus.Publish(events.EventStationDeactivated, events.Payload{"station_id": id})
		a.logger.Info().Uint("station", id).Msg("radio deactivated")
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStationPreview computes the station's timeline at an arbitrary
// instant without touching history or state. "at" defaults to now.
func (a *API) handleStationPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}

	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC 3339")
			return
		}
		at = parsed
	}

	np, err := a.engine.NowPlaying(r.Context(), id, at)
	if err != nil {
		a.logger.Error().Err(err).Uint("station", id).Msg("preview failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if np == nil {
		writeError(w, http.StatusNotFound, "nothing playable at that instant")
		return
	}
	writeJSON(w, http.StatusOK, np)
}

// invalidateStation drops the station's cached config, when a cache is
// wired at all.
func (a *API) invalidateStation(ctx context.Context, id uint) {
	if a.cache != nil {
		a.cache.InvalidateStation(ctx, id)
	}
}
