/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/events"
	"github.com/wanderlight/ember_radio/internal/models"
)

type scheduleRequest struct {
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	TargetStationID uint   `json:"target_station_id"`
	Position        *int   `json:"position"`
}

// validClock accepts the "HH:MM" wall-clock form schedule rows store.
func validClock(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}

func (req *scheduleRequest) validate(ownerID uint) string {
	if !validClock(req.StartTime) || !validClock(req.EndTime) {
		return "start_time and end_time must be HH:MM"
	}
	if req.TargetStationID == 0 {
		return "target_station_id is required"
	}
	if req.TargetStationID == ownerID {
		return "entry cannot target its own station"
	}
	return ""
}

func (a *API) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	stationID, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}
	var entries []models.ScheduleEntry
	if err := a.db.WithContext(r.Context()).
		Where("station_id = ?", stationID).
		Order("position ASC").
		Find(&entries).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	stationID, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := req.validate(stationID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	var target models.Station
	if err := a.db.WithContext(ctx).First(&target, req.TargetStationID).Error; err != nil {
		writeError(w, http.StatusBadRequest, "target station does not exist")
		return
	}

	entry := models.ScheduleEntry{
		StationID:       stationID,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		TargetStationID: req.TargetStationID,
	}
	if req.Position != nil {
		entry.Position = *req.Position
	} else {
		// Append after the current highest position.
		var max int
		a.db.WithContext(ctx).Model(&models.ScheduleEntry{}).
			Where("station_id = ?", stationID).
			Select("COALESCE(MAX(position), -1)").
			Scan(&max)
		entry.Position = max + 1
	}

	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.invalidateStation(ctx, stationID)
	a.bus.Publish(events.EventScheduleUpdated, events.Payload{"station_id": stationID})
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	entryID, ok := uintParam(w, r, "entryID")
	if !ok {
		return
	}
	var entry models.ScheduleEntry
	err := a.db.WithContext(r.Context()).First(&entry, entryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "schedule entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := req.validate(entry.StationID); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	var target models.Station
	if err := a.db.WithContext(ctx).First(&target, req.TargetStationID).Error; err != nil {
		writeError(w, http.StatusBadRequest, "target station does not exist")
		return
	}

	entry.StartTime = req.StartTime
	entry.EndTime = req.EndTime
	entry.TargetStationID = req.TargetStationID
	if req.Position != nil {
		entry.Position = *req.Position
	}
	if err := a.db.WithContext(ctx).Save(&entry).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.invalidateStation(ctx, entry.StationID)
	a.bus.Publish(events.EventScheduleUpdated, events.Payload{"station_id": entry.StationID})
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	entryID, ok := uintParam(w, r, "entryID")
	if !ok {
		return
	}
	var entry models.ScheduleEntry
	err := a.db.WithContext(r.Context()).First(&entry, entryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "schedule entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := a.db.WithContext(r.Context()).Delete(&entry).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.invalidateStation(r.Context(), entry.StationID)
	a.bus.Publish(events.EventScheduleUpdated, events.Payload{"station_id": entry.StationID})
	w.WriteHeader(http.StatusNoContent)
}

// handleScheduleReorder rewrites the priority order of a station's entries
// in one transaction. The body lists entry IDs in the desired order.
func (a *API) handleScheduleReorder(w http.ResponseWriter, r *http.Request) {
	stationID, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}
	var req struct {
		EntryIDs []uint `json:"entry_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.EntryIDs) == 0 {
		writeError(w, http.StatusBadRequest, "entry_ids is required")
		return
	}

	err := a.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		for pos, entryID := range req.EntryIDs {
			result := tx.Model(&models.ScheduleEntry{}).
				Where("id = ? AND station_id = ?", entryID, stationID).
				Update("position", pos)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusBadRequest, "entry does not belong to station")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.invalidateStation(r.Context(), stationID)
	a.bus.Publish(events.EventScheduleUpdated, events.Payload{"station_id": stationID})
	w.WriteHeader(http.StatusNoContent)
}
