/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"time"

	"github.com/wanderlight/ember_radio/internal/ledger"
)

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter := ledger.HistoryFilter{
		StationID: uint(queryInt(r, "station_id", 0)),
		TrackID:   uint(queryInt(r, "track_id", 0)),
		Page:      queryInt(r, "page", 1),
		PerPage:   queryInt(r, "per_page", 50),
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		filter.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		filter.To = t
	}

	entries, total, err := a.ledger.History(r.Context(), filter)
	if err != nil {
		a.logger.Error().Err(err).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"page":    filter.Page,
	})
}

func (a *API) handleStationStats(w http.ResponseWriter, r *http.Request) {
	stationID, ok := uintParam(w, r, "stationID")
	if !ok {
		return
	}
	days := queryInt(r, "days", 7)

	stats, err := a.ledger.Stats(r.Context(), stationID, days)
	if err != nil {
		a.logger.Error().Err(err).Uint("station", stationID).Msg("stats query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleTopTracks(w http.ResponseWriter, r *http.Request) {
	stationID := uint(queryInt(r, "station", 0))
	days := queryInt(r, "days", 30)
	limit := queryInt(r, "limit", 10)

	tracks, err := a.ledger.TopTracks(r.Context(), stationID, days, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("top-tracks query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": tracks})
}
