/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/wanderlight/ember_radio/internal/playout"
)

// handleNextTrack answers the audio engine's pull. The response body is
// the bare path or URL to play, nothing else; 404 means "nothing to play
// right now, ask again later".
func (a *API) handleNextTrack(w http.ResponseWriter, r *http.Request) {
	path, err := a.adapter.NextTrackPath(r.Context())
	if errors.Is(err, playout.ErrNothingPlayable) {
		http.Error(w, "nothing playable", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("next-track failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, path)
}

// handleTrackError is the engine's failure callback: it could not open a
// track we served. The track gets skipped for the day and the response
// carries the replacement path in the same shape as /next-track, so the
// engine keeps playing without a second request.
func (a *API) handleTrackError(w http.ResponseWriter, r *http.Request) {
	trackID, ok := uintParam(w, r, "trackID")
	if !ok {
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			reason = body.Reason
		}
	}

	path, err := a.adapter.ReportUnavailable(r.Context(), trackID, reason)
	if errors.Is(err, playout.ErrNothingPlayable) {
		http.Error(w, "nothing playable", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Uint("track", trackID).Msg("track-error failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, path)
}

// handleTrackStarted confirms the engine actually opened a path. Accepts
// either a bare-path body or {"path": "..."} for JSON-speaking engines.
func (a *API) handleTrackStarted(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	path := strings.TrimSpace(string(raw))
	if strings.HasPrefix(path, "{") {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		path = strings.TrimSpace(body.Path)
	}
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}

	if err := a.adapter.MarkStarted(r.Context(), path); err != nil {
		a.logger.Warn().Err(err).Str("path", path).Msg("track-started for unknown path")
		writeError(w, http.StatusNotFound, "no track matches path")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNowPlaying reports current playback without advancing anything.
func (a *API) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	state, err := a.adapter.State(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("now-playing failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, state)
}
