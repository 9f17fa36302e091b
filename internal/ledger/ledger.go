/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ledger persists the radio's daily skip exclusions and its
// append-only playback history. Skip rows are additive: a track stays
// excluded for the rest of its calendar day and only the date-rollover
// purge removes rows, nothing un-skips programmatically.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/models"
	"github.com/wanderlight/ember_radio/internal/telemetry"
)

// Ledger wraps the radio_skipped and radio_history tables.
type Ledger struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New constructs a ledger.
func New(db *gorm.DB, logger zerolog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// SkippedTrackIDs returns the set of track IDs excluded for stationID on
// the given day ("2006-01-02").
func (l *Ledger) SkippedTrackIDs(ctx context.Context, stationID uint, day string) (map[uint]struct{}, error) {
	var ids []uint
	if err := l.db.WithContext(ctx).
		Model(&models.SkipEntry{}).
		Where("station_id = ? AND day = ?", stationID, day).
		Pluck("track_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("load skipped tracks: %w", err)
	}

	set := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// MarkSkipped excludes trackID from stationID's timeline for the given
// calendar day. Marking the same pair twice on one day is harmless.
func (l *Ledger) MarkSkipped(ctx context.Context, stationID, trackID uint, day, reason string) error {
	var existing int64
	if err := l.db.WithContext(ctx).
		Model(&models.SkipEntry{}).
		Where("station_id = ? AND track_id = ? AND day = ?", stationID, trackID, day).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("check existing skip: %w", err)
	}
	if existing > 0 {
		return nil
	}

	entry := models.SkipEntry{
		StationID: stationID,
		TrackID:   trackID,
		Day:       day,
		Reason:    reason,
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("record skip: %w", err)
	}

	telemetry.TrackSkipsTotal.WithLabelValues(reason).Inc()
	l.logger.Info().
		Uint("station", stationID).
		Uint("track", trackID).
		Str("reason", reason).
		Msg("track skipped for the day")
	return nil
}

// PurgeSkipsBefore deletes skip rows older than day. Stale rows no longer
// affect timelines, so running this late or never is safe.
func (l *Ledger) PurgeSkipsBefore(ctx context.Context, day string) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("day < ?", day).
		Delete(&models.SkipEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge skips: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		l.logger.Info().Int64("deleted", result.RowsAffected).Msg("purged stale skip rows")
	}
	return result.RowsAffected, nil
}

// RecordHistory appends one playback row.
func (l *Ledger) RecordHistory(ctx context.Context, entry *models.HistoryEntry) error {
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// CloseOpenEntries stamps ended_at on any history row for stationID that is
// still open. Called when a transition begins the next row.
func (l *Ledger) CloseOpenEntries(ctx context.Context, stationID uint, endedAt time.Time) error {
	return l.db.WithContext(ctx).
		Model(&models.HistoryEntry{}).
		Where("station_id = ? AND ended_at IS NULL", stationID).
		Update("ended_at", endedAt.UTC()).Error
}

// HistoryFilter selects history rows. Zero values mean "no constraint".
type HistoryFilter struct {
	StationID uint
	TrackID   uint
	From      time.Time
	To        time.Time
	Page      int
	PerPage   int
}

// History returns matching rows newest-first plus the total match count.
func (l *Ledger) History(ctx context.Context, filter HistoryFilter) ([]models.HistoryEntry, int64, error) {
	query := l.db.WithContext(ctx).Model(&models.HistoryEntry{})
	if filter.StationID != 0 {
		query = query.Where("station_id = ?", filter.StationID)
	}
	if filter.TrackID != 0 {
		query = query.Where("track_id = ?", filter.TrackID)
	}
	if !filter.From.IsZero() {
		query = query.Where("started_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where("started_at < ?", filter.To.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	perPage := filter.PerPage
	if perPage <= 0 || perPage > 500 {
		perPage = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	var entries []models.HistoryEntry
	if err := query.
		Order("started_at DESC").
		Limit(perPage).
		Offset((page - 1) * perPage).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("query history: %w", err)
	}

	return entries, total, nil
}

// StationStats aggregates playback for one station over the last N days.
type StationStats struct {
	StationID      uint             `json:"station_id"`
	Days           int              `json:"days"`
	Plays          int64            `json:"plays"`
	DistinctTracks int64            `json:"distinct_tracks"`
	ListeningSecs  float64          `json:"listening_secs"`
	BySource       map[string]int64 `json:"by_source"`
}

// Stats computes listening aggregates for stationID over the trailing
// days window.
func (l *Ledger) Stats(ctx context.Context, stationID uint, days int) (*StationStats, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats := &StationStats{
		StationID: stationID,
		Days:      days,
		BySource:  make(map[string]int64),
	}

	base := l.db.WithContext(ctx).
		Model(&models.HistoryEntry{}).
		Where("station_id = ? AND started_at >= ?", stationID, since)

	if err := base.Session(&gorm.Session{}).Count(&stats.Plays).Error; err != nil {
		return nil, fmt.Errorf("count plays: %w", err)
	}
	if err := base.Session(&gorm.Session{}).
		Distinct("track_id").
		Count(&stats.DistinctTracks).Error; err != nil {
		return nil, fmt.Errorf("count distinct tracks: %w", err)
	}

	// Listening time comes from closed rows; open rows have no end yet.
	// Summed in Go to stay portable across the three SQL backends.
	type spanRow struct {
		SourceType string
		StartedAt  time.Time
		EndedAt    *time.Time
	}
	var rows []spanRow
	if err := l.db.WithContext(ctx).
		Model(&models.HistoryEntry{}).
		Select("source_type, started_at, ended_at").
		Where("station_id = ? AND started_at >= ?", stationID, since).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("aggregate sources: %w", err)
	}
	for _, row := range rows {
		stats.BySource[row.SourceType]++
		if row.EndedAt != nil && row.EndedAt.After(row.StartedAt) {
			stats.ListeningSecs += row.EndedAt.Sub(row.StartedAt).Seconds()
		}
	}

	return stats, nil
}

// TopTrack is one ranked row of the most-played query.
type TopTrack struct {
	TrackID uint   `json:"track_id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Plays   int64  `json:"plays"`
}

// TopTracks ranks tracks by play count over the trailing days window.
// stationID 0 ranks across all stations.
func (l *Ledger) TopTracks(ctx context.Context, stationID uint, days, limit int) ([]TopTrack, error) {
	if days <= 0 {
		days = 30
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	query := l.db.WithContext(ctx).
		Model(&models.HistoryEntry{}).
		Select("radio_history.track_id, MAX(radio_history.title) AS title, MAX(radio_history.artist) AS artist, COUNT(*) AS plays").
		Where("radio_history.started_at >= ?", since).
		Group("radio_history.track_id").
		Order("plays DESC").
		Limit(limit)
	if stationID != 0 {
		query = query.Where("radio_history.station_id = ?", stationID)
	}

	var rows []TopTrack
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("rank top tracks: %w", err)
	}
	return rows, nil
}
