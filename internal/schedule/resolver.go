/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule resolves a station to the concrete leaf station active
// at a given instant. A meta-station's program is a set of time-of-day
// ranges pointing at other stations, which may themselves be meta-stations.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/models"
)

// MaxDepth bounds schedule indirection. A graph deeper than this is a
// misconfiguration (usually a cycle); the resolver stops and treats the
// current station as a leaf instead of hanging.
const MaxDepth = 10

// Resolution is the outcome of resolving a station at an instant.
type Resolution struct {
	LeafStationID uint
	RangeStart    time.Time
	Depth         int
}

// Resolver walks the schedule graph. It is a pure function of the stored
// configuration and the clock: identical inputs yield identical outputs.
type Resolver struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewResolver constructs a schedule resolver.
func NewResolver(db *gorm.DB, logger zerolog.Logger) *Resolver {
	return &Resolver{
		db:     db,
		logger: logger.With().Str("component", "schedule").Logger(),
	}
}

// Resolve follows schedule entries from stationID until it reaches a leaf.
// The returned range start anchors the leaf's timeline: the winning entry's
// start time mapped onto at's date (shifted back one day when the mapped
// start would lie in the future, which handles overnight ranges), or local
// midnight when the station has no matching entry.
func (r *Resolver) Resolve(ctx context.Context, stationID uint, at time.Time) (Resolution, error) {
	at = at.UTC()

	res := Resolution{
		LeafStationID: stationID,
		RangeStart:    midnightOf(at),
	}

	for depth := 0; ; depth++ {
		if depth >= MaxDepth {
			r.logger.Warn().
				Uint("station", stationID).
				Uint("current", res.LeafStationID).
				Int("depth", depth).
				Msg("schedule depth bound exceeded, treating current station as leaf")
			return res, nil
		}

		var entries []models.ScheduleEntry
		if err := r.db.WithContext(ctx).
			Where("station_id = ?", res.LeafStationID).
			Order("position ASC").
			Find(&entries).Error; err != nil {
			return Resolution{}, fmt.Errorf("load schedule entries for station %d: %w", res.LeafStationID, err)
		}

		entry := matchEntry(entries, at)
		if entry == nil {
			if len(entries) > 0 {
				r.logger.Debug().
					Uint("station", res.LeafStationID).
					Int("entries", len(entries)).
					Msg("schedule present but no entry matches now, treating as leaf")
			}
			return res, nil
		}

		start, err := mapStartToDate(entry.StartTime, at)
		if err != nil {
			return Resolution{}, fmt.Errorf("schedule entry %d: %w", entry.ID, err)
		}

		res.LeafStationID = entry.TargetStationID
		res.RangeStart = start
		res.Depth = depth + 1
	}
}

// matchEntry returns the first entry (entries are position-ordered) whose
// wrap-aware range contains at's time of day.
func matchEntry(entries []models.ScheduleEntry, at time.Time) *models.ScheduleEntry {
	tod := at.Hour()*60 + at.Minute()
	for i := range entries {
		ok, err := timeInRange(entries[i].StartTime, entries[i].EndTime, tod)
		if err != nil {
			continue
		}
		if ok {
			return &entries[i]
		}
	}
	return nil
}

// timeInRange reports whether tod (minutes since midnight) falls in the
// half-open range [start,end). Ranges where end < start wrap midnight.
func timeInRange(start, end string, tod int) (bool, error) {
	s, err := parseClock(start)
	if err != nil {
		return false, err
	}
	e, err := parseClock(end)
	if err != nil {
		return false, err
	}

	switch {
	case s == e:
		return false, nil
	case s < e:
		return tod >= s && tod < e, nil
	default:
		return tod >= s || tod < e, nil
	}
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock hour %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock minute %q", v)
	}
	return h*60 + m, nil
}

// mapStartToDate places a "HH:MM" start on at's date. A start later than at
// itself belongs to the previous day (overnight range already underway).
func mapStartToDate(start string, at time.Time) (time.Time, error) {
	m, err := parseClock(start)
	if err != nil {
		return time.Time{}, err
	}
	mapped := midnightOf(at).Add(time.Duration(m) * time.Minute)
	if mapped.After(at) {
		mapped = mapped.AddDate(0, 0, -1)
	}
	return mapped, nil
}

func midnightOf(at time.Time) time.Time {
	return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
}
