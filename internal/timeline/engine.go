/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timeline computes "what is playing right now" for a station.
// A station's playback is modelled as an infinite repetition of its
// (possibly shuffled) track list anchored at a known range start, so the
// answer is a pure function of configuration, skip set and clock. The same
// station and instant always yield the same track and offset, even after a
// process restart.
package timeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/cache"
	"github.com/wanderlight/ember_radio/internal/models"
	"github.com/wanderlight/ember_radio/internal/schedule"
	"github.com/wanderlight/ember_radio/internal/telemetry"
)

// upcomingCount is how many entries past the current track NowPlaying exposes.
const upcomingCount = 5

// NowPlaying describes the track a station is serving at one instant.
type NowPlaying struct {
	Track         models.Track      `json:"track"`
	StationID     uint              `json:"station_id"`
	LeafStationID uint              `json:"leaf_station_id"`
	RangeStart    time.Time         `json:"range_start"`
	OffsetMS      int64             `json:"offset_ms"`
	SourceType    models.SourceType `json:"source_type"`
	Next          *models.Track     `json:"next,omitempty"`
	Upcoming      []models.Track    `json:"upcoming,omitempty"`
	ComputedAt    time.Time         `json:"computed_at"`
}

// SkipSource supplies the daily skip exclusions consulted on every
// computation.
type SkipSource interface {
	SkippedTrackIDs(ctx context.Context, stationID uint, day string) (map[uint]struct{}, error)
}

// Engine is the deterministic timeline calculator.
type Engine struct {
	db       *gorm.DB
	resolver *schedule.Resolver
	skips    SkipSource
	cache    *cache.Cache // optional, nil disables config caching
	logger   zerolog.Logger
}

// NewEngine constructs the timeline engine.
func NewEngine(db *gorm.DB, resolver *schedule.Resolver, skips SkipSource, configCache *cache.Cache, logger zerolog.Logger) *Engine {
	return &Engine{
		db:       db,
		resolver: resolver,
		skips:    skips,
		cache:    configCache,
		logger:   logger.With().Str("component", "timeline").Logger(),
	}
}

// NowPlaying resolves stationID at the given instant and replays the leaf's
// timeline to find the current track. A nil result with nil error means
// nothing is playable (empty playlist, everything skipped, or zero total
// duration); that is a configuration condition, not a failure.
func (e *Engine) NowPlaying(ctx context.Context, stationID uint, at time.Time) (*NowPlaying, error) {
	ctx, span := telemetry.StartSpan(ctx, "timeline", "NowPlaying")
	defer span.End()

	at = at.UTC()

	res, err := e.resolver.Resolve(ctx, stationID, at)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.AddSpanAttributes(span, map[string]any{
		"station_id": int64(stationID),
		"leaf_id":    int64(res.LeafStationID),
	})

	tracks, err := e.loadTracks(ctx, res.LeafStationID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if len(tracks) == 0 {
		e.logger.Warn().Uint("station", res.LeafStationID).Msg("leaf station has no playlist tracks")
		return nil, nil
	}

	day := models.DayKey(at)
	skipped, err := e.skips.SkippedTrackIDs(ctx, res.LeafStationID, day)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load skip set: %w", err)
	}

	playable := make([]models.Track, 0, len(tracks))
	for _, t := range tracks {
		if _, skip := skipped[t.ID]; !skip {
			playable = append(playable, t)
		}
	}
	if len(playable) == 0 {
		e.logger.Warn().Uint("station", res.LeafStationID).Str("day", day).Msg("all tracks skipped for the day")
		return nil, nil
	}

	leaf, err := e.loadStation(ctx, res.LeafStationID)
	if err != nil {
		return nil, err
	}

	ordered := playable
	if leaf.Mode == models.ModeShuffle {
		ordered = shuffleDeterministic(playable, res.LeafStationID, day)
	}

	var total float64
	for _, t := range ordered {
		if t.DurationSecs > 0 {
			total += t.DurationSecs
		}
	}
	if total <= 0 {
		e.logger.Warn().Uint("station", res.LeafStationID).Msg("playlist has zero total duration")
		return nil, nil
	}

	elapsed := at.Sub(res.RangeStart).Seconds()
	pos := math.Mod(elapsed, total)
	if pos < 0 {
		pos += total
	}

	idx, offset := locate(ordered, pos)
	if idx < 0 {
		// Should be unreachable: pos < total by construction. Fall back to
		// the head of the list rather than failing the pull, but make the
		// arithmetic visible in case a real bug is hiding here.
		e.logger.Error().
			Uint("station", res.LeafStationID).
			Float64("pos", pos).
			Float64("total", total).
			Int("tracks", len(ordered)).
			Msg("timeline walk exhausted list without reaching position, serving first track")
		idx, offset = 0, 0
	}

	current := ordered[idx]
	np := &NowPlaying{
		Track:         current,
		StationID:     stationID,
		LeafStationID: res.LeafStationID,
		RangeStart:    res.RangeStart,
		OffsetMS:      int64(offset * 1000),
		SourceType:    current.Source(),
		ComputedAt:    at,
	}

	if len(ordered) > 1 {
		next := ordered[(idx+1)%len(ordered)]
		np.Next = &next
	} else {
		next := ordered[idx]
		np.Next = &next
	}

	for i := 1; i <= upcomingCount; i++ {
		np.Upcoming = append(np.Upcoming, ordered[(idx+i)%len(ordered)])
	}

	return np, nil
}

// loadStation fetches one station record, read-through the config cache
// when one is wired.
func (e *Engine) loadStation(ctx context.Context, stationID uint) (*models.Station, error) {
	if e.cache != nil {
		if station, ok := e.cache.GetStation(ctx, stationID); ok {
			telemetry.ConfigCacheTotal.WithLabelValues("hit").Inc()
			return station, nil
		}
		telemetry.ConfigCacheTotal.WithLabelValues("miss").Inc()
	}

	var station models.Station
	if err := e.db.WithContext(ctx).First(&station, stationID).Error; err != nil {
		return nil, fmt.Errorf("load station %d: %w", stationID, err)
	}

	if e.cache != nil {
		if err := e.cache.SetStation(ctx, &station); err != nil {
			e.logger.Debug().Err(err).Msg("failed to cache station record")
		}
	}
	return &station, nil
}

// loadTracks fetches the leaf's playlist in stored queue order, through the
// config cache when one is wired.
func (e *Engine) loadTracks(ctx context.Context, stationID uint) ([]models.Track, error) {
	if e.cache != nil {
		if tracks, ok := e.cache.GetStationTracks(ctx, stationID); ok {
			telemetry.ConfigCacheTotal.WithLabelValues("hit").Inc()
			return tracks, nil
		}
		telemetry.ConfigCacheTotal.WithLabelValues("miss").Inc()
	} else {
		telemetry.ConfigCacheTotal.WithLabelValues("bypass").Inc()
	}

	station, err := e.loadStation(ctx, stationID)
	if err != nil {
		return nil, err
	}
	if station.IsMeta() {
		// Resolution ended on a meta-station (no matching entry right now).
		return nil, nil
	}

	var tracks []models.Track
	if err := e.db.WithContext(ctx).
		Joins("JOIN playlist_tracks ON playlist_tracks.track_id = tracks.id").
		Where("playlist_tracks.playlist_id = ?", *station.PlaylistID).
		Order("playlist_tracks.position ASC").
		Find(&tracks).Error; err != nil {
		return nil, fmt.Errorf("load playlist %d tracks: %w", *station.PlaylistID, err)
	}

	if e.cache != nil {
		if err := e.cache.SetStationTracks(ctx, stationID, tracks); err != nil {
			e.logger.Debug().Err(err).Msg("failed to cache track list")
		}
	}

	return tracks, nil
}

// shuffleDeterministic reorders tracks with a Fisher-Yates shuffle seeded
// from FNV-1a over "stationID|day". This pairing is a stability contract:
// the same station and calendar day always produce the same permutation,
// and changing either the hash or the shuffle would retroactively move
// every station's schedule.
func shuffleDeterministic(tracks []models.Track, stationID uint, day string) []models.Track {
	out := make([]models.Track, len(tracks))
	copy(out, tracks)

	rng := rand.New(rand.NewSource(shuffleSeed(stationID, day)))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

func shuffleSeed(stationID uint, day string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s", stationID, day)
	return int64(h.Sum64())
}

// locate walks the ordered list accumulating durations until the running
// sum passes pos. Returns the index and the offset into that track, or
// (-1, 0) if the walk exhausts the list.
func locate(tracks []models.Track, pos float64) (int, float64) {
	var acc float64
	for i, t := range tracks {
		d := t.DurationSecs
		if d < 0 {
			d = 0
		}
		if acc+d > pos {
			return i, pos - acc
		}
		acc += d
	}
	return -1, 0
}
