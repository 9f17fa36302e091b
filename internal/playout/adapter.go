/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout bridges the stateless timeline engine to the stateful
// audio engine driving it. The engine pulls one track path at a time; the
// adapter detects transitions, writes history, resolves remote streams and
// routes unplayable tracks into the skip ledger so the radio never stalls
// on a single bad entry.
package playout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/events"
	"github.com/wanderlight/ember_radio/internal/ledger"
	"github.com/wanderlight/ember_radio/internal/models"
	"github.com/wanderlight/ember_radio/internal/telemetry"
	"github.com/wanderlight/ember_radio/internal/timeline"
)

// ErrNothingPlayable is returned when no active station exists or its
// timeline has no playable track at this instant.
var ErrNothingPlayable = errors.New("nothing playable")

// maxRetryRounds bounds the skip-and-recompute loop inside one pull. Each
// round permanently excludes at least one track, so the loop cannot cycle;
// the bound just caps how much of a broken playlist one request burns
// through.
const maxRetryRounds = 25

// StreamResolver resolves a permalink to a directly playable URL.
type StreamResolver interface {
	Resolve(ctx context.Context, permalink string) (string, error)
}

// state is the adapter's view of what the audio engine was last told to
// play. It exists to detect transitions between consecutive pulls.
type state struct {
	currentTrackID uint
	servingSince   time.Time
	lastRequestAt  time.Time
	lastServedPath string
}

// Adapter serializes pull-model access to the timeline.
type Adapter struct {
	db      *gorm.DB
	engine  *timeline.Engine
	ledger  *ledger.Ledger
	streams StreamResolver
	bus     *events.Bus
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state state
}

// NewAdapter constructs the playout adapter.
func NewAdapter(db *gorm.DB, engine *timeline.Engine, ldg *ledger.Ledger, streams StreamResolver, bus *events.Bus, logger zerolog.Logger) *Adapter {
	return &Adapter{
		db:      db,
		engine:  engine,
		ledger:  ldg,
		streams: streams,
		bus:     bus,
		logger:  logger.With().Str("component", "playout").Logger(),
		now:     time.Now,
	}
}

// ActiveStation returns the station currently flagged active, or nil when
// the radio is off.
func (a *Adapter) ActiveStation(ctx context.Context) (*models.Station, error) {
	var station models.Station
	err := a.db.WithContext(ctx).Where("active = ?", true).First(&station).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active station: %w", err)
	}
	return &station, nil
}

// NextTrackPath answers the audio engine's pull: the path or URL it should
// play right now. The whole computation runs under the adapter lock so
// concurrent pulls observe one consistent transition, not two half-written
// ones. Tracks that cannot be served are skipped for the day and the
// timeline is recomputed in the same call.
func (a *Adapter) NextTrackPath(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextTrackPathLocked(ctx)
}

func (a *Adapter) nextTrackPathLocked(ctx context.Context) (string, error) {
	station, err := a.ActiveStation(ctx)
	if err != nil {
		telemetry.PullRequestsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	if station == nil {
		telemetry.PullRequestsTotal.WithLabelValues("idle").Inc()
		return "", ErrNothingPlayable
	}

	for round := 0; round < maxRetryRounds; round++ {
		np, err := a.engine.NowPlaying(ctx, station.ID, a.now())
		if err != nil {
			telemetry.PullRequestsTotal.WithLabelValues("error").Inc()
			return "", err
		}
		if np == nil {
			telemetry.PullRequestsTotal.WithLabelValues("idle").Inc()
			return "", ErrNothingPlayable
		}

		path, serveErr := a.servePath(ctx, &np.Track)
		if serveErr != nil {
			// Unplayable right now: exclude it for the day and let the
			// recompute land on whatever occupies this instant next.
			a.logger.Error().
				Err(serveErr).
				Uint("track", np.Track.ID).
				Uint("station", np.LeafStationID).
				Msg("track unplayable, skipping for the day")
			if err := a.ledger.MarkSkipped(ctx, np.LeafStationID, np.Track.ID, models.DayKey(np.ComputedAt), "unplayable"); err != nil {
				telemetry.PullRequestsTotal.WithLabelValues("error").Inc()
				return "", fmt.Errorf("mark unplayable track: %w", err)
			}
			continue
		}

		a.observeTransition(ctx, station.ID, np)
		a.state.lastRequestAt = a.now()
		a.state.lastServedPath = path

		telemetry.PullRequestsTotal.WithLabelValues("served").Inc()
		return path, nil
	}

	telemetry.PullRequestsTotal.WithLabelValues("exhausted").Inc()
	return "", ErrNothingPlayable
}

// servePath picks the concrete thing the engine should open: the local
// file when one exists, otherwise a freshly resolved stream URL.
func (a *Adapter) servePath(ctx context.Context, track *models.Track) (string, error) {
	if track.LocalPath != "" {
		return track.LocalPath, nil
	}
	if track.Permalink == "" {
		return "", models.ErrTrackUnplayable
	}
	url, err := a.streams.Resolve(ctx, track.Permalink)
	if err != nil {
		return "", fmt.Errorf("resolve stream: %w", err)
	}
	return url, nil
}

// observeTransition compares the computed track to the last served one and,
// on change, closes the open history row and appends the new one. History
// failures are logged, never surfaced: playback outranks bookkeeping.
func (a *Adapter) observeTransition(ctx context.Context, stationID uint, np *timeline.NowPlaying) {
	if a.state.currentTrackID == np.Track.ID {
		return
	}

	now := a.now().UTC()
	if err := a.ledger.CloseOpenEntries(ctx, stationID, now); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close open history rows")
	}

	// PlayID correlates the history row with the events emitted for this
	// transition.
	playID := uuid.NewString()
	entry := models.HistoryEntry{
		PlayID:        playID,
		StationID:     stationID,
		TrackID:       np.Track.ID,
		SourceType:    np.SourceType,
		StartedAt:     now,
		StartOffsetMS: np.OffsetMS,
		Title:         np.Track.Title,
		Artist:        np.Track.Artist,
	}
	if err := a.ledger.RecordHistory(ctx, &entry); err != nil {
		a.logger.Warn().Err(err).Uint("track", np.Track.ID).Msg("failed to record history row")
	}

	a.state.currentTrackID = np.Track.ID
	a.state.servingSince = now

	telemetry.TrackTransitionsTotal.WithLabelValues(string(np.SourceType)).Inc()
	if a.bus != nil {
		a.bus.Publish(events.EventNowPlaying, events.Payload{
			"play_id":    playID,
			"station_id": stationID,
			"track_id":   np.Track.ID,
			"title":      np.Track.Title,
			"artist":     np.Track.Artist,
			"offset_ms":  np.OffsetMS,
		})
	}
	a.logger.Info().
		Uint("station", stationID).
		Uint("track", np.Track.ID).
		Str("title", np.Track.Title).
		Int64("offset_ms", np.OffsetMS).
		Msg("track transition")
}

// ReportUnavailable handles the engine's failure callback for a track it
// could not open after we served it. The track is skipped for the day, the
// transition state is reset, and the recomputed timeline answers with the
// replacement path in the same call, so the engine never needs a second
// round trip to keep playing.
func (a *Adapter) ReportUnavailable(ctx context.Context, trackID uint, reason string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	station, err := a.ActiveStation(ctx)
	if err != nil {
		return "", err
	}
	if station == nil {
		return "", ErrNothingPlayable
	}

	leafID := station.ID
	if np, err := a.engine.NowPlaying(ctx, station.ID, a.now()); err == nil && np != nil {
		leafID = np.LeafStationID
	}

	if reason == "" {
		reason = "engine reported failure"
	}
	if err := a.ledger.MarkSkipped(ctx, leafID, trackID, models.DayKey(a.now()), reason); err != nil {
		return "", err
	}

	if a.state.currentTrackID == trackID {
		a.state.currentTrackID = 0
	}
	if a.bus != nil {
		a.bus.Publish(events.EventTrackSkipped, events.Payload{
			"station_id": leafID,
			"track_id":   trackID,
			"reason":     reason,
		})
	}

	return a.nextTrackPathLocked(ctx)
}

// MarkStarted is the engine's confirmation that it actually opened a path.
// The persisted now-playing pointer is updated so state survives restarts;
// the open history row gets its real start stamped when it differs from the
// computed one.
func (a *Adapter) MarkStarted(ctx context.Context, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	track, err := a.trackForPath(ctx, path)
	if err != nil {
		return err
	}

	station, err := a.ActiveStation(ctx)
	if err != nil {
		return err
	}
	stationID := uint(0)
	if station != nil {
		stationID = station.ID
	}

	now := a.now().UTC()
	rs := models.RadioState{
		ID:        1,
		StationID: stationID,
		TrackID:   track.ID,
		StartedAt: now,
		Path:      path,
	}
	if err := a.db.WithContext(ctx).Save(&rs).Error; err != nil {
		return fmt.Errorf("persist radio state: %w", err)
	}

	// Normally NextTrackPath already wrote the transition row. After a
	// restart (or an engine that pulled from a previous process) there may
	// be no open row for this track; backfill one so history stays gapless.
	if stationID != 0 {
		var open models.HistoryEntry
		err := a.db.WithContext(ctx).
			Where("station_id = ? AND ended_at IS NULL", stationID).
			Order("id DESC").First(&open).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && open.TrackID != track.ID) {
			if err := a.ledger.CloseOpenEntries(ctx, stationID, now); err != nil {
				a.logger.Warn().Err(err).Msg("failed to close open history rows")
			}
			entry := models.HistoryEntry{
				PlayID:     uuid.NewString(),
				StationID:  stationID,
				TrackID:    track.ID,
				SourceType: track.Source(),
				StartedAt:  now,
				Title:      track.Title,
				Artist:     track.Artist,
			}
			if err := a.ledger.RecordHistory(ctx, &entry); err != nil {
				a.logger.Warn().Err(err).Msg("failed to backfill history row")
			}
		}
	}

	a.state.currentTrackID = track.ID
	a.state.servingSince = now
	a.logger.Debug().Uint("track", track.ID).Str("path", path).Msg("engine confirmed start")
	return nil
}

// trackForPath maps a served path back to its track: the last thing we
// handed out, a local file path, or a permalink whose resolved URL we no
// longer see.
func (a *Adapter) trackForPath(ctx context.Context, path string) (*models.Track, error) {
	query := a.db.WithContext(ctx)

	if a.state.lastServedPath == path && a.state.currentTrackID != 0 {
		var track models.Track
		if err := query.First(&track, a.state.currentTrackID).Error; err == nil {
			return &track, nil
		}
	}

	var track models.Track
	err := query.Where("local_path = ?", path).First(&track).Error
	if err == nil {
		return &track, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup track by path: %w", err)
	}

	err = query.Where("permalink = ?", path).First(&track).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no track matches path %q: %w", path, gorm.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup track by permalink: %w", err)
	}
	return &track, nil
}

// CurrentState reports what is playing without advancing anything. It
// prefers the persisted pointer written by MarkStarted and falls back to a
// fresh timeline computation.
type CurrentState struct {
	Station    *models.Station      `json:"station,omitempty"`
	NowPlaying *timeline.NowPlaying `json:"now_playing,omitempty"`
	Confirmed  bool                 `json:"confirmed"`
}

// State returns the read-only current playback view. When the engine has
// confirmed the computed track via MarkStarted, the offset comes from the
// reported start time rather than the pure timeline arithmetic: the
// engine's clock is what listeners actually hear. The computation is the
// fallback when nothing has been reported.
func (a *Adapter) State(ctx context.Context) (*CurrentState, error) {
	station, err := a.ActiveStation(ctx)
	if err != nil {
		return nil, err
	}
	out := &CurrentState{Station: station}
	if station == nil {
		return out, nil
	}

	np, err := a.engine.NowPlaying(ctx, station.ID, a.now())
	if err != nil {
		return nil, err
	}
	out.NowPlaying = np

	var rs models.RadioState
	if err := a.db.WithContext(ctx).First(&rs, 1).Error; err == nil {
		if np != nil && rs.TrackID == np.Track.ID {
			out.Confirmed = true
			if elapsed := a.now().UTC().Sub(rs.StartedAt); elapsed >= 0 {
				np.OffsetMS = elapsed.Milliseconds()
			}
		}
	}
	return out, nil
}

// Reset clears the in-memory transition state. Used when the active
// station changes so the next pull is treated as a fresh transition.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state{}
}
