package timeline

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/cache"
	"github.com/wanderlight/ember_radio/internal/models"
	"github.com/wanderlight/ember_radio/internal/schedule"
)

type staticSkips map[uint]struct{}

func (s staticSkips) SkippedTrackIDs(ctx context.Context, stationID uint, day string) (map[uint]struct{}, error) {
	return s, nil
}

func newTestEngine(t *testing.T, skips SkipSource) (*Engine, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Station{}, &models.ScheduleEntry{},
		&models.Track{}, &models.PlaylistTrack{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if skips == nil {
		skips = staticSkips{}
	}
	resolver := schedule.NewResolver(db, zerolog.Nop())
	return NewEngine(db, resolver, skips, nil, zerolog.Nop()), db
}

// seedQueueStation creates a leaf station in queue mode with the given
// track durations, returning the station ID and track IDs in order.
func seedQueueStation(t *testing.T, db *gorm.DB, durations []float64) (uint, []uint) {
	t.Helper()
	playlistID := uint(1)
	station := models.Station{Name: "test-station", PlaylistID: &playlistID, Mode: models.ModeQueue, Active: true}
	if err := db.Create(&station).Error; err != nil {
		t.Fatalf("seed station: %v", err)
	}

	ids := make([]uint, 0, len(durations))
	for i, d := range durations {
		track := models.Track{Title: "t", LocalPath: "/music/t.mp3", DurationSecs: d}
		if err := db.Create(&track).Error; err != nil {
			t.Fatalf("seed track: %v", err)
		}
		link := models.PlaylistTrack{PlaylistID: playlistID, TrackID: track.ID, Position: i}
		if err := db.Create(&link).Error; err != nil {
			t.Fatalf("seed playlist link: %v", err)
		}
		ids = append(ids, track.ID)
	}
	return station.ID, ids
}

func TestNowPlayingDeterministic(t *testing.T) {
	engine, db := newTestEngine(t, nil)
	stationID, _ := seedQueueStation(t, db, []float64{30, 45, 25})

	at := time.Date(2026, 3, 14, 0, 1, 7, 0, time.UTC)

	first, err := engine.NowPlaying(context.Background(), stationID, at)
	if err != nil {
		t.Fatalf("now playing: %v", err)
	}
	if first == nil {
		t.Fatal("expected a playing track")
	}

	for i := 0; i < 5; i++ {
		again, err := engine.NowPlaying(context.Background(), stationID, at)
		if err != nil {
			t.Fatalf("now playing: %v", err)
		}
		if again.Track.ID != first.Track.ID || again.OffsetMS != first.OffsetMS {
			t.Fatalf("call %d diverged: track %d offset %d, want track %d offset %d",
				i, again.Track.ID, again.OffsetMS, first.Track.ID, first.OffsetMS)
		}
	}
}

func TestNowPlayingLoopWrap(t *testing.T) {
	engine, db := newTestEngine(t, nil)
	stationID, _ := seedQueueStation(t, db, []float64{30, 45, 25}) // total 100s

	// The range starts at midnight of the instant's date.
	t0 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	at30, err := engine.NowPlaying(context.Background(), stationID, t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("now playing +30s: %v", err)
	}
	at130, err := engine.NowPlaying(context.Background(), stationID, t0.Add(130*time.Second))
	if err != nil {
		t.Fatalf("now playing +130s: %v", err)
	}

	if at30 == nil || at130 == nil {
		t.Fatal("expected playing tracks")
	}
	if at30.Track.ID != at130.Track.ID || at30.OffsetMS != at130.OffsetMS {
		t.Fatalf("130s mod 100s should equal 30s: got track %d offset %d vs track %d offset %d",
			at130.Track.ID, at130.OffsetMS, at30.Track.ID, at30.OffsetMS)
	}
}

func TestNowPlayingWalkPositions(t *testing.T) {
	engine, db := newTestEngine(t, nil)
	stationID, ids := seedQueueStation(t, db, []float64{30, 45, 25})

	t0 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		offset     time.Duration
		wantTrack  uint
		wantOffset int64
	}{
		{"first track start", 0, ids[0], 0},
		{"inside first track", 12 * time.Second, ids[0], 12000},
		{"boundary is next track", 30 * time.Second, ids[1], 0},
		{"inside second track", 50 * time.Second, ids[1], 20000},
		{"inside third track", 80 * time.Second, ids[2], 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			np, err := engine.NowPlaying(context.Background(), stationID, t0.Add(tt.offset))
			if err != nil {
				t.Fatalf("now playing: %v", err)
			}
			if np == nil {
				t.Fatal("expected a playing track")
			}
			if np.Track.ID != tt.wantTrack {
				t.Errorf("track = %d, want %d", np.Track.ID, tt.wantTrack)
			}
			if np.OffsetMS != tt.wantOffset {
				t.Errorf("offset = %d, want %d", np.OffsetMS, tt.wantOffset)
			}
		})
	}
}

func TestNowPlayingNextAndUpcoming(t *testing.T) {
	engine, db := newTestEngine(t, nil)
	stationID, ids := seedQueueStation(t, db, []float64{30, 45, 25})

	t0 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	np, err := engine.NowPlaying(context.Background(), stationID, t0.Add(40*time.Second))
	if err != nil {
		t.Fatalf("now playing: %v", err)
	}
	if np == nil || np.Next == nil {
		t.Fatal("expected a playing track with next")
	}
	if np.Track.ID != ids[1] {
		t.Fatalf("track = %d, want %d", np.Track.ID, ids[1])
	}
	if np.Next.ID != ids[2] {
		t.Fatalf("next = %d, want %d", np.Next.ID, ids[2])
	}
	// Upcoming wraps the cycle.
	wantUpcoming := []uint{ids[2], ids[0], ids[1], ids[2], ids[0]}
	gotUpcoming := make([]uint, 0, len(np.Upcoming))
	for _, u := range np.Upcoming {
		gotUpcoming = append(gotUpcoming, u.ID)
	}
	if !reflect.DeepEqual(gotUpcoming, wantUpcoming) {
		t.Fatalf("upcoming = %v, want %v", gotUpcoming, wantUpcoming)
	}
}

func TestNowPlayingShuffleStability(t *testing.T) {
	tracks := make([]models.Track, 0, 20)
	for i := 1; i <= 20; i++ {
		tracks = append(tracks, models.Track{ID: uint(i), DurationSecs: 60})
	}

	first := shuffleDeterministic(tracks, 3, "2026-03-14")
	second := shuffleDeterministic(tracks, 3, "2026-03-14")
	if !reflect.DeepEqual(first, second) {
		t.Fatal("same station and day must produce identical permutations")
	}

	otherDay := shuffleDeterministic(tracks, 3, "2026-03-15")
	if reflect.DeepEqual(first, otherDay) {
		t.Fatal("different days should reshuffle (20 tracks colliding is ~1/20!)")
	}

	otherStation := shuffleDeterministic(tracks, 4, "2026-03-14")
	if reflect.DeepEqual(first, otherStation) {
		t.Fatal("different stations should have different orderings")
	}
}

func TestNowPlayingSkipExclusion(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Station{}, &models.ScheduleEntry{},
		&models.Track{}, &models.PlaylistTrack{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	skips := staticSkips{}
	resolver := schedule.NewResolver(db, zerolog.Nop())
	engine := NewEngine(db, resolver, skips, nil, zerolog.Nop())
	stationID, ids := seedQueueStation(t, db, []float64{30, 45, 25})

	// Skip the first track: the timeline re-anchors on the remaining 70s.
	skips[ids[0]] = struct{}{}

	t0 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, 30 * time.Second, 69 * time.Second, 200 * time.Second} {
		np, err := engine.NowPlaying(context.Background(), stationID, t0.Add(offset))
		if err != nil {
			t.Fatalf("now playing: %v", err)
		}
		if np == nil {
			t.Fatal("expected a playing track")
		}
		if np.Track.ID == ids[0] {
			t.Fatalf("skipped track %d reappeared at offset %v", ids[0], offset)
		}
	}

	// 45+25 = 70s cycle: +75s wraps to 5s into the first remaining track.
	np, err := engine.NowPlaying(context.Background(), stationID, t0.Add(75*time.Second))
	if err != nil {
		t.Fatalf("now playing: %v", err)
	}
	if np.Track.ID != ids[1] || np.OffsetMS != 5000 {
		t.Fatalf("got track %d offset %d, want track %d offset 5000", np.Track.ID, np.OffsetMS, ids[1])
	}
}

func TestNowPlayingAbsentCases(t *testing.T) {
	t.Run("all tracks skipped", func(t *testing.T) {
		skips := staticSkips{}
		engine, db := newTestEngine(t, skips)
		stationID, ids := seedQueueStation(t, db, []float64{30, 45})
		for _, id := range ids {
			skips[id] = struct{}{}
		}

		np, err := engine.NowPlaying(context.Background(), stationID, time.Now())
		if err != nil {
			t.Fatalf("now playing: %v", err)
		}
		if np != nil {
			t.Fatalf("expected absent, got track %d", np.Track.ID)
		}
	})

	t.Run("zero total duration", func(t *testing.T) {
		engine, db := newTestEngine(t, nil)
		stationID, _ := seedQueueStation(t, db, []float64{0, 0})

		np, err := engine.NowPlaying(context.Background(), stationID, time.Now())
		if err != nil {
			t.Fatalf("now playing: %v", err)
		}
		if np != nil {
			t.Fatal("zero-duration playlist must be absent, not a division by zero")
		}
	})

	t.Run("empty playlist", func(t *testing.T) {
		engine, db := newTestEngine(t, nil)
		stationID, _ := seedQueueStation(t, db, nil)

		np, err := engine.NowPlaying(context.Background(), stationID, time.Now())
		if err != nil {
			t.Fatalf("now playing: %v", err)
		}
		if np != nil {
			t.Fatal("expected absent for empty playlist")
		}
	})
}

func TestNowPlayingResolvesThroughSchedule(t *testing.T) {
	engine, db := newTestEngine(t, nil)
	leafID, _ := seedQueueStation(t, db, []float64{30, 45, 25})

	meta := models.Station{Name: "meta", Mode: models.ModeShuffle}
	if err := db.Create(&meta).Error; err != nil {
		t.Fatalf("seed meta station: %v", err)
	}
	entry := models.ScheduleEntry{
		StationID:       meta.ID,
		StartTime:       "00:00",
		EndTime:         "23:59",
		TargetStationID: leafID,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	np, err := engine.NowPlaying(context.Background(), meta.ID, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("now playing: %v", err)
	}
	if np == nil {
		t.Fatal("expected delegation to the leaf's playlist")
	}
	if np.LeafStationID != leafID {
		t.Fatalf("leaf = %d, want %d", np.LeafStationID, leafID)
	}
	if np.StationID != meta.ID {
		t.Fatalf("station = %d, want requested meta id %d", np.StationID, meta.ID)
	}
}

func TestLocateFallback(t *testing.T) {
	tracks := []models.Track{{ID: 1, DurationSecs: 10}}
	idx, _ := locate(tracks, 10.5)
	if idx != -1 {
		t.Fatalf("locate past end = %d, want -1", idx)
	}
}

func TestLoadStationReadThroughCache(t *testing.T) {
	srv := miniredis.RunT(t)
	configCache, err := cache.New(cache.Config{RedisAddr: srv.Addr()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = configCache.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Station{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	resolver := schedule.NewResolver(db, zerolog.Nop())
	engine := NewEngine(db, resolver, staticSkips{}, configCache, zerolog.Nop())

	station := models.Station{Name: "before"}
	if err := db.Create(&station).Error; err != nil {
		t.Fatalf("seed station: %v", err)
	}

	ctx := context.Background()
	first, err := engine.loadStation(ctx, station.ID)
	if err != nil {
		t.Fatalf("load station: %v", err)
	}
	if first.Name != "before" {
		t.Fatalf("name = %q, want before", first.Name)
	}

	// A DB change invisible to the cache proves the second read was served
	// from Redis, not the database.
	if err := db.Model(&models.Station{}).Where("id = ?", station.ID).
		Update("name", "after").Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	second, err := engine.loadStation(ctx, station.ID)
	if err != nil {
		t.Fatalf("load station: %v", err)
	}
	if second.Name != "before" {
		t.Fatalf("name = %q, want cached value", second.Name)
	}

	// Invalidation restores read-through to the database.
	configCache.InvalidateStation(ctx, station.ID)
	third, err := engine.loadStation(ctx, station.ID)
	if err != nil {
		t.Fatalf("load station: %v", err)
	}
	if third.Name != "after" {
		t.Fatalf("name = %q, want fresh value after invalidation", third.Name)
	}
}
