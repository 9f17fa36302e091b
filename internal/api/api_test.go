package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wanderlight/ember_radio/internal/events"
	"github.com/wanderlight/ember_radio/internal/ledger"
	"github.com/wanderlight/ember_radio/internal/models"
	"github.com/wanderlight/ember_radio/internal/playout"
	"github.com/wanderlight/ember_radio/internal/schedule"
	"github.com/wanderlight/ember_radio/internal/timeline"
)

func newTestAPI(t *testing.T) (*chi.Mux, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Station{}, &models.ScheduleEntry{}, &models.Track{},
		&models.PlaylistTrack{}, &models.SkipEntry{}, &models.HistoryEntry{},
		&models.RadioState{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := zerolog.Nop()
	ldg := ledger.New(db, log)
	resolver := schedule.NewResolver(db, log)
	engine := timeline.NewEngine(db, resolver, ldg, nil, log)
	adapter := playout.NewAdapter(db, engine, ldg, noStreams{}, nil, log)
	api := New(db, adapter, engine, ldg, nil, events.NewBus(), log)

	r := chi.NewRouter()
	api.Routes(r)
	return r, db
}

type noStreams struct{}

func (noStreams) Resolve(ctx context.Context, permalink string) (string, error) {
	return "", fmt.Errorf("no stream resolution in tests")
}

func seedActiveStation(t *testing.T, db *gorm.DB) *models.Station {
	t.Helper()
	playlistID := uint(1)
	station := models.Station{Name: "chill", PlaylistID: &playlistID, Mode: models.ModeQueue, Active: true}
	if err := db.Create(&station).Error; err != nil {
		t.Fatalf("create station: %v", err)
	}
	track := models.Track{Title: "a", LocalPath: "/music/a.flac", DurationSecs: 300}
	if err := db.Create(&track).Error; err != nil {
		t.Fatalf("create track: %v", err)
	}
	link := models.PlaylistTrack{PlaylistID: playlistID, TrackID: track.ID, Position: 0}
	if err := db.Create(&link).Error; err != nil {
		t.Fatalf("create link: %v", err)
	}
	return &station
}

func TestNextTrackWhenIdle(t *testing.T) {
	r, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/radio/next-track", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestNextTrackServesPlainPath(t *testing.T) {
	r, db := newTestAPI(t)
	seedActiveStation(t, db)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/radio/next-track", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "/music/a.flac" {
		t.Fatalf("body = %q, want bare path", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q, want text/plain", ct)
	}
}

func TestTrackStartedThenNowPlaying(t *testing.T) {
	r, db := newTestAPI(t)
	seedActiveStation(t, db)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/radio/track-started",
		strings.NewReader("/music/a.flac")))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("track-started status = %d, want 204: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/radio/now-playing", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("now-playing status = %d, want 200", rec.Code)
	}
	var state struct {
		NowPlaying *timeline.NowPlaying `json:"now_playing"`
		Confirmed  bool                 `json:"confirmed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.NowPlaying == nil || state.NowPlaying.Track.Title != "a" {
		t.Fatalf("state = %+v, want track a", state)
	}
	if !state.Confirmed {
		t.Fatal("expected confirmed state after track-started")
	}
}

func TestTrackStartedUnknownPath(t *testing.T) {
	r, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/radio/track-started",
		strings.NewReader("/nope.flac")))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTrackErrorServesReplacementPath(t *testing.T) {
	r, db := newTestAPI(t)
	station := seedActiveStation(t, db)

	// A second track survives the skip and becomes the replacement.
	other := models.Track{Title: "b", LocalPath: "/music/b.flac", DurationSecs: 300}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("create track: %v", err)
	}
	link := models.PlaylistTrack{PlaylistID: 1, TrackID: other.ID, Position: 1}
	if err := db.Create(&link).Error; err != nil {
		t.Fatalf("create link: %v", err)
	}

	var first models.Track
	if err := db.Where("title = ?", "a").First(&first).Error; err != nil {
		t.Fatalf("load track: %v", err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/radio/track-error/%d?reason=decode+failure", first.ID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "/music/b.flac" {
		t.Fatalf("body = %q, want replacement path", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q, want text/plain", ct)
	}

	var skip models.SkipEntry
	if err := db.Where("station_id = ? AND track_id = ?", station.ID, first.ID).First(&skip).Error; err != nil {
		t.Fatalf("expected skip row: %v", err)
	}
	if skip.Reason != "decode failure" {
		t.Fatalf("reason = %q, want decode failure", skip.Reason)
	}

	// Reporting the survivor too leaves nothing to serve: 404, same shape
	// as /next-track.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/radio/track-error/%d?reason=decode+failure", other.ID), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when nothing remains", rec.Code)
	}
}

func TestStationCRUD(t *testing.T) {
	r, _ := newTestAPI(t)

	body := `{"name":"evening","mode":"queue"}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/stations/",
		strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created models.Station
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/stations/%d/", created.ID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	update := `{"name":"late night","mode":"shuffle"}`
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut,
		fmt.Sprintf("/api/v1/stations/%d/", created.ID), strings.NewReader(update)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete,
		fmt.Sprintf("/api/v1/stations/%d/", created.ID), nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/stations/%d/", created.ID), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete status = %d, want 404", rec.Code)
	}
}

func TestActivateKeepsSingleActive(t *testing.T) {
	r, db := newTestAPI(t)

	first := models.Station{Name: "one", Active: true}
	second := models.Station{Name: "two"}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Create(&second).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/stations/%d/activate", second.ID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d: %s", rec.Code, rec.Body.String())
	}

	var active []models.Station
	if err := db.Where("active = ?", true).Find(&active).Error; err != nil {
		t.Fatalf("query active: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("active stations = %+v, want exactly station two", active)
	}
}

func TestStationDeactivate(t *testing.T) {
	r, db := newTestAPI(t)
	station := seedActiveStation(t, db)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/stations/%d/deactivate", station.ID), nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate status = %d: %s", rec.Code, rec.Body.String())
	}

	var count int64
	if err := db.Model(&models.Station{}).Where("active = ?", true).Count(&count).Error; err != nil {
		t.Fatalf("count active: %v", err)
	}
	if count != 0 {
		t.Fatalf("active stations = %d, want 0", count)
	}

	// The radio is now off.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/radio/next-track", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("next-track status = %d, want 404 when deactivated", rec.Code)
	}
}

func TestTopTracksEndpoint(t *testing.T) {
	r, db := newTestAPI(t)

	for i := 0; i < 4; i++ {
		entry := models.HistoryEntry{
			StationID: 1, TrackID: 7, SourceType: models.SourceLocal,
			StartedAt: time.Now().UTC(), Title: "hit", Artist: "someone",
		}
		if err := db.Create(&entry).Error; err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/analytics/top-tracks?station=1&days=7&limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Tracks []ledger.TopTrack `json:"tracks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Tracks) != 1 || out.Tracks[0].TrackID != 7 || out.Tracks[0].Plays != 4 {
		t.Fatalf("tracks = %+v, want track 7 with 4 plays", out.Tracks)
	}
}

func TestScheduleValidation(t *testing.T) {
	r, db := newTestAPI(t)

	owner := models.Station{Name: "meta"}
	target := models.Station{Name: "leaf"}
	if err := db.Create(&owner).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Create(&target).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name string
		body string
		want int
	}{
		{"valid", fmt.Sprintf(`{"start_time":"08:00","end_time":"12:00","target_station_id":%d}`, target.ID), http.StatusCreated},
		{"overnight", fmt.Sprintf(`{"start_time":"22:00","end_time":"06:00","target_station_id":%d}`, target.ID), http.StatusCreated},
		{"bad clock", fmt.Sprintf(`{"start_time":"8am","end_time":"12:00","target_station_id":%d}`, target.ID), http.StatusBadRequest},
		{"self target", fmt.Sprintf(`{"start_time":"08:00","end_time":"12:00","target_station_id":%d}`, owner.ID), http.StatusBadRequest},
		{"missing target", `{"start_time":"08:00","end_time":"12:00","target_station_id":9999}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
				fmt.Sprintf("/api/v1/stations/%d/schedule/", owner.ID),
				strings.NewReader(tc.body)))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestScheduleReorder(t *testing.T) {
	r, db := newTestAPI(t)

	owner := models.Station{Name: "meta"}
	target := models.Station{Name: "leaf"}
	if err := db.Create(&owner).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Create(&target).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var ids []uint
	for i := 0; i < 3; i++ {
		entry := models.ScheduleEntry{
			StationID: owner.ID, TargetStationID: target.ID,
			StartTime: "08:00", EndTime: "12:00", Position: i,
		}
		if err := db.Create(&entry).Error; err != nil {
			t.Fatalf("create entry: %v", err)
		}
		ids = append(ids, entry.ID)
	}

	// Reverse the order.
	payload, _ := json.Marshal(map[string]any{"entry_ids": []uint{ids[2], ids[1], ids[0]}})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/stations/%d/schedule/reorder", owner.ID),
		bytes.NewReader(payload)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reorder status = %d: %s", rec.Code, rec.Body.String())
	}

	var first models.ScheduleEntry
	if err := db.Where("station_id = ? AND position = 0", owner.ID).First(&first).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if first.ID != ids[2] {
		t.Fatalf("position 0 entry = %d, want %d", first.ID, ids[2])
	}
}

func TestHistoryEndpoint(t *testing.T) {
	r, db := newTestAPI(t)

	for i := 0; i < 3; i++ {
		entry := models.HistoryEntry{StationID: 1, TrackID: uint(i + 1), SourceType: models.SourceLocal}
		if err := db.Create(&entry).Error; err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history?station_id=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Entries []models.HistoryEntry `json:"entries"`
		Total   int64                 `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 3 || len(out.Entries) != 3 {
		t.Fatalf("total = %d, entries = %d, want 3", out.Total, len(out.Entries))
	}
}

func TestHealthz(t *testing.T) {
	r, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
