package models

import (
	"errors"
	"time"
)

// StationMode selects how a leaf station orders its track list.
type StationMode string

const (
	ModeShuffle StationMode = "shuffle"
	ModeQueue   StationMode = "queue"
)

// SourceType identifies where a track's audio is served from.
type SourceType string

const (
	SourceLocal     SourceType = "local"
	SourcePermalink SourceType = "permalink"
)

// ErrTrackUnplayable marks a track with neither a local path nor a permalink.
// This is a data error in the library, not a condition to skip silently.
var ErrTrackUnplayable = errors.New("track has no local path and no permalink")

// Station is a configured radio channel. A station with no playlist is a
// meta-station: its "now playing" is delegated entirely via ScheduleEntry
// rows. At most one station is active at a time.
type Station struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	Name         string      `gorm:"uniqueIndex;size:128" json:"name"`
	PlaylistID   *uint       `gorm:"index" json:"playlist_id"`
	Mode         StationMode `gorm:"type:varchar(16);default:shuffle" json:"mode"`
	SourceFilter string      `gorm:"size:64" json:"source_filter"`
	Active       bool        `gorm:"index" json:"active"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// IsMeta reports whether the station delegates playback via its schedule.
func (s *Station) IsMeta() bool {
	return s.PlaylistID == nil
}

// ScheduleEntry maps a time-of-day range of a meta-station onto a target
// station. Ranges are half-open [start,end) and may wrap midnight. Position
// breaks ties between overlapping entries, lowest wins.
type ScheduleEntry struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	StationID       uint      `gorm:"index" json:"station_id"`
	StartTime       string    `gorm:"type:varchar(5)" json:"start_time"` // "HH:MM"
	EndTime         string    `gorm:"type:varchar(5)" json:"end_time"`   // "HH:MM"
	TargetStationID uint      `json:"target_station_id"`
	Position        int       `gorm:"index" json:"position"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName keeps the schedule in the curation tool's radio schema.
func (ScheduleEntry) TableName() string { return "station_schedule" }

// Track is an audio asset owned by the surrounding curation tool. Either
// LocalPath or Permalink must be set for the track to be playable.
type Track struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Title        string    `gorm:"index" json:"title"`
	Artist       string    `gorm:"index" json:"artist"`
	Album        string    `json:"album"`
	LocalPath    string    `json:"local_path"`
	Permalink    string    `gorm:"index" json:"permalink"`
	DurationSecs float64   `json:"duration_secs"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Source returns the serving source for the track.
func (t *Track) Source() SourceType {
	if t.Permalink != "" {
		return SourcePermalink
	}
	return SourceLocal
}

// Playable reports whether the track has any usable source.
func (t *Track) Playable() bool {
	return t.LocalPath != "" || t.Permalink != ""
}

// PlaylistTrack links a track into a station's playlist with a queue
// position. Queue-mode stations play in Position order.
type PlaylistTrack struct {
	PlaylistID uint `gorm:"primaryKey" json:"playlist_id"`
	TrackID    uint `gorm:"primaryKey" json:"track_id"`
	Position   int  `gorm:"index" json:"position"`
}

// SkipEntry excludes a track from a station's timeline for one calendar
// day. Rows are additive only; date rollover purges them, nothing un-skips.
type SkipEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StationID uint      `gorm:"index:idx_skip_station_day" json:"station_id"`
	TrackID   uint      `gorm:"index" json:"track_id"`
	Day       string    `gorm:"type:varchar(10);index:idx_skip_station_day" json:"day"` // "2006-01-02"
	Reason    string    `gorm:"size:255" json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName matches the persisted radio schema.
func (SkipEntry) TableName() string { return "radio_skipped" }

// HistoryEntry is one append-only playback row: exactly one per real track
// transition, written when the adapter begins serving a new track.
type HistoryEntry struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	PlayID        string     `gorm:"size:36;index" json:"play_id"`
	StationID     uint       `gorm:"index:idx_history_station_started" json:"station_id"`
	TrackID       uint       `gorm:"index" json:"track_id"`
	SourceType    SourceType `gorm:"type:varchar(16)" json:"source_type"`
	StartedAt     time.Time  `gorm:"index:idx_history_station_started" json:"started_at"`
	EndedAt       *time.Time `json:"ended_at"`
	StartOffsetMS int64      `json:"start_offset_ms"`
	Title         string     `json:"title"`
	Artist        string     `json:"artist"`
}

// TableName matches the persisted radio schema.
func (HistoryEntry) TableName() string { return "radio_history" }

// RadioState is the singleton "actually playing" pointer reported by the
// streaming engine via /track-started. It survives restarts so now-playing
// offsets stay correct for distributed clients.
type RadioState struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StationID uint      `json:"station_id"`
	TrackID   uint      `json:"track_id"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName matches the persisted radio schema.
func (RadioState) TableName() string { return "radio_state" }

// DayKey formats t in UTC as the calendar-day key used by skip rows and the
// shuffle seed. Changing this format would reshuffle every station.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
