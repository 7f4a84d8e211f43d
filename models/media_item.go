package models

import "time"

// MediaType enumerates the kinds of items the index can hold.
type MediaType string

const (
	MediaTypeMovie      MediaType = "movie"
	MediaTypeEpisode    MediaType = "episode"
	MediaTypeMusicVideo MediaType = "musicvideo"
	MediaTypeExternal   MediaType = "external"
)

// Source identifies who owns a MediaItem row.
type Source string

const (
	// SourceLibrary marks items authoritatively owned by the Scanner; they
	// may be deleted during full-scan reconciliation.
	SourceLibrary Source = "lib"
	// SourceExternal marks items created from plugin routes (backup import,
	// out-of-library search results).
	SourceExternal Source = "ext"
	// SourceManual marks items a user added by hand.
	SourceManual Source = "manual"
)

// MediaItem is the normalized row for a single piece of indexed media.
// Episode-specific and external-plugin fields are flattened here rather
// than modeled as a tagged union, per the persistence-layer guidance in
// spec §9 ("flatten to columns at the persistence layer").
type MediaItem struct {
	ID        int64
	MediaType MediaType

	IMDbID        string // "" when absent, always tt\d+ when present
	TMDbID        string
	HostLibraryID *int64
	Source        Source

	Title          string
	Year           int
	Plot           string
	Rating         float64
	Votes          int
	DurationSecs   int
	MPAA           string
	Genre          string
	Director       string
	Studio         string
	Country        string
	Writer         string
	PlayURL        string
	Poster         string
	Fanart         string

	// Episode extras, only meaningful when MediaType == MediaTypeEpisode.
	ShowIMDbID string
	Season     int
	Episode    int

	// External-plugin extras, only meaningful when Source == SourceExternal.
	PluginID    string
	PluginRoute string

	LastSeenScanID int64

	CreatedAt time.Time
}

// Key returns the item's natural identity as a string:
// "media_type:host_library_id" when HostLibraryID is set, otherwise
// "media_type:title:year:play_url" (the external-item uniqueness tuple).
func (m MediaItem) Key() string {
	if m.HostLibraryID != nil {
		return string(m.MediaType) + ":" + itoa(*m.HostLibraryID)
	}
	return string(m.MediaType) + ":" + m.Title + ":" + itoa(int64(m.Year)) + ":" + m.PlayURL
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ExtendedMetadata is the opaque heavy-metadata bag, keyed by
// (media_type, host_library_id) and fetched on demand.
type ExtendedMetadata struct {
	HostLibraryID int64
	MediaType     MediaType
	Cast          []CastMember
	Ratings       map[string]float64 // per-source ratings, e.g. "imdb", "tmdb"
	Streams       []StreamDetail
	UniqueIDs     map[string]string
	FetchedAt     time.Time
}

// CastMember is one credited actor/role pair.
type CastMember struct {
	Name string
	Role string
	Order int
}

// StreamDetail captures technical playback properties for one stream.
type StreamDetail struct {
	Codec    string
	Width    int
	Height   int
	Channels int
	Language string
}
