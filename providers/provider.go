// Package providers defines LibraryProvider, the capability interface the
// Scanner consumes to pull items from whatever external media library is
// configured (spec §6.1). The core never depends on a concrete transport —
// JSON-RPC, a direct database, or (in tests) an in-memory fake all satisfy
// the same contract, mirroring the dynamic-dispatch design note in spec §9.
package providers

import (
	"context"

	"github.com/kcook98765/librarygenie/models"
)

// Item is one light-metadata row as returned by a page of List.
type Item struct {
	HostLibraryID int64
	MediaType     models.MediaType
	Title         string
	Year          int
	IMDbID        string
	TMDbID        string
	Rating        float64
	Votes         int
	DurationSecs  int
	MPAA          string
	Genre         string
	Director      string
	Studio        string
	Country       string
	Writer        string
	Poster        string
	Fanart        string
	Plot          string
	PlayURL       string

	// Removed is set by providers that support explicit deletion markers
	// for delta scans (spec §4.1 delta_scan: "deletes only items the
	// provider explicitly marks removed").
	Removed bool
}

// ToMediaItem converts a provider Item into a store-ready MediaItem shell
// for source=lib ingestion.
func (i Item) ToMediaItem() models.MediaItem {
	hostID := i.HostLibraryID
	return models.MediaItem{
		MediaType:     i.MediaType,
		HostLibraryID: &hostID,
		Source:        models.SourceLibrary,
		Title:         i.Title,
		Year:          i.Year,
		IMDbID:        i.IMDbID,
		TMDbID:        i.TMDbID,
		Rating:        i.Rating,
		Votes:         i.Votes,
		DurationSecs:  i.DurationSecs,
		MPAA:          i.MPAA,
		Genre:         i.Genre,
		Director:      i.Director,
		Studio:        i.Studio,
		Country:       i.Country,
		Writer:        i.Writer,
		Poster:        i.Poster,
		Fanart:        i.Fanart,
		Plot:          i.Plot,
		PlayURL:       i.PlayURL,
	}
}

// Page is one page of List results.
type Page struct {
	Items      []Item
	NextCursor string // "" means no further pages
}

// Provider is the capability interface consumed by the Scanner.
type Provider interface {
	// List pages through light-property items of the given media type. An
	// empty cursor begins from the start; a non-empty NextCursor on the
	// returned Page means more pages remain.
	List(ctx context.Context, mediaType models.MediaType, cursor string, pageSize int) (Page, error)

	// GetExtended fetches the heavy-field bag for one item.
	GetExtended(ctx context.Context, mediaType models.MediaType, hostLibraryID int64) (models.ExtendedMetadata, error)

	// Version reports the host's major version, used by the Scanner's
	// migration trigger (spec §4.1 version_migrate).
	Version(ctx context.Context) (int, error)

	// IsPlaying reports whether the host is actively playing media, used
	// by the service loop's idle predicate (spec §5).
	IsPlaying(ctx context.Context) (bool, error)
}

// DeltaProvider is optionally implemented by providers that support a
// change-token cursor for incremental scans (spec §4.1 delta_scan: "uses
// provider's change token (since_token) when supported").
type DeltaProvider interface {
	Provider

	// ListChanges pages through items changed since the given token,
	// returning the next token to persist for the following delta scan.
	ListChanges(ctx context.Context, mediaType models.MediaType, sinceToken string, cursor string, pageSize int) (Page, string, error)
}
