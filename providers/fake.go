package providers

import (
	"context"
	"sort"
	"sync"

	"github.com/kcook98765/librarygenie/models"
)

// Fake is an in-memory Provider used by tests and the demo-mode entrypoint,
// the "fake" variant spec §9 calls for alongside host-native and recording
// providers.
type Fake struct {
	mu          sync.Mutex
	items       map[models.MediaType][]Item
	extended    map[string]models.ExtendedMetadata
	version     int
	playing     bool
	changeToken map[models.MediaType]string
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		items:       make(map[models.MediaType][]Item),
		extended:    make(map[string]models.ExtendedMetadata),
		version:     1,
		changeToken: make(map[models.MediaType]string),
	}
}

// Seed replaces the full item set for a media type.
func (f *Fake) Seed(mediaType models.MediaType, items []Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[mediaType] = append([]Item(nil), items...)
}

// SetVersion controls what Version() reports.
func (f *Fake) SetVersion(v int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = v
}

// SetPlaying controls what IsPlaying() reports.
func (f *Fake) SetPlaying(playing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = playing
}

// SetExtended seeds the heavy-metadata bag returned for a given item.
func (f *Fake) SetExtended(mediaType models.MediaType, hostLibraryID int64, bag models.ExtendedMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extended[extendedKey(mediaType, hostLibraryID)] = bag
}

func extendedKey(mediaType models.MediaType, hostLibraryID int64) string {
	return string(mediaType) + ":" + itoa(hostLibraryID)
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

// List implements Provider using fixed page boundaries over the seeded
// slice, ordered by HostLibraryID for determinism.
func (f *Fake) List(_ context.Context, mediaType models.MediaType, cursor string, pageSize int) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := append([]Item(nil), f.items[mediaType]...)
	sort.Slice(all, func(i, j int) bool { return all[i].HostLibraryID < all[j].HostLibraryID })

	start := 0
	if cursor != "" {
		for i, it := range all {
			if itoa(it.HostLibraryID) == cursor {
				start = i + 1
				break
			}
		}
	}

	if start >= len(all) {
		return Page{}, nil
	}

	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}

	page := Page{Items: all[start:end]}
	if end < len(all) {
		page.NextCursor = itoa(all[end-1].HostLibraryID)
	}
	return page, nil
}

// GetExtended implements Provider.
func (f *Fake) GetExtended(_ context.Context, mediaType models.MediaType, hostLibraryID int64) (models.ExtendedMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extended[extendedKey(mediaType, hostLibraryID)], nil
}

// Version implements Provider.
func (f *Fake) Version(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, nil
}

// IsPlaying implements Provider.
func (f *Fake) IsPlaying(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing, nil
}
