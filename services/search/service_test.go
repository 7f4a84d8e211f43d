package search_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
	"github.com/kcook98765/librarygenie/services/search"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedItem(t *testing.T, db *store.Store, hostID int64, title, plot string) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := store.UpsertLibraryItem(context.Background(), tx, models.MediaItem{
			MediaType: models.MediaTypeMovie, HostLibraryID: &hostID, Title: title, Plot: plot,
		}, 1)
		return err
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}
}

func TestSearchRanksTitleAboveGeneric(t *testing.T) {
	db := openTestStore(t)
	seedItem(t, db, 1, "The Matrix", "a hacker discovers reality is a simulation")
	seedItem(t, db, 2, "Reloaded", "the matrix returns")

	svc := search.New(db, true)
	results, err := svc.Search(context.Background(), search.Query{Text: "Matrix"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].MediaItem.Title != "The Matrix" {
		t.Fatalf("expected title match ranked first, got %q", results[0].MediaItem.Title)
	}
}

func TestSearchCapturesIntoSearchHistory(t *testing.T) {
	db := openTestStore(t)
	seedItem(t, db, 1, "Alpha", "")

	svc := search.New(db, true)
	if _, err := svc.Search(context.Background(), search.Query{Text: "Alpha"}); err != nil {
		t.Fatalf("search: %v", err)
	}

	reservedID, err := store.ReservedFolderID(context.Background(), db.DB())
	if err != nil {
		t.Fatalf("reserved folder: %v", err)
	}
	lists, err := store.ListsInFolder(context.Background(), db.DB(), &reservedID)
	if err != nil {
		t.Fatalf("lists in folder: %v", err)
	}
	if len(lists) != 1 {
		t.Fatalf("expected 1 captured search list, got %d", len(lists))
	}
}

// TestSearchMatchAllUnionsAcrossFields reproduces spec §8 scenario 3:
// with scope=both and match=all, a keyword set split across the title
// and plot of the same item still counts as a full match.
func TestSearchMatchAllUnionsAcrossFields(t *testing.T) {
	db := openTestStore(t)
	seedItem(t, db, 1, "Dark Knight", "Gotham hero")
	seedItem(t, db, 2, "Knight Rider", "Dark car")

	svc := search.New(db, false)
	results, err := svc.Search(context.Background(), search.Query{
		Text:  "dark knight",
		Scope: search.ScopeBoth,
		Match: search.MatchAll,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].MediaItem.Title != "Dark Knight" || results[0].Tier != 1 {
		t.Fatalf("expected Dark Knight ranked first at tier 1, got %q tier %d", results[0].MediaItem.Title, results[0].Tier)
	}
	if results[1].MediaItem.Title != "Knight Rider" || results[1].Tier != 4 {
		t.Fatalf("expected Knight Rider second at tier 4 (cross-field match), got %q tier %d", results[1].MediaItem.Title, results[1].Tier)
	}
}

func TestSearchEmptyQueryFails(t *testing.T) {
	db := openTestStore(t)
	svc := search.New(db, true)
	_, err := svc.Search(context.Background(), search.Query{Text: "   !!! "})
	if err != search.ErrEmptyQuery {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}
