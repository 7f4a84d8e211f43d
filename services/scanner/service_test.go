package scanner_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
	"github.com/kcook98765/librarygenie/providers"
	"github.com/kcook98765/librarygenie/services/scanner"
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

func TestFullScanUpsertsAndSweeps(t *testing.T) {
	db := openTestStore(t)
	fake := providers.NewFake()
	fake.Seed(models.MediaTypeMovie, []providers.Item{
		{HostLibraryID: 1, MediaType: models.MediaTypeMovie, Title: "A", IMDbID: "tt1"},
		{HostLibraryID: 2, MediaType: models.MediaTypeMovie, Title: "B", IMDbID: "tt2"},
	})

	svc, err := scanner.New(db, fake, scanner.Options{PageSize: 1})
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	ctx := context.Background()
	log, err := svc.FullScan(ctx, []models.MediaType{models.MediaTypeMovie})
	if err != nil {
		t.Fatalf("full scan: %v", err)
	}
	if log.Added != 2 {
		t.Fatalf("expected 2 items added, got %d", log.Added)
	}

	// Reseed with only one surviving item; the second scan should sweep the other.
	fake.Seed(models.MediaTypeMovie, []providers.Item{
		{HostLibraryID: 1, MediaType: models.MediaTypeMovie, Title: "A", IMDbID: "tt1"},
	})
	if _, err := svc.FullScan(ctx, []models.MediaType{models.MediaTypeMovie}); err != nil {
		t.Fatalf("second full scan: %v", err)
	}

	items, err := store.SearchCandidates(ctx, db.DB())
	if err != nil {
		t.Fatalf("search candidates: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected sweep to leave exactly 1 item, got %d", len(items))
	}
}

func TestGetHeavyCachesProviderResult(t *testing.T) {
	db := openTestStore(t)
	fake := providers.NewFake()
	fake.SetExtended(models.MediaTypeMovie, 1, models.ExtendedMetadata{
		Ratings: map[string]float64{"imdb": 8.1},
	})

	svc, err := scanner.New(db, fake, scanner.Options{})
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	ctx := context.Background()
	bag, err := svc.GetHeavy(ctx, models.MediaTypeMovie, 1)
	if err != nil {
		t.Fatalf("get heavy: %v", err)
	}
	if bag.Ratings["imdb"] != 8.1 {
		t.Fatalf("expected cached rating 8.1, got %v", bag.Ratings)
	}

	// A changed provider value must not be seen: the second call is a cache hit.
	fake.SetExtended(models.MediaTypeMovie, 1, models.ExtendedMetadata{
		Ratings: map[string]float64{"imdb": 9.9},
	})
	bag, err = svc.GetHeavy(ctx, models.MediaTypeMovie, 1)
	if err != nil {
		t.Fatalf("get heavy (cached): %v", err)
	}
	if bag.Ratings["imdb"] != 8.1 {
		t.Fatalf("expected cached rating 8.1 on second call, got %v", bag.Ratings)
	}
}

// TestFullScanPrewarmsHeavyMetadata verifies fetchAllPages' concurrent
// fan-out (bounded by MaxConcurrentFetches) actually runs during a scan:
// extended metadata for a seeded item is persisted to the store before any
// explicit GetHeavy call is made.
func TestFullScanPrewarmsHeavyMetadata(t *testing.T) {
	db := openTestStore(t)
	fake := providers.NewFake()
	fake.Seed(models.MediaTypeMovie, []providers.Item{
		{HostLibraryID: 1, MediaType: models.MediaTypeMovie, Title: "A", IMDbID: "tt1"},
	})
	fake.SetExtended(models.MediaTypeMovie, 1, models.ExtendedMetadata{
		Ratings: map[string]float64{"imdb": 7.5},
	})

	svc, err := scanner.New(db, fake, scanner.Options{MaxConcurrentFetches: 2})
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	ctx := context.Background()
	if _, err := svc.FullScan(ctx, []models.MediaType{models.MediaTypeMovie}); err != nil {
		t.Fatalf("full scan: %v", err)
	}

	bag, found, err := store.GetExtendedMetadata(ctx, db.DB(), models.MediaTypeMovie, 1)
	if err != nil {
		t.Fatalf("get extended metadata: %v", err)
	}
	if !found {
		t.Fatalf("expected scan to prewarm extended metadata for host id 1")
	}
	if bag.Ratings["imdb"] != 7.5 {
		t.Fatalf("expected prewarmed rating 7.5, got %v", bag.Ratings)
	}
}

func TestScannerStartsIdle(t *testing.T) {
	db := openTestStore(t)
	fake := providers.NewFake()
	svc, err := scanner.New(db, fake, scanner.Options{})
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	if svc.State() != scanner.StateIdle {
		t.Fatalf("expected idle state before any scan")
	}
}
