package orchestrator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
	"github.com/kcook98765/librarygenie/providers"
	"github.com/kcook98765/librarygenie/services/orchestrator"
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

// TestTicksRunScanOnceIdle verifies the background loop defers heavy work
// while the provider reports active playback and runs it once idle for
// the configured grace period (spec §5 playback-idle predicate).
func TestTicksRunScanOnceIdle(t *testing.T) {
	db := openTestStore(t)
	fake := providers.NewFake()
	fake.Seed(models.MediaTypeMovie, []providers.Item{
		{HostLibraryID: 1, MediaType: models.MediaTypeMovie, Title: "A", IMDbID: "tt1"},
	})
	fake.SetPlaying(true)

	scanSvc, err := scanner.New(db, fake, scanner.Options{})
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	svc := orchestrator.New(fake, scanSvc, nil, nil, orchestrator.Options{
		FullScanInterval: time.Millisecond,
		IdleGrace:        20 * time.Millisecond,
		MediaTypes:       []models.MediaType{models.MediaTypeMovie},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	// Two ticks (at 150ms and 300ms) observe active playback.
	time.Sleep(2*orchestrator.TickInterval + orchestrator.TickInterval/2)
	items, err := store.SearchCandidates(context.Background(), db.DB())
	if err != nil {
		t.Fatalf("search candidates: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected scan deferred while playing, got %d items", len(items))
	}

	// The next tick starts the idle clock; the one after it is past the
	// 20ms grace and starts the scan.
	fake.SetPlaying(false)
	time.Sleep(4 * orchestrator.TickInterval)

	items, err = store.SearchCandidates(context.Background(), db.DB())
	if err != nil {
		t.Fatalf("search candidates: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected scan to run once idle, got %d items", len(items))
	}
}

func TestStopIsIdempotentWithoutStart(t *testing.T) {
	db := openTestStore(t)
	fake := providers.NewFake()
	scanSvc, err := scanner.New(db, fake, scanner.Options{})
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	svc := orchestrator.New(fake, scanSvc, nil, nil, orchestrator.Options{})
	svc.Stop() // must not panic or block when never started
}
