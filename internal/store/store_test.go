package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReservedFolderSeeded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := store.ReservedFolderID(ctx, s.DB())
	if err != nil {
		t.Fatalf("reserved folder: %v", err)
	}
	f, err := store.GetFolder(ctx, s.DB(), id)
	if err != nil {
		t.Fatalf("get folder: %v", err)
	}
	if !f.IsReserved() {
		t.Fatalf("expected seeded folder to be reserved, got %+v", f)
	}
}

func TestFolderNameUniquePerParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var firstID int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := store.CreateFolder(ctx, tx, "Movies", nil)
		firstID = id
		return err
	})
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := store.CreateFolder(ctx, tx, "Movies", nil)
		return err
	})
	if err != store.ErrDuplicateName {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	// Same name under a different parent succeeds.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := store.CreateFolder(ctx, tx, "Movies", &firstID)
		if err != nil {
			return err
		}
		_, err = store.CreateList(ctx, tx, "Movies", nil)
		return err
	})
	if err != nil {
		t.Fatalf("expected distinct-scope names to succeed: %v", err)
	}
}

func TestSweepDoesNotDeleteNonLibraryItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		hostID := int64(1)
		item := models.MediaItem{
			MediaType:     models.MediaTypeMovie,
			HostLibraryID: &hostID,
			Title:         "A",
			IMDbID:        "tt1",
		}
		if _, err := store.UpsertLibraryItem(ctx, tx, item, 1); err != nil {
			return err
		}

		ext := models.MediaItem{
			MediaType: models.MediaTypeExternal,
			Source:    models.SourceExternal,
			Title:     "B",
			Year:      2020,
			PlayURL:   "plugin://b",
		}
		_, _, err := store.FindOrCreateExternalItem(ctx, tx, ext)
		return err
	})
	if err != nil {
		t.Fatalf("seed items: %v", err)
	}

	// Sweep scan id 2: the source=lib item stamped with scan id 1 should go away.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := store.SweepStaleLibraryItems(ctx, tx, []models.MediaType{models.MediaTypeMovie}, 2)
		return err
	})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	items, err := store.SearchCandidates(ctx, s.DB())
	if err != nil {
		t.Fatalf("search candidates: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly the external item to survive, got %d items", len(items))
	}
	if items[0].Source != models.SourceExternal {
		t.Fatalf("expected surviving item to be external, got %v", items[0].Source)
	}
}

func TestListItemUniqueAndPositionMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var listID, item1, item2 int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		listID, err = store.CreateList(ctx, tx, "Favs", nil)
		if err != nil {
			return err
		}

		hostA, hostB := int64(10), int64(11)
		item1, err = store.UpsertLibraryItem(ctx, tx, models.MediaItem{MediaType: models.MediaTypeMovie, HostLibraryID: &hostA, Title: "A"}, 1)
		if err != nil {
			return err
		}
		item2, err = store.UpsertLibraryItem(ctx, tx, models.MediaItem{MediaType: models.MediaTypeMovie, HostLibraryID: &hostB, Title: "B"}, 1)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var pos1, pos2 int
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		_, p, err := store.AddListItem(ctx, tx, listID, item1)
		pos1 = p
		if err != nil {
			return err
		}
		_, p2, err := store.AddListItem(ctx, tx, listID, item2)
		pos2 = p2
		return err
	})
	if err != nil {
		t.Fatalf("add items: %v", err)
	}
	if pos2 <= pos1 {
		t.Fatalf("expected monotonically increasing positions, got %d then %d", pos1, pos2)
	}

	// Duplicate add is a silent no-op per spec.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		added, _, err := store.AddListItem(ctx, tx, listID, item1)
		if added {
			t.Fatalf("expected duplicate add to report already-present")
		}
		return err
	})
	if err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
}

func TestPendingOperationsDrainFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := store.EnqueuePendingOperation(ctx, tx, models.SyncOpAdd, []string{"tt1"}, "key-1"); err != nil {
			return err
		}
		time.Sleep(2 * time.Millisecond)
		_, err := store.EnqueuePendingOperation(ctx, tx, models.SyncOpRemove, []string{"tt2"}, "key-2")
		return err
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ops, err := store.NextPendingOperations(ctx, s.DB(), 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 pending ops, got %d", len(ops))
	}
	if ops[0].IdempotencyKey != "key-1" || ops[1].IdempotencyKey != "key-2" {
		t.Fatalf("expected FIFO order by created_at, got %+v", ops)
	}
}
