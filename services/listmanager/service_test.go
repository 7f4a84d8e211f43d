package listmanager_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
	"github.com/kcook98765/librarygenie/services/listmanager"
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

func seedMediaItem(t *testing.T, db *store.Store, hostID int64, title string) int64 {
	t.Helper()
	var id int64
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, err = store.UpsertLibraryItem(context.Background(), tx, models.MediaItem{
			MediaType: models.MediaTypeMovie, HostLibraryID: &hostID, Title: title,
		}, 1)
		return err
	})
	if err != nil {
		t.Fatalf("seed media item: %v", err)
	}
	return id
}

func TestDeleteReservedFolderFails(t *testing.T) {
	db := openTestStore(t)
	svc := listmanager.New(db)
	ctx := context.Background()

	id, err := store.ReservedFolderID(ctx, db.DB())
	if err != nil {
		t.Fatalf("reserved folder: %v", err)
	}
	if err := svc.DeleteFolder(ctx, id); err != listmanager.ErrReserved {
		t.Fatalf("expected ErrReserved, got %v", err)
	}
}

func TestMoveFolderRejectsCycle(t *testing.T) {
	db := openTestStore(t)
	svc := listmanager.New(db)
	ctx := context.Background()

	parentID, err := svc.CreateFolder(ctx, "Parent", nil)
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	childID, err := svc.CreateFolder(ctx, "Child", &parentID)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := svc.MoveFolder(ctx, parentID, &childID); err != listmanager.ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestMergeListAppendsOnlyMissingItems(t *testing.T) {
	db := openTestStore(t)
	svc := listmanager.New(db)
	ctx := context.Background()

	dst, err := svc.CreateList(ctx, "Dst", nil)
	if err != nil {
		t.Fatalf("create dst: %v", err)
	}
	src, err := svc.CreateList(ctx, "Src", nil)
	if err != nil {
		t.Fatalf("create src: %v", err)
	}

	itemA := seedMediaItem(t, db, 1, "A")
	itemB := seedMediaItem(t, db, 2, "B")

	if _, err := svc.AddItem(ctx, dst, itemA); err != nil {
		t.Fatalf("seed dst: %v", err)
	}
	if _, err := svc.AddItem(ctx, src, itemA); err != nil {
		t.Fatalf("seed src a: %v", err)
	}
	if _, err := svc.AddItem(ctx, src, itemB); err != nil {
		t.Fatalf("seed src b: %v", err)
	}

	added, err := svc.MergeList(ctx, dst, src)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 new item merged, got %d", added)
	}

	srcItems, err := svc.ListItems(ctx, src)
	if err != nil {
		t.Fatalf("list src items: %v", err)
	}
	if len(srcItems) != 2 {
		t.Fatalf("expected src unchanged with 2 items, got %d", len(srcItems))
	}
}

func TestQuickAddWithoutTargetFails(t *testing.T) {
	db := openTestStore(t)
	svc := listmanager.New(db)
	ctx := context.Background()

	itemID := seedMediaItem(t, db, 1, "A")
	if _, err := svc.QuickAdd(ctx, itemID); err != listmanager.ErrNoQuickAddTarget {
		t.Fatalf("expected ErrNoQuickAddTarget, got %v", err)
	}
}
