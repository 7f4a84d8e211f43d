package backup_test

import (
	"bufio"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
	"github.com/kcook98765/librarygenie/services/backup"
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

func TestExportThenImportRoundTrips(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	var listID, itemID int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		folderID, err := store.CreateFolder(ctx, tx, "Movies", nil)
		if err != nil {
			return err
		}
		listID, err = store.CreateList(ctx, tx, "Favorites", &folderID)
		if err != nil {
			return err
		}
		hostID := int64(1)
		itemID, err = store.UpsertLibraryItem(ctx, tx, models.MediaItem{
			MediaType: models.MediaTypeMovie, HostLibraryID: &hostID, Title: "A", IMDbID: "tt1",
		}, 1)
		if err != nil {
			return err
		}
		_, _, err = store.AddListItem(ctx, tx, listID, itemID)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	fs := afero.NewMemMapFs()
	svc := backup.New(db, fs, "backups")

	path, err := svc.Export(ctx, "test")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := fs.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			lines = append(lines, scanner.Text())
		}
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 records (folder, list, item), got %d: %v", len(lines), lines)
	}

	// Import into a fresh store to confirm the round trip resolves by imdb_id.
	db2 := openTestStore(t)
	svc2 := backup.New(db2, fs, "backups")
	report, err := svc2.Import(ctx, lines)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.ItemsAdded != 1 {
		t.Fatalf("expected 1 item imported, got %d", report.ItemsAdded)
	}
	if report.Counts[backup.ConfidencePlaceholder] != 1 {
		t.Fatalf("expected placeholder match (fresh store has no imdb mapping), got %+v", report.Counts)
	}
}

func TestPruneRotationKeepsNewestN(t *testing.T) {
	db := openTestStore(t)
	fs := afero.NewMemMapFs()
	svc := backup.New(db, fs, "backups")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Export(ctx, "test"); err != nil {
			t.Fatalf("export %d: %v", i, err)
		}
	}

	names, err := svc.ListBackups()
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 backups before prune, got %d", len(names))
	}

	if err := svc.PruneRotation(1); err != nil {
		t.Fatalf("prune: %v", err)
	}
	names, err = svc.ListBackups()
	if err != nil {
		t.Fatalf("list backups after prune: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected 1 backup after prune, got %d", len(names))
	}
}
