// Package backup implements the BackupEngine component (spec §4.4):
// streaming NDJSON export/import of the user's folder/list/item hierarchy,
// plus automated backup rotation.
package backup

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-password/password"
	"github.com/spf13/afero"

	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
)

// SchemaVersion is the producer's current NDJSON record schema version.
const SchemaVersion = 1

// RecordType enumerates the kinds of NDJSON records (spec §4.4).
type RecordType string

const (
	RecordFolder RecordType = "folder"
	RecordList   RecordType = "list"
	RecordItem   RecordType = "item"
)

// Record is one line of the export/import stream. Only the fields
// relevant to RecordType are populated.
type Record struct {
	RecordType    RecordType `json:"record_type"`
	SchemaVersion int        `json:"schema_version"`

	// folder
	IDPath    string    `json:"id_path,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// list
	FolderPath string `json:"folder_path,omitempty"`

	// item
	ListPath    string           `json:"list_path,omitempty"`
	MediaType   models.MediaType `json:"media_type,omitempty"`
	IMDbID      string           `json:"imdb_id,omitempty"`
	TMDbID      string           `json:"tmdb_id,omitempty"`
	Title       string           `json:"title,omitempty"`
	Year        int              `json:"year,omitempty"`
	ShowIMDbID  string           `json:"show_imdb_id,omitempty"`
	Season      int              `json:"season,omitempty"`
	Episode     int              `json:"episode,omitempty"`
	PluginID    string           `json:"plugin_id,omitempty"`
	PluginRoute string           `json:"plugin_route,omitempty"`
	Position    int              `json:"position,omitempty"`
}

// Metadata is the sidecar file written alongside an export.
type Metadata struct {
	SchemaVersion  int       `json:"schema_version"`
	GeneratedAt    time.Time `json:"generated_at"`
	ProducerVersion string   `json:"producer_version"`
}

// MatchConfidence classifies how an imported item was resolved (spec §4.4
// Confidence).
type MatchConfidence string

const (
	ConfidenceExactIMDb   MatchConfidence = "exact_imdb"
	ConfidenceExactTMDb   MatchConfidence = "exact_tmdb"
	ConfidenceTitleYear   MatchConfidence = "title_year"
	ConfidencePlaceholder MatchConfidence = "placeholder"
)

// ImportReport tallies how imported items were resolved; core never
// silently drops an item.
type ImportReport struct {
	Counts       map[MatchConfidence]int
	FoldersAdded int
	ListsAdded   int
	ItemsAdded   int
}

// Service implements BackupEngine against the shared store and an afero
// filesystem abstraction (local disk or a network mount).
type Service struct {
	db  *store.Store
	fs  afero.Fs
	dir string
}

// New builds a BackupEngine service rooted at dir on the given
// filesystem.
func New(db *store.Store, fs afero.Fs, dir string) *Service {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Service{db: db, fs: fs, dir: dir}
}

// Export streams the entire folder/list/item hierarchy to a new NDJSON
// file plus a sidecar metadata file, walking folders in BFS order (spec
// §4.4 Export).
func (s *Service) Export(ctx context.Context, producerVersion string) (string, error) {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: create dir: %w", err)
	}

	now := time.Now().UTC()
	stamp := now.Format("20060102T150405Z") + "-" + backupFileSuffix()
	dataPath := s.dir + "/librarygenie-" + stamp + ".ndjson"
	metaPath := s.dir + "/librarygenie-" + stamp + ".meta.json"

	f, err := s.fs.Create(dataPath)
	if err != nil {
		return "", fmt.Errorf("backup: create export file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	if err := s.exportTree(ctx, enc); err != nil {
		return "", fmt.Errorf("backup: export: %w", err)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("backup: flush export: %w", err)
	}

	meta := Metadata{SchemaVersion: SchemaVersion, GeneratedAt: time.Now().UTC(), ProducerVersion: producerVersion}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("backup: encode metadata: %w", err)
	}
	if err := afero.WriteFile(s.fs, metaPath, metaBytes, 0o644); err != nil {
		return "", fmt.Errorf("backup: write metadata: %w", err)
	}

	return dataPath, nil
}

type folderNode struct {
	id   int64
	path string
}

// exportTree performs the BFS folder walk, emitting a folder record, then
// its lists and their items, before descending to children.
func (s *Service) exportTree(ctx context.Context, enc *json.Encoder) error {
	queue := []folderNode{{id: 0, path: ""}} // id=0 sentinel for root (parentID nil)
	isRoot := true

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		var parentID *int64
		if !isRoot {
			id := node.id
			parentID = &id
		}

		children, err := store.ChildFolders(ctx, s.db.DB(), parentID)
		if err != nil {
			return fmt.Errorf("load child folders: %w", err)
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

		for _, child := range children {
			childPath := child.Name
			if node.path != "" {
				childPath = node.path + "/" + child.Name
			}

			if err := enc.Encode(Record{
				RecordType: RecordFolder, SchemaVersion: SchemaVersion,
				IDPath: childPath, Name: child.Name, CreatedAt: child.CreatedAt,
			}); err != nil {
				return fmt.Errorf("encode folder record: %w", err)
			}

			if err := s.exportFolderLists(ctx, enc, child.ID, childPath); err != nil {
				return err
			}

			queue = append(queue, folderNode{id: child.ID, path: childPath})
		}

		if isRoot {
			if err := s.exportFolderLists(ctx, enc, 0, ""); err != nil {
				return err
			}
			isRoot = false
		}
	}
	return nil
}

func (s *Service) exportFolderLists(ctx context.Context, enc *json.Encoder, folderID int64, folderPath string) error {
	var fID *int64
	if folderID != 0 {
		fID = &folderID
	}

	lists, err := store.ListsInFolder(ctx, s.db.DB(), fID)
	if err != nil {
		return fmt.Errorf("load lists in folder %q: %w", folderPath, err)
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].Name < lists[j].Name })

	for _, list := range lists {
		if err := enc.Encode(Record{
			RecordType: RecordList, SchemaVersion: SchemaVersion,
			FolderPath: folderPath, Name: list.Name, CreatedAt: list.CreatedAt,
		}); err != nil {
			return fmt.Errorf("encode list record: %w", err)
		}

		listPath := folderPath
		if listPath != "" {
			listPath += "/"
		}
		listPath += list.Name

		items, err := store.ListItemsInOrder(ctx, s.db.DB(), list.ID)
		if err != nil {
			return fmt.Errorf("load items for list %q: %w", listPath, err)
		}
		for _, li := range items {
			item, err := store.GetMediaItemByID(ctx, s.db.DB(), li.MediaItemID)
			if err != nil {
				return fmt.Errorf("load item %d: %w", li.MediaItemID, err)
			}
			if err := enc.Encode(itemToRecord(item, listPath, li.Position)); err != nil {
				return fmt.Errorf("encode item record: %w", err)
			}
		}
	}
	return nil
}

func itemToRecord(item models.MediaItem, listPath string, position int) Record {
	return Record{
		RecordType: RecordItem, SchemaVersion: SchemaVersion,
		ListPath: listPath, MediaType: item.MediaType, IMDbID: item.IMDbID, TMDbID: item.TMDbID,
		Title: item.Title, Year: item.Year,
		ShowIMDbID: item.ShowIMDbID, Season: item.Season, Episode: item.Episode,
		PluginID: item.PluginID, PluginRoute: item.PluginRoute, Position: position,
	}
}

// Import reads an NDJSON stream, recreating folders/lists and resolving
// each item via the priority chain (spec §4.4 Import matching).
func (s *Service) Import(ctx context.Context, lines []string) (ImportReport, error) {
	report := ImportReport{Counts: make(map[MatchConfidence]int)}

	folderIDs := map[string]int64{} // id_path -> folder id
	listIDs := map[string]int64{}   // folder_path + "/" + name -> list id

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, line := range lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}

			switch rec.RecordType {
			case RecordFolder:
				id, err := importFolder(ctx, tx, rec, folderIDs)
				if err != nil {
					return err
				}
				folderIDs[rec.IDPath] = id
				report.FoldersAdded++

			case RecordList:
				id, err := importList(ctx, tx, rec, folderIDs)
				if err != nil {
					return err
				}
				listIDs[listKey(rec.FolderPath, rec.Name)] = id
				report.ListsAdded++

			case RecordItem:
				listID, ok := listIDs[rec.ListPath]
				if !ok {
					return fmt.Errorf("import item: unknown list path %q", rec.ListPath)
				}
				confidence, err := importItem(ctx, tx, rec, listID)
				if err != nil {
					return err
				}
				report.Counts[confidence]++
				report.ItemsAdded++
			}
		}
		return nil
	})
	return report, err
}

func importFolder(ctx context.Context, tx *sql.Tx, rec Record, folderIDs map[string]int64) (int64, error) {
	var parentID *int64
	if idx := strings.LastIndex(rec.IDPath, "/"); idx >= 0 {
		parentPath := rec.IDPath[:idx]
		id, ok := folderIDs[parentPath]
		if !ok {
			return 0, fmt.Errorf("import folder %q: parent %q not yet created", rec.IDPath, parentPath)
		}
		parentID = &id
	}
	id, err := store.CreateFolder(ctx, tx, rec.Name, parentID)
	if errors.Is(err, store.ErrDuplicateName) {
		// The folder already exists (the seeded Search History folder, or a
		// repeated import): reuse it instead of failing the import.
		siblings, listErr := store.ChildFolders(ctx, tx, parentID)
		if listErr != nil {
			return 0, listErr
		}
		for _, f := range siblings {
			if f.Name == rec.Name {
				return f.ID, nil
			}
		}
	}
	return id, err
}

func importList(ctx context.Context, tx *sql.Tx, rec Record, folderIDs map[string]int64) (int64, error) {
	var folderID *int64
	if rec.FolderPath != "" {
		id, ok := folderIDs[rec.FolderPath]
		if !ok {
			return 0, fmt.Errorf("import list %q: folder %q not yet created", rec.Name, rec.FolderPath)
		}
		folderID = &id
	}
	return store.CreateList(ctx, tx, rec.Name, folderID)
}

func listKey(folderPath, name string) string {
	if folderPath == "" {
		return name
	}
	return folderPath + "/" + name
}

// importItem implements the priority matching chain: imdb_id, then
// tmdb_id, then (title, year), then plugin identifiers, else a
// placeholder (spec §4.4 Import matching).
func importItem(ctx context.Context, tx *sql.Tx, rec Record, listID int64) (MatchConfidence, error) {
	var (
		mediaItemID int64
		confidence  MatchConfidence
	)

	switch {
	case rec.IMDbID != "":
		id, found, err := store.ResolveByIMDb(ctx, tx, rec.IMDbID)
		if err != nil {
			return "", err
		}
		if found {
			mediaItemID, confidence = id, ConfidenceExactIMDb
		} else {
			id, _, err := store.FindOrCreateExternalItem(ctx, tx, recordToPlaceholder(rec))
			if err != nil {
				return "", err
			}
			mediaItemID, confidence = id, ConfidencePlaceholder
		}

	case rec.TMDbID != "":
		id, found, err := store.ResolveByTMDb(ctx, tx, rec.TMDbID)
		if err != nil {
			return "", err
		}
		if found {
			mediaItemID, confidence = id, ConfidenceExactTMDb
		} else {
			id, _, err := store.FindOrCreateExternalItem(ctx, tx, recordToPlaceholder(rec))
			if err != nil {
				return "", err
			}
			mediaItemID, confidence = id, ConfidencePlaceholder
		}

	default:
		if rec.Title != "" {
			id, found, err := store.ResolveByTitleYear(ctx, tx, rec.Title, rec.Year)
			if err != nil {
				return "", err
			}
			if found {
				mediaItemID, confidence = id, ConfidenceTitleYear
				break
			}
		}
		if rec.PluginRoute != "" {
			id, found, err := store.ResolveByPlayURL(ctx, tx, rec.PluginRoute)
			if err != nil {
				return "", err
			}
			if found {
				mediaItemID, confidence = id, ConfidencePlaceholder
				break
			}
		}
		id, _, err := store.FindOrCreateExternalItem(ctx, tx, recordToPlaceholder(rec))
		if err != nil {
			return "", err
		}
		mediaItemID, confidence = id, ConfidencePlaceholder
	}

	if err := store.AddListItemAtPosition(ctx, tx, listID, mediaItemID, rec.Position); err != nil {
		return "", fmt.Errorf("place imported item: %w", err)
	}
	return confidence, nil
}

// backupFileSuffix returns a short random disambiguator for two exports
// started within the same second, avoiding a timestamp collision without
// leaking nanosecond-precision timing into the filename.
func backupFileSuffix() string {
	suffix, err := password.Generate(6, 2, 0, true, true)
	if err != nil {
		return "000000"
	}
	return strings.ToLower(suffix)
}

func recordToPlaceholder(rec Record) models.MediaItem {
	return models.MediaItem{
		MediaType: rec.MediaType, Source: models.SourceExternal,
		IMDbID: rec.IMDbID, TMDbID: rec.TMDbID, Title: rec.Title, Year: rec.Year,
		ShowIMDbID: rec.ShowIMDbID, Season: rec.Season, Episode: rec.Episode,
		PluginID: rec.PluginID, PluginRoute: rec.PluginRoute,
		PlayURL: rec.PluginRoute,
	}
}

// ListBackups returns export data-file names under the backup directory,
// newest first by their one-second timestamp; files stamped within the
// same second are ordered by their random suffix.
func (s *Service) ListBackups() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("backup: list dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".ndjson") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// PruneRotation deletes the oldest export files (and their sidecars)
// beyond the configured retention count (spec §4.4 Rotation).
func (s *Service) PruneRotation(maxFiles int) error {
	if maxFiles <= 0 {
		return nil
	}
	names, err := s.ListBackups()
	if err != nil {
		return err
	}
	if len(names) <= maxFiles {
		return nil
	}

	for _, name := range names[maxFiles:] {
		base := strings.TrimSuffix(name, ".ndjson")
		if err := s.fs.Remove(s.dir + "/" + name); err != nil {
			return fmt.Errorf("backup: remove %s: %w", name, err)
		}
		_ = s.fs.Remove(s.dir + "/" + base + ".meta.json")
	}
	return nil
}
