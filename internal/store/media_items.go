package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kcook98765/librarygenie/models"
)

// UpsertLibraryItem inserts or updates a source=lib MediaItem keyed by
// (media_type, host_library_id), stamping last_seen_scan_id so the sweep
// phase can find rows the current scan did not touch (spec §4.1).
func UpsertLibraryItem(ctx context.Context, tx *sql.Tx, item models.MediaItem, scanID int64) (int64, error) {
	if item.HostLibraryID == nil {
		return 0, fmt.Errorf("upsert library item: host_library_id required for source=lib")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO media_items (
			media_type, imdb_id, tmdb_id, host_library_id, source,
			title, year, plot, rating, votes, duration_seconds, mpaa,
			genre, director, studio, country, writer, play_url, poster, fanart,
			last_seen_scan_id
		) VALUES (?,?,?,?,'lib',?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(media_type, host_library_id) WHERE source = 'lib' DO UPDATE SET
			imdb_id = excluded.imdb_id,
			tmdb_id = excluded.tmdb_id,
			title = excluded.title,
			year = excluded.year,
			plot = excluded.plot,
			rating = excluded.rating,
			votes = excluded.votes,
			duration_seconds = excluded.duration_seconds,
			mpaa = excluded.mpaa,
			genre = excluded.genre,
			director = excluded.director,
			studio = excluded.studio,
			country = excluded.country,
			writer = excluded.writer,
			play_url = excluded.play_url,
			poster = excluded.poster,
			fanart = excluded.fanart,
			last_seen_scan_id = excluded.last_seen_scan_id
	`,
		string(item.MediaType), nullableString(item.IMDbID), nullableString(item.TMDbID), *item.HostLibraryID,
		item.Title, item.Year, item.Plot, item.Rating, item.Votes, item.DurationSecs, item.MPAA,
		item.Genre, item.Director, item.Studio, item.Country, item.Writer, item.PlayURL, item.Poster, item.Fanart,
		scanID,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert library item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// ON CONFLICT UPDATE paths don't always populate LastInsertId on
		// every driver; look the row back up by its natural key.
		row := tx.QueryRowContext(ctx, `SELECT id FROM media_items WHERE media_type = ? AND host_library_id = ? AND source = 'lib'`,
			string(item.MediaType), *item.HostLibraryID)
		if scanErr := row.Scan(&id); scanErr != nil {
			return 0, fmt.Errorf("resolve upserted id: %w", scanErr)
		}
	}

	return id, nil
}

// SweepStaleLibraryItems deletes source=lib rows of the given media types
// whose last_seen_scan_id does not match the current scan. Only ever called
// after every page of a full scan has committed successfully (spec §4.1
// Failure semantics: "a failed full-scan does not sweep").
func SweepStaleLibraryItems(ctx context.Context, tx *sql.Tx, mediaTypes []models.MediaType, scanID int64) (int64, error) {
	var removed int64
	for _, mt := range mediaTypes {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM media_items
			WHERE source = 'lib' AND media_type = ? AND last_seen_scan_id != ?
		`, string(mt), scanID)
		if err != nil {
			return removed, fmt.Errorf("sweep stale items: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

// RemapIdentifierMappings rebuilds imdb_to_host from scratch for the given
// media types, reflecting the current contents of media_items (spec §4.1
// Remap phase).
func RemapIdentifierMappings(ctx context.Context, tx *sql.Tx, mediaTypes []models.MediaType) error {
	for _, mt := range mediaTypes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM imdb_to_host WHERE media_type = ?`, string(mt)); err != nil {
			return fmt.Errorf("clear identifier mapping: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO imdb_to_host (imdb_id, host_library_id, media_type)
			SELECT imdb_id, host_library_id, media_type
			FROM media_items
			WHERE media_type = ? AND source = 'lib' AND imdb_id IS NOT NULL AND host_library_id IS NOT NULL
		`, string(mt)); err != nil {
			return fmt.Errorf("rebuild identifier mapping: %w", err)
		}
	}
	return nil
}

// GetMediaItemByID fetches a single row.
func GetMediaItemByID(ctx context.Context, q Queryer, id int64) (models.MediaItem, error) {
	row := q.QueryRowContext(ctx, mediaItemSelect+` WHERE id = ?`, id)
	return scanMediaItem(row)
}

// GetMediaItemByHostID fetches a source=lib row by its natural key.
func GetMediaItemByHostID(ctx context.Context, q Queryer, mediaType models.MediaType, hostLibraryID int64) (models.MediaItem, error) {
	row := q.QueryRowContext(ctx, mediaItemSelect+` WHERE media_type = ? AND host_library_id = ? AND source = 'lib'`,
		string(mediaType), hostLibraryID)
	return scanMediaItem(row)
}

// FindOrCreateExternalItem implements the BackupEngine's final-resort
// matching step: locate an existing external/manual item by its natural
// uniqueness tuple (title, year, play_url), or create one.
func FindOrCreateExternalItem(ctx context.Context, tx *sql.Tx, item models.MediaItem) (int64, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id FROM media_items WHERE source != 'lib' AND title = ? AND year = ? AND play_url = ?
	`, item.Title, item.Year, item.PlayURL)

	var id int64
	err := row.Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("lookup external item: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO media_items (
			media_type, imdb_id, tmdb_id, source, title, year, plot, rating, votes,
			duration_seconds, mpaa, genre, director, studio, country, writer, play_url,
			poster, fanart, show_imdb_id, season, episode, plugin_id, plugin_route
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		string(item.MediaType), nullableString(item.IMDbID), nullableString(item.TMDbID), string(item.Source),
		item.Title, item.Year, item.Plot, item.Rating, item.Votes, item.DurationSecs, item.MPAA,
		item.Genre, item.Director, item.Studio, item.Country, item.Writer, item.PlayURL, item.Poster, item.Fanart,
		item.ShowIMDbID, item.Season, item.Episode, item.PluginID, item.PluginRoute,
	)
	if err != nil {
		return 0, false, fmt.Errorf("create external item: %w", err)
	}

	newID, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("resolve created external item id: %w", err)
	}
	return newID, true, nil
}

// ResolveByIMDb looks up a media item id via imdb_to_host, falling back to
// any media_items row carrying that imdb_id directly (covers manual/external
// items imported with an IMDb ID but no host mapping).
func ResolveByIMDb(ctx context.Context, q Queryer, imdbID string) (int64, bool, error) {
	var id int64
	row := q.QueryRowContext(ctx, `
		SELECT m.id FROM media_items m
		JOIN imdb_to_host i ON i.host_library_id = m.host_library_id AND i.media_type = m.media_type
		WHERE i.imdb_id = ? AND m.source = 'lib' LIMIT 1
	`, imdbID)
	if err := row.Scan(&id); err == nil {
		return id, true, nil
	} else if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("resolve by imdb: %w", err)
	}

	row = q.QueryRowContext(ctx, `SELECT id FROM media_items WHERE imdb_id = ? LIMIT 1`, imdbID)
	if err := row.Scan(&id); err == nil {
		return id, true, nil
	} else if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("resolve by imdb fallback: %w", err)
	}

	return 0, false, nil
}

// ResolveByTMDb is the BackupEngine's second matching step.
func ResolveByTMDb(ctx context.Context, q Queryer, tmdbID string) (int64, bool, error) {
	var id int64
	row := q.QueryRowContext(ctx, `SELECT id FROM media_items WHERE tmdb_id = ? LIMIT 1`, tmdbID)
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("resolve by tmdb: %w", err)
	}
	return id, true, nil
}

// ResolveByTitleYear is the BackupEngine's third matching step: a single
// case-folded (title, year) match against library items.
func ResolveByTitleYear(ctx context.Context, q Queryer, title string, year int) (int64, bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM media_items WHERE year = ? AND lower(title) = lower(?) AND source = 'lib'
	`, year, title)
	if err != nil {
		return 0, false, fmt.Errorf("resolve by title/year: %w", err)
	}
	defer rows.Close()

	var id int64
	count := 0
	for rows.Next() {
		count++
		if count > 1 {
			break
		}
		if err := rows.Scan(&id); err != nil {
			return 0, false, fmt.Errorf("scan title/year match: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	if count != 1 {
		return 0, false, nil
	}
	return id, true, nil
}

// ResolveByPlayURL is the BackupEngine's plugin-identifier matching step.
func ResolveByPlayURL(ctx context.Context, q Queryer, playURL string) (int64, bool, error) {
	var id int64
	row := q.QueryRowContext(ctx, `SELECT id FROM media_items WHERE play_url = ? LIMIT 1`, playURL)
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("resolve by play url: %w", err)
	}
	return id, true, nil
}

// LibraryIMDbSet returns the normalized set of IMDb IDs currently present
// among source=lib items — the "local library IMDb set" (L) the
// SyncReconciler diffs against the remote (spec §4.5).
func LibraryIMDbSet(ctx context.Context, q Queryer) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT imdb_id FROM media_items WHERE source = 'lib' AND imdb_id IS NOT NULL AND imdb_id != ''
	`)
	if err != nil {
		return nil, fmt.Errorf("load library imdb set: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan imdb id: %w", err)
		}
		set[id] = struct{}{}
	}
	return set, rows.Err()
}

// SearchCandidates returns every media item eligible for keyword search —
// all rows regardless of source, since search spans the whole index.
func SearchCandidates(ctx context.Context, q Queryer) ([]models.MediaItem, error) {
	rows, err := q.QueryContext(ctx, mediaItemSelect)
	if err != nil {
		return nil, fmt.Errorf("load search candidates: %w", err)
	}
	defer rows.Close()

	var items []models.MediaItem
	for rows.Next() {
		item, err := scanMediaItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const mediaItemSelect = `
	SELECT id, media_type, imdb_id, tmdb_id, host_library_id, source, title, year, plot,
	       rating, votes, duration_seconds, mpaa, genre, director, studio, country, writer,
	       play_url, poster, fanart, show_imdb_id, season, episode, plugin_id, plugin_route,
	       last_seen_scan_id, created_at
	FROM media_items
`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMediaItem(row rowScanner) (models.MediaItem, error) {
	return scanMediaItemRows(row)
}

func scanMediaItemRows(row rowScanner) (models.MediaItem, error) {
	var (
		m             models.MediaItem
		imdbID        sql.NullString
		tmdbID        sql.NullString
		hostLibraryID sql.NullInt64
		mediaType     string
		source        string
	)

	if err := row.Scan(
		&m.ID, &mediaType, &imdbID, &tmdbID, &hostLibraryID, &source, &m.Title, &m.Year, &m.Plot,
		&m.Rating, &m.Votes, &m.DurationSecs, &m.MPAA, &m.Genre, &m.Director, &m.Studio, &m.Country, &m.Writer,
		&m.PlayURL, &m.Poster, &m.Fanart, &m.ShowIMDbID, &m.Season, &m.Episode, &m.PluginID, &m.PluginRoute,
		&m.LastSeenScanID, &m.CreatedAt,
	); err != nil {
		return models.MediaItem{}, fmt.Errorf("scan media item: %w", err)
	}

	m.MediaType = models.MediaType(mediaType)
	m.Source = models.Source(source)
	m.IMDbID = imdbID.String
	m.TMDbID = tmdbID.String
	if hostLibraryID.Valid {
		id := hostLibraryID.Int64
		m.HostLibraryID = &id
	}

	return m, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
