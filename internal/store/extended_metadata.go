package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kcook98765/librarygenie/models"
)

// GetExtendedMetadata loads the persisted heavy-metadata bag, if cached.
func GetExtendedMetadata(ctx context.Context, q Queryer, mediaType models.MediaType, hostLibraryID int64) (models.ExtendedMetadata, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT payload, fetched_at FROM media_item_extended WHERE media_type = ? AND host_library_id = ?
	`, string(mediaType), hostLibraryID)

	var payload string
	var fetchedAt time.Time
	if err := row.Scan(&payload, &fetchedAt); err != nil {
		if err == sql.ErrNoRows {
			return models.ExtendedMetadata{}, false, nil
		}
		return models.ExtendedMetadata{}, false, fmt.Errorf("load extended metadata: %w", err)
	}

	var bag models.ExtendedMetadata
	if err := json.Unmarshal([]byte(payload), &bag); err != nil {
		return models.ExtendedMetadata{}, false, fmt.Errorf("decode extended metadata: %w", err)
	}
	bag.HostLibraryID = hostLibraryID
	bag.MediaType = mediaType
	bag.FetchedAt = fetchedAt

	return bag, true, nil
}

// PutExtendedMetadata persists the heavy-metadata bag fetched from the
// provider (spec §4.1 get_heavy: "refreshes from provider if missing").
func PutExtendedMetadata(ctx context.Context, tx *sql.Tx, bag models.ExtendedMetadata) error {
	payload, err := json.Marshal(bag)
	if err != nil {
		return fmt.Errorf("encode extended metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO media_item_extended (host_library_id, media_type, payload, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(host_library_id, media_type) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`, bag.HostLibraryID, string(bag.MediaType), string(payload), bag.FetchedAt)
	if err != nil {
		return fmt.Errorf("put extended metadata: %w", err)
	}
	return nil
}
