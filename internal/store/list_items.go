package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kcook98765/librarygenie/models"
)

// AddListItem appends a media item to a list at max(position)+1, reporting
// whether the row was newly created (spec §4.3 add_item: duplicate tuples
// are silently ignored and reported as ALREADY_PRESENT).
func AddListItem(ctx context.Context, tx *sql.Tx, listID, mediaItemID int64) (added bool, position int, err error) {
	row := tx.QueryRowContext(ctx, `SELECT position FROM list_items WHERE list_id = ? AND media_item_id = ?`, listID, mediaItemID)
	var existing int
	switch scanErr := row.Scan(&existing); scanErr {
	case nil:
		return false, existing, nil
	case sql.ErrNoRows:
		// fall through to insert
	default:
		return false, 0, fmt.Errorf("check existing list item: %w", scanErr)
	}

	var maxPos sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(position) FROM list_items WHERE list_id = ?`, listID).Scan(&maxPos); err != nil {
		return false, 0, fmt.Errorf("load max position: %w", err)
	}

	next := 1
	if maxPos.Valid {
		next = int(maxPos.Int64) + 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO list_items (list_id, media_item_id, position) VALUES (?, ?, ?)
	`, listID, mediaItemID, next); err != nil {
		return false, 0, fmt.Errorf("insert list item: %w", err)
	}

	return true, next, nil
}

// AddListItemAtPosition inserts an item at an explicit position, used by
// BackupEngine import and move_to_new_list to preserve original ordering.
func AddListItemAtPosition(ctx context.Context, tx *sql.Tx, listID, mediaItemID int64, position int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO list_items (list_id, media_item_id, position) VALUES (?, ?, ?)
		ON CONFLICT(list_id, media_item_id) DO NOTHING
	`, listID, mediaItemID, position)
	if err != nil {
		return fmt.Errorf("insert list item at position: %w", err)
	}
	return nil
}

// RemoveListItem deletes a single row by its own id. Positions of the
// remaining rows are left untouched (spec §9).
func RemoveListItem(ctx context.Context, tx *sql.Tx, listItemID int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM list_items WHERE id = ?`, listItemID)
	if err != nil {
		return fmt.Errorf("remove list item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListItemsInOrder returns every item row for a list ordered by position.
func ListItemsInOrder(ctx context.Context, q Queryer, listID int64) ([]models.ListItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, list_id, media_item_id, position, created_at FROM list_items
		WHERE list_id = ? ORDER BY position ASC
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("list items in order: %w", err)
	}
	defer rows.Close()

	var out []models.ListItem
	for rows.Next() {
		var li models.ListItem
		if err := rows.Scan(&li.ID, &li.ListID, &li.MediaItemID, &li.Position, &li.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan list item: %w", err)
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

// RenumberListItems reassigns contiguous 1..N positions in existing order,
// the explicit operation spec §9 calls for ("consumers needing contiguous
// positions must renumber explicitly").
func RenumberListItems(ctx context.Context, tx *sql.Tx, listID int64) error {
	items, err := ListItemsInOrder(ctx, tx, listID)
	if err != nil {
		return err
	}

	for i, item := range items {
		newPos := i + 1
		if item.Position == newPos {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE list_items SET position = ? WHERE id = ?`, newPos, item.ID); err != nil {
			return fmt.Errorf("renumber list item %d: %w", item.ID, err)
		}
	}
	return nil
}

// MaxPosition returns the current maximum position in a list, or 0 if
// empty.
func MaxPosition(ctx context.Context, q Queryer, listID int64) (int, error) {
	var maxPos sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(position) FROM list_items WHERE list_id = ?`, listID).Scan(&maxPos); err != nil {
		return 0, fmt.Errorf("load max position: %w", err)
	}
	if !maxPos.Valid {
		return 0, nil
	}
	return int(maxPos.Int64), nil
}
