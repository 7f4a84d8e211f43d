package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kcook98765/librarygenie/models"
)

// CreateList inserts a new list row.
func CreateList(ctx context.Context, tx *sql.Tx, name string, folderID *int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO lists (name, folder_id) VALUES (?, ?)`, name, folderID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateName
		}
		return 0, fmt.Errorf("create list: %w", err)
	}
	return res.LastInsertId()
}

// GetList fetches a list by id.
func GetList(ctx context.Context, q Queryer, id int64) (models.List, error) {
	row := q.QueryRowContext(ctx, `SELECT id, folder_id, name, created_at FROM lists WHERE id = ?`, id)
	return scanList(row)
}

// RenameList renames a list within its current folder scope.
func RenameList(ctx context.Context, tx *sql.Tx, id int64, name string) error {
	_, err := tx.ExecContext(ctx, `UPDATE lists SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("rename list: %w", err)
	}
	return nil
}

// MoveList reparents a list to a (possibly different) folder.
func MoveList(ctx context.Context, tx *sql.Tx, id int64, folderID *int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE lists SET folder_id = ? WHERE id = ?`, folderID, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("move list: %w", err)
	}
	return nil
}

// DeleteList removes a list; ON DELETE CASCADE drops its items.
func DeleteList(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
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

// ListsInFolder returns the lists directly inside a folder.
func ListsInFolder(ctx context.Context, q Queryer, folderID *int64) ([]models.List, error) {
	var rows *sql.Rows
	var err error
	if folderID == nil {
		rows, err = q.QueryContext(ctx, `SELECT id, folder_id, name, created_at FROM lists WHERE folder_id IS NULL ORDER BY name`)
	} else {
		rows, err = q.QueryContext(ctx, `SELECT id, folder_id, name, created_at FROM lists WHERE folder_id = ? ORDER BY name`, *folderID)
	}
	if err != nil {
		return nil, fmt.Errorf("list lists in folder: %w", err)
	}
	defer rows.Close()

	var out []models.List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanList(row rowScanner) (models.List, error) {
	var l models.List
	var folderID sql.NullInt64
	if err := row.Scan(&l.ID, &folderID, &l.Name, &l.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return models.List{}, ErrNotFound
		}
		return models.List{}, fmt.Errorf("scan list: %w", err)
	}
	if folderID.Valid {
		id := folderID.Int64
		l.FolderID = &id
	}
	return l, nil
}
