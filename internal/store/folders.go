package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3drv "github.com/mattn/go-sqlite3"

	"github.com/kcook98765/librarygenie/models"
)

// ErrDuplicateName is returned when a folder/list uniqueness constraint
// would be violated (spec §4.3 ConflictError: DUPLICATE_NAME).
var ErrDuplicateName = errors.New("store: duplicate name in scope")

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// CreateFolder inserts a new folder row, translating the unique-index
// violation into ErrDuplicateName.
func CreateFolder(ctx context.Context, tx *sql.Tx, name string, parentID *int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO folders (name, parent_id) VALUES (?, ?)`, name, parentID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateName
		}
		return 0, fmt.Errorf("create folder: %w", err)
	}
	return res.LastInsertId()
}

// GetFolder fetches a folder by id.
func GetFolder(ctx context.Context, q Queryer, id int64) (models.Folder, error) {
	row := q.QueryRowContext(ctx, `SELECT id, name, parent_id, created_at FROM folders WHERE id = ?`, id)
	return scanFolder(row)
}

// RenameFolder updates a folder's name within its current parent scope.
func RenameFolder(ctx context.Context, tx *sql.Tx, id int64, name string) error {
	_, err := tx.ExecContext(ctx, `UPDATE folders SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("rename folder: %w", err)
	}
	return nil
}

// MoveFolder reparents a folder.
func MoveFolder(ctx context.Context, tx *sql.Tx, id int64, newParentID *int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE folders SET parent_id = ? WHERE id = ?`, newParentID, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("move folder: %w", err)
	}
	return nil
}

// DeleteFolder removes a folder; ON DELETE CASCADE drops subfolders, their
// lists, and those lists' items (spec §4.3 delete_folder postcondition).
func DeleteFolder(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
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

// FolderAncestors walks the parent_id chain from id to the root, returning
// ids in child-to-root order. Used by ListManager.MoveFolder's cycle check
// (spec §9 — "reject a target that is a descendant of the source via an
// ancestor walk").
func FolderAncestors(ctx context.Context, q Queryer, id int64) ([]int64, error) {
	var chain []int64
	current := id
	seen := map[int64]bool{}

	for {
		if seen[current] {
			return nil, fmt.Errorf("folder ancestor walk: cycle detected at %d", current)
		}
		seen[current] = true

		var parentID sql.NullInt64
		row := q.QueryRowContext(ctx, `SELECT parent_id FROM folders WHERE id = ?`, current)
		if err := row.Scan(&parentID); err != nil {
			if err == sql.ErrNoRows {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("walk folder ancestors: %w", err)
		}

		if !parentID.Valid {
			return chain, nil
		}
		chain = append(chain, parentID.Int64)
		current = parentID.Int64
	}
}

// ChildFolders returns the direct children of a folder (nil parentID means
// root).
func ChildFolders(ctx context.Context, q Queryer, parentID *int64) ([]models.Folder, error) {
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = q.QueryContext(ctx, `SELECT id, name, parent_id, created_at FROM folders WHERE parent_id IS NULL ORDER BY name`)
	} else {
		rows, err = q.QueryContext(ctx, `SELECT id, name, parent_id, created_at FROM folders WHERE parent_id = ? ORDER BY name`, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("list child folders: %w", err)
	}
	defer rows.Close()

	var out []models.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ReservedFolderID returns the id of the Search History folder, created by
// migration 00001 and guaranteed to exist.
func ReservedFolderID(ctx context.Context, q Queryer) (int64, error) {
	var id int64
	row := q.QueryRowContext(ctx, `SELECT id FROM folders WHERE parent_id IS NULL AND name = ?`, models.ReservedSearchHistoryFolder)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve reserved folder: %w", err)
	}
	return id, nil
}

func scanFolder(row rowScanner) (models.Folder, error) {
	var f models.Folder
	var parentID sql.NullInt64
	if err := row.Scan(&f.ID, &f.Name, &parentID, &f.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return models.Folder{}, ErrNotFound
		}
		return models.Folder{}, fmt.Errorf("scan folder: %w", err)
	}
	if parentID.Valid {
		id := parentID.Int64
		f.ParentID = &id
	}
	return f, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3drv.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3drv.ErrConstraint
	}
	return false
}
