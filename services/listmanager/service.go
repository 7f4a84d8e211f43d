// Package listmanager implements the ListManager component (spec §4.3):
// folder and list lifecycle, list-item membership, and movement within
// the hierarchy.
package listmanager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
)

// ErrReserved is returned for renames, moves and deletes of the reserved
// Search History folder itself, and for merges into a list directly
// inside it (spec §4.3, §9). Its subfolders are not checked.
var ErrReserved = errors.New("listmanager: folder is reserved")

// ErrCycle is returned when a move would make a folder its own ancestor.
var ErrCycle = errors.New("listmanager: move would create a cycle")

// ErrEmptyName is returned for blank folder/list names.
var ErrEmptyName = errors.New("listmanager: name must not be empty")

// ErrNoQuickAddTarget is returned by QuickAdd when no default list is set.
var ErrNoQuickAddTarget = errors.New("listmanager: no quick-add list configured")

// Service implements ListManager against the shared store.
type Service struct {
	db             *store.Store
	quickAddListID *int64
}

// New builds a ListManager service.
func New(db *store.Store) *Service {
	return &Service{db: db}
}

// SetQuickAddList configures the default list QuickAdd appends to.
func (s *Service) SetQuickAddList(listID int64) {
	id := listID
	s.quickAddListID = &id
}

// CreateFolder creates a folder under the given parent (nil ⇒ root).
func (s *Service) CreateFolder(ctx context.Context, name string, parentID *int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrEmptyName
	}

	var id int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = store.CreateFolder(ctx, tx, name, parentID)
		return err
	})
	return id, err
}

// RenameFolder renames a folder, rejecting the reserved folder.
func (s *Service) RenameFolder(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if err := s.rejectReserved(ctx, id); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.RenameFolder(ctx, tx, id, name)
	})
}

// MoveFolder reparents a folder, rejecting moves of the reserved folder
// and moves that would create a cycle.
func (s *Service) MoveFolder(ctx context.Context, id int64, newParentID *int64) error {
	if err := s.rejectReserved(ctx, id); err != nil {
		return err
	}

	if newParentID != nil {
		if *newParentID == id {
			return ErrCycle
		}
		ancestors, err := store.FolderAncestors(ctx, s.db.DB(), *newParentID)
		if err != nil {
			return fmt.Errorf("listmanager: walk ancestors: %w", err)
		}
		for _, a := range ancestors {
			if a == id {
				return ErrCycle
			}
		}
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.MoveFolder(ctx, tx, id, newParentID)
	})
}

// DeleteFolder deletes a folder and cascades through its subfolders and
// lists, rejecting the reserved folder.
func (s *Service) DeleteFolder(ctx context.Context, id int64) error {
	if err := s.rejectReserved(ctx, id); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.DeleteFolder(ctx, tx, id)
	})
}

func (s *Service) rejectReserved(ctx context.Context, folderID int64) error {
	f, err := store.GetFolder(ctx, s.db.DB(), folderID)
	if err != nil {
		return fmt.Errorf("listmanager: load folder: %w", err)
	}
	if f.IsReserved() {
		return ErrReserved
	}
	return nil
}

// CreateList creates a list under the given folder (nil ⇒ root).
func (s *Service) CreateList(ctx context.Context, name string, folderID *int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrEmptyName
	}
	var id int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = store.CreateList(ctx, tx, name, folderID)
		return err
	})
	return id, err
}

// RenameList renames a list.
func (s *Service) RenameList(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.RenameList(ctx, tx, id, name)
	})
}

// MoveList reparents a list to a different folder.
func (s *Service) MoveList(ctx context.Context, id int64, folderID *int64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.MoveList(ctx, tx, id, folderID)
	})
}

// DeleteList deletes a list and its items.
func (s *Service) DeleteList(ctx context.Context, id int64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.DeleteList(ctx, tx, id)
	})
}

// AddResult reports whether AddItem created a new row.
type AddResult string

const (
	AddResultAdded          AddResult = "ADDED"
	AddResultAlreadyPresent AddResult = "ALREADY_PRESENT"
)

// AddItem appends a media item to a list, silently reporting
// ALREADY_PRESENT on a duplicate (spec §4.3 add_item).
func (s *Service) AddItem(ctx context.Context, listID, mediaItemID int64) (AddResult, error) {
	var added bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		added, _, err = store.AddListItem(ctx, tx, listID, mediaItemID)
		return err
	})
	if err != nil {
		return "", err
	}
	if added {
		return AddResultAdded, nil
	}
	return AddResultAlreadyPresent, nil
}

// RemoveItem deletes a single list_items row by its own id; positions of
// remaining rows are left untouched (spec §9).
func (s *Service) RemoveItem(ctx context.Context, listItemID int64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.RemoveListItem(ctx, tx, listItemID)
	})
}

// Renumber reassigns contiguous 1..N positions for a list, the explicit
// operation spec §9 calls for.
func (s *Service) Renumber(ctx context.Context, listID int64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.RenumberListItems(ctx, tx, listID)
	})
}

// MergeList appends every item of src not already present in dst, by
// src's position order, leaving src unchanged. dst must not be the
// reserved Search History folder's list (spec §4.3 merge_list).
func (s *Service) MergeList(ctx context.Context, dstListID, srcListID int64) (int, error) {
	if err := s.rejectSearchHistoryList(ctx, dstListID); err != nil {
		return 0, err
	}

	added := 0
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		srcItems, err := store.ListItemsInOrder(ctx, tx, srcListID)
		if err != nil {
			return fmt.Errorf("load source items: %w", err)
		}
		for _, item := range srcItems {
			wasAdded, _, err := store.AddListItem(ctx, tx, dstListID, item.MediaItemID)
			if err != nil {
				return fmt.Errorf("merge item %d: %w", item.MediaItemID, err)
			}
			if wasAdded {
				added++
			}
		}
		return nil
	})
	return added, err
}

// MoveToNewList copies a search-history list's items, preserving order,
// into a brand-new list, leaving the search-history list untouched (spec
// §4.3 move_to_new_list).
func (s *Service) MoveToNewList(ctx context.Context, srcListID int64, newName string, targetFolder *int64) (int64, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return 0, ErrEmptyName
	}

	var newListID int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := store.CreateList(ctx, tx, newName, targetFolder)
		if err != nil {
			return err
		}
		newListID = id

		items, err := store.ListItemsInOrder(ctx, tx, srcListID)
		if err != nil {
			return fmt.Errorf("load source items: %w", err)
		}
		for _, item := range items {
			if err := store.AddListItemAtPosition(ctx, tx, newListID, item.MediaItemID, item.Position); err != nil {
				return fmt.Errorf("copy item %d: %w", item.MediaItemID, err)
			}
		}
		return nil
	})
	return newListID, err
}

func (s *Service) rejectSearchHistoryList(ctx context.Context, listID int64) error {
	list, err := store.GetList(ctx, s.db.DB(), listID)
	if err != nil {
		return fmt.Errorf("listmanager: load list: %w", err)
	}
	if list.FolderID == nil {
		return nil
	}
	reservedID, err := store.ReservedFolderID(ctx, s.db.DB())
	if err != nil {
		return fmt.Errorf("listmanager: resolve reserved folder: %w", err)
	}
	if *list.FolderID == reservedID {
		return ErrReserved
	}
	return nil
}

// QuickAdd is a thin wrapper appending to the configured default list
// (spec §4.3 Quick-add).
func (s *Service) QuickAdd(ctx context.Context, mediaItemID int64) (AddResult, error) {
	if s.quickAddListID == nil {
		return "", ErrNoQuickAddTarget
	}
	return s.AddItem(ctx, *s.quickAddListID, mediaItemID)
}

// ChildFolders returns the direct children of a folder (nil ⇒ root).
func (s *Service) ChildFolders(ctx context.Context, parentID *int64) ([]models.Folder, error) {
	return store.ChildFolders(ctx, s.db.DB(), parentID)
}

// ListsInFolder returns the lists directly inside a folder (nil ⇒ root).
func (s *Service) ListsInFolder(ctx context.Context, folderID *int64) ([]models.List, error) {
	return store.ListsInFolder(ctx, s.db.DB(), folderID)
}

// ListItems returns a list's items in position order.
func (s *Service) ListItems(ctx context.Context, listID int64) ([]models.ListItem, error) {
	return store.ListItemsInOrder(ctx, s.db.DB(), listID)
}
