package models

import "time"

// ReservedSearchHistoryFolder is the name of the reserved root folder the
// SearchEngine auto-populates. It cannot be renamed, moved, or deleted.
const ReservedSearchHistoryFolder = "Search History"

// Folder is a node in the user's list-organization tree.
type Folder struct {
	ID        int64
	Name      string
	ParentID  *int64 // nil ⇒ root
	CreatedAt time.Time
}

// IsReserved reports whether this folder is the Search History root.
func (f Folder) IsReserved() bool {
	return f.ParentID == nil && f.Name == ReservedSearchHistoryFolder
}
