package models

import "time"

// List is a named, ordered collection of MediaItem references.
type List struct {
	ID        int64
	FolderID  *int64
	Name      string
	CreatedAt time.Time
}

// ListItem is one membership row, with a monotonically increasing position
// per list. Positions are not renumbered on removal (spec §9); callers
// needing contiguous positions call ListManager.Renumber explicitly.
type ListItem struct {
	ID          int64
	ListID      int64
	MediaItemID int64
	Position    int
	CreatedAt   time.Time
}
