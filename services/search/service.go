// Package search implements the SearchEngine component (spec §4.2):
// keyword matching over indexed media items, ranked results, and
// automatic capture of each query into the reserved Search History
// folder as a materialized list.
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kcook98765/librarygenie/internal/normalizer"
	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
)

// Scope controls which fields a query is matched against.
type Scope string

const (
	ScopeTitle Scope = "title"
	ScopePlot  Scope = "plot"
	ScopeBoth  Scope = "both"
)

// Match controls whether all or any keywords must match.
type Match string

const (
	MatchAll Match = "all"
	MatchAny Match = "any"
)

// ErrEmptyQuery is returned when normalization leaves no keywords.
var ErrEmptyQuery = errors.New("search: query has no keywords after normalization")

// Query describes one search request.
type Query struct {
	Text     string
	Scope    Scope
	Match    Match
	PageSize int
}

func (q Query) withDefaults() Query {
	if q.Scope == "" {
		q.Scope = ScopeBoth
	}
	if q.Match == "" {
		q.Match = MatchAll
	}
	if q.PageSize <= 0 {
		q.PageSize = 50
	}
	return q
}

// Result is one ranked hit.
type Result struct {
	MediaItem models.MediaItem
	Tier      int
}

// Service implements SearchEngine against the shared store.
type Service struct {
	db                  *store.Store
	captureSearchHistory bool
}

// New builds a SearchEngine service. captureSearchHistory controls
// whether executed queries are materialized as lists (spec §4.2,
// configurable per SPEC_FULL.md §A search settings).
func New(db *store.Store, captureSearchHistory bool) *Service {
	return &Service{db: db, captureSearchHistory: captureSearchHistory}
}

// Search evaluates a query against indexed media items, ranks the
// matches, and — when capture is enabled and at least one result was
// found — persists the query as a new list under the reserved Search
// History folder.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	q = q.withDefaults()

	keywords := normalizer.Keywords(q.Text)
	if len(keywords) == 0 {
		return nil, ErrEmptyQuery
	}

	candidates, err := store.SearchCandidates(ctx, s.db.DB())
	if err != nil {
		return nil, fmt.Errorf("search: load candidates: %w", err)
	}

	results := rank(candidates, keywords, q)

	if q.PageSize < len(results) {
		results = results[:q.PageSize]
	}

	if s.captureSearchHistory && len(results) > 0 {
		if err := s.captureQuery(ctx, keywords, results); err != nil {
			return results, fmt.Errorf("search: capture history: %w", err)
		}
	}

	return results, nil
}

func rank(candidates []models.MediaItem, keywords []string, q Query) []Result {
	var hits []Result
	for _, item := range candidates {
		tier, matched := classify(item, keywords, q)
		if matched {
			hits = append(hits, Result{MediaItem: item, Tier: tier})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Tier != hits[j].Tier {
			return hits[i].Tier < hits[j].Tier
		}
		return normalizer.Text(hits[i].MediaItem.Title) < normalizer.Text(hits[j].MediaItem.Title)
	})

	return hits
}

// classify implements the matching and ranking tiers (spec §4.2). For
// match=all, every keyword must be present in at least one enabled field
// of the item, but keywords may be satisfied across different fields
// collectively (spec §8 scenario 3: "Knight Rider" / "Dark car" matches
// "dark knight" even though neither field alone contains both keywords).
// Tiers: 1 = all keywords in title alone, 2 = some keywords in title
// (match=any only), 3 = all keywords in plot alone, 4 = some keywords in
// plot, or (match=all) all keywords covered only by combining fields.
func classify(item models.MediaItem, keywords []string, q Query) (tier int, matched bool) {
	title := normalizer.Text(item.Title)
	plot := normalizer.Text(item.Plot)

	titleEnabled := q.Scope == ScopeTitle || q.Scope == ScopeBoth
	plotEnabled := q.Scope == ScopePlot || q.Scope == ScopeBoth

	titleHits := 0
	if titleEnabled {
		titleHits = countMatches(title, keywords)
	}
	plotHits := 0
	if plotEnabled {
		plotHits = countMatches(plot, keywords)
	}

	switch q.Match {
	case MatchAll:
		if titleEnabled && titleHits == len(keywords) {
			return 1, true
		}
		if plotEnabled && plotHits == len(keywords) {
			return 3, true
		}
		if titleEnabled && plotEnabled && coveredAcrossFields(title, plot, keywords) {
			return 4, true
		}
		return 0, false
	default: // MatchAny
		if titleHits == len(keywords) {
			return 1, true
		}
		if titleHits > 0 {
			return 2, true
		}
		if plotHits == len(keywords) {
			return 3, true
		}
		if plotHits > 0 {
			return 4, true
		}
		return 0, false
	}
}

func countMatches(normalizedField string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(normalizedField, kw) {
			n++
		}
	}
	return n
}

// coveredAcrossFields reports whether every keyword appears in the title
// or the plot, even if no single field contains all of them.
func coveredAcrossFields(title, plot string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(title, kw) && !strings.Contains(plot, kw) {
			return false
		}
	}
	return true
}

func (s *Service) captureQuery(ctx context.Context, keywords []string, results []Result) error {
	listName := "Search: " + strings.Join(keywords, " ")

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		reservedID, err := store.ReservedFolderID(ctx, tx)
		if err != nil {
			return fmt.Errorf("resolve reserved folder: %w", err)
		}

		listID, err := store.CreateList(ctx, tx, listName, &reservedID)
		if err != nil {
			if errors.Is(err, store.ErrDuplicateName) {
				// Same keyword set searched twice; give this run its own
				// list rather than silently merging into the old one.
				listID, err = store.CreateList(ctx, tx, listName+" ("+strconv.FormatInt(time.Now().UnixNano(), 36)+")", &reservedID)
				if err != nil {
					return fmt.Errorf("create disambiguated search list: %w", err)
				}
			} else {
				return fmt.Errorf("create search list: %w", err)
			}
		}

		for i, r := range results {
			if err := store.AddListItemAtPosition(ctx, tx, listID, r.MediaItem.ID, i+1); err != nil {
				return fmt.Errorf("add search result %d: %w", r.MediaItem.ID, err)
			}
		}
		return nil
	})
}
