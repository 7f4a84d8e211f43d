// Package scanner implements the Scanner component (spec §4.1): pulling
// light-property items from a providers.Provider, upserting them into the
// store, sweeping stale rows after a successful full scan, and serving
// on-demand heavy-metadata fetches through a bounded cache.
package scanner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
	"github.com/kcook98765/librarygenie/providers"
)

// ErrScanInProgress is returned when a scan is requested while another is
// still running; the state machine (spec §4.1) only permits one at a time.
var ErrScanInProgress = errors.New("scanner: scan already in progress")

// State mirrors the scanner's state machine (spec §4.1): IDLE → FETCHING →
// UPSERTING → SWEEPING → LOGGING → IDLE, with FAILED as a terminal state
// reachable from any step.
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateUpserting State = "upserting"
	StateSweeping  State = "sweeping"
	StateLogging   State = "logging"
	StateFailed    State = "failed"
)

// Options tunes scan behavior; zero values fall back to spec defaults.
type Options struct {
	PageSize             int
	MaxConcurrentFetches int
	HeavyCacheSize       int
	RetryAttempts        uint
	RetryDelay           time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 200
	}
	if o.MaxConcurrentFetches <= 0 {
		o.MaxConcurrentFetches = 4
	}
	if o.HeavyCacheSize <= 0 {
		o.HeavyCacheSize = 500
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// Service runs scans against a single provider and persists results via
// the store.
type Service struct {
	db       *store.Store
	provider providers.Provider
	opts     Options

	mu    sync.Mutex
	state State

	heavyCache *lru.Cache[string, models.ExtendedMetadata]
}

// New builds a scanner Service.
func New(db *store.Store, provider providers.Provider, opts Options) (*Service, error) {
	opts = opts.withDefaults()

	cache, err := lru.New[string, models.ExtendedMetadata](opts.HeavyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("scanner: build heavy cache: %w", err)
	}

	return &Service{
		db:         db,
		provider:   provider,
		opts:       opts,
		state:      StateIdle,
		heavyCache: cache,
	}, nil
}

// State reports the current scan state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// endScan returns the state machine to IDLE after a scan, leaving FAILED
// in place when the scan failed so State reports it until the next scan.
func (s *Service) endScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed {
		s.state = StateIdle
	}
}

func (s *Service) beginScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateFailed {
		return ErrScanInProgress
	}
	s.state = StateFetching
	return nil
}

// FullScan walks every page of every requested media type, upserting each
// item, then sweeps rows the scan did not touch and rebuilds the identifier
// mapping (spec §4.1 full_scan). A failure skips the sweep and remap, so
// no existing row is deleted; items upserted before the failure stay
// committed.
func (s *Service) FullScan(ctx context.Context, mediaTypes []models.MediaType) (models.ScanLog, error) {
	if err := s.beginScan(); err != nil {
		return models.ScanLog{}, err
	}
	defer s.endScan()

	startedAt := time.Now()
	var scanID int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := store.InsertScanLog(ctx, tx, models.ScanTypeFull, startedAt)
		scanID = id
		return err
	})
	if err != nil {
		return models.ScanLog{}, fmt.Errorf("scanner: start scan log: %w", err)
	}

	var added, updated int
	for _, mt := range mediaTypes {
		n, err := s.fetchAndUpsertAll(ctx, mt, scanID)
		if err != nil {
			s.setState(StateFailed)
			s.finishScanLog(ctx, scanID, startedAt, added, updated, 0, err)
			return models.ScanLog{}, fmt.Errorf("scanner: full scan %s: %w", mt, err)
		}
		added += n
	}

	s.setState(StateSweeping)
	var removed int64
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := store.SweepStaleLibraryItems(ctx, tx, mediaTypes, scanID)
		if err != nil {
			return err
		}
		removed = n
		return store.RemapIdentifierMappings(ctx, tx, mediaTypes)
	})
	if err != nil {
		s.setState(StateFailed)
		s.finishScanLog(ctx, scanID, startedAt, added, updated, int(removed), err)
		return models.ScanLog{}, fmt.Errorf("scanner: sweep/remap: %w", err)
	}

	s.setState(StateLogging)
	s.finishScanLog(ctx, scanID, startedAt, added, updated, int(removed), nil)

	return models.ScanLog{ID: scanID, ScanType: models.ScanTypeFull, StartedAt: startedAt, Added: added, Removed: int(removed)}, nil
}

// DeltaScan pages through a provider's change feed when it implements
// providers.DeltaProvider, falling back to a full scan otherwise (spec
// §4.1 delta_scan: "falls back to full_scan if the provider lacks change
// tokens").
func (s *Service) DeltaScan(ctx context.Context, mediaTypes []models.MediaType, sinceTokens map[models.MediaType]string) (models.ScanLog, error) {
	deltaProvider, ok := s.provider.(providers.DeltaProvider)
	if !ok {
		log.Printf("[scanner] provider does not support change tokens, falling back to full scan")
		return s.FullScan(ctx, mediaTypes)
	}

	if err := s.beginScan(); err != nil {
		return models.ScanLog{}, err
	}
	defer s.endScan()

	startedAt := time.Now()
	var scanID int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := store.InsertScanLog(ctx, tx, models.ScanTypeDelta, startedAt)
		scanID = id
		return err
	})
	if err != nil {
		return models.ScanLog{}, fmt.Errorf("scanner: start delta scan log: %w", err)
	}

	var added, removed int
	for _, mt := range mediaTypes {
		n, r, err := s.fetchAndUpsertDelta(ctx, deltaProvider, mt, sinceTokens[mt], scanID)
		if err != nil {
			s.setState(StateFailed)
			s.finishScanLog(ctx, scanID, startedAt, added, 0, removed, err)
			return models.ScanLog{}, fmt.Errorf("scanner: delta scan %s: %w", mt, err)
		}
		added += n
		removed += r
	}

	s.setState(StateLogging)
	s.finishScanLog(ctx, scanID, startedAt, added, 0, removed, nil)

	return models.ScanLog{ID: scanID, ScanType: models.ScanTypeDelta, StartedAt: startedAt, Added: added, Removed: removed}, nil
}

// CheckVersionMigration compares the provider's reported version against
// the last scanned version and triggers a full scan on mismatch (spec §4.1
// version_migrate).
func (s *Service) CheckVersionMigration(ctx context.Context, lastVersion int, mediaTypes []models.MediaType) (int, bool, error) {
	v, err := retryResult(ctx, s.opts, func() (int, error) { return s.provider.Version(ctx) })
	if err != nil {
		return 0, false, fmt.Errorf("scanner: check version: %w", err)
	}
	if v == lastVersion {
		return v, false, nil
	}

	log.Printf("[scanner] provider version changed %d -> %d, triggering full scan", lastVersion, v)
	if _, err := s.FullScan(ctx, mediaTypes); err != nil {
		return v, true, err
	}
	return v, true, nil
}

// GetHeavy returns the cached heavy-metadata bag for an item, refreshing
// from the provider and the store if missing (spec §4.1 get_heavy).
func (s *Service) GetHeavy(ctx context.Context, mediaType models.MediaType, hostLibraryID int64) (models.ExtendedMetadata, error) {
	cacheKey := heavyCacheKey(mediaType, hostLibraryID)
	if bag, ok := s.heavyCache.Get(cacheKey); ok {
		return bag, nil
	}

	if bag, found, err := store.GetExtendedMetadata(ctx, s.db.DB(), mediaType, hostLibraryID); err == nil && found {
		s.heavyCache.Add(cacheKey, bag)
		return bag, nil
	}

	bag, err := retryResult(ctx, s.opts, func() (models.ExtendedMetadata, error) {
		return s.provider.GetExtended(ctx, mediaType, hostLibraryID)
	})
	if err != nil {
		return models.ExtendedMetadata{}, fmt.Errorf("scanner: fetch heavy metadata: %w", err)
	}
	bag.MediaType = mediaType
	bag.HostLibraryID = hostLibraryID
	bag.FetchedAt = time.Now()

	if err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.PutExtendedMetadata(ctx, tx, bag)
	}); err != nil {
		log.Printf("[scanner] failed to persist heavy metadata for %s/%d: %v", mediaType, hostLibraryID, err)
	}

	s.heavyCache.Add(cacheKey, bag)
	return bag, nil
}

func heavyCacheKey(mediaType models.MediaType, hostLibraryID int64) string {
	return fmt.Sprintf("%s:%d", mediaType, hostLibraryID)
}

// fetchAndUpsertAll pages the provider, warming the heavy-metadata cache
// concurrently (bounded by MaxConcurrentFetches) for each page as it
// arrives, and upserts every item sequentially against the store's single
// writer connection.
func (s *Service) fetchAndUpsertAll(ctx context.Context, mediaType models.MediaType, scanID int64) (int, error) {
	pages, err := s.fetchAllPages(ctx, mediaType)
	if err != nil {
		return 0, err
	}

	s.setState(StateUpserting)
	count := 0
	for _, page := range pages {
		for _, item := range page.Items {
			err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
				_, err := store.UpsertLibraryItem(ctx, tx, item.ToMediaItem(), scanID)
				return err
			})
			if err != nil {
				return count, fmt.Errorf("upsert %s host=%d: %w", mediaType, item.HostLibraryID, err)
			}
			count++
		}
	}
	return count, nil
}

// fetchAllPages walks List() cursor-by-cursor. Pages are fetched serially
// (the cursor chain is inherently sequential), but each page's heavy-field
// refreshes are fanned out and warmed into the heavy cache concurrently,
// bounded by MaxConcurrentFetches via sourcegraph/conc's pool, so a later
// GetHeavy call for an item just scanned is likely to hit cache instead of
// round-tripping the provider again.
func (s *Service) fetchAllPages(ctx context.Context, mediaType models.MediaType) ([]providers.Page, error) {
	var pages []providers.Page
	cursor := ""
	for {
		page, err := retryResult(ctx, s.opts, func() (providers.Page, error) {
			return s.provider.List(ctx, mediaType, cursor, s.opts.PageSize)
		})
		if err != nil {
			return nil, fmt.Errorf("list %s at cursor %q: %w", mediaType, cursor, err)
		}
		s.concurrentFetch(ctx, page.Items, mediaType)
		pages = append(pages, page)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return pages, nil
}

// fetchAndUpsertDelta pages the provider's change feed, upserting added or
// updated items and removing ones explicitly marked removed.
func (s *Service) fetchAndUpsertDelta(ctx context.Context, dp providers.DeltaProvider, mediaType models.MediaType, sinceToken string, scanID int64) (added, removed int, err error) {
	cursor := ""
	for {
		var page providers.Page
		var nextToken string
		page, nextToken, err = dp.ListChanges(ctx, mediaType, sinceToken, cursor, s.opts.PageSize)
		if err != nil {
			return added, removed, fmt.Errorf("list changes %s: %w", mediaType, err)
		}

		for _, item := range page.Items {
			if item.Removed {
				txErr := s.db.WithTx(ctx, func(tx *sql.Tx) error {
					existing, getErr := store.GetMediaItemByHostID(ctx, tx, mediaType, item.HostLibraryID)
					if getErr != nil {
						if getErr == sql.ErrNoRows {
							return nil
						}
						return getErr
					}
					_, delErr := tx.ExecContext(ctx, `DELETE FROM media_items WHERE id = ?`, existing.ID)
					return delErr
				})
				if txErr != nil {
					return added, removed, fmt.Errorf("delete removed item: %w", txErr)
				}
				removed++
				continue
			}

			txErr := s.db.WithTx(ctx, func(tx *sql.Tx) error {
				_, err := store.UpsertLibraryItem(ctx, tx, item.ToMediaItem(), scanID)
				return err
			})
			if txErr != nil {
				return added, removed, fmt.Errorf("upsert delta item: %w", txErr)
			}
			added++
		}

		if page.NextCursor == "" {
			sinceToken = nextToken
			break
		}
		cursor = page.NextCursor
	}
	return added, removed, nil
}

func (s *Service) finishScanLog(ctx context.Context, scanID int64, startedAt time.Time, added, updated, removed int, scanErr error) {
	errText := ""
	if scanErr != nil {
		errText = scanErr.Error()
	}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.FinishScanLog(ctx, tx, scanID, time.Now(), added, updated, removed, errText)
	})
	if err != nil {
		log.Printf("[scanner] failed to finalize scan log %d: %v", scanID, err)
	}
}

func retryResult[T any](ctx context.Context, opts Options, fn func() (T, error)) (T, error) {
	var result T
	err := retry.Do(
		func() error {
			v, err := fn()
			if err != nil {
				return err
			}
			result = v
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(opts.RetryAttempts),
		retry.Delay(opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
	)
	return result, err
}

// concurrentFetch warms the heavy-metadata cache for a page of items
// across a bounded worker pool, for providers whose GetExtended is
// expensive enough to be worth prefetching rather than fetching lazily on
// the first GetHeavy call. Errors are logged, not propagated: a failed
// warm-up just means GetHeavy falls back to fetching on demand.
func (s *Service) concurrentFetch(ctx context.Context, items []providers.Item, mediaType models.MediaType) {
	p := pool.New().WithMaxGoroutines(s.opts.MaxConcurrentFetches).WithErrors().WithContext(ctx)
	for _, item := range items {
		item := item
		p.Go(func(ctx context.Context) error {
			_, err := s.GetHeavy(ctx, mediaType, item.HostLibraryID)
			return err
		})
	}
	if err := p.Wait(); err != nil {
		log.Printf("[scanner] concurrent heavy fetch: %v", err)
	}
}
