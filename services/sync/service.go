// Package sync implements the SyncReconciler component (spec §4.5):
// differential reconciliation between the local set of source=lib IMDb
// IDs and a remote service's set, using ETag/version negotiation, an
// idempotent batched add/remove protocol (the "V1" protocol per spec §9's
// Open Question resolution), and a durable pending-operation queue for
// offline recovery.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/kcook98765/librarygenie/httpclient"
	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
)

// ErrUnauthorized is returned when the remote rejects the access token
// (spec §4.5 Authorization failures, §7 AuthError): the caller must
// trigger an AuthTokens refresh and retry on the next cycle.
var ErrUnauthorized = errors.New("sync: remote rejected access token")

// ErrTooManyFailures is returned when a cycle aborts after exceeding the
// consecutive-failure budget (spec §4.5 Rate limiting and backoff). The
// pending queue is left untouched for the next cycle.
var ErrTooManyFailures = errors.New("sync: aborted after too many consecutive failures")

var imdbPattern = regexp.MustCompile(`^tt\d+$`)

// NormalizeIMDb lower-cases and validates an IMDb id against spec §4.5's
// fingerprinting rule, returning ok=false for anything not shaped tt\d+ —
// such ids are filtered before hashing and never sent to the remote.
func NormalizeIMDb(raw string) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if !imdbPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// Options tunes reconciler behavior; zero values fall back to spec
// defaults.
type Options struct {
	ServerURL               string
	TokenType               string
	AccessToken             string
	ChunkSize               int
	PageSize                int
	MaxConsecutiveFailures  int
	BackoffBase             time.Duration
	BackoffCap              time.Duration
	RequestTimeout          time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 5000
	}
	if o.ChunkSize > 10000 {
		o.ChunkSize = 10000
	}
	if o.PageSize <= 0 {
		o.PageSize = 1000
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	return o
}

// Service runs reconciliation cycles against a single remote.
type Service struct {
	db     *store.Store
	client httpclient.Client
	opts   Options
}

// New builds a SyncReconciler Service.
func New(db *store.Store, client httpclient.Client, opts Options) *Service {
	return &Service{db: db, client: client, opts: opts.withDefaults()}
}

// versionResponse is the body of GET /library/version (spec §6.2).
type versionResponse struct {
	Version   string `json:"version"`
	ETag      string `json:"etag"`
	ItemCount int    `json:"item_count"`
}

// idsResponse is the body of GET /library/ids (spec §6.2).
type idsResponse struct {
	IMDbIDs []string `json:"imdb_ids"`
	Version string   `json:"version"`
	ETag    string   `json:"etag"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
}

// batchResponse is the common shape of POST /library/add and
// POST /library/remove responses (spec §6.2): the field names differ
// (added/removed, already_present/not_found) but are read generically
// here via per-operation accessors.
type batchResponse struct {
	Added          int      `json:"added"`
	Removed        int      `json:"removed"`
	AlreadyPresent int      `json:"already_present"`
	NotFound       int      `json:"not_found"`
	Invalid        []string `json:"invalid"`
	Version        string   `json:"version"`
	ETag           string   `json:"etag"`
	ItemCount      int      `json:"item_count"`
	RetryAfterMs   int      `json:"retry_after_ms"`
}

// Run executes one reconciliation cycle (spec §4.5 Protocol, steps 1-6).
// It returns nil when the cycle completes (including the no-op "etag and
// snapshot both match" fast path), ErrUnauthorized on a 401 (the caller
// should trigger AuthTokens.Refresh and try again next cycle), and
// ErrTooManyFailures if consecutive transient failures exceed the budget.
func (s *Service) Run(ctx context.Context) error {
	state, err := store.GetSyncState(ctx, s.db.DB())
	if err != nil {
		return fmt.Errorf("sync: load state: %w", err)
	}

	localSet, err := store.LibraryIMDbSet(ctx, s.db.DB())
	if err != nil {
		return fmt.Errorf("sync: load local imdb set: %w", err)
	}
	local := normalizeSet(localSet)

	// A prior cycle may have left pending operations queued after a
	// transient failure (spec §8 scenario 5). Resume draining those with
	// their original idempotency keys rather than recomputing the diff —
	// re-diffing here would enqueue duplicate ops for the same ids.
	pendingCount, err := store.PendingOperationCount(ctx, s.db.DB())
	if err != nil {
		return fmt.Errorf("sync: count pending operations: %w", err)
	}

	serverVer, serverETag := state.ServerVersion, state.ServerETag

	if pendingCount == 0 {
		ver, err := s.fetchVersion(ctx)
		if err != nil {
			return err
		}

		prevSet := sliceToSet(state.LocalSnapshot)
		if ver.ETag == state.ServerETag && setsEqual(local, prevSet) {
			// Step 1: nothing changed on either side; cycle ends (spec §4.5
			// step 1, and the "two successive syncs" idempotence law of §8).
			return nil
		}

		serverSet, srvVer, srvETag, err := s.fetchServerIDs(ctx, state.ServerETag, prevSet)
		if err != nil {
			return err
		}
		serverVer, serverETag = srvVer, srvETag

		toAdd, toRemove := diff(local, serverSet)
		if err := s.enqueue(ctx, models.SyncOpAdd, toAdd); err != nil {
			return err
		}
		if err := s.enqueue(ctx, models.SyncOpRemove, toRemove); err != nil {
			return err
		}
	}

	finalVersion, finalETag, err := s.drain(ctx, serverVer, serverETag)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.PutSyncState(ctx, tx, models.SyncState{
			LocalSnapshot: setToSortedSlice(local),
			ServerVersion: finalVersion,
			ServerETag:    finalETag,
			LastSyncAt:    time.Now().UTC(),
		})
	})
}

func (s *Service) fetchVersion(ctx context.Context) (versionResponse, error) {
	resp, err := s.do(ctx, "GET", "/library/version", nil, "")
	if err != nil {
		return versionResponse{}, err
	}
	var v versionResponse
	if err := json.Unmarshal(resp.Body, &v); err != nil {
		return versionResponse{}, fmt.Errorf("sync: decode version response: %w", err)
	}
	if v.ETag == "" {
		v.ETag = resp.Headers.Get("ETag")
	}
	return v, nil
}

// fetchServerIDs pages through GET /library/ids, honoring If-None-Match;
// a 304 means the server set equals the previously reconciled snapshot
// (spec §4.5 step 2).
func (s *Service) fetchServerIDs(ctx context.Context, etag string, prevSet map[string]struct{}) (map[string]struct{}, string, string, error) {
	page := 1
	set := make(map[string]struct{})
	var version, respETag string

	for {
		path := fmt.Sprintf("/library/ids?page=%d&page_size=%d", page, s.opts.PageSize)
		resp, err := s.do(ctx, "GET", path, nil, etag)
		if err != nil {
			return nil, "", "", err
		}
		if resp.StatusCode == 304 {
			return prevSet, version, etag, nil
		}

		var body idsResponse
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, "", "", fmt.Errorf("sync: decode ids response: %w", err)
		}
		for _, id := range body.IMDbIDs {
			if norm, ok := NormalizeIMDb(id); ok {
				set[norm] = struct{}{}
			}
		}
		version, respETag = body.Version, body.ETag

		if len(body.IMDbIDs) < s.opts.PageSize || body.Total <= page*s.opts.PageSize {
			break
		}
		page++
	}
	return set, version, respETag, nil
}

// enqueue chunks ids into ≤ ChunkSize batches and durably records one
// PendingOperation per chunk with a fresh idempotency key (spec §4.5
// step 4).
func (s *Service) enqueue(ctx context.Context, op models.SyncOperation, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for start := 0; start < len(ids); start += s.opts.ChunkSize {
		end := start + s.opts.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		key := uuid.NewString()
		err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := store.EnqueuePendingOperation(ctx, tx, op, chunk, key)
			return err
		})
		if err != nil {
			return fmt.Errorf("sync: enqueue %s chunk: %w", op, err)
		}
	}
	return nil
}

// drain processes the pending queue strictly in FIFO order (spec §5
// "adds and removes are not reordered relative to each other"), each
// operation run on a pool capped at one in-flight request so ordering is
// preserved even though the drain loop is expressed with conc's worker
// pool idiom rather than a bare for-loop.
func (s *Service) drain(ctx context.Context, version, etag string) (string, string, error) {
	consecutiveFailures := 0

	for {
		ops, err := store.NextPendingOperations(ctx, s.db.DB(), 1)
		if err != nil {
			return version, etag, fmt.Errorf("sync: load pending operations: %w", err)
		}
		if len(ops) == 0 {
			break
		}
		op := ops[0]

		p := pool.New().WithMaxGoroutines(1).WithErrors().WithContext(ctx)
		var result batchResponse
		var drained bool
		p.Go(func(ctx context.Context) error {
			r, d, err := s.sendBatch(ctx, op)
			result, drained = r, d
			return err
		})
		err = p.Wait()

		switch {
		case err == nil && drained:
			consecutiveFailures = 0
			if result.Version != "" {
				version = result.Version
			}
			if result.ETag != "" {
				etag = result.ETag
			}
			if delErr := s.db.WithTx(ctx, func(tx *sql.Tx) error {
				return store.DeletePendingOperation(ctx, tx, op.ID)
			}); delErr != nil {
				return version, etag, fmt.Errorf("sync: delete drained op: %w", delErr)
			}

		case errors.Is(err, ErrUnauthorized):
			return version, etag, err

		case isNonRetryable(err):
			// 4xx other than 409/429: drop the op and record (spec §4.5
			// step 5, §7 ValidationError policy).
			log.Printf("[sync] dropping non-retryable op %d (%s): %v", op.ID, op.Operation, err)
			if delErr := s.db.WithTx(ctx, func(tx *sql.Tx) error {
				return store.DeletePendingOperation(ctx, tx, op.ID)
			}); delErr != nil {
				return version, etag, fmt.Errorf("sync: delete rejected op: %w", delErr)
			}

		default:
			// NetworkError/5xx/429/timeout: leave queued, bump retry_count,
			// back off, and count toward the consecutive-failure budget.
			if incErr := s.db.WithTx(ctx, func(tx *sql.Tx) error {
				return store.IncrementRetryCount(ctx, tx, op.ID)
			}); incErr != nil {
				return version, etag, fmt.Errorf("sync: bump retry count: %w", incErr)
			}
			consecutiveFailures++
			if consecutiveFailures >= s.opts.MaxConsecutiveFailures {
				return version, etag, ErrTooManyFailures
			}
			s.backoffSleep(ctx, consecutiveFailures)
		}
	}

	return version, etag, nil
}

// sendBatch issues a single POST /library/add or /library/remove request
// for one pending operation, returning the parsed response and whether it
// drained (succeeded) rather than needing a retry or drop.
func (s *Service) sendBatch(ctx context.Context, op models.PendingOperation) (batchResponse, bool, error) {
	path := "/library/add"
	bodyKey := "imdb_ids"
	if op.Operation == models.SyncOpRemove {
		path = "/library/remove"
	}

	body, err := json.Marshal(map[string]any{bodyKey: op.IMDbIDs})
	if err != nil {
		return batchResponse{}, false, fmt.Errorf("sync: encode batch body: %w", err)
	}

	resp, err := s.doWithIdempotency(ctx, "POST", path, body, op.IdempotencyKey)
	if err != nil {
		return batchResponse{}, false, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed batchResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return batchResponse{}, false, fmt.Errorf("sync: decode batch response: %w", err)
		}
		return parsed, true, nil

	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return batchResponse{}, false, ErrUnauthorized

	case resp.StatusCode == 429:
		return batchResponse{}, false, fmt.Errorf("rate limited: %w", errRetryable)

	case resp.StatusCode == 409:
		return batchResponse{}, false, fmt.Errorf("conflict: %w", errRetryable)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return batchResponse{}, false, fmt.Errorf("rejected (status %d): %w", resp.StatusCode, errNonRetryable)

	default:
		return batchResponse{}, false, fmt.Errorf("server error (status %d): %w", resp.StatusCode, errRetryable)
	}
}

var errRetryable = errors.New("retryable")
var errNonRetryable = errors.New("non-retryable")

func isNonRetryable(err error) bool {
	return err != nil && errors.Is(err, errNonRetryable)
}

func (s *Service) backoffSleep(ctx context.Context, attempt int) {
	delay := s.opts.BackoffBase * time.Duration(1<<uint(attempt-1))
	if delay > s.opts.BackoffCap {
		delay = s.opts.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	delay += jitter

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (s *Service) do(ctx context.Context, method, path string, body []byte, ifNoneMatch string) (httpclient.Response, error) {
	headers := map[string]string{
		"Authorization": s.opts.TokenType + " " + s.opts.AccessToken,
	}
	if ifNoneMatch != "" {
		headers["If-None-Match"] = ifNoneMatch
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	resp, err := s.client.Do(reqCtx, httpclient.Request{
		Method:  method,
		URL:     s.opts.ServerURL + path,
		Headers: headers,
		Body:    body,
	})
	if err == nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
		return resp, ErrUnauthorized
	}
	return resp, err
}

func (s *Service) doWithIdempotency(ctx context.Context, method, path string, body []byte, idempotencyKey string) (httpclient.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	return s.client.Do(reqCtx, httpclient.Request{
		Method: method,
		URL:    s.opts.ServerURL + path,
		Headers: map[string]string{
			"Authorization":    s.opts.TokenType + " " + s.opts.AccessToken,
			"Idempotency-Key":  idempotencyKey,
			"Content-Type":     "application/json",
		},
		Body: body,
	})
}

func normalizeSet(raw map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(raw))
	for id := range raw {
		if norm, ok := NormalizeIMDb(id); ok {
			out[norm] = struct{}{}
		}
	}
	return out
}

func sliceToSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func setToSortedSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// diff computes to_add = local \ server and to_remove = server \ local
// (spec §4.5 step 3), returned as sorted slices for deterministic
// chunking and test assertions.
func diff(local, server map[string]struct{}) (toAdd, toRemove []string) {
	for id := range local {
		if _, ok := server[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for id := range server {
		if _, ok := local[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)
	return toAdd, toRemove
}
