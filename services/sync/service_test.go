package sync_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/kcook98765/librarygenie/httpclient"
	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
	"github.com/kcook98765/librarygenie/services/sync"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedLibraryItem(t *testing.T, db *store.Store, hostID int64, imdb string) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := store.UpsertLibraryItem(context.Background(), tx, models.MediaItem{
			MediaType: models.MediaTypeMovie, HostLibraryID: &hostID, Title: imdb, IMDbID: imdb,
		}, 1)
		return err
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// TestNormalizeIMDb covers spec §4.5's "reject before hashing" boundary.
func TestNormalizeIMDb(t *testing.T) {
	cases := map[string]bool{
		"tt1234567": true,
		"TT99":      true,
		"nm123":     false,
		"tt":        false,
		"":          false,
	}
	for raw, wantOK := range cases {
		_, ok := sync.NormalizeIMDb(raw)
		if ok != wantOK {
			t.Errorf("NormalizeIMDb(%q) ok = %v, want %v", raw, ok, wantOK)
		}
	}
}

// TestRunReconcilesDelta exercises end-to-end scenario 4 from spec §8: the
// local set {tt1,tt2,tt3} vs. server {tt2,tt3,tt4} yields one add [tt1] and
// one remove [tt4].
func TestRunReconcilesDelta(t *testing.T) {
	db := openTestStore(t)
	seedLibraryItem(t, db, 1, "tt1")
	seedLibraryItem(t, db, 2, "tt2")
	seedLibraryItem(t, db, 3, "tt3")

	fake := httpclient.NewFake()
	base := "https://sync.example.test"

	fake.SetResponse("GET", base+"/library/version", httpclient.Response{
		StatusCode: 200,
		Body:       jsonBody(t, map[string]any{"version": "7", "etag": "abc", "item_count": 3}),
	})
	fake.SetResponse("GET", base+"/library/ids?page=1&page_size=1000", httpclient.Response{
		StatusCode: 200,
		Body: jsonBody(t, map[string]any{
			"imdb_ids": []string{"tt2", "tt3", "tt4"},
			"version":  "7", "etag": "abc", "total": 3, "page": 1,
		}),
	})
	fake.SetResponse("POST", base+"/library/add", httpclient.Response{
		StatusCode: 200,
		Body:       jsonBody(t, map[string]any{"added": 1, "version": "8", "etag": "def2"}),
	})
	fake.SetResponse("POST", base+"/library/remove", httpclient.Response{
		StatusCode: 200,
		Body:       jsonBody(t, map[string]any{"removed": 1, "version": "9", "etag": "def"}),
	})

	svc := sync.New(db, fake, sync.Options{ServerURL: base, TokenType: "Bearer", AccessToken: "tok"})
	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	state, err := store.GetSyncState(context.Background(), db.DB())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	want := map[string]bool{"tt1": true, "tt2": true, "tt3": true}
	if len(state.LocalSnapshot) != len(want) {
		t.Fatalf("expected snapshot of 3, got %v", state.LocalSnapshot)
	}
	for _, id := range state.LocalSnapshot {
		if !want[id] {
			t.Fatalf("unexpected id %q in snapshot %v", id, state.LocalSnapshot)
		}
	}

	n, err := store.PendingOperationCount(context.Background(), db.DB())
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected queue drained, got %d pending", n)
	}
}

// TestRunNoOpWhenEtagAndSnapshotMatch covers the "two successive syncs
// without external change" idempotence law of spec §8.
func TestRunNoOpWhenEtagAndSnapshotMatch(t *testing.T) {
	db := openTestStore(t)
	seedLibraryItem(t, db, 1, "tt1")

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return store.PutSyncState(context.Background(), tx, models.SyncState{
			LocalSnapshot: []string{"tt1"},
			ServerETag:    "same-etag",
		})
	})
	if err != nil {
		t.Fatalf("seed sync state: %v", err)
	}

	fake := httpclient.NewFake()
	base := "https://sync.example.test"
	fake.SetResponse("GET", base+"/library/version", httpclient.Response{
		StatusCode: 200,
		Body:       jsonBody(t, map[string]any{"version": "1", "etag": "same-etag", "item_count": 1}),
	})

	svc := sync.New(db, fake, sync.Options{ServerURL: base, TokenType: "Bearer", AccessToken: "tok"})
	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(fake.Requests) != 1 {
		t.Fatalf("expected only the version probe to run, got %d requests", len(fake.Requests))
	}
}

// TestRunKeepsPendingOnNetworkFailure covers scenario 5 of spec §8: a
// transient failure leaves the op queued with an incremented retry count
// and an unchanged idempotency key.
func TestRunKeepsPendingOnNetworkFailure(t *testing.T) {
	db := openTestStore(t)
	seedLibraryItem(t, db, 1, "tt1")

	fake := httpclient.NewFake()
	base := "https://sync.example.test"
	fake.SetResponse("GET", base+"/library/version", httpclient.Response{
		StatusCode: 200,
		Body:       jsonBody(t, map[string]any{"version": "1", "etag": "x", "item_count": 0}),
	})
	fake.SetResponse("GET", base+"/library/ids?page=1&page_size=1000", httpclient.Response{
		StatusCode: 200,
		Body:       jsonBody(t, map[string]any{"imdb_ids": []string{}, "version": "1", "etag": "x", "total": 0, "page": 1}),
	})
	fake.SetResponse("POST", base+"/library/add", httpclient.Response{StatusCode: 503})

	svc := sync.New(db, fake, sync.Options{
		ServerURL: base, TokenType: "Bearer", AccessToken: "tok",
		MaxConsecutiveFailures: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond,
	})
	err := svc.Run(context.Background())
	if err == nil {
		t.Fatalf("expected ErrTooManyFailures, got nil")
	}

	ops, err := store.NextPendingOperations(context.Background(), db.DB(), 10)
	if err != nil {
		t.Fatalf("load pending: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 pending op to remain queued, got %d", len(ops))
	}
	if ops[0].RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", ops[0].RetryCount)
	}
	key := ops[0].IdempotencyKey

	// Restart cycle, same failure: key must be unchanged.
	err = svc.Run(context.Background())
	if err == nil {
		t.Fatalf("expected second run to also fail")
	}
	ops, err = store.NextPendingOperations(context.Background(), db.DB(), 10)
	if err != nil {
		t.Fatalf("load pending (2): %v", err)
	}
	if len(ops) != 1 || ops[0].IdempotencyKey != key {
		t.Fatalf("idempotency key must be preserved across retries")
	}
}
