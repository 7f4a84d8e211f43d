package auth_test

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
	"github.com/kcook98765/librarygenie/services/auth"
)

func seedAuthState(t *testing.T, db *store.Store, token string, expiresAt *time.Time) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return store.PutAuthState(context.Background(), tx, models.AuthState{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresAt:   expiresAt,
		})
	})
	if err != nil {
		t.Fatalf("seed auth state: %v", err)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestPairPersistsValidatedCredentials(t *testing.T) {
	db := openTestStore(t)
	fake := httpclient.NewFake()
	base := "https://auth.example.test"

	fake.SetResponse("POST", base+"/auth/pair", httpclient.Response{
		StatusCode: 200,
		Body: jsonBody(t, map[string]any{
			"access_token": "tok-abc123", "token_type": "Bearer", "scope": "library",
			"server_url": base, "expires_in": 3600,
		}),
	})
	fake.SetResponse("GET", base+"/auth/whoami", httpclient.Response{
		StatusCode: 200,
		Body:       jsonBody(t, map[string]any{"user_id": "u1", "scope": "library"}),
	})

	svc := auth.New(db, fake, auth.Options{ServerURL: base})
	state, err := svc.Pair(context.Background(), "ABCD1234")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if state.AccessToken != "tok-abc123" {
		t.Fatalf("unexpected access token %q", state.AccessToken)
	}
	if state.ExpiresAt == nil {
		t.Fatalf("expected expiry to be set from expires_in")
	}

	stored, ok, err := store.GetAuthState(context.Background(), db.DB())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if !ok || stored.AccessToken != "tok-abc123" {
		t.Fatalf("expected persisted state, got %+v ok=%v", stored, ok)
	}
}

func TestPairRejectedByValidation(t *testing.T) {
	db := openTestStore(t)
	fake := httpclient.NewFake()
	base := "https://auth.example.test"

	fake.SetResponse("POST", base+"/auth/pair", httpclient.Response{
		StatusCode: 200,
		Body:       jsonBody(t, map[string]any{"access_token": "bad-tok", "token_type": "Bearer"}),
	})
	fake.SetResponse("GET", base+"/auth/whoami", httpclient.Response{StatusCode: 401})

	svc := auth.New(db, fake, auth.Options{ServerURL: base})
	if _, err := svc.Pair(context.Background(), "ABCD1234"); err == nil {
		t.Fatalf("expected pair to fail when whoami rejects the new token")
	}

	_, ok, err := store.GetAuthState(context.Background(), db.DB())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if ok {
		t.Fatalf("expected no state persisted after failed validation")
	}
}

func TestRefreshIfNeededSkipsPermanentToken(t *testing.T) {
	db := openTestStore(t)
	fake := httpclient.NewFake()

	svc := auth.New(db, fake, auth.Options{ServerURL: "https://auth.example.test"})
	seedAuthState(t, db, "permanent-tok", nil)

	if err := svc.RefreshIfNeeded(context.Background()); err != nil {
		t.Fatalf("expected no-op refresh for permanent token, got %v", err)
	}
	if len(fake.Requests) != 0 {
		t.Fatalf("expected no requests for a permanent token, got %d", len(fake.Requests))
	}
}

func TestRefreshIfNeededClearsStateOnFailure(t *testing.T) {
	db := openTestStore(t)
	fake := httpclient.NewFake()
	base := "https://auth.example.test"
	fake.SetResponse("POST", base+"/auth/refresh", httpclient.Response{StatusCode: 401})

	expiringSoon := time.Now().Add(time.Minute)
	seedAuthState(t, db, "expiring-tok", &expiringSoon)

	svc := auth.New(db, fake, auth.Options{ServerURL: base})
	if err := svc.RefreshIfNeeded(context.Background()); err == nil {
		t.Fatalf("expected refresh failure to surface")
	}

	_, ok, err := store.GetAuthState(context.Background(), db.DB())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if ok {
		t.Fatalf("expected credentials cleared after refresh failure")
	}
}
