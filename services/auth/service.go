// Package auth implements the AuthTokens component (spec §4.6): the
// device/pair-code exchange, token persistence, and refresh lifecycle
// used by the SyncReconciler and remote search.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kcook98765/librarygenie/httpclient"
	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
)

// ErrNotPaired is returned when an operation needs a stored token but
// none exists.
var ErrNotPaired = errors.New("auth: not paired with remote")

// ErrPairingFailed is returned when the remote rejects a pairing code.
var ErrPairingFailed = errors.New("auth: pairing exchange rejected")

// RefreshMargin is how far ahead of expiry a token is proactively
// refreshed (spec §4.6 Refresh: "refreshed when now + 5m > expires_at").
const RefreshMargin = 5 * time.Minute

// Options configures the auth client.
type Options struct {
	ServerURL      string
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return o
}

// Service implements AuthTokens against the shared store and a remote
// pairing/refresh endpoint.
type Service struct {
	db     *store.Store
	client httpclient.Client
	opts   Options
}

// New builds an AuthTokens Service.
func New(db *store.Store, client httpclient.Client, opts Options) *Service {
	return &Service{db: db, client: client, opts: opts.withDefaults()}
}

// pairResponse is the body returned by the pairing-code exchange
// endpoint: an access token, the server's canonical URL, and an optional
// relative expires_in (spec §4.6 Device/pair-code flow). An absolute
// expiry is only taken from a JWT `exp` claim (see expiryFromResponse).
type pairResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	ServerURL   string `json:"server_url"`
	ExpiresIn   int    `json:"expires_in"`
}

// whoamiResponse is the body returned by the validation probe.
type whoamiResponse struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
}

// Pair exchanges an 8-character pairing code for credentials, validates
// them against the whoami endpoint, and persists the resulting AuthState
// (spec §4.6 Pairing + Validation).
func (s *Service) Pair(ctx context.Context, code string) (models.AuthState, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return models.AuthState{}, fmt.Errorf("auth: encode pairing request: %w", err)
	}

	resp, err := s.request(ctx, "POST", "/auth/pair", body, "")
	if err != nil {
		return models.AuthState{}, fmt.Errorf("auth: pairing request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.AuthState{}, fmt.Errorf("%w: status %d", ErrPairingFailed, resp.StatusCode)
	}

	var parsed pairResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return models.AuthState{}, fmt.Errorf("auth: decode pairing response: %w", err)
	}
	if parsed.TokenType == "" {
		parsed.TokenType = "Bearer"
	}

	state := models.AuthState{
		AccessToken: parsed.AccessToken,
		TokenType:   parsed.TokenType,
		Scope:       parsed.Scope,
		ServerURL:   firstNonEmpty(parsed.ServerURL, s.opts.ServerURL),
		ExpiresAt:   expiryFromResponse(parsed.AccessToken, parsed.ExpiresIn),
	}

	if _, err := s.validate(ctx, state); err != nil {
		return models.AuthState{}, fmt.Errorf("auth: validate new credentials: %w", err)
	}

	if err := s.persist(ctx, state); err != nil {
		return models.AuthState{}, err
	}

	log.Printf("[auth] paired successfully, token=%s", state.Redacted())
	return state, nil
}

// Validate probes the whoami endpoint with the currently stored token,
// returning the remote user id on success.
func (s *Service) Validate(ctx context.Context) (string, error) {
	state, ok, err := store.GetAuthState(ctx, s.db.DB())
	if err != nil {
		return "", fmt.Errorf("auth: load state: %w", err)
	}
	if !ok {
		return "", ErrNotPaired
	}
	return s.validate(ctx, state)
}

func (s *Service) validate(ctx context.Context, state models.AuthState) (string, error) {
	resp, err := s.request(ctx, "GET", "/auth/whoami", nil, bearerHeader(state))
	if err != nil {
		return "", fmt.Errorf("auth: whoami request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("auth: whoami rejected with status %d", resp.StatusCode)
	}
	var who whoamiResponse
	if err := json.Unmarshal(resp.Body, &who); err != nil {
		return "", fmt.Errorf("auth: decode whoami response: %w", err)
	}
	return who.UserID, nil
}

// RefreshIfNeeded refreshes the stored token when it is permanent-less
// and within RefreshMargin of expiry, clearing state on an unrecoverable
// refresh failure (spec §4.6 Refresh).
func (s *Service) RefreshIfNeeded(ctx context.Context) error {
	state, ok, err := store.GetAuthState(ctx, s.db.DB())
	if err != nil {
		return fmt.Errorf("auth: load state: %w", err)
	}
	if !ok {
		return ErrNotPaired
	}

	// Tokens without an expiry are treated as permanent (spec §4.6).
	if state.ExpiresAt == nil {
		return nil
	}
	if time.Now().Add(RefreshMargin).Before(*state.ExpiresAt) {
		return nil
	}

	body, err := json.Marshal(map[string]string{"access_token": state.AccessToken})
	if err != nil {
		return fmt.Errorf("auth: encode refresh request: %w", err)
	}
	resp, err := s.request(ctx, "POST", "/auth/refresh", body, bearerHeader(state))
	if err != nil {
		return s.clearOnFailure(ctx, fmt.Errorf("auth: refresh request: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.clearOnFailure(ctx, fmt.Errorf("auth: refresh rejected with status %d", resp.StatusCode))
	}

	var parsed pairResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return s.clearOnFailure(ctx, fmt.Errorf("auth: decode refresh response: %w", err))
	}
	if parsed.TokenType == "" {
		parsed.TokenType = state.TokenType
	}

	refreshed := models.AuthState{
		AccessToken: parsed.AccessToken,
		TokenType:   parsed.TokenType,
		Scope:       firstNonEmpty(parsed.Scope, state.Scope),
		ServerURL:   state.ServerURL,
		ExpiresAt:   expiryFromResponse(parsed.AccessToken, parsed.ExpiresIn),
	}

	if err := s.persist(ctx, refreshed); err != nil {
		return err
	}
	log.Printf("[auth] refreshed token=%s", refreshed.Redacted())
	return nil
}

// clearOnFailure wipes stored credentials after an unrecoverable refresh
// failure (spec §4.6: "failures mark the token invalid and clear state")
// and returns the triggering error.
func (s *Service) clearOnFailure(ctx context.Context, cause error) error {
	if err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.ClearAuthState(ctx, tx)
	}); err != nil {
		return fmt.Errorf("%w (and failed to clear state: %v)", cause, err)
	}
	log.Printf("[auth] cleared credentials after refresh failure: %v", cause)
	return cause
}

func (s *Service) persist(ctx context.Context, state models.AuthState) error {
	if err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.PutAuthState(ctx, tx, state)
	}); err != nil {
		return fmt.Errorf("auth: persist state: %w", err)
	}
	return nil
}

func (s *Service) request(ctx context.Context, method, path string, body []byte, authHeader string) (httpclient.Response, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	if authHeader != "" {
		headers["Authorization"] = authHeader
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	return s.client.Do(reqCtx, httpclient.Request{
		Method:  method,
		URL:     s.opts.ServerURL + path,
		Headers: headers,
		Body:    body,
	})
}

func bearerHeader(state models.AuthState) string {
	tokenType := state.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + state.AccessToken
}

// expiryFromResponse prefers an opportunistic `exp` claim extracted from a
// JWT-shaped access token (spec-full §B: cross-pack golang-jwt/v5 wiring),
// falling back to the server-supplied expires_in. A non-expiring token
// (neither present) returns nil, meaning "permanent" per spec §4.6.
func expiryFromResponse(accessToken string, expiresIn int) *time.Time {
	if exp, ok := jwtExpiry(accessToken); ok {
		return &exp
	}
	if expiresIn > 0 {
		t := time.Now().Add(time.Duration(expiresIn) * time.Second)
		return &t
	}
	return nil
}

// jwtExpiry opportunistically parses the `exp` registered claim out of a
// JWT-shaped token without verifying its signature — the remote is the
// issuer and signing key is not ours to hold; we only read the claim the
// issuer already committed to.
func jwtExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
